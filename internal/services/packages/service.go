package packages

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/BearBump/parcelsync/internal/models"
	"github.com/pkg/errors"
)

const MaxTrackingNumberLen = 50

var ErrInvalidInput = errors.New("invalid input")

type Repository interface {
	CreateRecord(ctx context.Context, in models.PackageCreateInput) (*models.PackageRecord, error)
	GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.PackageRecord, error)
	ListRecords(ctx context.Context, limit, offset int) ([]*models.PackageRecord, error)
	UpdateCarrier(ctx context.Context, trackingNumber string, carrierID *string) (*models.PackageRecord, error)
	DeleteRecord(ctx context.Context, trackingNumber string) error
}

// Notifier is told about record changes that need a carrier refresh.
type Notifier interface {
	OnRecordCreated(ctx context.Context, trackingNumber string, carrierID *string)
	OnRecordUpdated(ctx context.Context, trackingNumber string, carrierID *string)
	OnManualResyncRequested(ctx context.Context, trackingNumber string)
}

type Service struct {
	repo     Repository
	notifier Notifier
}

func New(repo Repository, notifier Notifier) *Service {
	return &Service{repo: repo, notifier: notifier}
}

func normalizeTrackingNumber(tn string) (string, error) {
	tn = strings.TrimSpace(tn)
	if tn == "" {
		return "", errors.Wrap(ErrInvalidInput, "trackingNumber is required")
	}
	if utf8.RuneCountInString(tn) > MaxTrackingNumberLen {
		return "", errors.Wrapf(ErrInvalidInput, "trackingNumber is longer than %d characters", MaxTrackingNumberLen)
	}
	return tn, nil
}

func normalizeCarrier(carrierID *string) *string {
	if carrierID == nil {
		return nil
	}
	return models.StrPtr(strings.ToUpper(strings.TrimSpace(*carrierID)))
}

func (s *Service) Create(ctx context.Context, in models.PackageCreateInput) (*models.PackageRecord, error) {
	tn, err := normalizeTrackingNumber(in.TrackingNumber)
	if err != nil {
		return nil, err
	}
	rec, err := s.repo.CreateRecord(ctx, models.PackageCreateInput{
		TrackingNumber: tn,
		CarrierID:      normalizeCarrier(in.CarrierID),
	})
	if err != nil {
		return nil, err
	}
	s.notifier.OnRecordCreated(ctx, rec.TrackingNumber, rec.CarrierID)
	return rec, nil
}

func (s *Service) Get(ctx context.Context, trackingNumber string) (*models.PackageRecord, error) {
	tn, err := normalizeTrackingNumber(trackingNumber)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByTrackingNumber(ctx, tn)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*models.PackageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListRecords(ctx, limit, offset)
}

// UpdateCarrier changes the carrier and schedules a refresh against it.
func (s *Service) UpdateCarrier(ctx context.Context, trackingNumber string, carrierID *string) (*models.PackageRecord, error) {
	tn, err := normalizeTrackingNumber(trackingNumber)
	if err != nil {
		return nil, err
	}
	rec, err := s.repo.UpdateCarrier(ctx, tn, normalizeCarrier(carrierID))
	if err != nil {
		return nil, err
	}
	s.notifier.OnRecordUpdated(ctx, rec.TrackingNumber, rec.CarrierID)
	return rec, nil
}

func (s *Service) Delete(ctx context.Context, trackingNumber string) error {
	tn, err := normalizeTrackingNumber(trackingNumber)
	if err != nil {
		return err
	}
	return s.repo.DeleteRecord(ctx, tn)
}

// Resync only schedules the refresh; the record is updated asynchronously.
func (s *Service) Resync(ctx context.Context, trackingNumber string) error {
	tn, err := normalizeTrackingNumber(trackingNumber)
	if err != nil {
		return err
	}
	if _, err := s.repo.GetByTrackingNumber(ctx, tn); err != nil {
		return err
	}
	s.notifier.OnManualResyncRequested(ctx, tn)
	return nil
}
