package messages

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Reason string

const (
	ReasonCreated         Reason = "created"
	ReasonUpdated         Reason = "updated"
	ReasonManual          Reason = "manual"
	ReasonSweep           Reason = "sweep"
	ReasonDeadLetterRetry Reason = "dead_letter_retry"
)

// RefreshJob asks a worker to re-fetch one tracking number.
type RefreshJob struct {
	ID             string    `json:"id"`
	TrackingNumber string    `json:"trackingNumber"`
	CarrierID      *string   `json:"carrierId"`
	Attempt        int       `json:"attempt"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
	Reason         Reason    `json:"reason,omitempty"`
	CorrelationID  string    `json:"correlationId,omitempty"`

	// NotBefore delays delivery on backends without native delayed messages.
	NotBefore *time.Time `json:"notBefore,omitempty"`
}

func NewRefreshJob(trackingNumber string, carrierID *string, reason Reason) RefreshJob {
	return RefreshJob{
		ID:             uuid.NewString(),
		TrackingNumber: trackingNumber,
		CarrierID:      carrierID,
		EnqueuedAt:     time.Now().UTC(),
		Reason:         reason,
	}
}

// NextAttempt is the job as it should be redelivered after a failure.
func (j RefreshJob) NextAttempt(notBefore time.Time) RefreshJob {
	next := j
	next.Attempt = j.Attempt + 1
	if notBefore.IsZero() {
		next.NotBefore = nil
	} else {
		nb := notBefore.UTC()
		next.NotBefore = &nb
	}
	return next
}

func (j RefreshJob) Validate() error {
	if j.TrackingNumber == "" {
		return errors.New("refresh job: empty tracking number")
	}
	if j.Attempt < 0 {
		return errors.New("refresh job: negative attempt")
	}
	return nil
}

func (j RefreshJob) Marshal() ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "marshal refresh job")
	}
	return b, nil
}

func UnmarshalRefreshJob(b []byte) (RefreshJob, error) {
	var j RefreshJob
	if err := json.Unmarshal(b, &j); err != nil {
		return RefreshJob{}, errors.Wrap(err, "unmarshal refresh job")
	}
	if err := j.Validate(); err != nil {
		return RefreshJob{}, err
	}
	return j, nil
}
