package models

import (
	"encoding/json"
	"time"
)

// CanonicalStatus is the normalized delivery lifecycle stage of a package.
type CanonicalStatus string

const (
	StatusPending        CanonicalStatus = "PENDING"
	StatusInTransit      CanonicalStatus = "IN_TRANSIT"
	StatusOutForDelivery CanonicalStatus = "OUT_FOR_DELIVERY"
	StatusDelivered      CanonicalStatus = "DELIVERED"
	StatusAnomaly        CanonicalStatus = "ANOMALY"
)

var AllStatuses = []CanonicalStatus{
	StatusPending,
	StatusInTransit,
	StatusOutForDelivery,
	StatusDelivered,
	StatusAnomaly,
}

func (s CanonicalStatus) String() string {
	return string(s)
}

func (s CanonicalStatus) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether the package will not move any further.
func (s CanonicalStatus) Terminal() bool {
	return s == StatusDelivered
}

// TrackingEvent is one entry of a carrier trace, most recent first.
type TrackingEvent struct {
	Timestamp   time.Time `json:"time"`
	Description string    `json:"description"`
	Location    *string   `json:"location,omitempty"`
}

// LatestEventAt returns the newest timestamp in events, zero if there are none.
func LatestEventAt(events []TrackingEvent) time.Time {
	var latest time.Time
	for _, e := range events {
		if e.Timestamp.After(latest) {
			latest = e.Timestamp
		}
	}
	return latest
}

type PackageRecord struct {
	ID              uint64          `json:"id"`
	TrackingNumber  string          `json:"trackingNumber"`
	CarrierID       *string         `json:"carrierId,omitempty"`
	CanonicalStatus CanonicalStatus `json:"canonicalStatus"`
	RawPayload      json.RawMessage `json:"rawPayload,omitempty"`
	AnomalyFlag     bool            `json:"anomalyFlag"`
	LatestEventAt   *time.Time      `json:"latestEventAt,omitempty"`
	LastSyncedAt    *time.Time      `json:"lastSyncedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type PackageCreateInput struct {
	TrackingNumber string
	CarrierID      *string
}

// StatusUpdate is the result of one worker run, applied to a single record.
type StatusUpdate struct {
	TrackingNumber  string
	CanonicalStatus CanonicalStatus
	RawPayload      json.RawMessage
	AnomalyFlag     bool
	// LatestEventAt is the freshness watermark of RawPayload. Zero means the
	// payload carries no events.
	LatestEventAt time.Time
	FetchedAt     time.Time
}

type UpsertResult struct {
	Record *PackageRecord
	// Applied is false when the update was older than (or identical to) the
	// stored state and nothing was written.
	Applied bool
}

func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func DerefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
