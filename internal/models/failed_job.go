package models

import (
	"encoding/json"
	"time"
)

const (
	FailureReasonPermanent = "permanent"
	FailureReasonExhausted = "exhausted"
)

// FailedJob is a refresh job that reached a terminal failure.
type FailedJob struct {
	ID             string          `json:"id"`
	JobID          string          `json:"jobId"`
	TrackingNumber string          `json:"trackingNumber"`
	Payload        json.RawMessage `json:"payload"`
	Reason         string          `json:"reason"`
	Error          string          `json:"error"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"createdAt"`
}
