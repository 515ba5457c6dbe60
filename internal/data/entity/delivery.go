package entity

import "time"

type AttemptStatus string

const (
	AttemptStatusSent   AttemptStatus = "sent"
	AttemptStatusFailed AttemptStatus = "failed"
)

// Delivery is the idempotency record written once per successful send.
type Delivery struct {
	BaseSimple
	IdempotencyKey string    `db:"idempotency_key"`
	Recipient      string    `db:"recipient"`
	Attempts       int       `db:"attempts"`
	DeliveredAt    time.Time `db:"delivered_at"`
	ExpiresAt      time.Time `db:"expires_at"`
}

// DeliveryAttempt is one audit row per call to the mail provider.
type DeliveryAttempt struct {
	BaseSimple
	IdempotencyKey string        `db:"idempotency_key"`
	Recipient      string        `db:"recipient"`
	Attempt        int           `db:"attempt"`
	Status         AttemptStatus `db:"status"`
	Error          string        `db:"error_message"`
	Duration       time.Duration `db:"duration_ms"`
}
