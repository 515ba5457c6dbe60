package response

import "time"

type DispatchStatus string

const (
	StatusDelivered      DispatchStatus = "delivered"
	StatusExpired        DispatchStatus = "expired"
	StatusDeliveryFailed DispatchStatus = "delivery_failed"
	StatusInvalidRequest DispatchStatus = "invalid_request"
)

// DispatchResult is the outcome of one dispatch. AlreadyDelivered marks an
// idempotent replay that sent nothing.
type DispatchResult struct {
	Status           DispatchStatus `json:"status"`
	Recipient        string         `json:"recipient,omitempty"`
	AlreadyDelivered bool           `json:"already_delivered"`
	Attempts         int            `json:"attempts"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	Error            string         `json:"error,omitempty"`
}
