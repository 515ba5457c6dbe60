package request

import (
	"time"

	"otp-dispatcher/internal/data/entity"
)

// DispatchOTPRequest is the document-created payload: the document key is the
// recipient address and the body carries the code.
type DispatchOTPRequest struct {
	Email    string     `json:"email" validate:"required,email"`
	OTP      string     `json:"otp" validate:"required,max=64"`
	IssuedAt *time.Time `json:"issued_at,omitempty"`
}

// ToEntity falls back to receivedAt when the event carries no issue time.
func (r *DispatchOTPRequest) ToEntity(receivedAt time.Time) *entity.OTPRequest {
	issuedAt := receivedAt
	if r.IssuedAt != nil && !r.IssuedAt.IsZero() {
		issuedAt = *r.IssuedAt
	}

	return &entity.OTPRequest{
		Recipient: r.Email,
		Code:      r.OTP,
		IssuedAt:  issuedAt,
	}
}
