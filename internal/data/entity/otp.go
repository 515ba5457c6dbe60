package entity

import (
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// OTPTTL is the fixed validity window of an issued code.
const OTPTTL = 10 * time.Minute

// OTPRequest identifies one OTP issuance handed to the dispatcher.
type OTPRequest struct {
	Recipient string    `json:"email" validate:"required,email"`
	Code      string    `json:"otp" validate:"required,max=64"`
	IssuedAt  time.Time `json:"issued_at"`
}

func (r *OTPRequest) ExpiresAt() time.Time {
	return r.IssuedAt.Add(OTPTTL)
}

// NormalizedRecipient lower-cases and trims the address so "A@x.io " and
// "a@x.io" share one idempotency key.
func (r *OTPRequest) NormalizedRecipient() string {
	return strings.ToLower(strings.TrimSpace(r.Recipient))
}

// IdempotencyKey digests (recipient, code). The raw code never reaches the store.
func (r *OTPRequest) IdempotencyKey() string {
	sum := blake2b.Sum256([]byte(r.NormalizedRecipient() + "\x00" + r.Code))
	return hex.EncodeToString(sum[:])
}
