package usecase

import "errors"

var (
	// ErrInvalidRequest: bad recipient, code or issue time. Never retried.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrExpired: the code's validity window has passed. Never retried.
	ErrExpired = errors.New("otp expired")
	// ErrDeliveryFailed: every send attempt failed, or one failed permanently.
	ErrDeliveryFailed = errors.New("delivery failed")
)
