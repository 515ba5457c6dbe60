package mailer

import (
	"context"
	"errors"
	"fmt"
)

// ErrPermanent marks a send failure that retrying cannot fix, such as a
// rejected recipient or bad credentials.
var ErrPermanent = errors.New("permanent send failure")

// Mailer sends one HTML email.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Permanent wraps err so errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
