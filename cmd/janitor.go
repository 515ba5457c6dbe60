package cmd

import (
	"context"
	"time"

	"otp-dispatcher/internal/wire"

	"go.uber.org/zap"
)

// Janitor purges expired delivery records and idle rate-limit buckets every
// interval until ctx is cancelled.
func Janitor(ctx context.Context, app *wire.App, interval time.Duration, logger *zap.Logger) error {
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := app.Service.Dispatch.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Janitor run failed", zap.Error(err))
			}
			app.Limiter.Cleanup()
		}
	}
}
