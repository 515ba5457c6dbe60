package wire

import (
	"otp-dispatcher/internal/adaptor"
	"otp-dispatcher/pkg/middleware"
	"otp-dispatcher/pkg/utils"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func wireOTP(
	r chi.Router,
	otpHandler *adaptor.OTPHandler,
	limiter *middleware.RateLimiter,
	config *utils.Config,
	log *zap.Logger,
) {
	// trigger webhook: document created -> dispatch
	r.With(
		middleware.RateLimit(limiter, log),
		middleware.TriggerAuth(config.App.TriggerToken, log),
	).Post("/api/otp/dispatch", otpHandler.Dispatch)
}
