// internal/wire/wire.go
package wire

import (
	"net/http"

	"otp-dispatcher/internal/adaptor"
	"otp-dispatcher/internal/data/repository"
	"otp-dispatcher/internal/usecase"
	"otp-dispatcher/pkg/mailer"
	"otp-dispatcher/pkg/middleware"
	"otp-dispatcher/pkg/utils"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// App holds everything main needs to run the process
type App struct {
	Router  *chi.Mux
	Service *usecase.Service
	Limiter *middleware.RateLimiter
}

// Wiring builds services, handlers and the router
func Wiring(repo *repository.Repository, m mailer.Mailer, config *utils.Config, logger *zap.Logger) *App {
	service := usecase.NewService(repo, m, config, logger)
	handler := adaptor.NewHandler(service, logger)
	limiter := middleware.NewRateLimiter(config.RateLimit.RPS, config.RateLimit.Burst)

	router := setupRouter(handler, limiter, config, logger)

	return &App{
		Router:  router,
		Service: service,
		Limiter: limiter,
	}
}

// setupRouter konfigurasi Chi router
func setupRouter(
	handler *adaptor.Handler,
	limiter *middleware.RateLimiter,
	config *utils.Config,
	logger *zap.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	// Apply global middleware
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.CORS())

	// Apply routes
	wireOTP(r, handler.OTP, limiter, config, logger)

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}
