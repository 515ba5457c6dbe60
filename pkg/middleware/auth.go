package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"otp-dispatcher/pkg/utils"

	"go.uber.org/zap"
)

// TriggerAuth admits callers presenting the shared trigger token as a
// Bearer credential.
func TriggerAuth(token string, logger *zap.Logger) func(http.Handler) http.Handler {
	expected := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				utils.ResponseUnauthorized(w, "Missing authorization token")
				return
			}

			scheme, presented, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || presented == "" {
				utils.ResponseUnauthorized(w, "Invalid token format. Use: Bearer <token>")
				return
			}

			if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				logger.Warn("Rejected trigger call",
					zap.String("path", r.URL.Path),
					zap.String("ip", r.RemoteAddr),
				)
				utils.ResponseUnauthorized(w, "Invalid trigger token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
