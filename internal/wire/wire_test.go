package wire

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"otp-dispatcher/internal/data/repository"
	"otp-dispatcher/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingMailer struct {
	sent atomic.Int32
}

func (m *countingMailer) Send(context.Context, string, string, string) error {
	m.sent.Add(1)
	return nil
}

func newTestApp(t *testing.T) (*App, *countingMailer) {
	t.Helper()

	config := &utils.Config{
		App:       utils.AppConfig{Name: "FoundIt", TriggerToken: "trigger-secret"},
		RateLimit: utils.RateLimitConfig{RPS: 100, Burst: 100},
	}
	m := &countingMailer{}

	return Wiring(repository.NewRepository(nil, nil, zap.NewNop()), m, config, zap.NewNop()), m
}

func dispatch(app *App, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/otp/dispatch", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Dispatch(t *testing.T) {
	app, m := newTestApp(t)
	body := `{"email":"finder@example.com","otp":"482913"}`

	rec := dispatch(app, "trigger-secret", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"already_delivered":false`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = dispatch(app, "trigger-secret", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"already_delivered":true`)

	assert.Equal(t, int32(1), m.sent.Load())
}

func TestRouter_RequiresTriggerToken(t *testing.T) {
	app, m := newTestApp(t)

	rec := dispatch(app, "", `{"email":"finder@example.com","otp":"482913"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = dispatch(app, "wrong", `{"email":"finder@example.com","otp":"482913"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Zero(t, m.sent.Load())
}

func TestRouter_ExpiredCode(t *testing.T) {
	app, m := newTestApp(t)

	rec := dispatch(app, "trigger-secret", `{"email":"finder@example.com","otp":"482913","issued_at":"2020-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"expired"`)
	assert.Zero(t, m.sent.Load())
}

func TestRouter_Health(t *testing.T) {
	app, _ := newTestApp(t)

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
