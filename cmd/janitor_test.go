package cmd

import (
	"context"
	"testing"
	"time"

	"otp-dispatcher/internal/data/entity"
	"otp-dispatcher/internal/data/repository"
	"otp-dispatcher/internal/wire"
	"otp-dispatcher/pkg/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopMailer struct{}

func (nopMailer) Send(context.Context, string, string, string) error { return nil }

func TestJanitor_PurgesExpired(t *testing.T) {
	deliveries := repository.NewMemoryDeliveryRepository()
	repo := &repository.Repository{Delivery: deliveries, Claim: repository.NewMemoryClaimRepository()}
	config := &utils.Config{RateLimit: utils.RateLimitConfig{RPS: 1, Burst: 1}}
	app := wire.Wiring(repo, nopMailer{}, config, zap.NewNop())

	stale := time.Now().Add(-time.Hour)
	_, err := deliveries.MarkDelivered(context.Background(), &entity.Delivery{
		BaseSimple:     entity.BaseSimple{ID: uuid.New(), CreatedAt: stale},
		IdempotencyKey: "k1",
		DeliveredAt:    stale,
		ExpiresAt:      stale.Add(entity.OTPTTL),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Janitor(ctx, app, 5*time.Millisecond, zap.NewNop()) }()

	require.Eventually(t, func() bool {
		d, _ := deliveries.FindDelivered(context.Background(), "k1")
		return d == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestJanitor_Disabled(t *testing.T) {
	assert.NoError(t, Janitor(context.Background(), nil, 0, zap.NewNop()))
}
