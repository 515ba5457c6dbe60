package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"otp-dispatcher/pkg/cache"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const claimNamespace = "otp_claim"

// Claim is a lease on one idempotency key. Only the holder may release it.
type Claim struct {
	Key   string
	Token string
}

// ClaimRepository serializes dispatches of the same key. A claim expires on
// its own after ttl so a crashed holder cannot block the key.
type ClaimRepository interface {
	// Acquire returns nil when another dispatch holds the key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Claim, error)
	Release(ctx context.Context, claim *Claim) error
}

type redisClaimRepository struct {
	cache *cache.Cache
	log   *zap.Logger
}

func NewRedisClaimRepository(c *cache.Cache, log *zap.Logger) ClaimRepository {
	return &redisClaimRepository{
		cache: c,
		log:   log.With(zap.String("repository", "claim")),
	}
}

func (r *redisClaimRepository) Acquire(ctx context.Context, key string, ttl time.Duration) (*Claim, error) {
	token := uuid.NewString()

	ok, err := r.cache.SetNX(ctx, claimNamespace, key, token, ttl)
	if err != nil {
		r.log.Error("Failed to acquire claim", zap.Error(err), zap.String("idempotency_key", key))
		return nil, fmt.Errorf("acquire claim %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}

	return &Claim{Key: key, Token: token}, nil
}

func (r *redisClaimRepository) Release(ctx context.Context, claim *Claim) error {
	released, err := r.cache.DeleteIfValue(ctx, claimNamespace, claim.Key, claim.Token)
	if err != nil {
		return fmt.Errorf("release claim %s: %w", claim.Key, err)
	}
	if !released {
		r.log.Warn("Claim expired before release", zap.String("idempotency_key", claim.Key))
	}
	return nil
}

// MemoryClaimRepository is the single-process ClaimRepository.
type MemoryClaimRepository struct {
	mu     sync.Mutex
	now    func() time.Time
	claims map[string]memoryClaim
}

type memoryClaim struct {
	token     string
	expiresAt time.Time
}

func NewMemoryClaimRepository() *MemoryClaimRepository {
	return &MemoryClaimRepository{
		now:    time.Now,
		claims: make(map[string]memoryClaim),
	}
}

func (r *MemoryClaimRepository) Acquire(_ context.Context, key string, ttl time.Duration) (*Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if held, ok := r.claims[key]; ok && now.Before(held.expiresAt) {
		return nil, nil
	}

	token := uuid.NewString()
	r.claims[key] = memoryClaim{token: token, expiresAt: now.Add(ttl)}
	return &Claim{Key: key, Token: token}, nil
}

func (r *MemoryClaimRepository) Release(_ context.Context, claim *Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if held, ok := r.claims[claim.Key]; ok && held.token == claim.Token {
		delete(r.claims, claim.Key)
	}
	return nil
}
