package repository

import (
	"otp-dispatcher/pkg/cache"
	"otp-dispatcher/pkg/database"

	"go.uber.org/zap"
)

type Repository struct {
	Delivery DeliveryRepository
	Claim    ClaimRepository
}

// NewRepository wires the durable stores. A nil db or cache selects the
// in-memory implementation for that store.
func NewRepository(db database.PgxIface, c *cache.Cache, log *zap.Logger) *Repository {
	repo := &Repository{}

	if db != nil {
		repo.Delivery = NewDeliveryRepository(db, log)
	} else {
		repo.Delivery = NewMemoryDeliveryRepository()
	}

	if c != nil {
		repo.Claim = NewRedisClaimRepository(c, log)
	} else {
		repo.Claim = NewMemoryClaimRepository()
	}

	return repo
}
