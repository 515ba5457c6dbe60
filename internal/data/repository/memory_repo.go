package repository

import (
	"context"
	"sync"
	"time"

	"otp-dispatcher/internal/data/entity"
)

// MemoryDeliveryRepository keeps deliveries in process. Used with
// STORE_DRIVER=memory and in tests.
type MemoryDeliveryRepository struct {
	mu         sync.Mutex
	deliveries map[string]entity.Delivery
	attempts   []entity.DeliveryAttempt
}

func NewMemoryDeliveryRepository() *MemoryDeliveryRepository {
	return &MemoryDeliveryRepository{
		deliveries: make(map[string]entity.Delivery),
	}
}

func (r *MemoryDeliveryRepository) FindDelivered(_ context.Context, key string) (*entity.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[key]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (r *MemoryDeliveryRepository) MarkDelivered(_ context.Context, d *entity.Delivery) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.deliveries[d.IdempotencyKey]; ok {
		return false, nil
	}
	r.deliveries[d.IdempotencyKey] = *d
	return true, nil
}

func (r *MemoryDeliveryRepository) LogAttempt(_ context.Context, a *entity.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts = append(r.attempts, *a)
	return nil
}

func (r *MemoryDeliveryRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for key, d := range r.deliveries {
		if d.ExpiresAt.Before(before) {
			delete(r.deliveries, key)
			removed++
		}
	}

	cutoff := before.Add(-entity.OTPTTL)
	kept := r.attempts[:0]
	for _, a := range r.attempts {
		if !a.CreatedAt.Before(cutoff) {
			kept = append(kept, a)
		}
	}
	r.attempts = kept

	return removed, nil
}

// Attempts returns a copy of the attempt log.
func (r *MemoryDeliveryRepository) Attempts() []entity.DeliveryAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]entity.DeliveryAttempt, len(r.attempts))
	copy(out, r.attempts)
	return out
}
