package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"otp-dispatcher/internal/data/entity"
	"otp-dispatcher/pkg/database"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// DeliveryRepository is the idempotency/status store for dispatched codes.
type DeliveryRepository interface {
	// FindDelivered returns the delivery recorded for key, or nil.
	FindDelivered(ctx context.Context, key string) (*entity.Delivery, error)
	// MarkDelivered records d unless key is already delivered. It reports
	// whether this call won the write.
	MarkDelivered(ctx context.Context, d *entity.Delivery) (bool, error)
	LogAttempt(ctx context.Context, a *entity.DeliveryAttempt) error
	// DeleteExpired drops deliveries and attempts whose code expired before t.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type deliveryRepository struct {
	db  database.PgxIface
	log *zap.Logger
}

func NewDeliveryRepository(db database.PgxIface, log *zap.Logger) DeliveryRepository {
	return &deliveryRepository{
		db:  db,
		log: log.With(zap.String("repository", "delivery")),
	}
}

func (r *deliveryRepository) FindDelivered(ctx context.Context, key string) (*entity.Delivery, error) {
	query := `
		SELECT id, idempotency_key, recipient, attempts,
		       delivered_at, expires_at, created_at
		FROM otp_deliveries
		WHERE idempotency_key = $1
	`

	var d entity.Delivery
	err := r.db.QueryRow(ctx, query, key).Scan(
		&d.ID,
		&d.IdempotencyKey,
		&d.Recipient,
		&d.Attempts,
		&d.DeliveredAt,
		&d.ExpiresAt,
		&d.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.log.Error("Failed to find delivery",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
		return nil, fmt.Errorf("find delivery %s: %w", key, err)
	}

	return &d, nil
}

func (r *deliveryRepository) MarkDelivered(ctx context.Context, d *entity.Delivery) (bool, error) {
	query := `
		INSERT INTO otp_deliveries (id, idempotency_key, recipient, attempts,
		                            delivered_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	result, err := r.db.Exec(ctx, query,
		d.ID,
		d.IdempotencyKey,
		d.Recipient,
		d.Attempts,
		d.DeliveredAt,
		d.ExpiresAt,
		d.CreatedAt,
	)
	if err != nil {
		r.log.Error("Failed to mark delivery",
			zap.Error(err),
			zap.String("idempotency_key", d.IdempotencyKey),
		)
		return false, fmt.Errorf("mark delivered %s: %w", d.IdempotencyKey, err)
	}

	return result.RowsAffected() == 1, nil
}

func (r *deliveryRepository) LogAttempt(ctx context.Context, a *entity.DeliveryAttempt) error {
	query := `
		INSERT INTO otp_delivery_attempts (id, idempotency_key, recipient, attempt,
		                                   status, error_message, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Exec(ctx, query,
		a.ID,
		a.IdempotencyKey,
		a.Recipient,
		a.Attempt,
		string(a.Status),
		a.Error,
		a.Duration.Milliseconds(),
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("log attempt %d for %s: %w", a.Attempt, a.IdempotencyKey, err)
	}

	return nil
}

func (r *deliveryRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}
	defer tx.Rollback(ctx)

	// an attempt is dead once the newest code it could belong to has expired
	_, err = tx.Exec(ctx, `
		DELETE FROM otp_delivery_attempts
		WHERE created_at < $1
	`, before.Add(-entity.OTPTTL))
	if err != nil {
		return 0, fmt.Errorf("delete expired attempts: %w", err)
	}

	result, err := tx.Exec(ctx, `
		DELETE FROM otp_deliveries
		WHERE expires_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired deliveries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}

	return result.RowsAffected(), nil
}
