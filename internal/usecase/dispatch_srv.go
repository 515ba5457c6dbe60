package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"otp-dispatcher/internal/data/entity"
	"otp-dispatcher/internal/data/repository"
	"otp-dispatcher/internal/dto/response"
	"otp-dispatcher/pkg/mailer"
	"otp-dispatcher/pkg/utils"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// storeTimeout bounds bookkeeping writes that run detached from the caller.
const storeTimeout = 5 * time.Second

type DispatchService interface {
	// Dispatch delivers req at most once per (recipient, code).
	Dispatch(ctx context.Context, req *entity.OTPRequest) (*response.DispatchResult, error)
	// PurgeExpired drops delivery records whose code has expired.
	PurgeExpired(ctx context.Context) (int64, error)
}

type DispatchOptions struct {
	AppName           string
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	AttemptTimeout    time.Duration
	ClockSkew         time.Duration
	ClaimTTL          time.Duration
	ClaimPollInterval time.Duration
}

// DispatchOptionsFromConfig fills zero values with the service defaults.
func DispatchOptionsFromConfig(appName string, cfg utils.DispatchConfig) DispatchOptions {
	opts := DispatchOptions{
		AppName:           appName,
		MaxAttempts:       cfg.MaxAttempts,
		BaseBackoff:       cfg.BaseBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		AttemptTimeout:    cfg.AttemptTimeout,
		ClockSkew:         cfg.ClockSkew,
		ClaimTTL:          cfg.ClaimTTL,
		ClaimPollInterval: cfg.ClaimPollInterval,
	}

	if opts.AppName == "" {
		opts.AppName = "FoundIt"
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = 10 * opts.BaseBackoff
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}
	if opts.ClockSkew < 0 {
		opts.ClockSkew = 0
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = time.Minute
	}
	if opts.ClaimPollInterval <= 0 {
		opts.ClaimPollInterval = 50 * time.Millisecond
	}

	return opts
}

type dispatchService struct {
	repo   *repository.Repository
	mailer mailer.Mailer
	opts   DispatchOptions
	log    *zap.Logger
	now    func() time.Time
}

func NewDispatchService(
	repo *repository.Repository,
	m mailer.Mailer,
	opts DispatchOptions,
	log *zap.Logger,
) DispatchService {
	return newDispatchService(repo, m, opts, log)
}

func newDispatchService(
	repo *repository.Repository,
	m mailer.Mailer,
	opts DispatchOptions,
	log *zap.Logger,
) *dispatchService {
	log = log.With(zap.String("service", "dispatch"))

	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	// a claim that lapses mid-send lets a duplicate send again
	if floor := opts.longestDispatch(); opts.ClaimTTL < floor {
		log.Warn("Claim TTL shorter than the longest dispatch, raising it",
			zap.Duration("configured", opts.ClaimTTL),
			zap.Duration("claim_ttl", floor),
		)
		opts.ClaimTTL = floor
	}

	return &dispatchService{
		repo:   repo,
		mailer: m,
		opts:   opts,
		log:    log,
		now:    time.Now,
	}
}

// longestDispatch bounds how long one holder can keep a claim: every attempt
// timing out, its attempt log write, every backoff wait and the final
// delivery record write.
func (o DispatchOptions) longestDispatch() time.Duration {
	total := time.Duration(o.MaxAttempts)*(o.AttemptTimeout+storeTimeout) + storeTimeout

	b := o.newBackOff()
	for i := 1; i < o.MaxAttempts; i++ {
		total += b.NextBackOff()
	}
	return total
}

// newBackOff is a deterministic exponential schedule: BaseBackoff doubling up
// to MaxBackoff.
func (o DispatchOptions) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.BaseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = o.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *dispatchService) Dispatch(ctx context.Context, req *entity.OTPRequest) (*response.DispatchResult, error) {
	// 1. Validate
	if err := s.validate(req); err != nil {
		s.log.Warn("Dispatch rejected", zap.Error(err))
		return &response.DispatchResult{
			Status: response.StatusInvalidRequest,
			Error:  err.Error(),
		}, err
	}

	recipient := req.NormalizedRecipient()
	key := req.IdempotencyKey()
	expiresAt := req.ExpiresAt()
	log := s.log.With(zap.String("recipient", recipient), zap.String("idempotency_key", key))

	// 2. Expiry
	if s.now().After(expiresAt) {
		err := fmt.Errorf("%w: code for %s expired at %s", ErrExpired, recipient, expiresAt.Format(time.RFC3339))
		log.Warn("Dispatch of expired code", zap.Time("expires_at", expiresAt))
		return &response.DispatchResult{
			Status:    response.StatusExpired,
			Recipient: recipient,
			ExpiresAt: &expiresAt,
			Error:     err.Error(),
		}, err
	}

	// 3. Idempotency check + claim
	claim, replay, err := s.claim(ctx, key)
	if err != nil {
		log.Error("Failed to claim dispatch", zap.Error(err))
		return nil, err
	}
	if replay != nil {
		log.Info("OTP already delivered, skipping send")
		return replay, nil
	}
	defer s.release(ctx, claim, log)

	// 4. Format + send
	return s.deliver(ctx, req, key, log)
}

func (s *dispatchService) PurgeExpired(ctx context.Context) (int64, error) {
	removed, err := s.repo.Delivery.DeleteExpired(ctx, s.now())
	if err != nil {
		s.log.Error("Failed to purge expired deliveries", zap.Error(err))
		return 0, err
	}

	if removed > 0 {
		s.log.Info("Purged expired deliveries", zap.Int64("removed", removed))
	}
	return removed, nil
}

// ==================== HELPER METHODS ====================

func (s *dispatchService) validate(req *entity.OTPRequest) error {
	if req == nil {
		return fmt.Errorf("%w: empty request", ErrInvalidRequest)
	}

	errs := utils.ValidateStruct(req)
	if errs == nil {
		errs = make(map[string]string)
	}

	if strings.TrimSpace(req.Code) == "" {
		errs["Code"] = "This field is required"
	}

	switch {
	case req.IssuedAt.IsZero():
		errs["IssuedAt"] = "This field is required"
	case req.IssuedAt.After(s.now().Add(s.opts.ClockSkew)):
		errs["IssuedAt"] = "Must not be in the future"
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, utils.FormatValidationErrors(errs))
	}
	return nil
}

// claim takes the send lease for key. When the key is (or becomes) delivered
// it returns a replay result instead. Losers poll until the holder finishes.
func (s *dispatchService) claim(ctx context.Context, key string) (*repository.Claim, *response.DispatchResult, error) {
	for {
		delivery, err := s.repo.Delivery.FindDelivered(ctx, key)
		if err != nil {
			return nil, nil, fmt.Errorf("check delivery: %w", err)
		}
		if delivery != nil {
			return nil, replayResult(delivery), nil
		}

		claim, err := s.repo.Claim.Acquire(ctx, key, s.opts.ClaimTTL)
		if err != nil {
			return nil, nil, err
		}

		if claim != nil {
			// the previous holder may have recorded its delivery between our lookup and the acquire
			delivery, err = s.repo.Delivery.FindDelivered(ctx, key)
			if err != nil || delivery != nil {
				s.release(ctx, claim, s.log)
				if err != nil {
					return nil, nil, fmt.Errorf("check delivery: %w", err)
				}
				return nil, replayResult(delivery), nil
			}
			return claim, nil, nil
		}

		if err := sleepCtx(ctx, s.opts.ClaimPollInterval); err != nil {
			return nil, nil, err
		}
	}
}

func (s *dispatchService) release(ctx context.Context, claim *repository.Claim, log *zap.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	if err := s.repo.Claim.Release(releaseCtx, claim); err != nil {
		// the claim TTL frees the key regardless
		log.Warn("Failed to release claim", zap.Error(err))
	}
}

func (s *dispatchService) deliver(
	ctx context.Context,
	req *entity.OTPRequest,
	key string,
	log *zap.Logger,
) (*response.DispatchResult, error) {
	recipient := req.NormalizedRecipient()
	expiresAt := req.ExpiresAt()

	msg, err := mailer.RenderOTP(s.opts.AppName, req.Code, entity.OTPTTL)
	if err != nil {
		log.Error("Failed to render OTP email", zap.Error(err))
		return nil, err
	}

	// cancelled before the first send: nothing goes out, nothing is written
	if err := ctx.Err(); err != nil {
		log.Info("Dispatch cancelled before send", zap.Error(err))
		return nil, err
	}

	var lastErr error
	attempts := 0
	to := strings.TrimSpace(req.Recipient)

	send := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		attempts++
		started := time.Now()
		err := s.sendOnce(ctx, to, msg)
		s.logAttempt(ctx, key, recipient, attempts, time.Since(started), err, log)
		if err == nil {
			return nil
		}

		lastErr = err
		if mailer.IsPermanent(err) {
			log.Warn("Permanent send failure, not retrying", zap.Int("attempt", attempts), zap.Error(err))
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		log.Warn("Transient send failure",
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", s.opts.MaxAttempts),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(s.opts.newBackOff(), uint64(s.opts.MaxAttempts-1)),
		ctx,
	)

	err = backoff.RetryNotify(send, policy, notify)
	if err == nil {
		return s.markDelivered(ctx, key, recipient, attempts, expiresAt, log), nil
	}

	if attempts == 0 {
		log.Info("Dispatch cancelled before send", zap.Error(err))
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) && !errors.Is(lastErr, ctxErr) {
		lastErr = fmt.Errorf("%w (last send error: %v)", err, lastErr)
	}

	err = fmt.Errorf("%w after %d attempt(s): %w", ErrDeliveryFailed, attempts, lastErr)
	log.Error("OTP delivery failed", zap.Int("attempts", attempts), zap.Error(lastErr))

	return &response.DispatchResult{
		Status:    response.StatusDeliveryFailed,
		Recipient: recipient,
		Attempts:  attempts,
		ExpiresAt: &expiresAt,
		Error:     err.Error(),
	}, err
}

// sendOnce runs one provider call under AttemptTimeout. A provider that
// ignores its context still loses the attempt when the timeout fires.
func (s *dispatchService) sendOnce(ctx context.Context, to string, msg mailer.Message) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.opts.AttemptTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.mailer.Send(attemptCtx, to, msg.Subject, msg.HTML)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("send timed out after %s: %w", s.opts.AttemptTimeout, err)
		}
		return err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("send timed out after %s: %w", s.opts.AttemptTimeout, attemptCtx.Err())
	}
}

func (s *dispatchService) markDelivered(
	ctx context.Context,
	key, recipient string,
	attempts int,
	expiresAt time.Time,
	log *zap.Logger,
) *response.DispatchResult {
	now := s.now()
	delivery := &entity.Delivery{
		BaseSimple: entity.BaseSimple{
			ID:        uuid.New(),
			CreatedAt: now,
		},
		IdempotencyKey: key,
		Recipient:      recipient,
		Attempts:       attempts,
		DeliveredAt:    now,
		ExpiresAt:      expiresAt,
	}

	result := &response.DispatchResult{
		Status:      response.StatusDelivered,
		Recipient:   recipient,
		Attempts:    attempts,
		DeliveredAt: &now,
		ExpiresAt:   &expiresAt,
	}

	// the email is out; record it even if the caller has gone away
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	won, err := s.repo.Delivery.MarkDelivered(storeCtx, delivery)
	switch {
	case err != nil:
		log.Error("OTP sent but delivery record failed", zap.Error(err))
		result.Error = fmt.Sprintf("delivered; recording delivery failed: %v", err)
	case !won:
		log.Warn("Delivery already recorded by a concurrent dispatch")
	default:
		log.Info("OTP email sent", zap.Int("attempts", attempts))
	}

	return result
}

func (s *dispatchService) logAttempt(
	ctx context.Context,
	key, recipient string,
	attempt int,
	took time.Duration,
	sendErr error,
	log *zap.Logger,
) {
	a := &entity.DeliveryAttempt{
		BaseSimple: entity.BaseSimple{
			ID:        uuid.New(),
			CreatedAt: s.now(),
		},
		IdempotencyKey: key,
		Recipient:      recipient,
		Attempt:        attempt,
		Status:         entity.AttemptStatusSent,
		Duration:       took,
	}
	if sendErr != nil {
		a.Status = entity.AttemptStatusFailed
		a.Error = sendErr.Error()
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	if err := s.repo.Delivery.LogAttempt(storeCtx, a); err != nil {
		log.Warn("Failed to log delivery attempt", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func replayResult(d *entity.Delivery) *response.DispatchResult {
	deliveredAt := d.DeliveredAt
	expiresAt := d.ExpiresAt
	return &response.DispatchResult{
		Status:           response.StatusDelivered,
		Recipient:        d.Recipient,
		AlreadyDelivered: true,
		Attempts:         d.Attempts,
		DeliveredAt:      &deliveredAt,
		ExpiresAt:        &expiresAt,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
