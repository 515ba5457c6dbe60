package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"otp-dispatcher/internal/data/entity"
	"otp-dispatcher/internal/data/repository"
	"otp-dispatcher/internal/dto/response"
	"otp-dispatcher/pkg/mailer"
	"otp-dispatcher/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentMail struct {
	to, subject, body string
}

// fakeMailer fails the first len(failures) calls, then succeeds unless
// always is set.
type fakeMailer struct {
	mu       sync.Mutex
	calls    int
	failures []error
	always   error
	delay    time.Duration
	hang     bool
	sent     []sentMail
}

func (m *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()

	if m.hang {
		select {} // ignores ctx on purpose
	}

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if n <= len(m.failures) {
		return m.failures[n-1]
	}
	if m.always != nil {
		return m.always
	}

	m.mu.Lock()
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	m.mu.Unlock()
	return nil
}

func (m *fakeMailer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type failingMarkRepo struct {
	*repository.MemoryDeliveryRepository
}

func (r failingMarkRepo) MarkDelivered(context.Context, *entity.Delivery) (bool, error) {
	return false, errors.New("connection reset")
}

func testOptions() DispatchOptions {
	return DispatchOptions{
		AppName:           "FoundIt",
		MaxAttempts:       3,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        4 * time.Millisecond,
		AttemptTimeout:    200 * time.Millisecond,
		ClockSkew:         time.Minute,
		ClaimTTL:          5 * time.Second,
		ClaimPollInterval: time.Millisecond,
	}
}

func newTestService(t *testing.T, m mailer.Mailer) (*dispatchService, *repository.MemoryDeliveryRepository) {
	t.Helper()

	deliveries := repository.NewMemoryDeliveryRepository()
	repo := &repository.Repository{
		Delivery: deliveries,
		Claim:    repository.NewMemoryClaimRepository(),
	}
	return newDispatchService(repo, m, testOptions(), zap.NewNop()), deliveries
}

func validRequest() *entity.OTPRequest {
	return &entity.OTPRequest{
		Recipient: "finder@example.com",
		Code:      "482913",
		IssuedAt:  time.Now().Add(-time.Minute),
	}
}

func TestDispatch_Delivers(t *testing.T) {
	m := &fakeMailer{}
	svc, deliveries := newTestService(t, m)

	result, err := svc.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, response.StatusDelivered, result.Status)
	assert.False(t, result.AlreadyDelivered)
	assert.Equal(t, 1, result.Attempts)
	require.Len(t, m.sent, 1)
	assert.Equal(t, "finder@example.com", m.sent[0].to)
	assert.Equal(t, "Your FoundIt OTP Code", m.sent[0].subject)
	assert.Contains(t, m.sent[0].body, "OTP Code: 482913")
	assert.Contains(t, m.sent[0].body, "valid for 10 minutes")

	d, err := deliveries.FindDelivered(context.Background(), validRequest().IdempotencyKey())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Attempts)
}

func TestDispatch_IdempotentReplay(t *testing.T) {
	m := &fakeMailer{}
	svc, _ := newTestService(t, m)
	req := validRequest()

	first, err := svc.Dispatch(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, m.Calls())
	assert.Equal(t, response.StatusDelivered, first.Status)
	assert.Equal(t, response.StatusDelivered, second.Status)
	assert.False(t, first.AlreadyDelivered)
	assert.True(t, second.AlreadyDelivered)
}

func TestDispatch_ReplayIgnoresRecipientCase(t *testing.T) {
	m := &fakeMailer{}
	svc, _ := newTestService(t, m)

	req := validRequest()
	_, err := svc.Dispatch(context.Background(), req)
	require.NoError(t, err)

	upper := *req
	upper.Recipient = "Finder@Example.com"
	result, err := svc.Dispatch(context.Background(), &upper)
	require.NoError(t, err)

	assert.True(t, result.AlreadyDelivered)
	assert.Equal(t, 1, m.Calls())
}

func TestDispatch_ConcurrentDuplicatesSendOnce(t *testing.T) {
	m := &fakeMailer{delay: 20 * time.Millisecond}
	svc, _ := newTestService(t, m)
	req := validRequest()

	const n = 25
	results := make([]*response.DispatchResult, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dup := *req
			results[i], errs[i] = svc.Dispatch(context.Background(), &dup)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, m.Calls())

	fresh := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, response.StatusDelivered, results[i].Status)
		if !results[i].AlreadyDelivered {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestDispatch_DistinctRequestsDoNotInterfere(t *testing.T) {
	m := &fakeMailer{delay: 5 * time.Millisecond}
	svc, _ := newTestService(t, m)

	codes := []string{"111111", "222222", "333333", "444444", "555555"}

	var wg sync.WaitGroup
	for _, code := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			req := validRequest()
			req.Code = code
			result, err := svc.Dispatch(context.Background(), req)
			assert.NoError(t, err)
			assert.False(t, result.AlreadyDelivered)
		}(code)
	}
	wg.Wait()

	assert.Equal(t, len(codes), m.Calls())
}

func TestDispatch_Expired(t *testing.T) {
	m := &fakeMailer{}
	svc, _ := newTestService(t, m)

	req := validRequest()
	req.IssuedAt = time.Now().Add(-11 * time.Minute)

	result, err := svc.Dispatch(context.Background(), req)
	require.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, response.StatusExpired, result.Status)
	assert.Zero(t, m.Calls())
}

func TestDispatch_InvalidRequest(t *testing.T) {
	future := time.Now().Add(5 * time.Minute)

	tests := []struct {
		name string
		req  *entity.OTPRequest
	}{
		{"nil request", nil},
		{"bad email", &entity.OTPRequest{Recipient: "not-an-email", Code: "123456", IssuedAt: time.Now()}},
		{"empty code", &entity.OTPRequest{Recipient: "a@example.com", Code: "", IssuedAt: time.Now()}},
		{"blank code", &entity.OTPRequest{Recipient: "a@example.com", Code: "   ", IssuedAt: time.Now()}},
		{"missing issue time", &entity.OTPRequest{Recipient: "a@example.com", Code: "123456"}},
		{"issued in the future", &entity.OTPRequest{Recipient: "a@example.com", Code: "123456", IssuedAt: future}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMailer{}
			svc, _ := newTestService(t, m)

			result, err := svc.Dispatch(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Equal(t, response.StatusInvalidRequest, result.Status)
			assert.Zero(t, m.Calls())
		})
	}
}

func TestDispatch_WithinClockSkewIsAccepted(t *testing.T) {
	m := &fakeMailer{}
	svc, _ := newTestService(t, m)

	req := validRequest()
	req.IssuedAt = time.Now().Add(30 * time.Second)

	result, err := svc.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, response.StatusDelivered, result.Status)
}

func TestDispatch_RetriesThenDelivers(t *testing.T) {
	transient := errors.New("421 service not available")
	m := &fakeMailer{failures: []error{transient, transient}}
	svc, deliveries := newTestService(t, m)

	result, err := svc.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, response.StatusDelivered, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, m.Calls())

	attempts := deliveries.Attempts()
	require.Len(t, attempts, 3)
	assert.Equal(t, entity.AttemptStatusFailed, attempts[0].Status)
	assert.Equal(t, entity.AttemptStatusFailed, attempts[1].Status)
	assert.Equal(t, entity.AttemptStatusSent, attempts[2].Status)
}

func TestDispatch_ExhaustedRetries(t *testing.T) {
	boom := errors.New("connection refused")
	m := &fakeMailer{always: boom}
	svc, deliveries := newTestService(t, m)

	result, err := svc.Dispatch(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, response.StatusDeliveryFailed, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Contains(t, result.Error, "connection refused")
	assert.Equal(t, 3, m.Calls())

	d, err := deliveries.FindDelivered(context.Background(), validRequest().IdempotencyKey())
	require.NoError(t, err)
	assert.Nil(t, d)

	// nothing keeps running after the result is returned
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, m.Calls())
}

func TestDispatch_FailedDeliveryCanBeRetriedLater(t *testing.T) {
	boom := errors.New("connection refused")
	m := &fakeMailer{failures: []error{boom, boom, boom}}
	svc, _ := newTestService(t, m)

	_, err := svc.Dispatch(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrDeliveryFailed)

	result, err := svc.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, response.StatusDelivered, result.Status)
	assert.False(t, result.AlreadyDelivered)
}

func TestDispatch_PermanentFailureStopsRetrying(t *testing.T) {
	m := &fakeMailer{always: mailer.Permanent(errors.New("550 mailbox unavailable"))}
	svc, _ := newTestService(t, m)

	result, err := svc.Dispatch(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.ErrorIs(t, err, mailer.ErrPermanent)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, m.Calls())
}

func TestDispatch_AttemptTimeoutIsTransient(t *testing.T) {
	m := &fakeMailer{hang: true}
	svc, _ := newTestService(t, m)
	svc.opts.AttemptTimeout = 10 * time.Millisecond
	svc.opts.MaxAttempts = 2

	result, err := svc.Dispatch(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 2, m.Calls())
}

func TestDispatch_CancelledBeforeSend(t *testing.T) {
	m := &fakeMailer{}
	svc, deliveries := newTestService(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.Dispatch(ctx, validRequest())
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, result)
	assert.Zero(t, m.Calls())
	assert.Empty(t, deliveries.Attempts())

	d, err := deliveries.FindDelivered(context.Background(), validRequest().IdempotencyKey())
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestDispatch_CancelledDuringBackoff(t *testing.T) {
	m := &fakeMailer{always: errors.New("timeout")}
	svc, _ := newTestService(t, m)
	svc.opts.BaseBackoff = time.Second
	svc.opts.MaxBackoff = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	result, err := svc.Dispatch(ctx, validRequest())
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, m.Calls())
}

func TestDispatch_RecordFailureIsReported(t *testing.T) {
	m := &fakeMailer{}
	repo := &repository.Repository{
		Delivery: failingMarkRepo{repository.NewMemoryDeliveryRepository()},
		Claim:    repository.NewMemoryClaimRepository(),
	}
	svc := newDispatchService(repo, m, testOptions(), zap.NewNop())

	result, err := svc.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, response.StatusDelivered, result.Status)
	assert.Contains(t, result.Error, "connection reset")
}

func TestDispatch_PurgeExpired(t *testing.T) {
	m := &fakeMailer{}
	svc, deliveries := newTestService(t, m)

	_, err := svc.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)

	removed, err := svc.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	removed, err = svc.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	d, err := deliveries.FindDelivered(context.Background(), validRequest().IdempotencyKey())
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestBackoffSchedule(t *testing.T) {
	opts := DispatchOptions{
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  300 * time.Millisecond,
	}
	b := opts.newBackOff()

	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff())
}

func TestNewDispatchService_ClaimOutlivesDispatch(t *testing.T) {
	repo := repository.NewRepository(nil, nil, zap.NewNop())
	opts := DispatchOptions{
		MaxAttempts:    3,
		BaseBackoff:    500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		AttemptTimeout: 30 * time.Second,
		ClaimTTL:       time.Minute,
	}

	svc := newDispatchService(repo, &fakeMailer{}, opts, zap.NewNop())
	// 3 x (30s send + 5s attempt log) + 5s record + 0.5s + 1s backoff
	assert.Equal(t, 111500*time.Millisecond, svc.opts.ClaimTTL)

	opts.ClaimTTL = 10 * time.Minute
	svc = newDispatchService(repo, &fakeMailer{}, opts, zap.NewNop())
	assert.Equal(t, 10*time.Minute, svc.opts.ClaimTTL)
}

func TestDispatch_ShortClaimTTLStillSendsOnce(t *testing.T) {
	m := &fakeMailer{delay: 150 * time.Millisecond}
	repo := &repository.Repository{
		Delivery: repository.NewMemoryDeliveryRepository(),
		Claim:    repository.NewMemoryClaimRepository(),
	}
	opts := testOptions()
	opts.ClaimTTL = 50 * time.Millisecond
	svc := newDispatchService(repo, m, opts, zap.NewNop())

	req := validRequest()
	results := make([]*response.DispatchResult, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dup := *req
			results[i], errs[i] = svc.Dispatch(context.Background(), &dup)
		}(i)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, m.Calls())
	assert.False(t, results[0].AlreadyDelivered)
	assert.True(t, results[1].AlreadyDelivered)
}

func TestDispatchOptionsDefaults(t *testing.T) {
	opts := DispatchOptionsFromConfig("", utils.DispatchConfig{})

	assert.Equal(t, "FoundIt", opts.AppName)
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, opts.BaseBackoff)
	assert.Equal(t, 10*time.Second, opts.AttemptTimeout)
	assert.Equal(t, time.Minute, opts.ClaimTTL)
}
