package adaptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"otp-dispatcher/internal/data/entity"
	"otp-dispatcher/internal/dto/request"
	"otp-dispatcher/internal/dto/response"
	"otp-dispatcher/internal/usecase"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// OutcomeEvent is published to the result topic for every consumed event.
type OutcomeEvent struct {
	Topic     string                   `json:"topic"`
	Partition int                      `json:"partition"`
	Offset    int64                    `json:"offset"`
	Result    *response.DispatchResult `json:"result"`
}

// OTPConsumer feeds OTP issuance events from Kafka into the dispatcher. An
// offset is committed only after its event reached a terminal result, so
// a crash replays the event and idempotency absorbs the duplicate.
type OTPConsumer struct {
	reader     MessageReader
	writer     MessageWriter
	service    usecase.DispatchService
	log        *zap.Logger
	retryDelay time.Duration
	now        func() time.Time
}

// NewOTPConsumer accepts a nil writer when outcomes are not published.
func NewOTPConsumer(reader MessageReader, writer MessageWriter, service usecase.DispatchService, log *zap.Logger) *OTPConsumer {
	return &OTPConsumer{
		reader:     reader,
		writer:     writer,
		service:    service,
		log:        log.With(zap.String("adaptor", "kafka")),
		retryDelay: 2 * time.Second,
		now:        time.Now,
	}
}

// Run consumes until ctx is cancelled.
func (c *OTPConsumer) Run(ctx context.Context) error {
	c.log.Info("OTP consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("OTP consumer stopped")
				return nil
			}
			c.log.Error("Failed to fetch message", zap.Error(err))
			if err := sleep(ctx, c.retryDelay); err != nil {
				return nil
			}
			continue
		}

		result, err := c.handle(ctx, msg)
		if err != nil {
			// cancelled mid-dispatch; leave the offset for the next consumer
			c.log.Info("OTP consumer stopped", zap.Int64("offset", msg.Offset))
			return nil
		}

		c.publish(ctx, msg, result)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("Failed to commit message",
				zap.Error(err),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
		}
	}
}

// handle dispatches one event until it reaches a terminal result. It returns
// an error only when ctx is done.
func (c *OTPConsumer) handle(ctx context.Context, msg kafka.Message) (*response.DispatchResult, error) {
	req, err := c.decode(msg)
	if err != nil {
		c.log.Warn("Malformed OTP event",
			zap.Error(err),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		)
		return &response.DispatchResult{
			Status: response.StatusInvalidRequest,
			Error:  err.Error(),
		}, nil
	}

	for {
		result, err := c.service.Dispatch(ctx, req)
		if result != nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.log.Error("Dispatch did not complete, retrying event",
			zap.Error(err),
			zap.Int64("offset", msg.Offset),
		)
		if err := sleep(ctx, c.retryDelay); err != nil {
			return nil, err
		}
	}
}

// decode reads the document-created event. The message key is the document
// key (the recipient); an email in the value takes precedence.
func (c *OTPConsumer) decode(msg kafka.Message) (*entity.OTPRequest, error) {
	var event request.DispatchOTPRequest
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return nil, fmt.Errorf("%w: decode event: %v", usecase.ErrInvalidRequest, err)
	}

	if event.Email == "" {
		event.Email = string(msg.Key)
	}
	if event.Email == "" {
		return nil, fmt.Errorf("%w: event has no recipient", usecase.ErrInvalidRequest)
	}

	receivedAt := msg.Time
	if receivedAt.IsZero() {
		receivedAt = c.now()
	}

	return event.ToEntity(receivedAt), nil
}

func (c *OTPConsumer) publish(ctx context.Context, msg kafka.Message, result *response.DispatchResult) {
	if c.writer == nil {
		return
	}

	body, err := json.Marshal(OutcomeEvent{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Result:    result,
	})
	if err != nil {
		c.log.Error("Failed to encode outcome", zap.Error(err))
		return
	}

	if err := c.writer.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: body}); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Error("Failed to publish outcome", zap.Error(err), zap.Int64("offset", msg.Offset))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
