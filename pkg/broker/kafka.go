package broker

import (
	"fmt"
	"time"

	"otp-dispatcher/pkg/utils"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// NewReader subscribes the consumer group to the OTP issuance topic. Offsets
// are committed explicitly after each dispatch.
func NewReader(cfg utils.KafkaConfig, log *zap.Logger) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Warn(fmt.Sprintf(msg, args...))
		}),
	})
}

// NewWriter publishes dispatch outcomes. Returns nil when no topic is set.
func NewWriter(cfg utils.KafkaConfig, log *zap.Logger) *kafka.Writer {
	if cfg.ResultTopic == "" {
		return nil
	}

	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.ResultTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Debug(fmt.Sprintf(msg, args...))
		}),
	}
}
