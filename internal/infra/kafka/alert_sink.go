// Package kafka streams audit alerts to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/vietddude/custody/internal/core/domain"
)

// Config holds the alert producer settings.
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MessageWriter is the subset of kafka.Writer used by the sink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AlertSink publishes high and critical audit entries keyed by scope, so
// alerts for one wallet or vault stay ordered within a partition.
type AlertSink struct {
	w   MessageWriter
	now func() time.Time
}

// NewWriter builds a synchronous producer that waits for the leader ack.
func NewWriter(cfg Config) *kafka.Writer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		WriteTimeout: cfg.WriteTimeout,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			slog.Warn("Kafka writer error", "detail", fmt.Sprintf(msg, args...))
		}),
	}
}

func NewAlertSink(w MessageWriter) *AlertSink {
	return &AlertSink{w: w, now: time.Now}
}

func (s *AlertSink) Name() string { return "kafka" }

func (s *AlertSink) Publish(ctx context.Context, e *domain.AuditEntry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	key := e.ScopeID
	if key == "" {
		key = e.SubjectID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  s.now(),
		Headers: []kafka.Header{
			{Key: "operation", Value: []byte(e.Operation)},
			{Key: "severity", Value: []byte(e.Severity)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write alert: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (s *AlertSink) Close() error {
	return s.w.Close()
}
