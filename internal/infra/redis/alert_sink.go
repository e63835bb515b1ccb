package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vietddude/custody/internal/core/domain"
)

// Publisher is the pub/sub subset of Client.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// AlertSink publishes audit alerts on a Redis channel for on-call tooling.
type AlertSink struct {
	pub     Publisher
	channel string
}

func NewAlertSink(pub Publisher, channel string) *AlertSink {
	if channel == "" {
		channel = "custody:alerts"
	}
	return &AlertSink{pub: pub, channel: channel}
}

func (s *AlertSink) Name() string { return "redis" }

func (s *AlertSink) Publish(ctx context.Context, e *domain.AuditEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	return s.pub.Publish(ctx, s.channel, payload)
}
