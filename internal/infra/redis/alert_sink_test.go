package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/vietddude/custody/internal/core/domain"
)

type capturePublisher struct {
	channel string
	payload []byte
}

func (p *capturePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.channel, p.payload = channel, payload
	return nil
}

func TestAlertSink_Publish(t *testing.T) {
	pub := &capturePublisher{}
	sink := NewAlertSink(pub, "")

	entry := &domain.AuditEntry{ID: "a-1", Operation: domain.OpEmergencyOverride, Severity: domain.SeverityCritical}
	if err := sink.Publish(context.Background(), entry); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if pub.channel != "custody:alerts" {
		t.Errorf("channel = %q, want default", pub.channel)
	}

	var got domain.AuditEntry
	if err := json.Unmarshal(pub.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.ID != "a-1" || got.Severity != domain.SeverityCritical {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestClient_Keys(t *testing.T) {
	c := newClient(nil, "")
	tests := []struct {
		got, want string
	}{
		{c.lockKey("sweeper"), "custody:lock:sweeper"},
		{c.mfaKey("alice"), "custody:mfa:alice"},
		{c.codeKey("alice", "123456"), "custody:mfa_code:alice:123456"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
	if c.token == "" {
		t.Error("expected a lock token")
	}
}
