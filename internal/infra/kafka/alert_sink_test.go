package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/vietddude/custody/internal/core/domain"
)

type mockWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *mockWriter) Close() error { return nil }

func TestAlertSink_Publish(t *testing.T) {
	tests := []struct {
		name    string
		entry   domain.AuditEntry
		wantKey string
	}{
		{"keyed by scope", domain.AuditEntry{ID: "1", ScopeID: "w-1", SubjectID: "r-1", Severity: domain.SeverityHigh}, "w-1"},
		{"falls back to subject", domain.AuditEntry{ID: "2", SubjectID: "v-1", Severity: domain.SeverityCritical}, "v-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &mockWriter{}
			sink := NewAlertSink(w)
			if err := sink.Publish(context.Background(), &tt.entry); err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
			if len(w.msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(w.msgs))
			}
			if got := string(w.msgs[0].Key); got != tt.wantKey {
				t.Errorf("key = %q, want %q", got, tt.wantKey)
			}
			if got := string(w.msgs[0].Headers[1].Value); got != string(tt.entry.Severity) {
				t.Errorf("severity header = %q", got)
			}
		})
	}
}

func TestAlertSink_PublishError(t *testing.T) {
	boom := errors.New("broker down")
	sink := NewAlertSink(&mockWriter{err: boom})
	if err := sink.Publish(context.Background(), &domain.AuditEntry{ID: "1"}); !errors.Is(err, boom) {
		t.Errorf("expected wrapped broker error, got %v", err)
	}
}
