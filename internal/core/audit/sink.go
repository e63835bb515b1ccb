package audit

import (
	"context"
	"log/slog"

	"github.com/vietddude/custody/internal/core/domain"
)

// LogSink writes alerts to the structured log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Publish(ctx context.Context, e *domain.AuditEntry) error {
	level := slog.LevelWarn
	if e.Severity == domain.SeverityCritical {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "Audit alert",
		"entry_id", e.ID,
		"operation", e.Operation,
		"severity", e.Severity,
		"decision", e.Decision,
		"actor_id", e.ActorID,
		"subject_id", e.SubjectID,
	)
	return nil
}
