package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/custody/internal/core/clock"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/idgen"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/metrics"
)

// Sink receives high and critical entries after they are committed.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e *domain.AuditEntry) error
}

// Trail is the append-only audit log. Entries written through Record share
// the caller's unit of work, so they commit or roll back with the state change.
type Trail struct {
	store storage.Store
	sinks []Sink
	now   clock.NowFunc
	log   *slog.Logger
}

// NewTrail creates a trail over store with optional alert sinks.
func NewTrail(store storage.Store, now clock.NowFunc, sinks ...Sink) *Trail {
	if now == nil {
		now = clock.System
	}
	return &Trail{
		store: store,
		sinks: sinks,
		now:   now,
		log:   slog.Default().With("component", "audit"),
	}
}

// AddSink registers another alert sink.
func (t *Trail) AddSink(s Sink) {
	t.sinks = append(t.sinks, s)
}

// Record appends e inside tx. A failed write is reported as ErrAuditWrite and
// must abort the surrounding unit of work.
func (t *Trail) Record(ctx context.Context, tx storage.Tx, e *domain.AuditEntry) error {
	t.prepare(e)
	if err := tx.Audit().Append(ctx, e); err != nil {
		metrics.AuditWriteFailures.Inc()
		t.log.Error("Audit write failed", "operation", e.Operation, "subject_id", e.SubjectID, "error", err)
		return fmt.Errorf("%w: %v", domain.ErrAuditWrite, err)
	}
	return nil
}

// Write stores a standalone entry in its own unit of work, then alerts.
func (t *Trail) Write(ctx context.Context, e *domain.AuditEntry) error {
	err := t.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		return t.Record(ctx, tx, e)
	})
	if err != nil {
		return err
	}
	t.Alert(ctx, e)
	return nil
}

// Alert fans out high and critical entries. Sink failures are logged and
// never affect the committed operation.
func (t *Trail) Alert(ctx context.Context, entries ...*domain.AuditEntry) {
	for _, e := range entries {
		if !e.IsAlert() {
			continue
		}
		for _, s := range t.sinks {
			if err := s.Publish(ctx, e); err != nil {
				metrics.AlertsPublished.WithLabelValues(s.Name(), "error").Inc()
				t.log.Warn("Failed to publish alert", "sink", s.Name(), "entry_id", e.ID, "error", err)
				continue
			}
			metrics.AlertsPublished.WithLabelValues(s.Name(), "ok").Inc()
		}
	}
}

// Deny audits a rejected attempt in its own unit of work and returns err.
// Infrastructure errors pass through unaudited. If the audit write itself
// fails, that failure is returned instead.
func (t *Trail) Deny(ctx context.Context, actorID, operation, subjectID, scopeID string, err error) error {
	return t.deny(ctx, domain.SeverityOf(err), actorID, operation, subjectID, scopeID, err)
}

// DenyAlert is Deny for operations where every failed attempt is a security
// signal. The entry is written at high severity at least.
func (t *Trail) DenyAlert(ctx context.Context, actorID, operation, subjectID, scopeID string, err error) error {
	sev := domain.SeverityOf(err)
	if sev == domain.SeverityInfo {
		sev = domain.SeverityHigh
	}
	return t.deny(ctx, sev, actorID, operation, subjectID, scopeID, err)
}

func (t *Trail) deny(ctx context.Context, sev domain.Severity, actorID, operation, subjectID, scopeID string, err error) error {
	if !domain.IsRejection(err) {
		return err
	}
	code := domain.Code(err)
	metrics.Rejections.WithLabelValues(operation, code).Inc()

	werr := t.Write(ctx, deniedEntry(sev, actorID, operation, subjectID, scopeID, err))
	if werr != nil {
		return werr
	}
	t.log.Info("Operation rejected", "operation", operation, "actor_id", actorID, "subject_id", subjectID, "code", code)
	return err
}

func deniedEntry(sev domain.Severity, actorID, operation, subjectID, scopeID string, err error) *domain.AuditEntry {
	return &domain.AuditEntry{
		ActorID:   actorID,
		Operation: operation,
		SubjectID: subjectID,
		ScopeID:   scopeID,
		Decision:  domain.AuditDenied,
		Severity:  sev,
		Detail: map[string]any{
			"code":   domain.Code(err),
			"reason": err.Error(),
		},
	}
}

// Trail returns entries matching the filter ordered by time.
func (t *Trail) Trail(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error) {
	if f.Limit < 0 || f.Offset < 0 {
		return nil, domain.Validationf("limit and offset must not be negative")
	}
	if f.Limit == 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	return t.store.Audit().List(ctx, f)
}

func (t *Trail) prepare(e *domain.AuditEntry) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = t.now()
	}
	if e.ID == "" {
		e.ID = idgen.NewSortable(e.OccurredAt)
	}
	if e.ActorType == "" {
		e.ActorType = domain.ActorAdmin
		if e.ActorID == domain.SystemActor {
			e.ActorType = domain.ActorSystem
		}
	}
	if e.Severity == "" {
		e.Severity = domain.SeverityInfo
	}
	if e.Decision == "" {
		e.Decision = domain.AuditAllowed
	}
}

// Batch collects entries written in one unit of work so alerts go out only
// after commit.
type Batch struct {
	trail   *Trail
	entries []*domain.AuditEntry
}

// Batch starts a new batch.
func (t *Trail) Batch() *Batch {
	return &Batch{trail: t}
}

// Record writes e inside tx and remembers it for Flush.
func (b *Batch) Record(ctx context.Context, tx storage.Tx, e *domain.AuditEntry) error {
	if err := b.trail.Record(ctx, tx, e); err != nil {
		return err
	}
	b.entries = append(b.entries, e)
	return nil
}

// Deny records a rejected attempt inside tx, for outcomes that commit state
// changes of their own such as an expiry found on access.
func (b *Batch) Deny(ctx context.Context, tx storage.Tx, actorID, operation, subjectID, scopeID string, err error) error {
	return b.deny(ctx, tx, domain.SeverityOf(err), actorID, operation, subjectID, scopeID, err)
}

// DenyAlert is Deny at high severity at least.
func (b *Batch) DenyAlert(ctx context.Context, tx storage.Tx, actorID, operation, subjectID, scopeID string, err error) error {
	sev := domain.SeverityOf(err)
	if sev == domain.SeverityInfo {
		sev = domain.SeverityHigh
	}
	return b.deny(ctx, tx, sev, actorID, operation, subjectID, scopeID, err)
}

func (b *Batch) deny(ctx context.Context, tx storage.Tx, sev domain.Severity, actorID, operation, subjectID, scopeID string, err error) error {
	metrics.Rejections.WithLabelValues(operation, domain.Code(err)).Inc()
	return b.Record(ctx, tx, deniedEntry(sev, actorID, operation, subjectID, scopeID, err))
}

// Entries returns what the batch recorded so far.
func (b *Batch) Entries() []*domain.AuditEntry {
	return b.entries
}

// Flush alerts on the committed entries.
func (b *Batch) Flush(ctx context.Context) {
	b.trail.Alert(ctx, b.entries...)
	b.entries = nil
}

// Reset drops entries from a unit of work that did not commit.
func (b *Batch) Reset() {
	b.entries = nil
}
