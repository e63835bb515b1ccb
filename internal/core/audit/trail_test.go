package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/custody/internal/core/clock"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/infra/storage/memory"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []*domain.AuditEntry
	err     error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(ctx context.Context, e *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func TestTrail_WriteAndQuery(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	trail := NewTrail(memory.NewMemoryStorage(), clk.Now, sink)

	require.NoError(t, trail.Write(ctx, &domain.AuditEntry{
		ActorID: "admin-a", Operation: domain.OpRequestInitiated, SubjectID: "r-1", ScopeID: "w-1",
	}))
	clk.Advance(time.Second)
	require.NoError(t, trail.Write(ctx, &domain.AuditEntry{
		ActorID: "admin-b", Operation: domain.OpEmergencyOverride, SubjectID: "r-1", ScopeID: "w-1",
		Severity: domain.SeverityCritical,
	}))
	require.NoError(t, trail.Write(ctx, &domain.AuditEntry{
		ActorID: domain.SystemActor, Operation: domain.OpRequestExpired, SubjectID: "r-2", ScopeID: "w-2",
	}))

	entries, err := trail.Trail(ctx, domain.AuditFilter{ScopeID: "w-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.OpRequestInitiated, entries[0].Operation)
	assert.Equal(t, domain.ActorAdmin, entries[0].ActorType)
	assert.Equal(t, domain.AuditAllowed, entries[0].Decision)
	assert.NotEmpty(t, entries[0].ID)

	system, err := trail.Trail(ctx, domain.AuditFilter{ActorID: domain.SystemActor})
	require.NoError(t, err)
	require.Len(t, system, 1)
	assert.Equal(t, domain.ActorSystem, system[0].ActorType)

	// only the critical entry is fanned out
	require.Len(t, sink.entries, 1)
	assert.Equal(t, domain.OpEmergencyOverride, sink.entries[0].Operation)
}

func TestTrail_SinkFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{err: errors.New("broker down")}
	trail := NewTrail(memory.NewMemoryStorage(), nil, sink)

	err := trail.Write(ctx, &domain.AuditEntry{ActorID: "a", Operation: "x", Severity: domain.SeverityHigh})
	assert.NoError(t, err)
	assert.Len(t, sink.entries, 1)
}

type failingAudit struct{ storage.AuditRepository }

func (failingAudit) Append(ctx context.Context, e *domain.AuditEntry) error {
	return errors.New("disk full")
}

type failingTx struct{ storage.Tx }

func (f failingTx) Audit() storage.AuditRepository { return failingAudit{} }

func TestTrail_RecordFailureAbortsUnitOfWork(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	trail := NewTrail(store, nil)

	err := store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Wallets().Create(ctx, &domain.Wallet{ID: "w-1"}); err != nil {
			return err
		}
		return trail.Record(ctx, failingTx{tx}, &domain.AuditEntry{ActorID: "a", Operation: "x"})
	})
	assert.ErrorIs(t, err, domain.ErrAuditWrite)

	_, err = store.Wallets().Get(ctx, "w-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBatch_FlushOnlyAlerts(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	sink := &recordingSink{}
	trail := NewTrail(store, nil, sink)
	batch := trail.Batch()

	err := store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := batch.Record(ctx, tx, &domain.AuditEntry{ActorID: "a", Operation: "info"}); err != nil {
			return err
		}
		return batch.Record(ctx, tx, &domain.AuditEntry{ActorID: "a", Operation: "high", Severity: domain.SeverityHigh})
	})
	require.NoError(t, err)
	assert.Empty(t, sink.entries, "alerts must wait for flush")

	batch.Flush(ctx)
	require.Len(t, sink.entries, 1)
	assert.Equal(t, "high", sink.entries[0].Operation)
}

func TestTrail_Deny(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	trail := NewTrail(memory.NewMemoryStorage(), nil, sink)

	err := trail.Deny(ctx, "mallory", domain.OpApprovalSubmitted, "r-1", "w-1", domain.ErrSelfApproval)
	assert.ErrorIs(t, err, domain.ErrSelfApproval)

	entries, err := trail.Trail(ctx, domain.AuditFilter{SubjectID: "r-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditDenied, entries[0].Decision)
	assert.Equal(t, domain.SeverityHigh, entries[0].Severity)
	assert.Equal(t, domain.CodeSelfApproval, entries[0].Detail["code"])
	assert.Len(t, sink.entries, 1)

	// infrastructure errors are not audited as rejections
	boom := errors.New("connection reset")
	assert.Equal(t, boom, trail.Deny(ctx, "a", "x", "r-2", "", boom))
	entries, _ = trail.Trail(ctx, domain.AuditFilter{SubjectID: "r-2"})
	assert.Empty(t, entries)
}
