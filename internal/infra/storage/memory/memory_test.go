package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
)

func TestAtomic_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Wallets().Create(ctx, &domain.Wallet{ID: "w-1"}); err != nil {
			return err
		}
		if err := tx.Audit().Append(ctx, &domain.AuditEntry{ID: "a-1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := s.Wallets().Get(ctx, "w-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected wallet to be rolled back, got %v", err)
	}
	entries, _ := s.Audit().List(ctx, domain.AuditFilter{})
	if len(entries) != 0 {
		t.Errorf("expected audit to be rolled back, got %d entries", len(entries))
	}
}

func TestRequestRepo_OptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	req := &domain.Request{ID: "r-1", Status: domain.StatusPending}
	if err := s.Requests().Create(ctx, req); err != nil {
		t.Fatal(err)
	}

	a, _ := s.Requests().Get(ctx, "r-1")
	b, _ := s.Requests().Get(ctx, "r-1")

	a.CurrentApprovals = 1
	if err := s.Requests().Update(ctx, a); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	b.CurrentApprovals = 1
	if err := s.Requests().Update(ctx, b); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict for stale version, got %v", err)
	}
}

func TestSignatureRepo_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	sig := &domain.Signature{ID: "s-1", RequestID: "r-1", ApproverID: "a"}
	if err := s.Signatures().Create(ctx, sig); err != nil {
		t.Fatal(err)
	}
	dup := &domain.Signature{ID: "s-2", RequestID: "r-1", ApproverID: "a"}
	if err := s.Signatures().Create(ctx, dup); !errors.Is(err, domain.ErrDuplicateApproval) {
		t.Errorf("expected ErrDuplicateApproval, got %v", err)
	}

	voted, _ := s.Signatures().VotedBy(ctx, "a", []string{"r-1", "r-2"})
	if !voted["r-1"] || voted["r-2"] {
		t.Errorf("unexpected voted map: %v", voted)
	}
}

func TestRequestRepo_SumSpent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)
	old := now.Add(-48 * time.Hour)

	reqs := []*domain.Request{
		{ID: "1", SubjectID: "w", Type: domain.RequestWithdrawal, Status: domain.StatusExecuted, Amount: decimal.NewFromInt(100), SpentAt: &recent},
		{ID: "2", SubjectID: "w", Type: domain.RequestTransfer, Status: domain.StatusSubmitted, Amount: decimal.NewFromInt(50), SpentAt: &recent},
		{ID: "3", SubjectID: "w", Type: domain.RequestWithdrawal, Status: domain.StatusExecuted, Amount: decimal.NewFromInt(1000), SpentAt: &old},
		{ID: "4", SubjectID: "w", Type: domain.RequestReversal, Status: domain.StatusExecuted, Amount: decimal.NewFromInt(7), SpentAt: &recent},
		{ID: "5", SubjectID: "w", Type: domain.RequestWithdrawal, Status: domain.StatusApproved, Amount: decimal.NewFromInt(9)},
		{ID: "6", SubjectID: "other", Type: domain.RequestWithdrawal, Status: domain.StatusExecuted, Amount: decimal.NewFromInt(5), SpentAt: &recent},
	}
	for _, r := range reqs {
		if err := s.Requests().Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	sum, err := s.Requests().SumSpent(ctx, "w", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Equal(decimal.NewFromInt(150)) {
		t.Errorf("expected 150, got %s", sum)
	}
}

func TestAuditRepo_ListFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	entries := []*domain.AuditEntry{
		{ID: "c", ScopeID: "w-1", Operation: "x", OccurredAt: base.Add(2 * time.Second)},
		{ID: "a", ScopeID: "w-1", Operation: "x", OccurredAt: base},
		{ID: "b", ScopeID: "w-2", Operation: "y", OccurredAt: base.Add(time.Second)},
		{ID: "d", ScopeID: "w-1", Operation: "y", OccurredAt: base},
	}
	for _, e := range entries {
		if err := s.Audit().Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := s.Audit().List(ctx, domain.AuditFilter{ScopeID: "w-1"})
	want := []string{"a", "d", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}

	page, _ := s.Audit().List(ctx, domain.AuditFilter{ScopeID: "w-1", Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "d" {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestRequestRepo_ListPendingFor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	reqs := []*domain.Request{
		{ID: "open", InitiatorID: "alice", Status: domain.StatusPending, ExpiresAt: now.Add(time.Hour), CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "voted", InitiatorID: "alice", Status: domain.StatusPending, ExpiresAt: now.Add(time.Hour), CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "own", InitiatorID: "bob", Status: domain.StatusPending, ExpiresAt: now.Add(time.Hour), CreatedAt: now},
		{ID: "lapsed", InitiatorID: "alice", Status: domain.StatusPending, ExpiresAt: now.Add(-time.Minute), CreatedAt: now},
		{ID: "approved", InitiatorID: "alice", Status: domain.StatusApproved, ExpiresAt: now.Add(time.Hour), CreatedAt: now},
		{ID: "carols", InitiatorID: "alice", Status: domain.StatusPending, ExpiresAt: now.Add(time.Hour), CreatedAt: now.Add(-time.Hour)},
	}
	for _, r := range reqs {
		if err := s.Requests().Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	for _, sig := range []*domain.Signature{
		{ID: "s-1", RequestID: "voted", ApproverID: "bob"},
		{ID: "s-2", RequestID: "carols", ApproverID: "carol"},
	} {
		if err := s.Signatures().Create(ctx, sig); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		approver string
		want     []string
	}{
		{"bob", []string{"open", "carols"}},
		{"carol", []string{"open", "voted", "own"}},
		{"alice", []string{"own"}},
	}
	for _, tt := range tests {
		t.Run(tt.approver, func(t *testing.T) {
			got, err := s.Requests().ListPendingFor(ctx, tt.approver, now)
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, r := range got {
				ids = append(ids, r.ID)
			}
			if !slices.Equal(ids, tt.want) {
				t.Errorf("ListPendingFor(%s) = %v, want %v", tt.approver, ids, tt.want)
			}
		})
	}
}

func TestRequestRepo_ListPendingForReturnsEveryRequest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	const total = 750
	for i := range total {
		r := &domain.Request{
			ID:          fmt.Sprintf("r-%04d", i),
			InitiatorID: "alice",
			Status:      domain.StatusPending,
			ExpiresAt:   now.Add(time.Hour),
			CreatedAt:   now.Add(time.Duration(i) * time.Second),
		}
		if err := s.Requests().Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Requests().ListPendingFor(ctx, "bob", now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != total {
		t.Fatalf("expected %d requests, got %d", total, len(got))
	}
	if got[0].ID != "r-0000" || got[total-1].ID != "r-0749" {
		t.Errorf("expected oldest first, got %s..%s", got[0].ID, got[total-1].ID)
	}
}
