package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/custody/internal/core/audit"
	"github.com/vietddude/custody/internal/core/clock"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/risk"
	"github.com/vietddude/custody/internal/infra/chain"
	chainmem "github.com/vietddude/custody/internal/infra/chain/memory"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/infra/storage/memory"
)

type stubPolicy struct {
	mu       sync.Mutex
	ceiling  decimal.Decimal
	reserved int
	released int
	admitErr error
}

func (p *stubPolicy) Admit(ctx context.Context, tx storage.Tx, in *Intent, now time.Time) (*Admission, error) {
	if p.admitErr != nil {
		return nil, p.admitErr
	}
	return &Admission{
		Risk:     risk.Input{Tier: domain.TierHot, Ceiling: p.ceiling},
		Chain:    domain.ChainIDEthereum,
		Currency: "USDT",
		Source:   "0xhot",
	}, nil
}

func (p *stubPolicy) Reserve(ctx context.Context, tx storage.Tx, req *domain.Request, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved++
	return nil
}

func (p *stubPolicy) Release(ctx context.Context, tx storage.Tx, req *domain.Request, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
	return nil
}

type fixture struct {
	store   storage.Store
	clock   *clock.Manual
	adapter *chainmem.Adapter
	policy  *stubPolicy
	trail   *audit.Trail
	mgr     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, memory.NewMemoryStorage())
}

func newFixtureWithStore(t *testing.T, store storage.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	admins := []*domain.Admin{
		{ID: "alice", Roles: []domain.Role{domain.RoleInitiator, domain.RoleApprover}, Active: true},
		{ID: "bob", Roles: []domain.Role{domain.RoleApprover, domain.RoleExecutor}, Active: true},
		{ID: "carol", Roles: []domain.Role{domain.RoleApprover}, Active: true},
		{ID: "mallory", Roles: []domain.Role{domain.RoleAuditor}, Active: true},
	}
	for _, a := range admins {
		require.NoError(t, store.Admins().Upsert(ctx, a))
	}

	f := &fixture{
		store:   store,
		clock:   clock.NewManual(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)),
		adapter: chainmem.NewAdapter(),
		policy:  &stubPolicy{ceiling: decimal.NewFromInt(10000)},
	}
	f.trail = audit.NewTrail(store, f.clock.Now)
	f.mgr = NewManager(Deps{
		Store:   store,
		Trail:   f.trail,
		Adapter: f.adapter,
		Now:     f.clock.Now,
	})
	f.mgr.RegisterPolicy(domain.SubjectWallet, f.policy)
	return f
}

func (f *fixture) intent(amount int64) Intent {
	return Intent{
		SubjectKind: domain.SubjectWallet,
		SubjectID:   "w-1",
		Type:        domain.RequestWithdrawal,
		Amount:      decimal.NewFromInt(amount),
		Destination: "0xdest",
	}
}

func (f *fixture) approve(t *testing.T, req *domain.Request, approverID string) (*domain.Request, error) {
	t.Helper()
	return f.mgr.SubmitApproval(context.Background(), req.ID, approverID, domain.DecisionApprove,
		domain.Proof{PayloadDigest: req.PayloadDigest, Reference: "ticket-1"})
}

func (f *fixture) approved(t *testing.T) *domain.Request {
	t.Helper()
	req, err := f.mgr.Initiate(context.Background(), f.intent(3000), "alice")
	require.NoError(t, err)
	_, err = f.approve(t, req, "bob")
	require.NoError(t, err)
	req, err = f.approve(t, req, "carol")
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, req.Status)
	return req
}

func (f *fixture) operations(t *testing.T, subjectID string) []string {
	t.Helper()
	entries, err := f.trail.Trail(context.Background(), domain.AuditFilter{SubjectID: subjectID})
	require.NoError(t, err)
	ops := make([]string, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, e.Operation)
	}
	return ops
}

func TestManager_ApproveAndExecuteOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req, err := f.mgr.Initiate(ctx, f.intent(3000), "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.Equal(t, 2, req.RequiredApprovals)
	assert.Equal(t, 30, req.RiskScore)
	assert.Equal(t, domain.RiskMedium, req.RiskLevel)
	assert.Equal(t, f.clock.Now().Add(12*time.Hour), req.ExpiresAt)
	assert.Equal(t, "0xhot", req.Source)

	got, err := f.approve(t, req, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentApprovals)
	assert.Equal(t, domain.StatusPending, got.Status)

	_, err = f.approve(t, req, "bob")
	assert.ErrorIs(t, err, domain.ErrDuplicateApproval)
	view, err := f.mgr.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Request.CurrentApprovals)

	got, err = f.approve(t, req, "carol")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	assert.NotNil(t, got.DecidedAt)

	got, err = f.mgr.Execute(ctx, req.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, got.Status)
	assert.NotEmpty(t, got.ExternalReference)
	assert.NotNil(t, got.SpentAt)
	assert.Equal(t, 1, f.adapter.Calls())
	assert.Equal(t, 1, f.policy.reserved)

	_, err = f.mgr.Execute(ctx, req.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrAlreadyExecuted)
	assert.Equal(t, 1, f.adapter.Calls(), "repeated execute must not reach the adapter")
	assert.Equal(t, 1, f.policy.reserved)

	assert.Equal(t, []string{
		domain.OpRequestInitiated,
		domain.OpApprovalSubmitted,
		domain.OpApprovalSubmitted, // duplicate vote, denied
		domain.OpApprovalSubmitted,
		domain.OpQuorumReached,
		domain.OpExecutionSubmitted,
		domain.OpExecuted,
		domain.OpExecutionSubmitted, // repeated execute, denied
	}, f.operations(t, req.ID))
}

func TestManager_SubmitApprovalRejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		approver string
		decision domain.Decision
		digest   func(*domain.Request) string
		wantErr  error
	}{
		{"self approval", "alice", domain.DecisionApprove, nil, domain.ErrSelfApproval},
		{"no approver role", "mallory", domain.DecisionApprove, nil, domain.ErrPermissionDenied},
		{"digest mismatch", "bob", domain.DecisionApprove, func(*domain.Request) string { return "deadbeef" }, domain.ErrValidation},
		{"unknown decision", "bob", domain.Decision("abstain"), nil, domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req, err := f.mgr.Initiate(ctx, f.intent(3000), "alice")
			require.NoError(t, err)

			digest := req.PayloadDigest
			if tt.digest != nil {
				digest = tt.digest(req)
			}
			_, err = f.mgr.SubmitApproval(ctx, req.ID, tt.approver, tt.decision, domain.Proof{PayloadDigest: digest})
			assert.ErrorIs(t, err, tt.wantErr)

			view, err := f.mgr.Get(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, 0, view.Request.CurrentApprovals)
			assert.Empty(t, view.Signatures)

			entries, err := f.trail.Trail(ctx, domain.AuditFilter{ActorID: tt.approver, Operation: domain.OpApprovalSubmitted})
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, domain.AuditDenied, entries[0].Decision)
		})
	}
}

func TestManager_SubmitApprovalNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.SubmitApproval(context.Background(), "missing", "bob", domain.DecisionApprove, domain.Proof{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManager_RejectIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req, err := f.mgr.Initiate(ctx, f.intent(3000), "alice")
	require.NoError(t, err)

	got, err := f.mgr.SubmitApproval(ctx, req.ID, "bob", domain.DecisionReject, domain.Proof{PayloadDigest: req.PayloadDigest})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)

	_, err = f.approve(t, req, "carol")
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)

	_, err = f.mgr.Execute(ctx, req.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrNotApproved)
	assert.Zero(t, f.adapter.Calls())
}

func TestManager_ExpiredRequestNeverExecutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.approved(t)

	f.clock.Advance(12*time.Hour + time.Second)

	got, err := f.mgr.Execute(ctx, req.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrExpired)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Zero(t, f.adapter.Calls())

	_, err = f.mgr.Execute(ctx, req.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrNotApproved)

	view, err := f.mgr.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, view.Request.Status)
	assert.Nil(t, view.Request.ExecutedAt)
}

func TestManager_ExpiredVote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req, err := f.mgr.Initiate(ctx, f.intent(3000), "alice")
	require.NoError(t, err)

	f.clock.Advance(13 * time.Hour)
	got, err := f.approve(t, req, "bob")
	assert.ErrorIs(t, err, domain.ErrExpired)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Contains(t, f.operations(t, req.ID), domain.OpRequestExpired)
	assert.Equal(t, []string{domain.CodeExpired}, deniedCodes(t, f, req.ID, "bob"))
}

func TestManager_ExpiredAttemptsAreAudited(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		actor string
		op    string
		call  func(f *fixture, req *domain.Request) error
	}{
		{"execute", "bob", domain.OpExecutionSubmitted, func(f *fixture, req *domain.Request) error {
			_, err := f.mgr.Execute(ctx, req.ID, "bob")
			return err
		}},
		{"cancel", "alice", domain.OpRequestCancelled, func(f *fixture, req *domain.Request) error {
			_, err := f.mgr.Cancel(ctx, req.ID, "alice", "too late")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.approved(t)
			f.clock.Advance(13 * time.Hour)

			assert.ErrorIs(t, tt.call(f, req), domain.ErrExpired)
			entries, err := f.trail.Trail(ctx, domain.AuditFilter{SubjectID: req.ID, ActorID: tt.actor, Operation: tt.op})
			require.NoError(t, err)
			require.NotEmpty(t, entries)
			last := entries[len(entries)-1]
			assert.Equal(t, domain.AuditDenied, last.Decision)
			assert.Equal(t, domain.CodeExpired, last.Detail["code"])
		})
	}
}

// deniedCodes returns the codes of the actor's denied entries on a request.
func deniedCodes(t *testing.T, f *fixture, requestID, actorID string) []string {
	t.Helper()
	entries, err := f.trail.Trail(context.Background(), domain.AuditFilter{SubjectID: requestID, ActorID: actorID})
	require.NoError(t, err)
	var codes []string
	for _, e := range entries {
		if e.Decision == domain.AuditDenied {
			code, _ := e.Detail["code"].(string)
			codes = append(codes, code)
		}
	}
	return codes
}

func TestManager_AdapterFailureKeepsApproved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.approved(t)

	f.adapter.FailNext(1)
	got, err := f.mgr.Execute(ctx, req.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrExternalAdapter)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusApproved, got.Status)
	assert.Nil(t, got.SpentAt)
	assert.Equal(t, 1, f.policy.released)

	got, err = f.mgr.Execute(ctx, req.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, got.Status)
	assert.Equal(t, 2, got.CurrentApprovals, "retry must not need new votes")
	assert.Equal(t, 1, f.adapter.Submitted())
}

// gatedAdapter blocks its first Submit until release is closed, then accepts.
// Later calls fail at once.
type gatedAdapter struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func newGatedAdapter() *gatedAdapter {
	return &gatedAdapter{entered: make(chan struct{}), release: make(chan struct{})}
}

func (a *gatedAdapter) Submit(ctx context.Context, t *chain.Transfer) (*chain.Receipt, error) {
	a.mu.Lock()
	a.calls++
	n := a.calls
	a.mu.Unlock()
	if n > 1 {
		return nil, errors.New("gateway unavailable")
	}
	close(a.entered)
	<-a.release
	return &chain.Receipt{Reference: "tx-1", Confirmed: true}, nil
}

func (a *gatedAdapter) Balance(context.Context, domain.ChainID, string, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (a *gatedAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestManager_ConcurrentExecuteKeepsAcceptedTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gate := newGatedAdapter()
	mgr := NewManager(Deps{Store: f.store, Trail: f.trail, Adapter: gate, Now: f.clock.Now})
	mgr.RegisterPolicy(domain.SubjectWallet, f.policy)
	req := f.approved(t)

	type result struct {
		req *domain.Request
		err error
	}
	first := make(chan result, 1)
	go func() {
		r, err := mgr.Execute(ctx, req.ID, "bob")
		first <- result{r, err}
	}()
	<-gate.entered

	// the first attempt still holds its lease
	_, err := mgr.Execute(ctx, req.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrInProgress)
	assert.Equal(t, 1, gate.Calls())
	assert.Contains(t, deniedCodes(t, f, req.ID, "bob"), domain.CodeInProgress)

	// once the lease lapses a new attempt may take over; its refusal rolls back
	f.clock.Advance(DefaultAdapterTimeout + attemptGrace + time.Second)
	got, err := mgr.Execute(ctx, req.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrExternalAdapter)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusApproved, got.Status)
	assert.Equal(t, 1, f.policy.released)

	// the first attempt was accepted after all and must be booked
	close(gate.release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, domain.StatusExecuted, res.req.Status)

	final, err := f.store.Requests().Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, final.Status)
	assert.Equal(t, "tx-1", final.ExternalReference)
	assert.NotNil(t, final.SpentAt)
	assert.Nil(t, final.AttemptUntil)
	assert.Equal(t, 2, f.policy.reserved)
	assert.Equal(t, 2, gate.Calls())
}

func TestManager_SupersededFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.approved(t)

	f.adapter.SetPending(true)
	got, err := f.mgr.Execute(ctx, req.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSubmitted, got.Status)

	// a stale attempt reporting failure must not release an accepted transfer
	_, err = f.mgr.settle(ctx, req.ID, "bob", "stale-attempt", nil, errors.New("timeout"))
	assert.ErrorIs(t, err, domain.ErrExternalAdapter)

	final, err := f.store.Requests().Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, final.Status)
	assert.NotNil(t, final.SpentAt)
	assert.Equal(t, 0, f.policy.released)
}

func TestManager_PendingConfirmationResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.approved(t)

	f.adapter.SetPending(true)
	got, err := f.mgr.Execute(ctx, req.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, got.Status)
	ref := got.ExternalReference
	assert.NotEmpty(t, ref)

	// submitted requests do not expire
	f.clock.Advance(48 * time.Hour)
	f.adapter.SetPending(false)
	got, err = f.mgr.Execute(ctx, req.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, got.Status)
	assert.Equal(t, ref, got.ExternalReference)
	assert.Equal(t, 1, f.adapter.Submitted())
	assert.Equal(t, 1, f.policy.reserved, "resume must not reserve twice")
}

func TestManager_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req, err := f.mgr.Initiate(ctx, f.intent(3000), "alice")
	require.NoError(t, err)

	_, err = f.mgr.Cancel(ctx, req.ID, "bob", "not mine")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	got, err := f.mgr.Cancel(ctx, req.ID, "alice", "wrong destination")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)

	_, err = f.mgr.Cancel(ctx, req.ID, "alice", "again")
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)

	entries, err := f.trail.Trail(ctx, domain.AuditFilter{Operation: domain.OpRequestCancelled, SubjectID: req.ID})
	require.NoError(t, err)
	decisions := map[domain.AuditDecision]int{}
	for _, e := range entries {
		decisions[e.Decision]++
	}
	assert.Equal(t, 1, decisions[domain.AuditCancelled])
	assert.Equal(t, 2, decisions[domain.AuditDenied])
}

func TestManager_GetPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.mgr.Initiate(ctx, f.intent(3000), "alice")
	require.NoError(t, err)
	second, err := f.mgr.Initiate(ctx, f.intent(500), "alice")
	require.NoError(t, err)
	_, err = f.approve(t, first, "bob")
	require.NoError(t, err)

	bobs, err := f.mgr.GetPending(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, second.ID, bobs[0].ID)
	assert.Equal(t, 24*time.Hour, bobs[0].RemainingTTL)

	carols, err := f.mgr.GetPending(ctx, "carol")
	require.NoError(t, err)
	assert.Len(t, carols, 2)

	alices, err := f.mgr.GetPending(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, alices, "initiator never sees own requests")

	_, err = f.mgr.GetPending(ctx, "mallory")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	f.clock.Advance(25 * time.Hour)
	carols, err = f.mgr.GetPending(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, carols)
}

func TestManager_SweepExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.mgr.Initiate(ctx, f.intent(3000), "alice") // 12h
	require.NoError(t, err)
	_, err = f.mgr.Initiate(ctx, f.intent(100), "alice") // 24h
	require.NoError(t, err)

	f.clock.Advance(13 * time.Hour)
	n, err := f.mgr.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.mgr.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n, "sweep is idempotent")

	counts, err := f.store.Requests().CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusExpired])
	assert.Equal(t, 1, counts[domain.StatusPending])
}

func TestManager_InitiateRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.mgr.Initiate(ctx, f.intent(3000), "bob")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	in := f.intent(0)
	_, err = f.mgr.Initiate(ctx, in, "alice")
	assert.ErrorIs(t, err, domain.ErrValidation)

	in = f.intent(10)
	in.Type = domain.RequestReversal
	_, err = f.mgr.Initiate(ctx, in, "alice")
	assert.ErrorIs(t, err, domain.ErrValidation)

	f.policy.admitErr = domain.ErrLimitExceeded
	_, err = f.mgr.Initiate(ctx, f.intent(10), "alice")
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)

	counts, err := f.store.Requests().CountByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

type brokenAudit struct{ storage.AuditRepository }

func (brokenAudit) Append(ctx context.Context, e *domain.AuditEntry) error {
	return errors.New("audit volume unavailable")
}

type brokenAuditTx struct{ storage.Tx }

func (t brokenAuditTx) Audit() storage.AuditRepository { return brokenAudit{} }

// brokenAuditStore fails every audit write made inside a unit of work.
type brokenAuditStore struct{ *memory.MemoryStorage }

func (s brokenAuditStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return s.MemoryStorage.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, brokenAuditTx{tx})
	})
}

func TestManager_AuditFailureAbortsOperation(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewMemoryStorage()
	f := newFixtureWithStore(t, brokenAuditStore{mem})

	_, err := f.mgr.Initiate(ctx, f.intent(3000), "alice")
	assert.ErrorIs(t, err, domain.ErrAuditWrite)

	counts, err := mem.Requests().CountByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts, "request must not be committed without its audit entry")
}
