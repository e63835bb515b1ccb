package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
)

// MemoryStorage keeps everything in process. Atomic sections are serialized
// and roll back by restoring a snapshot, so it stands in for PostgreSQL in
// development and tests.
type MemoryStorage struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data state
}

type state struct {
	wallets    map[string]domain.Wallet
	vaults     map[string]domain.Vault
	requests   map[string]domain.Request
	signatures map[string][]domain.Signature
	checks     map[string][]domain.BalanceCheck
	reversals  map[string][]domain.Reversal
	audit      []domain.AuditEntry
	admins     map[string]domain.Admin
	seq        int64
}

func newState() state {
	return state{
		wallets:    make(map[string]domain.Wallet),
		vaults:     make(map[string]domain.Vault),
		requests:   make(map[string]domain.Request),
		signatures: make(map[string][]domain.Signature),
		checks:     make(map[string][]domain.BalanceCheck),
		reversals:  make(map[string][]domain.Reversal),
		admins:     make(map[string]domain.Admin),
	}
}

func (s state) clone() state {
	c := state{
		wallets:    maps.Clone(s.wallets),
		vaults:     make(map[string]domain.Vault, len(s.vaults)),
		requests:   maps.Clone(s.requests),
		signatures: make(map[string][]domain.Signature, len(s.signatures)),
		checks:     make(map[string][]domain.BalanceCheck, len(s.checks)),
		reversals:  make(map[string][]domain.Reversal, len(s.reversals)),
		audit:      slices.Clone(s.audit),
		admins:     maps.Clone(s.admins),
		seq:        s.seq,
	}
	for k, v := range s.vaults {
		v.Location = maps.Clone(v.Location)
		c.vaults[k] = v
	}
	for k, v := range s.signatures {
		c.signatures[k] = slices.Clone(v)
	}
	for k, v := range s.checks {
		c.checks[k] = slices.Clone(v)
	}
	for k, v := range s.reversals {
		c.reversals[k] = slices.Clone(v)
	}
	return c
}

// NewMemoryStorage creates an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: newState()}
}

// Atomic runs fn with exclusive access and restores the prior state if fn fails.
func (s *MemoryStorage) Atomic(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	if err := fn(ctx, s); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *MemoryStorage) Health(ctx context.Context) error { return nil }
func (s *MemoryStorage) Close() error                     { return nil }

func (s *MemoryStorage) Wallets() storage.WalletRepository   { return &WalletRepo{store: s} }
func (s *MemoryStorage) Vaults() storage.VaultRepository     { return &VaultRepo{store: s} }
func (s *MemoryStorage) Requests() storage.RequestRepository { return &RequestRepo{store: s} }
func (s *MemoryStorage) Signatures() storage.SignatureRepository {
	return &SignatureRepo{store: s}
}
func (s *MemoryStorage) BalanceChecks() storage.BalanceCheckRepository {
	return &BalanceCheckRepo{store: s}
}
func (s *MemoryStorage) Reversals() storage.ReversalRepository { return &ReversalRepo{store: s} }
func (s *MemoryStorage) Audit() storage.AuditRepository         { return &AuditRepo{store: s} }
func (s *MemoryStorage) Admins() storage.AdminRepository        { return &AdminRepo{store: s} }

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
}

// -----------------------------------------------------------------------------
// Wallet Repository
// -----------------------------------------------------------------------------

type WalletRepo struct {
	store *MemoryStorage
}

func (r *WalletRepo) Create(ctx context.Context, w *domain.Wallet) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.data.wallets[w.ID]; ok {
		return domain.Validationf("wallet %s already exists", w.ID)
	}
	r.store.data.wallets[w.ID] = *w
	return nil
}

func (r *WalletRepo) Get(ctx context.Context, id string) (*domain.Wallet, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	w, ok := r.store.data.wallets[id]
	if !ok {
		return nil, notFound("wallet", id)
	}
	return &w, nil
}

// GetForUpdate needs no extra locking: Atomic already serializes writers.
func (r *WalletRepo) GetForUpdate(ctx context.Context, id string) (*domain.Wallet, error) {
	return r.Get(ctx, id)
}

func (r *WalletRepo) Update(ctx context.Context, w *domain.Wallet) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.data.wallets[w.ID]; !ok {
		return notFound("wallet", w.ID)
	}
	r.store.data.wallets[w.ID] = *w
	return nil
}

func (r *WalletRepo) List(ctx context.Context) ([]*domain.Wallet, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.Wallet, 0, len(r.store.data.wallets))
	for _, w := range r.store.data.wallets {
		out = append(out, &w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -----------------------------------------------------------------------------
// Vault Repository
// -----------------------------------------------------------------------------

type VaultRepo struct {
	store *MemoryStorage
}

func (r *VaultRepo) Create(ctx context.Context, v *domain.Vault) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.data.vaults[v.ID]; ok {
		return domain.Validationf("vault %s already exists", v.ID)
	}
	c := *v
	c.Location = maps.Clone(v.Location)
	r.store.data.vaults[v.ID] = c
	return nil
}

func (r *VaultRepo) Get(ctx context.Context, id string) (*domain.Vault, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	v, ok := r.store.data.vaults[id]
	if !ok {
		return nil, notFound("vault", id)
	}
	v.Location = maps.Clone(v.Location)
	return &v, nil
}

func (r *VaultRepo) GetForUpdate(ctx context.Context, id string) (*domain.Vault, error) {
	return r.Get(ctx, id)
}

func (r *VaultRepo) Update(ctx context.Context, v *domain.Vault) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.data.vaults[v.ID]; !ok {
		return notFound("vault", v.ID)
	}
	c := *v
	c.Location = maps.Clone(v.Location)
	r.store.data.vaults[v.ID] = c
	return nil
}

func (r *VaultRepo) List(ctx context.Context) ([]*domain.Vault, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.Vault, 0, len(r.store.data.vaults))
	for _, v := range r.store.data.vaults {
		v.Location = maps.Clone(v.Location)
		out = append(out, &v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -----------------------------------------------------------------------------
// Request Repository
// -----------------------------------------------------------------------------

type RequestRepo struct {
	store *MemoryStorage
}

func (r *RequestRepo) Create(ctx context.Context, req *domain.Request) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.data.requests[req.ID]; ok {
		return domain.Validationf("request %s already exists", req.ID)
	}
	if req.Version == 0 {
		req.Version = 1
	}
	r.store.data.requests[req.ID] = *req
	return nil
}

func (r *RequestRepo) Get(ctx context.Context, id string) (*domain.Request, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	req, ok := r.store.data.requests[id]
	if !ok {
		return nil, notFound("request", id)
	}
	return &req, nil
}

func (r *RequestRepo) GetForUpdate(ctx context.Context, id string) (*domain.Request, error) {
	return r.Get(ctx, id)
}

func (r *RequestRepo) Update(ctx context.Context, req *domain.Request) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cur, ok := r.store.data.requests[req.ID]
	if !ok {
		return notFound("request", req.ID)
	}
	if cur.Version != req.Version {
		return fmt.Errorf("%w: request %s version %d != %d", domain.ErrConflict, req.ID, req.Version, cur.Version)
	}
	req.Version++
	r.store.data.requests[req.ID] = *req
	return nil
}

func (r *RequestRepo) ListPendingFor(ctx context.Context, approverID string, now time.Time) ([]*domain.Request, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Request
	for _, req := range r.store.data.requests {
		if req.Status != domain.StatusPending || req.IsExpired(now) || req.InitiatorID == approverID {
			continue
		}
		voted := slices.ContainsFunc(r.store.data.signatures[req.ID], func(s domain.Signature) bool {
			return s.ApproverID == approverID
		})
		if !voted {
			out = append(out, &req)
		}
	}
	sortRequests(out)
	return out, nil
}

func (r *RequestRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Request, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Request
	for _, req := range r.store.data.requests {
		if req.IsExpired(now) {
			out = append(out, &req)
		}
	}
	sortRequests(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RequestRepo) SumSpent(ctx context.Context, subjectID string, since time.Time) (decimal.Decimal, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	total := decimal.Zero
	for _, req := range r.store.data.requests {
		if req.SubjectID != subjectID || !req.Type.IsOutbound() || req.SpentAt == nil {
			continue
		}
		if req.Status != domain.StatusSubmitted && req.Status != domain.StatusExecuted {
			continue
		}
		if req.SpentAt.After(since) {
			total = total.Add(req.Amount)
		}
	}
	return total, nil
}

func (r *RequestRepo) CountExecutedSince(ctx context.Context, subjectID string, since time.Time) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for _, req := range r.store.data.requests {
		if req.SubjectID == subjectID && req.Status == domain.StatusExecuted &&
			req.ExecutedAt != nil && req.ExecutedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (r *RequestRepo) DestinationUsed(ctx context.Context, subjectID, destination string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, req := range r.store.data.requests {
		if req.SubjectID == subjectID && req.Destination == destination && req.Status == domain.StatusExecuted {
			return true, nil
		}
	}
	return false, nil
}

func (r *RequestRepo) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make(map[domain.Status]int)
	for _, req := range r.store.data.requests {
		out[req.Status]++
	}
	return out, nil
}

func sortRequests(reqs []*domain.Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// -----------------------------------------------------------------------------
// Signature Repository
// -----------------------------------------------------------------------------

type SignatureRepo struct {
	store *MemoryStorage
}

func (r *SignatureRepo) Create(ctx context.Context, s *domain.Signature) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, existing := range r.store.data.signatures[s.RequestID] {
		if existing.ApproverID == s.ApproverID {
			return domain.ErrDuplicateApproval
		}
	}
	r.store.data.signatures[s.RequestID] = append(r.store.data.signatures[s.RequestID], *s)
	return nil
}

func (r *SignatureRepo) ListByRequest(ctx context.Context, requestID string) ([]*domain.Signature, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	sigs := r.store.data.signatures[requestID]
	out := make([]*domain.Signature, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, &s)
	}
	return out, nil
}

func (r *SignatureRepo) VotedBy(ctx context.Context, approverID string, requestIDs []string) (map[string]bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make(map[string]bool)
	for _, id := range requestIDs {
		for _, s := range r.store.data.signatures[id] {
			if s.ApproverID == approverID {
				out[id] = true
				break
			}
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Balance Check Repository
// -----------------------------------------------------------------------------

type BalanceCheckRepo struct {
	store *MemoryStorage
}

func (r *BalanceCheckRepo) Create(ctx context.Context, c *domain.BalanceCheck) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.data.checks[c.VaultID] = append(r.store.data.checks[c.VaultID], *c)
	return nil
}

func (r *BalanceCheckRepo) Latest(ctx context.Context, vaultID string) (*domain.BalanceCheck, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	checks := r.store.data.checks[vaultID]
	if len(checks) == 0 {
		return nil, nil
	}
	latest := checks[0]
	for _, c := range checks[1:] {
		if !c.CheckedAt.Before(latest.CheckedAt) {
			latest = c
		}
	}
	return &latest, nil
}

// -----------------------------------------------------------------------------
// Reversal Repository
// -----------------------------------------------------------------------------

type ReversalRepo struct {
	store *MemoryStorage
}

func (r *ReversalRepo) Create(ctx context.Context, rev *domain.Reversal) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.data.reversals[rev.OriginalRequestID] = append(r.store.data.reversals[rev.OriginalRequestID], *rev)
	return nil
}

func (r *ReversalRepo) ListByOriginal(ctx context.Context, originalID string) ([]*domain.Reversal, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	revs := r.store.data.reversals[originalID]
	out := make([]*domain.Reversal, 0, len(revs))
	for _, rev := range revs {
		out = append(out, &rev)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Audit Repository
// -----------------------------------------------------------------------------

type AuditRepo struct {
	store *MemoryStorage
}

func (r *AuditRepo) Append(ctx context.Context, e *domain.AuditEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.data.seq++
	e.Sequence = r.store.data.seq
	r.store.data.audit = append(r.store.data.audit, *e)
	return nil
}

func (r *AuditRepo) List(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.AuditEntry
	for _, e := range r.store.data.audit {
		if matches(&e, f) {
			out = append(out, &e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].Sequence < out[j].Sequence
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(e *domain.AuditEntry, f domain.AuditFilter) bool {
	switch {
	case f.SubjectID != "" && e.SubjectID != f.SubjectID:
		return false
	case f.ScopeID != "" && e.ScopeID != f.ScopeID:
		return false
	case f.ActorID != "" && e.ActorID != f.ActorID:
		return false
	case f.Operation != "" && e.Operation != f.Operation:
		return false
	case f.Severity != "" && e.Severity != f.Severity:
		return false
	case !f.Since.IsZero() && e.OccurredAt.Before(f.Since):
		return false
	case !f.Until.IsZero() && e.OccurredAt.After(f.Until):
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// Admin Repository
// -----------------------------------------------------------------------------

type AdminRepo struct {
	store *MemoryStorage
}

func (r *AdminRepo) Get(ctx context.Context, id string) (*domain.Admin, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	a, ok := r.store.data.admins[id]
	if !ok {
		return nil, notFound("admin", id)
	}
	a.Roles = slices.Clone(a.Roles)
	return &a, nil
}

func (r *AdminRepo) Upsert(ctx context.Context, a *domain.Admin) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *a
	c.Roles = slices.Clone(a.Roles)
	r.store.data.admins[a.ID] = c
	return nil
}

func (r *AdminRepo) List(ctx context.Context) ([]*domain.Admin, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.Admin, 0, len(r.store.data.admins))
	for _, a := range r.store.data.admins {
		a.Roles = slices.Clone(a.Roles)
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
