package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/custody/internal/core/access"
	"github.com/vietddude/custody/internal/core/approval"
	"github.com/vietddude/custody/internal/core/audit"
	"github.com/vietddude/custody/internal/core/clock"
	"github.com/vietddude/custody/internal/core/coldstorage"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/reversal"
	"github.com/vietddude/custody/internal/core/wallet"
	"github.com/vietddude/custody/internal/health"
	"github.com/vietddude/custody/internal/infra/auth"
	chainmem "github.com/vietddude/custody/internal/infra/chain/memory"
	"github.com/vietddude/custody/internal/infra/storage/memory"
)

const jwtSecret = "0123456789abcdef0123456789abcdef"

type fakeMFA struct{}

func (fakeMFA) Verify(_ context.Context, adminID, code string) error {
	if code != "123456" {
		return fmt.Errorf("%w: invalid mfa code", domain.ErrPermissionDenied)
	}
	return nil
}

type downChecker struct{}

func (downChecker) Health(context.Context) error { return errors.New("connection refused") }

func monitorWith(name string, c health.Checker) *health.Monitor {
	m := health.NewMonitor()
	m.Register(name, c, true)
	return m
}

type fixture struct {
	router   http.Handler
	sessions *auth.Sessions
	tokens   map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	admins := map[string][]domain.Role{
		"alice":   {domain.RoleInitiator},
		"bob":     {domain.RoleApprover, domain.RoleExecutor},
		"carol":   {domain.RoleApprover},
		"cora":    {domain.RoleCustodian},
		"vera":    {domain.RoleVerifier},
		"mallory": {domain.RoleAuditor},
	}
	for id, roles := range admins {
		require.NoError(t, store.Admins().Upsert(ctx, &domain.Admin{ID: id, Roles: roles, Active: true}))
	}

	clk := clock.NewManual(time.Date(2026, 8, 3, 14, 0, 0, 0, time.UTC))
	trail := audit.NewTrail(store, clk.Now)
	authz := access.NewStoreAuthorizer(store.Admins())
	workflow := approval.NewManager(approval.Deps{
		Store: store, Trail: trail, Adapter: chainmem.NewAdapter(), Authz: authz, Now: clk.Now,
	})
	wallets := wallet.NewService(wallet.Deps{
		Store: store, Workflow: workflow, Trail: trail, Authz: authz, MFA: fakeMFA{}, Now: clk.Now,
	})
	vaults := coldstorage.NewService(coldstorage.Deps{
		Store: store, Workflow: workflow, Trail: trail, Authz: authz, Now: clk.Now,
	})
	reversals := reversal.NewManager(reversal.Deps{
		Store: store, Workflow: workflow, Trail: trail, Authz: authz, Now: clk.Now,
	})

	sessions, err := auth.NewSessions(auth.JWTConfig{Secret: jwtSecret}, nil)
	require.NoError(t, err)
	marks := auth.NewMemoryStore(nil)

	f := &fixture{
		router: NewRouter(Deps{
			Workflow:  workflow,
			Wallets:   wallets,
			Vaults:    vaults,
			Reversals: reversals,
			Trail:     trail,
			Authz:     authz,
			Sessions:  sessions,
			StepUp:    auth.NewStepUp(fakeMFA{}, marks, 5*time.Minute),
			Health:    monitorWith("storage", store),
		}),
		sessions: sessions,
		tokens:   map[string]string{},
	}
	for id := range admins {
		tok, err := sessions.Issue(id)
		require.NoError(t, err)
		f.tokens[id] = tok
	}
	return f
}

func (f *fixture) do(t *testing.T, method, path, admin string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok, ok := f.tokens[admin]; ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) stepUp(t *testing.T, admin string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/auth/mfa", admin, map[string]string{"code": "123456"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type requestBody struct {
	RequestID         string        `json:"request_id"`
	Status            domain.Status `json:"status"`
	RequiredApprovals int           `json:"required_approvals"`
	CurrentApprovals  int           `json:"current_approvals"`
	RiskScore         int           `json:"risk_score"`
	PayloadDigest     string        `json:"payload_digest"`
	ExternalReference string        `json:"external_reference"`
}

type problemBody struct {
	Status  string       `json:"status"`
	Code    string       `json:"code"`
	Request *requestBody `json:"request"`
}

func TestAPI_Authentication(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/wallets", "nobody", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/transactions", "alice", map[string]any{"wallet_id": "w"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, codeMFARequired, decodeBody[problemBody](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/v1/auth/mfa", "alice", map[string]string{"code": "000000"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, domain.CodePermissionDenied, decodeBody[problemBody](t, rec).Code)
}

func TestAPI_MFARefusalIsAudited(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/transactions", "alice", map[string]any{"wallet_id": "w"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, codeMFARequired, decodeBody[problemBody](t, rec).Code)

	rec = f.do(t, http.MethodGet, "/v1/audit?actor_id=alice&operation="+domain.OpMFARequired, "mallory", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entries := decodeBody[[]domain.AuditEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditDenied, entries[0].Decision)
	assert.Equal(t, domain.CodePermissionDenied, entries[0].Detail["code"])
	assert.Contains(t, entries[0].Detail["reason"], "/v1/transactions")
}

func TestAPI_VaultTransfer(t *testing.T) {
	f := newFixture(t)
	for _, a := range []string{"alice", "cora", "vera"} {
		f.stepUp(t, a)
	}

	rec := f.do(t, http.MethodPost, "/v1/vaults", "cora", map[string]any{
		"name": "deep", "chain": "1", "currency": "USDT", "address": "0xcold",
		"type": "multi_sig", "storage_protocol": "hsm", "recorded_balance": "500",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v := decodeBody[domain.Vault](t, rec)

	rec = f.do(t, http.MethodPost, "/v1/vaults/"+v.ID+"/balance-checks", "vera", map[string]any{
		"physically_verified": true, "observed_balance": "500",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	tests := []struct {
		name     string
		chain    string
		wantCode int
	}{
		{"matching chain", "1", http.StatusCreated},
		{"chain omitted", "", http.StatusCreated},
		{"other chain", "56", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := map[string]any{
				"type": "withdrawal", "amount": "100", "destination": "0xdest",
				"justification": "rebalance to warm storage",
			}
			if tt.chain != "" {
				body["chain"] = tt.chain
			}
			rec := f.do(t, http.MethodPost, "/v1/vaults/"+v.ID+"/transfers", "alice", body)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode == http.StatusCreated {
				assert.Equal(t, domain.StatusPending, decodeBody[requestBody](t, rec).Status)
			}
		})
	}
}

func TestAPI_TransactionLifecycle(t *testing.T) {
	f := newFixture(t)
	for _, a := range []string{"alice", "bob", "carol", "cora"} {
		f.stepUp(t, a)
	}

	rec := f.do(t, http.MethodPost, "/v1/wallets", "cora", map[string]any{
		"name": "ops", "chain": "1", "currency": "USDT", "address": "0xhot",
		"type": "hot", "daily_limit": "10000", "monthly_limit": "100000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wl := decodeBody[domain.Wallet](t, rec)

	rec = f.do(t, http.MethodPost, "/v1/transactions", "alice", map[string]any{
		"wallet_id": wl.ID, "type": "withdrawal", "amount": "3000", "destination": "0xnew",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decodeBody[requestBody](t, rec)
	assert.Equal(t, 2, req.RequiredApprovals)
	assert.Equal(t, 30, req.RiskScore)
	assert.Equal(t, domain.StatusPending, req.Status)

	rec = f.do(t, http.MethodGet, "/v1/approvals/pending", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeBody[[]requestBody](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, req.RequestID, pending[0].RequestID)

	approve := map[string]any{"decision": "approve", "proof": map[string]string{"payload_digest": req.PayloadDigest}}
	rec = f.do(t, http.MethodPost, "/v1/transactions/"+req.RequestID+"/approvals", "bob", approve)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeBody[requestBody](t, rec).CurrentApprovals)

	rec = f.do(t, http.MethodPost, "/v1/transactions/"+req.RequestID+"/approvals", "bob", approve)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.CodeDuplicateApproval, decodeBody[problemBody](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/v1/transactions/"+req.RequestID+"/execute", "bob", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.CodeNotApproved, decodeBody[problemBody](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/v1/transactions/"+req.RequestID+"/approvals", "carol", approve)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StatusApproved, decodeBody[requestBody](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/v1/transactions/"+req.RequestID+"/execute", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decodeBody[requestBody](t, rec)
	assert.Equal(t, domain.StatusExecuted, done.Status)
	assert.NotEmpty(t, done.ExternalReference)

	rec = f.do(t, http.MethodPost, "/v1/transactions/"+req.RequestID+"/execute", "bob", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.CodeAlreadyExecuted, decodeBody[problemBody](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/v1/transactions/"+req.RequestID+"/reversal", "alice", map[string]any{
		"reason": "refund", "partial_amount": "5000",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.CodeInvalidPartialAmount, decodeBody[problemBody](t, rec).Code)

	rec = f.do(t, http.MethodGet, "/v1/transactions/"+req.RequestID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[approval.RequestView](t, rec)
	assert.Len(t, view.Signatures, 2)
	assert.Equal(t, 2, view.Tally.Approvals)
}

func TestAPI_AuditTrailRequiresAuditor(t *testing.T) {
	f := newFixture(t)
	f.stepUp(t, "cora")

	rec := f.do(t, http.MethodPost, "/v1/wallets", "cora", map[string]any{
		"name": "ops", "chain": "1", "currency": "USDT", "address": "0xhot",
		"type": "hot", "daily_limit": "10000", "monthly_limit": "100000",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	wl := decodeBody[domain.Wallet](t, rec)

	rec = f.do(t, http.MethodGet, "/v1/audit?wallet_id="+wl.ID, "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/audit?wallet_id="+wl.ID, "mallory", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]domain.AuditEntry](t, rec)
	require.NotEmpty(t, entries)
	assert.Equal(t, domain.OpWalletCreated, entries[0].Operation)

	rec = f.do(t, http.MethodGet, "/v1/audit?limit=-1", "mallory", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/audit?since=yesterday", "mallory", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/overrides", "mallory", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_Health(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.router = NewRouter(Deps{Health: monitorWith("storage", downChecker{})})
	rec = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Validationf("bad"), http.StatusBadRequest},
		{domain.ErrInvalidPartialAmount, http.StatusBadRequest},
		{domain.ErrSelfApproval, http.StatusForbidden},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrAlreadyReversed, http.StatusConflict},
		{domain.ErrExpired, http.StatusGone},
		{domain.ErrLimitExceeded, http.StatusUnprocessableEntity},
		{domain.ErrStaleBalance, http.StatusUnprocessableEntity},
		{domain.ErrExternalAdapter, http.StatusBadGateway},
		{domain.ErrAuditWrite, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(domain.Code(tt.err)); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
