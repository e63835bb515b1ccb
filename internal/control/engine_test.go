package control

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/approval"
	"github.com/vietddude/custody/internal/core/config"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/health"
)

const testConfig = `
server:
  port: 38517
auth:
  jwt:
    secret: 0123456789abcdef0123456789abcdef
  admins:
    - id: alice
      roles: [initiator]
    - id: bob
      roles: [approver, executor]
    - id: cora
      roles: [custodian]
workflow:
  sweep_interval: 20ms
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	e, err := NewEngine(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestEngine_WiresServices(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	admin, err := e.Store().Admins().Get(ctx, "bob")
	if err != nil {
		t.Fatalf("expected seeded admin: %v", err)
	}
	if !admin.HasRole(domain.RoleExecutor) {
		t.Errorf("bob roles = %v", admin.Roles)
	}

	w, err := e.Wallets.CreateWallet(ctx, "cora", domain.Wallet{
		Name: "ops", Chain: domain.ChainIDEthereum, Currency: "USDT", Address: "0xhot",
		Type: domain.WalletTypeHot, DailyLimit: decimal.NewFromInt(10000), MonthlyLimit: decimal.NewFromInt(100000),
	})
	if err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}
	req, err := e.Wallets.InitiateTransfer(ctx, w.ID, approval.Intent{
		Amount: decimal.NewFromInt(100), Destination: "0xdest",
	}, "alice")
	if err != nil {
		t.Fatalf("InitiateTransfer failed: %v", err)
	}
	if req.RequiredApprovals != 1 {
		t.Errorf("required approvals = %d, want 1", req.RequiredApprovals)
	}

	if _, err := e.Sessions.Issue("alice"); err != nil {
		t.Errorf("Issue failed: %v", err)
	}
	if n, err := e.Sweep(ctx); err != nil || n != 0 {
		t.Errorf("Sweep() = %d, %v", n, err)
	}
	if got := e.Health(ctx).Status; got != health.StatusHealthy {
		t.Errorf("health = %s, want healthy", got)
	}
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	e := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestNewEngine_RejectsMissingSecret(t *testing.T) {
	cfg, err := config.Parse([]byte("server:\n  port: 0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewEngine(context.Background(), cfg); err == nil {
		t.Error("expected error without a jwt secret")
	}
}
