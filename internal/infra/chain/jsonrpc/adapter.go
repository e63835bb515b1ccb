// Package jsonrpc is a chain adapter that forwards approved transfers to an
// external custody gateway speaking JSON-RPC over HTTP.
package jsonrpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/metrics"
	"github.com/vietddude/custody/internal/tracing"
)

const (
	methodSubmit  = "custody_submitTransfer"
	methodBalance = "custody_getBalance"
)

// Config for the gateway connection.
type Config struct {
	Endpoint  string        `yaml:"endpoint"`
	AuthToken string        `yaml:"auth_token"`
	Timeout   time.Duration `yaml:"timeout"`
	Retry     RetryConfig   `yaml:"retry"`
}

// Adapter implements chain.Adapter against the gateway.
type Adapter struct {
	client *Client
	retry  RetryConfig
	log    *slog.Logger
}

// NewAdapter creates a gateway adapter.
func NewAdapter(cfg Config) *Adapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig
	}
	return &Adapter{
		client: NewClient(cfg.Endpoint, cfg.AuthToken, cfg.Timeout),
		retry:  cfg.Retry,
		log:    slog.Default().With("component", "chain_adapter", "endpoint", cfg.Endpoint),
	}
}

type submitResult struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
}

// Submit is retried freely: the gateway deduplicates on request_id.
func (a *Adapter) Submit(ctx context.Context, t *chain.Transfer) (*chain.Receipt, error) {
	var res submitResult
	err := a.call(ctx, "submit", methodSubmit, []any{t}, &res)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrExternalAdapter, err)
	}
	if res.TxHash == "" {
		return nil, fmt.Errorf("%w: gateway returned no reference", domain.ErrExternalAdapter)
	}
	return &chain.Receipt{
		Reference: res.TxHash,
		Confirmed: res.Status == "confirmed",
	}, nil
}

type balanceResult struct {
	Balance decimal.Decimal `json:"balance"`
}

func (a *Adapter) Balance(ctx context.Context, chainID domain.ChainID, currency, address string) (decimal.Decimal, error) {
	params := []any{map[string]string{
		"chain":    string(chainID),
		"currency": currency,
		"address":  address,
	}}
	var res balanceResult
	if err := a.call(ctx, "balance", methodBalance, params, &res); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", domain.ErrExternalAdapter, err)
	}
	return res.Balance, nil
}

// Health reports the gateway unhealthy after repeated failed calls.
func (a *Adapter) Health(ctx context.Context) error {
	h := a.client.Health()
	if !h.Available {
		return fmt.Errorf("chain gateway unavailable, error rate %.2f", h.ErrorRate)
	}
	return nil
}

// Close releases the HTTP client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func (a *Adapter) call(ctx context.Context, label, method string, params, out any) error {
	ctx, span := tracing.StartSpan(ctx, "chain."+label, map[string]string{"method": method})
	start := time.Now()
	err := CallWithRetry(ctx, a.client, method, params, out, a.retry)
	span.End(err)
	metrics.AdapterLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AdapterCalls.WithLabelValues(label, "error").Inc()
		a.log.Warn("Gateway call failed", "method", method, "error", err)
		return err
	}
	metrics.AdapterCalls.WithLabelValues(label, "ok").Inc()
	return nil
}
