package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain"
)

// Adapter is an in-process chain adapter for development and tests. It
// remembers submissions by request id and never moves funds twice.
type Adapter struct {
	mu          sync.Mutex
	submissions map[string]*chain.Receipt
	balances    map[string]decimal.Decimal
	calls       int

	// FailNext makes the next n Submit calls fail before acceptance.
	failNext int
	// Pending leaves accepted transfers unconfirmed.
	pending bool
}

// NewAdapter creates an adapter with no balances.
func NewAdapter() *Adapter {
	return &Adapter{
		submissions: make(map[string]*chain.Receipt),
		balances:    make(map[string]decimal.Decimal),
	}
}

// ErrInjected is returned by Submit while failures are injected.
var ErrInjected = errors.New("injected adapter failure")

// FailNext makes the next n submissions fail.
func (a *Adapter) FailNext(n int) {
	a.mu.Lock()
	a.failNext = n
	a.mu.Unlock()
}

// SetPending controls whether accepted transfers are reported as confirmed.
func (a *Adapter) SetPending(pending bool) {
	a.mu.Lock()
	a.pending = pending
	a.mu.Unlock()
}

// SetBalance sets the balance Balance reports for an address.
func (a *Adapter) SetBalance(chainID domain.ChainID, currency, address string, amount decimal.Decimal) {
	a.mu.Lock()
	a.balances[balanceKey(chainID, currency, address)] = amount
	a.mu.Unlock()
}

// Calls returns how many times Submit was invoked.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Submitted returns how many distinct transfers were accepted.
func (a *Adapter) Submitted() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.submissions)
}

func (a *Adapter) Submit(ctx context.Context, t *chain.Transfer) (*chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++

	if a.failNext > 0 {
		a.failNext--
		return nil, ErrInjected
	}

	if r, ok := a.submissions[t.RequestID]; ok {
		r.Confirmed = !a.pending
		out := *r
		return &out, nil
	}

	r := &chain.Receipt{
		Reference: fmt.Sprintf("%s:%s", t.Chain, t.RequestID),
		Confirmed: !a.pending,
	}
	a.submissions[t.RequestID] = r
	out := *r
	return &out, nil
}

func (a *Adapter) Balance(ctx context.Context, chainID domain.ChainID, currency, address string) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[balanceKey(chainID, currency, address)], nil
}

func balanceKey(chainID domain.ChainID, currency, address string) string {
	return string(chainID) + "/" + currency + "/" + address
}
