// Package chain defines the boundary to the external collaborator that moves
// funds on chain. Broadcast and confirmation tracking live behind it.
package chain

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/domain"
)

// Transfer is an approved payload handed to the adapter. RequestID is the
// idempotency key: submitting the same request twice must not move funds twice.
type Transfer struct {
	RequestID   string          `json:"request_id"`
	Chain       domain.ChainID  `json:"chain"`
	Currency    string          `json:"currency"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Digest      string          `json:"digest"`
}

// Receipt describes what the adapter accepted. Confirmed is false while the
// broadcast is accepted but not yet final.
type Receipt struct {
	Reference string `json:"reference"`
	Confirmed bool   `json:"confirmed"`
}

// Adapter moves funds on behalf of the engine.
type Adapter interface {
	// Submit hands a transfer to the chain. An error means the transfer was not accepted.
	Submit(ctx context.Context, t *Transfer) (*Receipt, error)

	// Balance reads the on-chain balance of an address.
	Balance(ctx context.Context, chain domain.ChainID, currency, address string) (decimal.Decimal, error)
}
