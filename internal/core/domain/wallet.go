package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletType is the custody tier of an operational wallet.
type WalletType string

const (
	WalletTypeHot  WalletType = "hot"
	WalletTypeWarm WalletType = "warm"
)

// CustodyTier groups wallets and vaults for risk scoring.
type CustodyTier string

const (
	TierHot  CustodyTier = "hot"
	TierWarm CustodyTier = "warm"
	TierCold CustodyTier = "cold"
)

// Wallet is an operational wallet with rolling spend ceilings.
// DailyUsed and MonthlyUsed are derived from the spend window and refreshed
// whenever a reservation changes.
type Wallet struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Chain        ChainID         `json:"chain"`
	Currency     string          `json:"currency"`
	Address      string          `json:"address"`
	Type         WalletType      `json:"type"`
	DailyLimit   decimal.Decimal `json:"daily_limit"`
	MonthlyLimit decimal.Decimal `json:"monthly_limit"`
	DailyUsed    decimal.Decimal `json:"daily_used"`
	MonthlyUsed  decimal.Decimal `json:"monthly_used"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Tier returns the custody tier used for scoring.
func (w *Wallet) Tier() CustodyTier {
	if w.Type == WalletTypeWarm {
		return TierWarm
	}
	return TierHot
}

// DailyRemaining returns how much can still leave the wallet in the rolling day.
func (w *Wallet) DailyRemaining() decimal.Decimal {
	rem := w.DailyLimit.Sub(w.DailyUsed)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}
