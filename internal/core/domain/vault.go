package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type VaultType string

const (
	VaultTypeSingleSig  VaultType = "single_sig"
	VaultTypeMultiSig   VaultType = "multi_sig"
	VaultTypeShardSplit VaultType = "shard_split"
)

// Insurance describes the policy covering a vault.
type Insurance struct {
	Provider string          `json:"provider"`
	PolicyID string          `json:"policy_id"`
	Coverage decimal.Decimal `json:"coverage"`
}

// Vault is a cold-storage vault. RecordedBalance is the book balance the
// engine maintains; the attested fields come from the latest balance check.
type Vault struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Chain               ChainID           `json:"chain"`
	Currency            string            `json:"currency"`
	Address             string            `json:"address"`
	Type                VaultType         `json:"type"`
	StorageProtocol     string            `json:"storage_protocol"`
	Location            map[string]string `json:"location,omitempty"`
	RecordedBalance     decimal.Decimal   `json:"recorded_balance"`
	LastAttestedBalance decimal.Decimal   `json:"last_attested_balance"`
	LastAttestedAt      *time.Time        `json:"last_attested_at,omitempty"`
	Insurance           Insurance         `json:"insurance"`
	Active              bool              `json:"active"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// BalanceCheck is one attestation of a vault's holdings.
type BalanceCheck struct {
	ID                 string          `json:"id"`
	VaultID            string          `json:"vault_id"`
	ObservedBalance    decimal.Decimal `json:"observed_balance"`
	RecordedBalance    decimal.Decimal `json:"recorded_balance"`
	DriftRatio         decimal.Decimal `json:"drift_ratio"`
	DriftDetected      bool            `json:"drift_detected"`
	VerifierID         string          `json:"verifier_id"`
	PhysicallyVerified bool            `json:"physically_verified"`
	CheckedAt          time.Time       `json:"checked_at"`
}

// IsFresh reports whether the check is recent enough to authorize movement.
func (c *BalanceCheck) IsFresh(now time.Time, window time.Duration) bool {
	if c == nil {
		return false
	}
	return now.Sub(c.CheckedAt) <= window
}

// Drift returns |observed-recorded|/recorded. A zero recorded balance with a
// non-zero observation counts as full drift.
func Drift(observed, recorded decimal.Decimal) decimal.Decimal {
	diff := observed.Sub(recorded).Abs()
	if recorded.IsZero() {
		if diff.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(1)
	}
	return diff.Div(recorded)
}
