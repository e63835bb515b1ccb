package domain

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

// SubjectKind identifies what holds the funds being moved.
type SubjectKind string

const (
	SubjectWallet SubjectKind = "wallet"
	SubjectVault  SubjectKind = "vault"
)

type RequestType string

const (
	RequestWithdrawal RequestType = "withdrawal"
	RequestTransfer   RequestType = "transfer"
	RequestReversal   RequestType = "reversal"
)

// IsOutbound reports whether the request consumes spend limits.
func (t RequestType) IsOutbound() bool {
	return t == RequestWithdrawal || t == RequestTransfer
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusSubmitted Status = "submitted"
	StatusExecuted  Status = "executed"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
)

// AllStatuses lists every request status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusApproved, StatusSubmitted,
	StatusExecuted, StatusRejected, StatusExpired,
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusExecuted || s == StatusRejected || s == StatusExpired
}

type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Request is a transaction approval request against a wallet or vault.
type Request struct {
	ID                string          `json:"id"`
	SubjectKind       SubjectKind     `json:"subject_kind"`
	SubjectID         string          `json:"subject_id"`
	Type              RequestType     `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Chain             ChainID         `json:"chain"`
	Source            string          `json:"source"`
	Destination       string          `json:"destination"`
	Description       string          `json:"description,omitempty"`
	Justification     string          `json:"justification,omitempty"`
	Urgency           Urgency         `json:"urgency"`
	InitiatorID       string          `json:"initiator_id"`
	RequiredApprovals int             `json:"required_approvals"`
	CurrentApprovals  int             `json:"current_approvals"`
	RiskScore         int             `json:"risk_score"`
	RiskLevel         RiskLevel       `json:"risk_level"`
	Status            Status          `json:"status"`
	PayloadDigest     string          `json:"payload_digest"`
	Overridden        bool            `json:"overridden"`
	OverrideReason    string          `json:"override_reason,omitempty"`
	ExternalReference string          `json:"external_reference,omitempty"`
	SpentAt           *time.Time      `json:"spent_at,omitempty"`
	AttemptID         string          `json:"attempt_id,omitempty"`
	AttemptUntil      *time.Time      `json:"attempt_until,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	DecidedAt         *time.Time      `json:"decided_at,omitempty"`
	ExecutedAt        *time.Time      `json:"executed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Version           int64           `json:"version"`
}

// IsExpired is evaluated on every access. Only requests that have not yet
// been handed to the chain adapter can expire.
func (r *Request) IsExpired(now time.Time) bool {
	if r.Status != StatusPending && r.Status != StatusApproved {
		return false
	}
	return now.After(r.ExpiresAt)
}

// AttemptLive reports whether an execution attempt still owns the request.
func (r *Request) AttemptLive(now time.Time) bool {
	return r.AttemptID != "" && r.AttemptUntil != nil && now.Before(*r.AttemptUntil)
}

// Remaining returns the time left before expiry, zero once past.
func (r *Request) Remaining(now time.Time) time.Duration {
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// QuorumReached reports whether enough approvals were collected.
func (r *Request) QuorumReached() bool {
	return r.CurrentApprovals >= r.RequiredApprovals
}

// ComputeDigest hashes the fields an approver signs off on. CreatedAt must be
// truncated to microseconds so the digest survives a database round trip.
func (r *Request) ComputeDigest() string {
	parts := []string{
		"v1",
		string(r.SubjectKind),
		r.SubjectID,
		string(r.Type),
		r.Amount.String(),
		r.Currency,
		string(r.Chain),
		r.Source,
		r.Destination,
		r.InitiatorID,
		strconv.FormatInt(r.CreatedAt.UnixMicro(), 10),
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
