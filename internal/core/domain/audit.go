package domain

import "time"

type ActorType string

const (
	ActorAdmin  ActorType = "admin"
	ActorSystem ActorType = "system"
)

// SystemActor is the actor id used for background transitions.
const SystemActor = "system"

type AuditDecision string

const (
	AuditAllowed   AuditDecision = "allowed"
	AuditDenied    AuditDecision = "denied"
	AuditFailed    AuditDecision = "failed"
	AuditAlert     AuditDecision = "alert"
	AuditCancelled AuditDecision = "cancelled"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Audit operations.
const (
	OpRequestInitiated   = "request_initiated"
	OpApprovalSubmitted  = "approval_submitted"
	OpQuorumReached      = "quorum_reached"
	OpRequestRejected    = "request_rejected"
	OpRequestCancelled   = "request_cancelled"
	OpRequestExpired     = "request_expired"
	OpExecutionSubmitted = "execution_submitted"
	OpExecutionPending   = "execution_pending_confirmation"
	OpExecutionFailed    = "execution_failed"
	OpExecuted           = "executed"
	OpEmergencyOverride  = "emergency_override"
	OpReversalInitiated  = "reversal_initiated"
	OpBalanceCheck       = "balance_check"
	OpBalanceDrift       = "balance_drift"
	OpWalletCreated      = "wallet_created"
	OpWalletLimits       = "wallet_limits_updated"
	OpWalletDeactivated  = "wallet_deactivated"
	OpVaultCreated       = "vault_created"
	OpVaultDeactivated   = "vault_deactivated"
	OpPendingListed      = "pending_listed"
	OpAuditQueried       = "audit_queried"
	OpMFARequired        = "mfa_required"
)

// AuditEntry is an immutable record of an attempted or completed action.
type AuditEntry struct {
	ID         string         `json:"id"`
	Sequence   int64          `json:"sequence"`
	ActorID    string         `json:"actor_id"`
	ActorType  ActorType      `json:"actor_type"`
	Operation  string         `json:"operation"`
	SubjectID  string         `json:"subject_id"`
	ScopeID    string         `json:"scope_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Decision   AuditDecision  `json:"decision"`
	Severity   Severity       `json:"severity"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// IsAlert reports whether the entry should be fanned out to alert sinks.
func (e *AuditEntry) IsAlert() bool {
	return e.Severity == SeverityHigh || e.Severity == SeverityCritical
}

// AuditFilter narrows a trail query. ScopeID matches the wallet or vault.
type AuditFilter struct {
	SubjectID string
	ScopeID   string
	ActorID   string
	Operation string
	Severity  Severity
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}
