// Package approval runs the lifecycle of transaction approval requests:
// initiation, voting, expiry and execution through the chain adapter.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/custody/internal/core/access"
	"github.com/vietddude/custody/internal/core/audit"
	"github.com/vietddude/custody/internal/core/clock"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/idgen"
	"github.com/vietddude/custody/internal/core/lifecycle"
	"github.com/vietddude/custody/internal/core/risk"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/metrics"
	"github.com/vietddude/custody/internal/tracing"
)

// DefaultAdapterTimeout bounds one chain adapter call.
const DefaultAdapterTimeout = 30 * time.Second

// attemptGrace covers the time between the adapter call and settle.
const attemptGrace = time.Minute

// Deps are the collaborators of a Manager.
type Deps struct {
	Store          storage.Store
	Trail          *audit.Trail
	Scorer         *risk.Scorer
	Adapter        chain.Adapter
	Authz          access.Authorizer
	Now            clock.NowFunc
	AdapterTimeout time.Duration
}

// Manager orchestrates approval requests. It is safe for concurrent use;
// every state change runs in one storage unit of work with its audit entry.
type Manager struct {
	store          storage.Store
	trail          *audit.Trail
	scorer         *risk.Scorer
	adapter        chain.Adapter
	authz          access.Authorizer
	now            clock.NowFunc
	adapterTimeout time.Duration
	policies       map[domain.SubjectKind]SubjectPolicy
	log            *slog.Logger
}

// NewManager creates a workflow manager.
func NewManager(d Deps) *Manager {
	if d.Now == nil {
		d.Now = clock.System
	}
	if d.AdapterTimeout == 0 {
		d.AdapterTimeout = DefaultAdapterTimeout
	}
	if d.Scorer == nil {
		d.Scorer = risk.NewScorer(risk.DefaultConfig())
	}
	if d.Authz == nil {
		d.Authz = access.NewStoreAuthorizer(d.Store.Admins())
	}
	return &Manager{
		store:          d.Store,
		trail:          d.Trail,
		scorer:         d.Scorer,
		adapter:        d.Adapter,
		authz:          d.Authz,
		now:            d.Now,
		adapterTimeout: d.AdapterTimeout,
		policies:       make(map[domain.SubjectKind]SubjectPolicy),
		log:            slog.Default().With("component", "approval"),
	}
}

// RegisterPolicy installs the rules for one subject kind. Call before serving.
func (m *Manager) RegisterPolicy(kind domain.SubjectKind, p SubjectPolicy) {
	m.policies[kind] = p
}

// Scorer returns the risk scorer in use.
func (m *Manager) Scorer() *risk.Scorer { return m.scorer }

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time { return m.now() }

// Initiate persists a pending request for the intent.
func (m *Manager) Initiate(ctx context.Context, in Intent, initiatorID string) (*domain.Request, error) {
	ctx, span := tracing.StartSpan(ctx, "approval.Initiate", map[string]string{
		"subject_id": in.SubjectID,
		"type":       string(in.Type),
	})
	var err error
	defer func() { span.End(err) }()

	if err = m.authz.Require(ctx, initiatorID, domain.RoleInitiator); err != nil {
		err = m.trail.Deny(ctx, initiatorID, domain.OpRequestInitiated, "", in.SubjectID, err)
		return nil, err
	}
	if in.Type == domain.RequestReversal {
		err = m.trail.Deny(ctx, initiatorID, domain.OpRequestInitiated, "", in.SubjectID,
			domain.Validationf("reversals must be initiated against an executed request"))
		return nil, err
	}

	var req *domain.Request
	batch := m.trail.Batch()
	err = m.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch.Reset()
		var err error
		req, err = m.Open(ctx, tx, batch, in, initiatorID)
		return err
	})
	if err != nil {
		err = m.trail.Deny(ctx, initiatorID, domain.OpRequestInitiated, "", in.SubjectID, err)
		return nil, err
	}
	batch.Flush(ctx)
	m.observeInitiated(req)
	return req, nil
}

// Open creates a pending request inside an existing unit of work.
func (m *Manager) Open(ctx context.Context, tx storage.Tx, batch *audit.Batch, in Intent, initiatorID string) (*domain.Request, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	policy, ok := m.policies[in.SubjectKind]
	if !ok {
		return nil, domain.Validationf("unknown subject kind %q", in.SubjectKind)
	}

	now := m.now()
	adm, err := policy.Admit(ctx, tx, &in, now)
	if err != nil {
		return nil, err
	}
	if in.Chain != "" && in.Chain != adm.Chain {
		return nil, domain.Validationf("chain %s does not match subject chain %s", in.Chain, adm.Chain)
	}

	velocity, err := tx.Requests().CountExecutedSince(ctx, in.SubjectID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to count recent executions: %w", err)
	}
	known, err := tx.Requests().DestinationUsed(ctx, in.SubjectID, in.Destination)
	if err != nil {
		return nil, fmt.Errorf("failed to check destination history: %w", err)
	}
	input := adm.Risk
	input.Amount = in.Amount
	input.KnownDestination = known
	input.Velocity24h = velocity
	input.Urgency = in.Urgency
	assessment := m.scorer.Score(input)

	source := adm.Source
	if in.Source != "" {
		source = in.Source
	}
	req := &domain.Request{
		ID:                idgen.New(),
		SubjectKind:       in.SubjectKind,
		SubjectID:         in.SubjectID,
		Type:              in.Type,
		Amount:            in.Amount,
		Currency:          adm.Currency,
		Chain:             adm.Chain,
		Source:            source,
		Destination:       in.Destination,
		Description:       in.Description,
		Justification:     in.Justification,
		Urgency:           in.Urgency,
		InitiatorID:       initiatorID,
		RequiredApprovals: max(assessment.RequiredApprovals, adm.MinApprovals, in.MinApprovals),
		RiskScore:         assessment.Score,
		RiskLevel:         assessment.Level,
		Status:            domain.StatusPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(assessment.TTL),
		UpdatedAt:         now,
	}
	req.PayloadDigest = req.ComputeDigest()

	if err := tx.Requests().Create(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	detail := assessment.Detail()
	detail["amount"] = req.Amount.String()
	detail["currency"] = req.Currency
	detail["destination"] = req.Destination
	detail["type"] = string(req.Type)
	detail["required_approvals"] = req.RequiredApprovals
	detail["expires_at"] = req.ExpiresAt
	detail["payload_digest"] = req.PayloadDigest
	err = batch.Record(ctx, tx, &domain.AuditEntry{
		ActorID:   initiatorID,
		Operation: domain.OpRequestInitiated,
		SubjectID: req.ID,
		ScopeID:   req.SubjectID,
		Detail:    detail,
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// SubmitApproval records one approver's decision.
func (m *Manager) SubmitApproval(ctx context.Context, requestID, approverID string, d domain.Decision, proof domain.Proof) (*domain.Request, error) {
	ctx, span := tracing.StartSpan(ctx, "approval.SubmitApproval", map[string]string{
		"request_id": requestID,
		"decision":   string(d),
	})
	var err error
	defer func() { span.End(err) }()

	if !d.Valid() {
		err = m.trail.Deny(ctx, approverID, domain.OpApprovalSubmitted, requestID, "",
			domain.Validationf("decision must be approve or reject"))
		return nil, err
	}
	if err = m.authz.Require(ctx, approverID, domain.RoleApprover); err != nil {
		err = m.trail.Deny(ctx, approverID, domain.OpApprovalSubmitted, requestID, "", err)
		return nil, err
	}

	var (
		req     *domain.Request
		scope   string
		outcome error
	)
	batch := m.trail.Batch()
	err = m.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch.Reset()
		outcome = nil
		r, err := tx.Requests().GetForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		scope = r.SubjectID
		now := m.now()

		if r.IsExpired(now) {
			if err := m.expire(ctx, tx, batch, r, now); err != nil {
				return err
			}
			req, outcome = r, domain.ErrExpired
			return batch.Deny(ctx, tx, approverID, domain.OpApprovalSubmitted, r.ID, r.SubjectID, outcome)
		}
		if r.Status != domain.StatusPending {
			return domain.ErrAlreadyDecided
		}
		if r.InitiatorID == approverID {
			return domain.ErrSelfApproval
		}
		voted, err := tx.Signatures().VotedBy(ctx, approverID, []string{r.ID})
		if err != nil {
			return fmt.Errorf("failed to load votes: %w", err)
		}
		if voted[r.ID] {
			return domain.ErrDuplicateApproval
		}
		if proof.PayloadDigest != r.PayloadDigest {
			return domain.Validationf("proof does not match the request payload")
		}

		vote, err := Apply(r, d)
		if err != nil {
			return err
		}
		sig := &domain.Signature{
			ID:            idgen.New(),
			RequestID:     r.ID,
			ApproverID:    approverID,
			Decision:      d,
			Reference:     proof.Reference,
			PayloadDigest: proof.PayloadDigest,
			CreatedAt:     now,
		}
		if err := tx.Signatures().Create(ctx, sig); err != nil {
			return err
		}

		switch vote {
		case VoteRejected:
			if err := m.transition(r, domain.StatusRejected, "rejected by approver", now); err != nil {
				return err
			}
		case VoteQuorumReached:
			if err := m.transition(r, domain.StatusApproved, "quorum reached", now); err != nil {
				return err
			}
		default:
			r.UpdatedAt = now
		}
		if err := tx.Requests().Update(ctx, r); err != nil {
			return fmt.Errorf("failed to update request: %w", err)
		}

		err = batch.Record(ctx, tx, &domain.AuditEntry{
			ActorID:   approverID,
			Operation: domain.OpApprovalSubmitted,
			SubjectID: r.ID,
			ScopeID:   r.SubjectID,
			Detail: map[string]any{
				"decision":           string(d),
				"reference":          proof.Reference,
				"current_approvals":  r.CurrentApprovals,
				"required_approvals": r.RequiredApprovals,
			},
		})
		if err != nil {
			return err
		}
		switch vote {
		case VoteRejected:
			err = batch.Record(ctx, tx, &domain.AuditEntry{
				ActorID:   approverID,
				Operation: domain.OpRequestRejected,
				SubjectID: r.ID,
				ScopeID:   r.SubjectID,
				Decision:  domain.AuditDenied,
				Detail:    map[string]any{"reference": proof.Reference},
			})
		case VoteQuorumReached:
			err = batch.Record(ctx, tx, &domain.AuditEntry{
				ActorID:   approverID,
				Operation: domain.OpQuorumReached,
				SubjectID: r.ID,
				ScopeID:   r.SubjectID,
				Detail:    map[string]any{"approvals": r.CurrentApprovals},
			})
		}
		if err != nil {
			return err
		}
		req = r
		return nil
	})
	if err != nil {
		err = m.trail.Deny(ctx, approverID, domain.OpApprovalSubmitted, requestID, scope, err)
		return nil, err
	}
	batch.Flush(ctx)
	if outcome != nil {
		err = outcome
		return req, err
	}

	metrics.ApprovalsSubmitted.WithLabelValues(string(d)).Inc()
	m.log.Info("Approval recorded",
		"request_id", req.ID,
		"approver_id", approverID,
		"decision", d,
		"current", req.CurrentApprovals,
		"required", req.RequiredApprovals,
		"status", req.Status,
	)
	return req, nil
}

// PendingItem is a request awaiting a vote.
type PendingItem struct {
	*domain.Request
	RemainingTTL time.Duration `json:"remaining_ttl"`
}

// GetPending lists unexpired pending requests the approver may still vote on.
func (m *Manager) GetPending(ctx context.Context, approverID string) ([]PendingItem, error) {
	if err := m.authz.Require(ctx, approverID, domain.RoleApprover); err != nil {
		return nil, m.trail.Deny(ctx, approverID, domain.OpPendingListed, "", "", err)
	}
	now := m.now()
	reqs, err := m.store.Requests().ListPendingFor(ctx, approverID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	items := make([]PendingItem, 0, len(reqs))
	for _, r := range reqs {
		items = append(items, PendingItem{Request: r, RemainingTTL: r.Remaining(now)})
	}
	return items, nil
}

// Execute hands an approved request to the chain adapter. The amount is
// reserved and the request moved to submitted before the call; a refused
// transfer returns it to approved so the call can be retried without new votes.
func (m *Manager) Execute(ctx context.Context, requestID, executorID string) (out *domain.Request, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.Execute", map[string]string{"request_id": requestID})
	defer func() { span.End(err) }()

	if err = m.authz.Require(ctx, executorID, domain.RoleExecutor); err != nil {
		return nil, m.trail.Deny(ctx, executorID, domain.OpExecutionSubmitted, requestID, "", err)
	}

	var (
		req     *domain.Request
		scope   string
		attempt string
		outcome error
	)
	batch := m.trail.Batch()
	err = m.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch.Reset()
		outcome = nil
		r, err := tx.Requests().GetForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		scope = r.SubjectID
		now := m.now()

		if r.IsExpired(now) {
			if err := m.expire(ctx, tx, batch, r, now); err != nil {
				return err
			}
			req, outcome = r, domain.ErrExpired
			return batch.Deny(ctx, tx, executorID, domain.OpExecutionSubmitted, r.ID, r.SubjectID, outcome)
		}
		switch r.Status {
		case domain.StatusExecuted:
			return domain.ErrAlreadyExecuted
		case domain.StatusSubmitted:
			if r.AttemptLive(now) {
				return fmt.Errorf("%w: attempt %s holds request %s until %s", domain.ErrInProgress,
					r.AttemptID, r.ID, r.AttemptUntil.Format(time.RFC3339))
			}
			// the reservation is still held; resubmit under the same idempotency key
			m.claimAttempt(r, now)
			r.UpdatedAt = now
			if err := tx.Requests().Update(ctx, r); err != nil {
				return fmt.Errorf("failed to update request: %w", err)
			}
			req, attempt = r, r.AttemptID
			return batch.Record(ctx, tx, &domain.AuditEntry{
				ActorID:   executorID,
				Operation: domain.OpExecutionSubmitted,
				SubjectID: r.ID,
				ScopeID:   r.SubjectID,
				Detail: map[string]any{
					"attempt_id":         r.AttemptID,
					"resumed":            true,
					"external_reference": r.ExternalReference,
				},
			})
		case domain.StatusApproved:
		default:
			return domain.ErrNotApproved
		}

		policy, ok := m.policies[r.SubjectKind]
		if !ok {
			return fmt.Errorf("no policy for subject kind %q", r.SubjectKind)
		}
		if err := m.transition(r, domain.StatusSubmitted, "handed to chain adapter", now); err != nil {
			return err
		}
		if r.Type.IsOutbound() {
			r.SpentAt = &now
		}
		m.claimAttempt(r, now)
		if err := tx.Requests().Update(ctx, r); err != nil {
			return fmt.Errorf("failed to update request: %w", err)
		}
		if err := policy.Reserve(ctx, tx, r, now); err != nil {
			return err
		}
		err = batch.Record(ctx, tx, &domain.AuditEntry{
			ActorID:   executorID,
			Operation: domain.OpExecutionSubmitted,
			SubjectID: r.ID,
			ScopeID:   r.SubjectID,
			Detail: map[string]any{
				"attempt_id":  r.AttemptID,
				"amount":      r.Amount.String(),
				"destination": r.Destination,
				"overridden":  r.Overridden,
			},
		})
		if err != nil {
			return err
		}
		req, attempt = r, r.AttemptID
		return nil
	})
	if err != nil {
		return nil, m.trail.Deny(ctx, executorID, domain.OpExecutionSubmitted, requestID, scope, err)
	}
	batch.Flush(ctx)
	if outcome != nil {
		return req, outcome
	}

	actx, cancel := context.WithTimeout(ctx, m.adapterTimeout)
	receipt, aerr := m.adapter.Submit(actx, &chain.Transfer{
		RequestID:   req.ID,
		Chain:       req.Chain,
		Currency:    req.Currency,
		Source:      req.Source,
		Destination: req.Destination,
		Amount:      req.Amount,
		Digest:      req.PayloadDigest,
	})
	cancel()

	return m.settle(ctx, requestID, executorID, attempt, receipt, aerr)
}

// claimAttempt makes the caller the only one allowed to call the adapter for
// r until the lease runs out.
func (m *Manager) claimAttempt(r *domain.Request, now time.Time) {
	until := now.Add(m.adapterTimeout + attemptGrace)
	r.AttemptID = idgen.New()
	r.AttemptUntil = &until
}

// settle records the adapter outcome of one attempt. Only the attempt that
// still owns the request may roll it back; an accepted transfer is always kept.
func (m *Manager) settle(ctx context.Context, requestID, executorID, attempt string, receipt *chain.Receipt, aerr error) (*domain.Request, error) {
	var (
		req     *domain.Request
		outcome error
	)
	batch := m.trail.Batch()
	err := m.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch.Reset()
		outcome = nil
		r, err := tx.Requests().GetForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		now := m.now()
		owned := r.AttemptID == attempt
		req = r

		if aerr != nil {
			entry := &domain.AuditEntry{
				ActorID:   executorID,
				Operation: domain.OpExecutionFailed,
				SubjectID: r.ID,
				ScopeID:   r.SubjectID,
				Decision:  domain.AuditFailed,
				Severity:  domain.SeverityHigh,
				Detail:    map[string]any{"error": aerr.Error(), "attempt_id": attempt},
			}
			if !owned || r.Status != domain.StatusSubmitted || r.ExternalReference != "" {
				// another attempt owns the request, or the adapter accepted this
				// transfer before; leave the reservation alone
				entry.Detail["superseded"] = !owned
				if r.ExternalReference != "" {
					entry.Detail["external_reference"] = r.ExternalReference
				}
				if owned && r.AttemptUntil != nil {
					r.AttemptUntil = nil
					r.UpdatedAt = now
					if err := tx.Requests().Update(ctx, r); err != nil {
						return fmt.Errorf("failed to update request: %w", err)
					}
				}
				return batch.Record(ctx, tx, entry)
			}
			policy, ok := m.policies[r.SubjectKind]
			if !ok {
				return fmt.Errorf("no policy for subject kind %q", r.SubjectKind)
			}
			if err := m.transition(r, domain.StatusApproved, "chain adapter refused transfer", now); err != nil {
				return err
			}
			r.SpentAt = nil
			r.AttemptID, r.AttemptUntil = "", nil
			if err := tx.Requests().Update(ctx, r); err != nil {
				return fmt.Errorf("failed to update request: %w", err)
			}
			if err := policy.Release(ctx, tx, r, now); err != nil {
				return err
			}
			return batch.Record(ctx, tx, entry)
		}

		detail := map[string]any{
			"attempt_id":         attempt,
			"external_reference": receipt.Reference,
			"confirmed":          receipt.Confirmed,
		}
		severity := domain.SeverityInfo
		if !owned {
			detail["superseded"] = true
			severity = domain.SeverityHigh
		}

		switch r.Status {
		case domain.StatusExecuted:
			// a concurrent attempt confirmed the same transfer first
			outcome = domain.ErrAlreadyExecuted
			return nil
		case domain.StatusSubmitted:
		case domain.StatusApproved:
			// a concurrent attempt was refused and released the reservation after
			// this one was accepted; book the transfer again
			policy, ok := m.policies[r.SubjectKind]
			if !ok {
				return fmt.Errorf("no policy for subject kind %q", r.SubjectKind)
			}
			if err := m.transition(r, domain.StatusSubmitted, "late acceptance by chain adapter", now); err != nil {
				return err
			}
			if r.Type.IsOutbound() {
				r.SpentAt = &now
			}
			if err := tx.Requests().Update(ctx, r); err != nil {
				return fmt.Errorf("failed to update request: %w", err)
			}
			if err := policy.Reserve(ctx, tx, r, now); err != nil {
				// the funds already moved; keep the booking and flag it
				detail["reserve_error"] = err.Error()
				severity = domain.SeverityCritical
			}
		default:
			// funds moved for a request that can no longer execute
			outcome = fmt.Errorf("%w: request %s is %s but the chain adapter accepted %s",
				domain.ErrInvalidStateTransition, r.ID, r.Status, receipt.Reference)
			return batch.Record(ctx, tx, &domain.AuditEntry{
				ActorID:   executorID,
				Operation: domain.OpExecutionFailed,
				SubjectID: r.ID,
				ScopeID:   r.SubjectID,
				Decision:  domain.AuditAlert,
				Severity:  domain.SeverityCritical,
				Detail:    detail,
			})
		}

		r.ExternalReference = receipt.Reference
		r.AttemptUntil = nil
		op := domain.OpExecutionPending
		if receipt.Confirmed {
			if err := m.transition(r, domain.StatusExecuted, "confirmed by chain adapter", now); err != nil {
				return err
			}
			op = domain.OpExecuted
		} else {
			r.UpdatedAt = now
		}
		if err := tx.Requests().Update(ctx, r); err != nil {
			return fmt.Errorf("failed to update request: %w", err)
		}
		return batch.Record(ctx, tx, &domain.AuditEntry{
			ActorID:   executorID,
			Operation: op,
			SubjectID: r.ID,
			ScopeID:   r.SubjectID,
			Severity:  severity,
			Detail:    detail,
		})
	})
	if err != nil {
		m.log.Error("Failed to record execution outcome", "request_id", requestID, "attempt_id", attempt, "error", err)
		return nil, err
	}
	batch.Flush(ctx)
	if outcome != nil {
		m.log.Warn("Execution outcome conflicts with request state", "request_id", requestID, "attempt_id", attempt, "error", outcome)
		return req, outcome
	}

	if aerr != nil {
		metrics.AdapterCalls.WithLabelValues("execute", "error").Inc()
		m.log.Warn("Chain adapter refused transfer", "request_id", requestID, "status", req.Status, "error", aerr)
		if errors.Is(aerr, domain.ErrExternalAdapter) {
			return req, aerr
		}
		return req, fmt.Errorf("%w: %v", domain.ErrExternalAdapter, aerr)
	}
	m.log.Info("Request executed",
		"request_id", req.ID,
		"status", req.Status,
		"external_reference", req.ExternalReference,
	)
	return req, nil
}

// Cancel lets the initiator withdraw a pending request.
func (m *Manager) Cancel(ctx context.Context, requestID, initiatorID, reason string) (*domain.Request, error) {
	var (
		req     *domain.Request
		scope   string
		outcome error
	)
	batch := m.trail.Batch()
	err := m.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch.Reset()
		outcome = nil
		r, err := tx.Requests().GetForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		scope = r.SubjectID
		now := m.now()

		if r.IsExpired(now) {
			if err := m.expire(ctx, tx, batch, r, now); err != nil {
				return err
			}
			req, outcome = r, domain.ErrExpired
			return batch.Deny(ctx, tx, initiatorID, domain.OpRequestCancelled, r.ID, r.SubjectID, outcome)
		}
		if r.InitiatorID != initiatorID {
			return fmt.Errorf("%w: only the initiator can cancel", domain.ErrPermissionDenied)
		}
		switch r.Status {
		case domain.StatusPending:
		case domain.StatusExecuted:
			return domain.ErrAlreadyExecuted
		default:
			return domain.ErrAlreadyDecided
		}

		if err := m.transition(r, domain.StatusRejected, "cancelled by initiator", now); err != nil {
			return err
		}
		if err := tx.Requests().Update(ctx, r); err != nil {
			return fmt.Errorf("failed to update request: %w", err)
		}
		req = r
		return batch.Record(ctx, tx, &domain.AuditEntry{
			ActorID:   initiatorID,
			Operation: domain.OpRequestCancelled,
			SubjectID: r.ID,
			ScopeID:   r.SubjectID,
			Decision:  domain.AuditCancelled,
			Detail:    map[string]any{"reason": reason},
		})
	})
	if err != nil {
		return nil, m.trail.Deny(ctx, initiatorID, domain.OpRequestCancelled, requestID, scope, err)
	}
	batch.Flush(ctx)
	if outcome != nil {
		return req, outcome
	}
	return req, nil
}

// RequestView is the authoritative state of a request with its votes.
type RequestView struct {
	Request    *domain.Request     `json:"request"`
	Signatures []*domain.Signature `json:"signatures"`
	Tally      Tally               `json:"tally"`
}

// Get returns a request with its signatures. An overdue request is expired
// before it is returned.
func (m *Manager) Get(ctx context.Context, requestID string) (*RequestView, error) {
	req, err := m.store.Requests().Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.IsExpired(m.now()) {
		if req, err = m.expireByID(ctx, requestID); err != nil {
			return nil, err
		}
	}
	sigs, err := m.store.Signatures().ListByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signatures: %w", err)
	}
	if err := Verify(req, sigs); err != nil {
		m.log.Error("Approval counter out of sync", "request_id", requestID, "error", err)
	}
	return &RequestView{
		Request:    req,
		Signatures: sigs,
		Tally:      Count(sigs, req.RequiredApprovals),
	}, nil
}

// SweepExpired moves overdue requests to expired. It is idempotent and only
// an optimization: every operation checks expiry on access.
func (m *Manager) SweepExpired(ctx context.Context, limit int) (int, error) {
	reqs, err := m.store.Requests().ListExpired(ctx, m.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired requests: %w", err)
	}
	swept := 0
	for _, r := range reqs {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		got, err := m.expireByID(ctx, r.ID)
		if err != nil {
			m.log.Warn("Failed to expire request", "request_id", r.ID, "error", err)
			continue
		}
		if got.Status == domain.StatusExpired {
			swept++
		}
	}
	return swept, nil
}

func (m *Manager) expireByID(ctx context.Context, requestID string) (*domain.Request, error) {
	var req *domain.Request
	batch := m.trail.Batch()
	err := m.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch.Reset()
		r, err := tx.Requests().GetForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		req = r
		if !r.IsExpired(m.now()) {
			return nil
		}
		return m.expire(ctx, tx, batch, r, m.now())
	})
	if err != nil {
		return nil, err
	}
	batch.Flush(ctx)
	return req, nil
}

// ExpireDue expires r inside tx if its deadline passed and reports whether it did.
func (m *Manager) ExpireDue(ctx context.Context, tx storage.Tx, batch *audit.Batch, r *domain.Request, now time.Time) (bool, error) {
	if !r.IsExpired(now) {
		return false, nil
	}
	return true, m.expire(ctx, tx, batch, r, now)
}

// Transition moves r to status to, counting the transition.
func (m *Manager) Transition(r *domain.Request, to domain.Status, reason string, now time.Time) error {
	return m.transition(r, to, reason, now)
}

func (m *Manager) expire(ctx context.Context, tx storage.Tx, batch *audit.Batch, r *domain.Request, now time.Time) error {
	from := r.Status
	if err := m.transition(r, domain.StatusExpired, "deadline passed", now); err != nil {
		return err
	}
	if err := tx.Requests().Update(ctx, r); err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	metrics.RequestsExpired.Inc()
	return batch.Record(ctx, tx, &domain.AuditEntry{
		ActorID:   domain.SystemActor,
		Operation: domain.OpRequestExpired,
		SubjectID: r.ID,
		ScopeID:   r.SubjectID,
		Detail: map[string]any{
			"previous_status":   string(from),
			"expires_at":        r.ExpiresAt,
			"current_approvals": r.CurrentApprovals,
		},
	})
}

func (m *Manager) transition(r *domain.Request, to domain.Status, reason string, now time.Time) error {
	t, err := lifecycle.Apply(r, to, reason, now)
	if err != nil {
		return err
	}
	metrics.StatusTransitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	return nil
}

func (m *Manager) observeInitiated(r *domain.Request) {
	metrics.RequestsInitiated.WithLabelValues(string(r.SubjectKind), string(r.Type), string(r.RiskLevel)).Inc()
	m.log.Info("Request initiated",
		"request_id", r.ID,
		"subject_id", r.SubjectID,
		"amount", r.Amount.String(),
		"risk_score", r.RiskScore,
		"required_approvals", r.RequiredApprovals,
		"expires_at", r.ExpiresAt,
	)
}

// ObserveInitiated records metrics for a request opened through Open.
func (m *Manager) ObserveInitiated(r *domain.Request) { m.observeInitiated(r) }
