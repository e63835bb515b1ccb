// Package reversal creates compensating requests for executed transfers.
// A reversal is an ordinary approval request that always needs full quorum.
package reversal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/access"
	"github.com/vietddude/custody/internal/core/approval"
	"github.com/vietddude/custody/internal/core/audit"
	"github.com/vietddude/custody/internal/core/clock"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/idgen"
	"github.com/vietddude/custody/internal/infra/storage"
)

// Deps are the collaborators of a Manager.
type Deps struct {
	Store    storage.Store
	Workflow *approval.Manager
	Trail    *audit.Trail
	Authz    access.Authorizer
	Now      clock.NowFunc
}

// Manager is the transaction reversal manager.
type Manager struct {
	store    storage.Store
	workflow *approval.Manager
	trail    *audit.Trail
	authz    access.Authorizer
	now      clock.NowFunc
	log      *slog.Logger
}

// NewManager creates a reversal manager.
func NewManager(d Deps) *Manager {
	if d.Now == nil {
		d.Now = clock.System
	}
	if d.Authz == nil {
		d.Authz = access.NewStoreAuthorizer(d.Store.Admins())
	}
	return &Manager{
		store:    d.Store,
		workflow: d.Workflow,
		trail:    d.Trail,
		authz:    d.Authz,
		now:      d.Now,
		log:      slog.Default().With("component", "reversal"),
	}
}

// Result is a created reversal and its approval request.
type Result struct {
	Reversal *domain.Reversal `json:"reversal"`
	Request  *domain.Request  `json:"request"`
}

// InitiateReversal opens a request that sends funds from the original
// destination back to the subject. partial, when set, must be positive and
// no larger than the original amount.
func (m *Manager) InitiateReversal(ctx context.Context, originalID, reason, initiatorID string, partial *decimal.Decimal) (*Result, error) {
	if err := m.authz.Require(ctx, initiatorID, domain.RoleInitiator); err != nil {
		return nil, m.trail.Deny(ctx, initiatorID, domain.OpReversalInitiated, originalID, "", err)
	}
	reason = strings.TrimSpace(reason)

	var (
		res   *Result
		scope string
	)
	batch := m.trail.Batch()
	err := m.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch.Reset()
		orig, err := tx.Requests().GetForUpdate(ctx, originalID)
		if err != nil {
			return err
		}
		scope = orig.SubjectID

		if orig.Status != domain.StatusExecuted {
			return domain.ErrNotExecuted
		}
		if err := m.ensureNotReversed(ctx, tx, orig.ID); err != nil {
			return err
		}
		amount := orig.Amount
		if partial != nil {
			if !partial.IsPositive() || partial.GreaterThan(orig.Amount) {
				return fmt.Errorf("%w: %s against original %s", domain.ErrInvalidPartialAmount, partial, orig.Amount)
			}
			amount = *partial
		}
		if reason == "" {
			return domain.Validationf("reversal reason is required")
		}
		if orig.Type == domain.RequestReversal {
			return domain.Validationf("a reversal cannot itself be reversed")
		}

		home, err := subjectAddress(ctx, tx, orig)
		if err != nil {
			return err
		}
		req, err := m.workflow.Open(ctx, tx, batch, approval.Intent{
			SubjectKind:   orig.SubjectKind,
			SubjectID:     orig.SubjectID,
			Type:          domain.RequestReversal,
			Amount:        amount,
			Destination:   home,
			Description:   "reversal of " + orig.ID,
			Justification: reason,
			MinApprovals:  m.workflow.Scorer().MaxApprovals(),
			Source:        orig.Destination,
		}, initiatorID)
		if err != nil {
			return err
		}

		rev := &domain.Reversal{
			ID:                idgen.New(),
			OriginalRequestID: orig.ID,
			ReversalRequestID: req.ID,
			Reason:            reason,
			PartialAmount:     partial,
			InitiatorID:       initiatorID,
			CreatedAt:         req.CreatedAt,
		}
		if err := tx.Reversals().Create(ctx, rev); err != nil {
			return fmt.Errorf("failed to link reversal: %w", err)
		}
		res = &Result{Reversal: rev, Request: req}

		return batch.Record(ctx, tx, &domain.AuditEntry{
			ActorID:   initiatorID,
			Operation: domain.OpReversalInitiated,
			SubjectID: orig.ID,
			ScopeID:   orig.SubjectID,
			Severity:  domain.SeverityHigh,
			Detail: map[string]any{
				"reversal_id":         rev.ID,
				"reversal_request_id": req.ID,
				"amount":              amount.String(),
				"original_amount":     orig.Amount.String(),
				"partial":             partial != nil,
				"reason":              reason,
			},
		})
	})
	if err != nil {
		return nil, m.trail.Deny(ctx, initiatorID, domain.OpReversalInitiated, originalID, scope, err)
	}
	batch.Flush(ctx)
	m.workflow.ObserveInitiated(res.Request)
	m.log.Info("Reversal initiated",
		"original_id", originalID,
		"reversal_request_id", res.Request.ID,
		"amount", res.Request.Amount.String(),
	)
	return res, nil
}

// GetReversal returns the reversals recorded against an original request.
func (m *Manager) GetReversal(ctx context.Context, originalID string) ([]*domain.Reversal, error) {
	if _, err := m.store.Requests().Get(ctx, originalID); err != nil {
		return nil, err
	}
	return m.store.Reversals().ListByOriginal(ctx, originalID)
}

// ensureNotReversed fails while an earlier reversal of the request can still
// execute or has executed. Rejected and expired reversals do not count.
func (m *Manager) ensureNotReversed(ctx context.Context, tx storage.Tx, originalID string) error {
	existing, err := tx.Reversals().ListByOriginal(ctx, originalID)
	if err != nil {
		return fmt.Errorf("failed to list reversals: %w", err)
	}
	for _, rev := range existing {
		req, err := tx.Requests().Get(ctx, rev.ReversalRequestID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return err
		}
		if req.Status == domain.StatusRejected {
			continue
		}
		if req.Status == domain.StatusExpired || req.IsExpired(m.now()) {
			continue
		}
		return fmt.Errorf("%w: reversal request %s is %s", domain.ErrAlreadyReversed, req.ID, req.Status)
	}
	return nil
}

func subjectAddress(ctx context.Context, tx storage.Tx, orig *domain.Request) (string, error) {
	switch orig.SubjectKind {
	case domain.SubjectWallet:
		w, err := tx.Wallets().Get(ctx, orig.SubjectID)
		if err != nil {
			return "", err
		}
		return w.Address, nil
	case domain.SubjectVault:
		v, err := tx.Vaults().Get(ctx, orig.SubjectID)
		if err != nil {
			return "", err
		}
		return v.Address, nil
	}
	return "", fmt.Errorf("unknown subject kind %q", orig.SubjectKind)
}
