// Package wallet manages operational wallets: spend ceilings, transfer
// initiation and the emergency override path.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/access"
	"github.com/vietddude/custody/internal/core/approval"
	"github.com/vietddude/custody/internal/core/audit"
	"github.com/vietddude/custody/internal/core/clock"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/idgen"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/metrics"
)

// Deps are the collaborators of a Service.
type Deps struct {
	Store    storage.Store
	Workflow *approval.Manager
	Trail    *audit.Trail
	Authz    access.Authorizer
	MFA      access.MFAVerifier
	Now      clock.NowFunc
}

// Service is the multi-signature wallet manager.
type Service struct {
	store    storage.Store
	workflow *approval.Manager
	trail    *audit.Trail
	authz    access.Authorizer
	mfa      access.MFAVerifier
	now      clock.NowFunc
	log      *slog.Logger
}

// NewService creates the service and registers wallet rules with the workflow.
func NewService(d Deps) *Service {
	if d.Now == nil {
		d.Now = clock.System
	}
	if d.Authz == nil {
		d.Authz = access.NewStoreAuthorizer(d.Store.Admins())
	}
	d.Workflow.RegisterPolicy(domain.SubjectWallet, limitPolicy{})
	return &Service{
		store:    d.Store,
		workflow: d.Workflow,
		trail:    d.Trail,
		authz:    d.Authz,
		mfa:      d.MFA,
		now:      d.Now,
		log:      slog.Default().With("component", "wallet"),
	}
}

// InitiateTransfer opens an approval request against a wallet.
func (s *Service) InitiateTransfer(ctx context.Context, walletID string, in approval.Intent, initiatorID string) (*domain.Request, error) {
	in.SubjectKind = domain.SubjectWallet
	in.SubjectID = walletID
	if in.Type == "" {
		in.Type = domain.RequestWithdrawal
	}
	return s.workflow.Initiate(ctx, in, initiatorID)
}

// EmergencyOverride approves a pending request without the remaining votes.
// It needs the override role, a second factor verified now and a reason.
func (s *Service) EmergencyOverride(ctx context.Context, requestID, adminID, reason, mfaProof string) (*domain.Request, error) {
	deny := func(scope string, err error) error {
		return s.trail.DenyAlert(ctx, adminID, domain.OpEmergencyOverride, requestID, scope, err)
	}

	if err := s.authz.Require(ctx, adminID, domain.RoleOverride); err != nil {
		return nil, deny("", err)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, deny("", domain.Validationf("override reason is required"))
	}
	if s.mfa == nil {
		return nil, deny("", fmt.Errorf("%w: second factor verification unavailable", domain.ErrPermissionDenied))
	}
	if err := s.mfa.Verify(ctx, adminID, mfaProof); err != nil {
		return nil, deny("", err)
	}

	var (
		req     *domain.Request
		scope   string
		outcome error
	)
	batch := s.trail.Batch()
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch.Reset()
		outcome = nil
		r, err := tx.Requests().GetForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		scope = r.SubjectID
		now := s.now()

		if r.SubjectKind != domain.SubjectWallet {
			return domain.Validationf("override applies to wallet requests only")
		}
		expired, err := s.workflow.ExpireDue(ctx, tx, batch, r, now)
		if err != nil {
			return err
		}
		if expired {
			req, outcome = r, domain.ErrExpired
			return batch.DenyAlert(ctx, tx, adminID, domain.OpEmergencyOverride, r.ID, r.SubjectID, outcome)
		}
		if r.Status != domain.StatusPending {
			return domain.ErrAlreadyDecided
		}
		if r.InitiatorID == adminID {
			return domain.ErrSelfApproval
		}

		bypassed := r.RequiredApprovals - r.CurrentApprovals
		if err := s.workflow.Transition(r, domain.StatusApproved, "emergency override", now); err != nil {
			return err
		}
		r.Overridden = true
		r.OverrideReason = reason
		if err := tx.Requests().Update(ctx, r); err != nil {
			return fmt.Errorf("failed to update request: %w", err)
		}
		req = r
		return batch.Record(ctx, tx, &domain.AuditEntry{
			ActorID:   adminID,
			Operation: domain.OpEmergencyOverride,
			SubjectID: r.ID,
			ScopeID:   r.SubjectID,
			Severity:  domain.SeverityCritical,
			Detail: map[string]any{
				"reason":             reason,
				"current_approvals":  r.CurrentApprovals,
				"required_approvals": r.RequiredApprovals,
				"bypassed_approvals": bypassed,
				"amount":             r.Amount.String(),
				"destination":        r.Destination,
			},
		})
	})
	if err != nil {
		return nil, deny(scope, err)
	}
	batch.Flush(ctx)
	if outcome != nil {
		return req, outcome
	}

	metrics.EmergencyOverrides.Inc()
	s.log.Warn("Emergency override applied",
		"request_id", req.ID,
		"admin_id", adminID,
		"wallet_id", req.SubjectID,
		"amount", req.Amount.String(),
	)
	return req, nil
}

// OverrideReport lists override entries, successful (critical) and refused
// (high), in time order.
func (s *Service) OverrideReport(ctx context.Context, since, until time.Time, limit, offset int) ([]*domain.AuditEntry, error) {
	return s.trail.Trail(ctx, domain.AuditFilter{
		Operation: domain.OpEmergencyOverride,
		Since:     since,
		Until:     until,
		Limit:     limit,
		Offset:    offset,
	})
}

// CreateWallet registers a wallet. Limits are required.
func (s *Service) CreateWallet(ctx context.Context, adminID string, w domain.Wallet) (*domain.Wallet, error) {
	if err := s.authz.Require(ctx, adminID, domain.RoleCustodian); err != nil {
		return nil, s.trail.Deny(ctx, adminID, domain.OpWalletCreated, "", "", err)
	}
	if err := validateWallet(&w); err != nil {
		return nil, s.trail.Deny(ctx, adminID, domain.OpWalletCreated, "", "", err)
	}

	now := s.now()
	w.ID = idgen.New()
	w.Active = true
	w.DailyUsed, w.MonthlyUsed = decimal.Zero, decimal.Zero
	w.CreatedAt, w.UpdatedAt = now, now

	batch := s.trail.Batch()
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch.Reset()
		if err := tx.Wallets().Create(ctx, &w); err != nil {
			return fmt.Errorf("failed to create wallet: %w", err)
		}
		return batch.Record(ctx, tx, &domain.AuditEntry{
			ActorID:   adminID,
			Operation: domain.OpWalletCreated,
			SubjectID: w.ID,
			ScopeID:   w.ID,
			Detail: map[string]any{
				"name":          w.Name,
				"chain":         string(w.Chain),
				"address":       w.Address,
				"type":          string(w.Type),
				"daily_limit":   w.DailyLimit.String(),
				"monthly_limit": w.MonthlyLimit.String(),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	batch.Flush(ctx)
	s.log.Info("Wallet created", "wallet_id", w.ID, "chain", w.Chain, "type", w.Type)
	return &w, nil
}

// GetWallet returns a wallet with usage computed over the current windows.
func (s *Service) GetWallet(ctx context.Context, id string) (*domain.Wallet, error) {
	w, err := s.store.Wallets().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := refreshUsage(ctx, s.store, w, s.now()); err != nil {
		return nil, err
	}
	return w, nil
}

// ListWallets returns all wallets, inactive ones included.
func (s *Service) ListWallets(ctx context.Context) ([]*domain.Wallet, error) {
	return s.store.Wallets().List(ctx)
}

// UpdateLimits changes a wallet's ceilings. Lowering a limit never cancels
// transfers already reserved.
func (s *Service) UpdateLimits(ctx context.Context, adminID, walletID string, daily, monthly decimal.Decimal) (*domain.Wallet, error) {
	if err := s.authz.Require(ctx, adminID, domain.RoleCustodian); err != nil {
		return nil, s.trail.Deny(ctx, adminID, domain.OpWalletLimits, walletID, walletID, err)
	}
	if err := validateLimits(daily, monthly); err != nil {
		return nil, s.trail.Deny(ctx, adminID, domain.OpWalletLimits, walletID, walletID, err)
	}

	var w *domain.Wallet
	batch := s.trail.Batch()
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch.Reset()
		var err error
		w, err = tx.Wallets().GetForUpdate(ctx, walletID)
		if err != nil {
			return err
		}
		detail := map[string]any{
			"old_daily_limit":   w.DailyLimit.String(),
			"old_monthly_limit": w.MonthlyLimit.String(),
			"daily_limit":       daily.String(),
			"monthly_limit":     monthly.String(),
		}
		w.DailyLimit, w.MonthlyLimit, w.UpdatedAt = daily, monthly, s.now()
		if err := tx.Wallets().Update(ctx, w); err != nil {
			return fmt.Errorf("failed to update wallet: %w", err)
		}
		return batch.Record(ctx, tx, &domain.AuditEntry{
			ActorID:   adminID,
			Operation: domain.OpWalletLimits,
			SubjectID: w.ID,
			ScopeID:   w.ID,
			Severity:  domain.SeverityHigh,
			Detail:    detail,
		})
	})
	if err != nil {
		return nil, s.trail.Deny(ctx, adminID, domain.OpWalletLimits, walletID, walletID, err)
	}
	batch.Flush(ctx)
	return w, nil
}

// Deactivate stops new transfers from a wallet. Wallets are never deleted.
func (s *Service) Deactivate(ctx context.Context, adminID, walletID, reason string) (*domain.Wallet, error) {
	if err := s.authz.Require(ctx, adminID, domain.RoleCustodian); err != nil {
		return nil, s.trail.Deny(ctx, adminID, domain.OpWalletDeactivated, walletID, walletID, err)
	}

	var w *domain.Wallet
	batch := s.trail.Batch()
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch.Reset()
		var err error
		w, err = tx.Wallets().GetForUpdate(ctx, walletID)
		if err != nil {
			return err
		}
		if !w.Active {
			return fmt.Errorf("%w: wallet already inactive", domain.ErrInvalidStateTransition)
		}
		w.Active, w.UpdatedAt = false, s.now()
		if err := tx.Wallets().Update(ctx, w); err != nil {
			return fmt.Errorf("failed to update wallet: %w", err)
		}
		return batch.Record(ctx, tx, &domain.AuditEntry{
			ActorID:   adminID,
			Operation: domain.OpWalletDeactivated,
			SubjectID: w.ID,
			ScopeID:   w.ID,
			Severity:  domain.SeverityHigh,
			Detail:    map[string]any{"reason": reason},
		})
	})
	if err != nil {
		return nil, s.trail.Deny(ctx, adminID, domain.OpWalletDeactivated, walletID, walletID, err)
	}
	batch.Flush(ctx)
	return w, nil
}

func validateWallet(w *domain.Wallet) error {
	w.Name = strings.TrimSpace(w.Name)
	w.Address = strings.TrimSpace(w.Address)
	switch {
	case w.Name == "":
		return domain.Validationf("wallet name is required")
	case w.Address == "":
		return domain.Validationf("wallet address is required")
	case !w.Chain.IsSupported():
		return domain.Validationf("unsupported chain %q", w.Chain)
	case w.Currency == "":
		return domain.Validationf("currency is required")
	}
	switch w.Type {
	case domain.WalletTypeHot, domain.WalletTypeWarm:
	default:
		return domain.Validationf("wallet type must be hot or warm")
	}
	return validateLimits(w.DailyLimit, w.MonthlyLimit)
}

func validateLimits(daily, monthly decimal.Decimal) error {
	if !daily.IsPositive() || !monthly.IsPositive() {
		return domain.Validationf("limits must be positive")
	}
	if monthly.LessThan(daily) {
		return domain.Validationf("monthly limit must not be below the daily limit")
	}
	return nil
}
