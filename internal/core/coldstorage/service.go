// Package coldstorage manages vaulted funds: balance attestations and
// transfers that need a fixed minimum quorum.
package coldstorage

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
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/metrics"
)

// MinQuorumFloor is the lowest quorum any vault transfer may use.
const MinQuorumFloor = 3

// Config holds cold storage policy.
type Config struct {
	QuorumFloor     int           `yaml:"quorum_floor"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	// DriftTolerance is the largest |observed-recorded|/recorded accepted silently.
	DriftTolerance float64       `yaml:"drift_tolerance"`
	BalanceTimeout time.Duration `yaml:"balance_timeout"`
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		QuorumFloor:     MinQuorumFloor,
		FreshnessWindow: 24 * time.Hour,
		DriftTolerance:  0.001,
		BalanceTimeout:  15 * time.Second,
	}
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store    storage.Store
	Workflow *approval.Manager
	Trail    *audit.Trail
	Adapter  chain.Adapter
	Authz    access.Authorizer
	Now      clock.NowFunc
	Config   Config
}

// Service is the cold storage manager.
type Service struct {
	store    storage.Store
	workflow *approval.Manager
	trail    *audit.Trail
	adapter  chain.Adapter
	authz    access.Authorizer
	now      clock.NowFunc
	cfg      Config
	log      *slog.Logger
}

// NewService creates the service and registers vault rules with the workflow.
func NewService(d Deps) *Service {
	def := DefaultConfig()
	cfg := d.Config
	if cfg.QuorumFloor < MinQuorumFloor {
		cfg.QuorumFloor = MinQuorumFloor
	}
	if cfg.FreshnessWindow == 0 {
		cfg.FreshnessWindow = def.FreshnessWindow
	}
	if cfg.DriftTolerance <= 0 {
		cfg.DriftTolerance = def.DriftTolerance
	}
	if cfg.BalanceTimeout == 0 {
		cfg.BalanceTimeout = def.BalanceTimeout
	}
	if d.Now == nil {
		d.Now = clock.System
	}
	if d.Authz == nil {
		d.Authz = access.NewStoreAuthorizer(d.Store.Admins())
	}
	d.Workflow.RegisterPolicy(domain.SubjectVault, vaultPolicy{cfg: cfg})
	return &Service{
		store:    d.Store,
		workflow: d.Workflow,
		trail:    d.Trail,
		adapter:  d.Adapter,
		authz:    d.Authz,
		now:      d.Now,
		cfg:      cfg,
		log:      slog.Default().With("component", "coldstorage"),
	}
}

// InitiateColdStorageTransfer opens a vault transfer. A justification and a
// fresh balance check are required; the quorum never drops below the floor.
func (s *Service) InitiateColdStorageTransfer(ctx context.Context, vaultID string, in approval.Intent, initiatorID string) (*domain.Request, error) {
	in.SubjectKind = domain.SubjectVault
	in.SubjectID = vaultID
	if in.Type == "" {
		in.Type = domain.RequestTransfer
	}
	in.Justification = strings.TrimSpace(in.Justification)
	if in.Justification == "" {
		return nil, s.trail.Deny(ctx, initiatorID, domain.OpRequestInitiated, "", vaultID,
			domain.Validationf("justification is required for cold storage transfers"))
	}
	return s.workflow.Initiate(ctx, in, initiatorID)
}

// BalanceCheckInput is one attestation request.
type BalanceCheckInput struct {
	VaultID            string
	VerifierID         string
	PhysicallyVerified bool
	// Observed is the counted balance. When nil it is read from the chain adapter.
	Observed *decimal.Decimal
}

// PerformBalanceCheck records an attestation. Drift beyond tolerance raises
// a high severity alert but does not block anything.
func (s *Service) PerformBalanceCheck(ctx context.Context, in BalanceCheckInput) (*domain.BalanceCheck, error) {
	deny := func(err error) error {
		return s.trail.Deny(ctx, in.VerifierID, domain.OpBalanceCheck, in.VaultID, in.VaultID, err)
	}
	if err := s.authz.Require(ctx, in.VerifierID, domain.RoleVerifier); err != nil {
		return nil, deny(err)
	}

	v, err := s.store.Vaults().Get(ctx, in.VaultID)
	if err != nil {
		return nil, deny(err)
	}

	var observed decimal.Decimal
	switch {
	case in.Observed != nil:
		observed = *in.Observed
	case in.PhysicallyVerified:
		return nil, deny(domain.Validationf("a physical verification must report the counted balance"))
	default:
		bctx, cancel := context.WithTimeout(ctx, s.cfg.BalanceTimeout)
		observed, err = s.adapter.Balance(bctx, v.Chain, v.Currency, v.Address)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to read vault balance: %w", err)
		}
	}
	if observed.IsNegative() {
		return nil, deny(domain.Validationf("observed balance must not be negative"))
	}

	var check *domain.BalanceCheck
	batch := s.trail.Batch()
	err = s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch.Reset()
		v, err := tx.Vaults().GetForUpdate(ctx, in.VaultID)
		if err != nil {
			return err
		}
		now := s.now()
		drift := domain.Drift(observed, v.RecordedBalance)
		check = &domain.BalanceCheck{
			ID:                 idgen.New(),
			VaultID:            v.ID,
			ObservedBalance:    observed,
			RecordedBalance:    v.RecordedBalance,
			DriftRatio:         drift,
			DriftDetected:      drift.GreaterThan(decimal.NewFromFloat(s.cfg.DriftTolerance)),
			VerifierID:         in.VerifierID,
			PhysicallyVerified: in.PhysicallyVerified,
			CheckedAt:          now,
		}
		if err := tx.BalanceChecks().Create(ctx, check); err != nil {
			return fmt.Errorf("failed to store balance check: %w", err)
		}
		v.LastAttestedBalance = observed
		v.LastAttestedAt = &now
		v.UpdatedAt = now
		if err := tx.Vaults().Update(ctx, v); err != nil {
			return fmt.Errorf("failed to update vault: %w", err)
		}

		detail := map[string]any{
			"check_id":            check.ID,
			"observed_balance":    observed.String(),
			"recorded_balance":    check.RecordedBalance.String(),
			"drift_ratio":         drift.String(),
			"physically_verified": in.PhysicallyVerified,
		}
		err = batch.Record(ctx, tx, &domain.AuditEntry{
			ActorID:   in.VerifierID,
			Operation: domain.OpBalanceCheck,
			SubjectID: v.ID,
			ScopeID:   v.ID,
			Detail:    detail,
		})
		if err != nil || !check.DriftDetected {
			return err
		}
		return batch.Record(ctx, tx, &domain.AuditEntry{
			ActorID:   in.VerifierID,
			Operation: domain.OpBalanceDrift,
			SubjectID: v.ID,
			ScopeID:   v.ID,
			Decision:  domain.AuditAlert,
			Severity:  domain.SeverityHigh,
			Detail: map[string]any{
				"check_id":         check.ID,
				"observed_balance": observed.String(),
				"recorded_balance": check.RecordedBalance.String(),
				"drift_ratio":      drift.String(),
				"tolerance":        s.cfg.DriftTolerance,
			},
		})
	})
	if err != nil {
		return nil, deny(err)
	}
	batch.Flush(ctx)

	ratio, _ := check.DriftRatio.Float64()
	metrics.BalanceDrift.WithLabelValues(check.VaultID).Set(ratio)
	if check.DriftDetected {
		s.log.Warn("Vault balance drift detected",
			"vault_id", check.VaultID,
			"observed", check.ObservedBalance.String(),
			"recorded", check.RecordedBalance.String(),
			"drift", check.DriftRatio.String(),
		)
	}
	return check, nil
}

// LatestCheck returns the most recent attestation, or nil.
func (s *Service) LatestCheck(ctx context.Context, vaultID string) (*domain.BalanceCheck, error) {
	if _, err := s.store.Vaults().Get(ctx, vaultID); err != nil {
		return nil, err
	}
	return s.store.BalanceChecks().Latest(ctx, vaultID)
}

// CreateVault registers a vault with its book balance.
func (s *Service) CreateVault(ctx context.Context, adminID string, v domain.Vault) (*domain.Vault, error) {
	if err := s.authz.Require(ctx, adminID, domain.RoleCustodian); err != nil {
		return nil, s.trail.Deny(ctx, adminID, domain.OpVaultCreated, "", "", err)
	}
	if err := validateVault(&v); err != nil {
		return nil, s.trail.Deny(ctx, adminID, domain.OpVaultCreated, "", "", err)
	}

	now := s.now()
	v.ID = idgen.New()
	v.Active = true
	v.LastAttestedAt = nil
	v.LastAttestedBalance = decimal.Zero
	v.CreatedAt, v.UpdatedAt = now, now

	batch := s.trail.Batch()
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch.Reset()
		if err := tx.Vaults().Create(ctx, &v); err != nil {
			return fmt.Errorf("failed to create vault: %w", err)
		}
		return batch.Record(ctx, tx, &domain.AuditEntry{
			ActorID:   adminID,
			Operation: domain.OpVaultCreated,
			SubjectID: v.ID,
			ScopeID:   v.ID,
			Detail: map[string]any{
				"name":             v.Name,
				"type":             string(v.Type),
				"chain":            string(v.Chain),
				"storage_protocol": v.StorageProtocol,
				"recorded_balance": v.RecordedBalance.String(),
				"insurer":          v.Insurance.Provider,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	batch.Flush(ctx)
	s.log.Info("Vault created", "vault_id", v.ID, "type", v.Type)
	return &v, nil
}

// GetVault returns a vault by id.
func (s *Service) GetVault(ctx context.Context, id string) (*domain.Vault, error) {
	return s.store.Vaults().Get(ctx, id)
}

// ListVaults returns all vaults.
func (s *Service) ListVaults(ctx context.Context) ([]*domain.Vault, error) {
	return s.store.Vaults().List(ctx)
}

// Deactivate stops new transfers from a vault.
func (s *Service) Deactivate(ctx context.Context, adminID, vaultID, reason string) (*domain.Vault, error) {
	if err := s.authz.Require(ctx, adminID, domain.RoleCustodian); err != nil {
		return nil, s.trail.Deny(ctx, adminID, domain.OpVaultDeactivated, vaultID, vaultID, err)
	}

	var v *domain.Vault
	batch := s.trail.Batch()
	err := s.store.Atomic(ctx, func(ctx context.Context, tx storage.Tx) error {
		batch.Reset()
		var err error
		v, err = tx.Vaults().GetForUpdate(ctx, vaultID)
		if err != nil {
			return err
		}
		if !v.Active {
			return fmt.Errorf("%w: vault already inactive", domain.ErrInvalidStateTransition)
		}
		v.Active, v.UpdatedAt = false, s.now()
		if err := tx.Vaults().Update(ctx, v); err != nil {
			return fmt.Errorf("failed to update vault: %w", err)
		}
		return batch.Record(ctx, tx, &domain.AuditEntry{
			ActorID:   adminID,
			Operation: domain.OpVaultDeactivated,
			SubjectID: v.ID,
			ScopeID:   v.ID,
			Severity:  domain.SeverityHigh,
			Detail:    map[string]any{"reason": reason},
		})
	})
	if err != nil {
		return nil, s.trail.Deny(ctx, adminID, domain.OpVaultDeactivated, vaultID, vaultID, err)
	}
	batch.Flush(ctx)
	return v, nil
}

func validateVault(v *domain.Vault) error {
	v.Name = strings.TrimSpace(v.Name)
	v.Address = strings.TrimSpace(v.Address)
	switch {
	case v.Name == "":
		return domain.Validationf("vault name is required")
	case v.Address == "":
		return domain.Validationf("vault address is required")
	case !v.Chain.IsSupported():
		return domain.Validationf("unsupported chain %q", v.Chain)
	case v.Currency == "":
		return domain.Validationf("currency is required")
	case v.RecordedBalance.IsNegative():
		return domain.Validationf("recorded balance must not be negative")
	}
	switch v.Type {
	case domain.VaultTypeSingleSig, domain.VaultTypeMultiSig, domain.VaultTypeShardSplit:
	default:
		return domain.Validationf("unknown vault type %q", v.Type)
	}
	return nil
}
