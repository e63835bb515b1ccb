package coldstorage

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/custody/internal/core/approval"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/risk"
	"github.com/vietddude/custody/internal/infra/storage"
)

// vaultPolicy fixes the quorum floor and requires a fresh attestation.
type vaultPolicy struct {
	cfg Config
}

func (p vaultPolicy) Admit(ctx context.Context, tx storage.Tx, in *approval.Intent, now time.Time) (*approval.Admission, error) {
	v, err := tx.Vaults().Get(ctx, in.SubjectID)
	if err != nil {
		return nil, err
	}
	adm := &approval.Admission{
		Risk:         risk.Input{Tier: domain.TierCold, Ceiling: v.RecordedBalance},
		MinApprovals: p.cfg.QuorumFloor,
		Chain:        v.Chain,
		Currency:     v.Currency,
		Source:       v.Address,
	}
	if !in.Type.IsOutbound() {
		return adm, nil
	}
	if !v.Active {
		return nil, domain.Validationf("vault %s is inactive", v.ID)
	}
	if in.Justification == "" {
		return nil, domain.Validationf("justification is required for cold storage transfers")
	}
	if err := p.requireFresh(ctx, tx, v, now); err != nil {
		return nil, err
	}
	if in.Amount.GreaterThan(v.RecordedBalance) {
		return nil, domain.Validationf("amount %s exceeds recorded balance %s", in.Amount, v.RecordedBalance)
	}
	return adm, nil
}

func (p vaultPolicy) Reserve(ctx context.Context, tx storage.Tx, req *domain.Request, now time.Time) error {
	if !req.Type.IsOutbound() {
		return nil
	}
	v, err := tx.Vaults().GetForUpdate(ctx, req.SubjectID)
	if err != nil {
		return err
	}
	if !v.Active {
		return domain.Validationf("vault %s is inactive", v.ID)
	}
	if err := p.requireFresh(ctx, tx, v, now); err != nil {
		return err
	}
	if req.Amount.GreaterThan(v.RecordedBalance) {
		return fmt.Errorf("%w: amount %s exceeds recorded balance %s", domain.ErrLimitExceeded, req.Amount, v.RecordedBalance)
	}
	v.RecordedBalance = v.RecordedBalance.Sub(req.Amount)
	v.UpdatedAt = now
	return tx.Vaults().Update(ctx, v)
}

func (p vaultPolicy) Release(ctx context.Context, tx storage.Tx, req *domain.Request, now time.Time) error {
	if !req.Type.IsOutbound() {
		return nil
	}
	v, err := tx.Vaults().GetForUpdate(ctx, req.SubjectID)
	if err != nil {
		return err
	}
	v.RecordedBalance = v.RecordedBalance.Add(req.Amount)
	v.UpdatedAt = now
	return tx.Vaults().Update(ctx, v)
}

func (p vaultPolicy) requireFresh(ctx context.Context, tx storage.Tx, v *domain.Vault, now time.Time) error {
	latest, err := tx.BalanceChecks().Latest(ctx, v.ID)
	if err != nil {
		return fmt.Errorf("failed to load balance check: %w", err)
	}
	if latest == nil {
		return fmt.Errorf("%w: vault %s was never attested", domain.ErrStaleBalance, v.ID)
	}
	if !latest.IsFresh(now, p.cfg.FreshnessWindow) {
		return fmt.Errorf("%w: last check at %s is older than %s",
			domain.ErrStaleBalance, latest.CheckedAt.Format(time.RFC3339), p.cfg.FreshnessWindow)
	}
	return nil
}
