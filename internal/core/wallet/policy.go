package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/approval"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/risk"
	"github.com/vietddude/custody/internal/infra/storage"
)

const (
	dayWindow   = 24 * time.Hour
	monthWindow = 30 * 24 * time.Hour
)

// limitPolicy enforces rolling daily and monthly ceilings on wallet requests.
type limitPolicy struct{}

func (limitPolicy) Admit(ctx context.Context, tx storage.Tx, in *approval.Intent, now time.Time) (*approval.Admission, error) {
	w, err := tx.Wallets().Get(ctx, in.SubjectID)
	if err != nil {
		return nil, err
	}
	adm := &approval.Admission{
		Risk:     risk.Input{Tier: w.Tier(), Ceiling: w.DailyLimit},
		Chain:    w.Chain,
		Currency: w.Currency,
		Source:   w.Address,
	}
	// reversals bring funds back and are gated by quorum alone
	if !in.Type.IsOutbound() {
		return adm, nil
	}
	if !w.Active {
		return nil, domain.Validationf("wallet %s is inactive", w.ID)
	}
	if _, _, err := checkLimits(ctx, tx, w, in.Amount, now); err != nil {
		return nil, err
	}
	return adm, nil
}

func (limitPolicy) Reserve(ctx context.Context, tx storage.Tx, req *domain.Request, now time.Time) error {
	if !req.Type.IsOutbound() {
		return nil
	}
	w, err := tx.Wallets().GetForUpdate(ctx, req.SubjectID)
	if err != nil {
		return err
	}
	if !w.Active {
		return domain.Validationf("wallet %s is inactive", w.ID)
	}
	// req is already counted as spent inside this unit of work
	daily, monthly, err := checkLimits(ctx, tx, w, decimal.Zero, now)
	if err != nil {
		return err
	}
	w.DailyUsed, w.MonthlyUsed, w.UpdatedAt = daily, monthly, now
	return tx.Wallets().Update(ctx, w)
}

func (limitPolicy) Release(ctx context.Context, tx storage.Tx, req *domain.Request, now time.Time) error {
	if !req.Type.IsOutbound() {
		return nil
	}
	w, err := tx.Wallets().GetForUpdate(ctx, req.SubjectID)
	if err != nil {
		return err
	}
	if err := refreshUsage(ctx, tx, w, now); err != nil {
		return err
	}
	w.UpdatedAt = now
	return tx.Wallets().Update(ctx, w)
}

// checkLimits sums the rolling windows plus extra and fails with
// ErrLimitExceeded when a ceiling is crossed.
func checkLimits(ctx context.Context, tx storage.Tx, w *domain.Wallet, extra decimal.Decimal, now time.Time) (daily, monthly decimal.Decimal, err error) {
	daily, err = tx.Requests().SumSpent(ctx, w.ID, now.Add(-dayWindow))
	if err != nil {
		return daily, monthly, fmt.Errorf("failed to sum daily spend: %w", err)
	}
	monthly, err = tx.Requests().SumSpent(ctx, w.ID, now.Add(-monthWindow))
	if err != nil {
		return daily, monthly, fmt.Errorf("failed to sum monthly spend: %w", err)
	}
	daily, monthly = daily.Add(extra), monthly.Add(extra)
	if daily.GreaterThan(w.DailyLimit) {
		return daily, monthly, fmt.Errorf("%w: daily usage would be %s of %s", domain.ErrLimitExceeded, daily, w.DailyLimit)
	}
	if monthly.GreaterThan(w.MonthlyLimit) {
		return daily, monthly, fmt.Errorf("%w: monthly usage would be %s of %s", domain.ErrLimitExceeded, monthly, w.MonthlyLimit)
	}
	return daily, monthly, nil
}

func refreshUsage(ctx context.Context, tx storage.Tx, w *domain.Wallet, now time.Time) error {
	var err error
	if w.DailyUsed, err = tx.Requests().SumSpent(ctx, w.ID, now.Add(-dayWindow)); err != nil {
		return fmt.Errorf("failed to sum daily spend: %w", err)
	}
	if w.MonthlyUsed, err = tx.Requests().SumSpent(ctx, w.ID, now.Add(-monthWindow)); err != nil {
		return fmt.Errorf("failed to sum monthly spend: %w", err)
	}
	return nil
}
