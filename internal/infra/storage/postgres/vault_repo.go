package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/domain"
)

type balanceCheckRow struct {
	ID                 string          `db:"id"`
	VaultID            string          `db:"vault_id"`
	ObservedBalance    decimal.Decimal `db:"observed_balance"`
	RecordedBalance    decimal.Decimal `db:"recorded_balance"`
	DriftRatio         decimal.Decimal `db:"drift_ratio"`
	DriftDetected      bool            `db:"drift_detected"`
	VerifierID         string          `db:"verifier_id"`
	PhysicallyVerified bool            `db:"physically_verified"`
	CheckedAt          time.Time       `db:"checked_at"`
}

// BalanceCheckRepo implements storage.BalanceCheckRepository using PostgreSQL.
type BalanceCheckRepo struct {
	q sqlx.ExtContext
}

func (r *BalanceCheckRepo) Create(ctx context.Context, c *domain.BalanceCheck) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO balance_checks (id, vault_id, observed_balance, recorded_balance, drift_ratio,
			drift_detected, verifier_id, physically_verified, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.VaultID, c.ObservedBalance, c.RecordedBalance, c.DriftRatio, c.DriftDetected,
		c.VerifierID, c.PhysicallyVerified, c.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save balance check: %w", err)
	}
	return nil
}

func (r *BalanceCheckRepo) Latest(ctx context.Context, vaultID string) (*domain.BalanceCheck, error) {
	var row balanceCheckRow
	err := sqlx.GetContext(ctx, r.q, &row, `
		SELECT id, vault_id, observed_balance, recorded_balance, drift_ratio, drift_detected,
			verifier_id, physically_verified, checked_at
		FROM balance_checks WHERE vault_id = $1
		ORDER BY checked_at DESC LIMIT 1`, vaultID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest balance check: %w", err)
	}
	return &domain.BalanceCheck{
		ID:                 row.ID,
		VaultID:            row.VaultID,
		ObservedBalance:    row.ObservedBalance,
		RecordedBalance:    row.RecordedBalance,
		DriftRatio:         row.DriftRatio,
		DriftDetected:      row.DriftDetected,
		VerifierID:         row.VerifierID,
		PhysicallyVerified: row.PhysicallyVerified,
		CheckedAt:          row.CheckedAt.UTC(),
	}, nil
}

type reversalRow struct {
	ID                string              `db:"id"`
	OriginalRequestID string              `db:"original_request_id"`
	ReversalRequestID string              `db:"reversal_request_id"`
	Reason            string              `db:"reason"`
	PartialAmount     decimal.NullDecimal `db:"partial_amount"`
	InitiatorID       string              `db:"initiator_id"`
	CreatedAt         time.Time           `db:"created_at"`
}

// ReversalRepo implements storage.ReversalRepository using PostgreSQL.
type ReversalRepo struct {
	q sqlx.ExtContext
}

func (r *ReversalRepo) Create(ctx context.Context, rev *domain.Reversal) error {
	var partial decimal.NullDecimal
	if rev.PartialAmount != nil {
		partial = decimal.NewNullDecimal(*rev.PartialAmount)
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO reversals (id, original_request_id, reversal_request_id, reason, partial_amount,
			initiator_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rev.ID, rev.OriginalRequestID, rev.ReversalRequestID, rev.Reason, partial,
		rev.InitiatorID, rev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save reversal: %w", err)
	}
	return nil
}

func (r *ReversalRepo) ListByOriginal(ctx context.Context, originalID string) ([]*domain.Reversal, error) {
	var rows []reversalRow
	err := sqlx.SelectContext(ctx, r.q, &rows, `
		SELECT id, original_request_id, reversal_request_id, reason, partial_amount, initiator_id, created_at
		FROM reversals WHERE original_request_id = $1 ORDER BY created_at`, originalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reversals: %w", err)
	}
	out := make([]*domain.Reversal, 0, len(rows))
	for _, row := range rows {
		rev := &domain.Reversal{
			ID:                row.ID,
			OriginalRequestID: row.OriginalRequestID,
			ReversalRequestID: row.ReversalRequestID,
			Reason:            row.Reason,
			InitiatorID:       row.InitiatorID,
			CreatedAt:         row.CreatedAt.UTC(),
		}
		if row.PartialAmount.Valid {
			amount := row.PartialAmount.Decimal
			rev.PartialAmount = &amount
		}
		out = append(out, rev)
	}
	return out, nil
}

type adminRow struct {
	ID         string         `db:"id"`
	Name       string         `db:"name"`
	Roles      pq.StringArray `db:"roles"`
	TOTPSecret string         `db:"totp_secret"`
	Active     bool           `db:"active"`
}

func (r adminRow) toDomain() *domain.Admin {
	roles := make([]domain.Role, len(r.Roles))
	for i, role := range r.Roles {
		roles[i] = domain.Role(role)
	}
	return &domain.Admin{ID: r.ID, Name: r.Name, Roles: roles, TOTPSecret: r.TOTPSecret, Active: r.Active}
}

// AdminRepo implements storage.AdminRepository using PostgreSQL.
type AdminRepo struct {
	q sqlx.ExtContext
}

func (r *AdminRepo) Get(ctx context.Context, id string) (*domain.Admin, error) {
	var row adminRow
	err := sqlx.GetContext(ctx, r.q, &row,
		`SELECT id, name, roles, totp_secret, active FROM admins WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: admin %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get admin: %w", err)
	}
	return row.toDomain(), nil
}

func (r *AdminRepo) Upsert(ctx context.Context, a *domain.Admin) error {
	roles := make(pq.StringArray, len(a.Roles))
	for i, role := range a.Roles {
		roles[i] = string(role)
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO admins (id, name, roles, totp_secret, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, roles = EXCLUDED.roles,
			totp_secret = EXCLUDED.totp_secret, active = EXCLUDED.active`,
		a.ID, a.Name, []string(roles), a.TOTPSecret, a.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to save admin: %w", err)
	}
	return nil
}

func (r *AdminRepo) List(ctx context.Context) ([]*domain.Admin, error) {
	var rows []adminRow
	if err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT id, name, roles, totp_secret, active FROM admins ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list admins: %w", err)
	}
	out := make([]*domain.Admin, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
