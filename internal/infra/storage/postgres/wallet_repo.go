package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/domain"
)

type walletRow struct {
	ID           string          `db:"id"`
	Name         string          `db:"name"`
	Chain        string          `db:"chain"`
	Currency     string          `db:"currency"`
	Address      string          `db:"address"`
	WalletType   string          `db:"wallet_type"`
	DailyLimit   decimal.Decimal `db:"daily_limit"`
	MonthlyLimit decimal.Decimal `db:"monthly_limit"`
	DailyUsed    decimal.Decimal `db:"daily_used"`
	MonthlyUsed  decimal.Decimal `db:"monthly_used"`
	Active       bool            `db:"active"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

func (r walletRow) toDomain() *domain.Wallet {
	return &domain.Wallet{
		ID:           r.ID,
		Name:         r.Name,
		Chain:        domain.ChainID(r.Chain),
		Currency:     r.Currency,
		Address:      r.Address,
		Type:         domain.WalletType(r.WalletType),
		DailyLimit:   r.DailyLimit,
		MonthlyLimit: r.MonthlyLimit,
		DailyUsed:    r.DailyUsed,
		MonthlyUsed:  r.MonthlyUsed,
		Active:       r.Active,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

const walletColumns = `id, name, chain, currency, address, wallet_type, daily_limit, monthly_limit,
	daily_used, monthly_used, active, created_at, updated_at`

// WalletRepo implements storage.WalletRepository using PostgreSQL.
type WalletRepo struct {
	q sqlx.ExtContext
}

func (r *WalletRepo) Create(ctx context.Context, w *domain.Wallet) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.Name, string(w.Chain), w.Currency, w.Address, string(w.Type),
		w.DailyLimit, w.MonthlyLimit, w.DailyUsed, w.MonthlyUsed, w.Active, w.CreatedAt, w.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.Validationf("wallet %s already exists", w.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

func (r *WalletRepo) Get(ctx context.Context, id string) (*domain.Wallet, error) {
	return r.get(ctx, id, "")
}

func (r *WalletRepo) GetForUpdate(ctx context.Context, id string) (*domain.Wallet, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *WalletRepo) get(ctx context.Context, id, lock string) (*domain.Wallet, error) {
	var row walletRow
	err := sqlx.GetContext(ctx, r.q, &row, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`+lock, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: wallet %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return row.toDomain(), nil
}

func (r *WalletRepo) Update(ctx context.Context, w *domain.Wallet) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE wallets SET name = $2, daily_limit = $3, monthly_limit = $4, daily_used = $5,
			monthly_used = $6, active = $7, updated_at = $8
		WHERE id = $1`,
		w.ID, w.Name, w.DailyLimit, w.MonthlyLimit, w.DailyUsed, w.MonthlyUsed, w.Active, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	return expectRow(res, "wallet", w.ID)
}

func (r *WalletRepo) List(ctx context.Context) ([]*domain.Wallet, error) {
	var rows []walletRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, `SELECT `+walletColumns+` FROM wallets ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	out := make([]*domain.Wallet, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

type vaultRow struct {
	ID                  string          `db:"id"`
	Name                string          `db:"name"`
	Chain               string          `db:"chain"`
	Currency            string          `db:"currency"`
	Address             string          `db:"address"`
	VaultType           string          `db:"vault_type"`
	StorageProtocol     string          `db:"storage_protocol"`
	Location            string          `db:"location"`
	RecordedBalance     decimal.Decimal `db:"recorded_balance"`
	LastAttestedBalance decimal.Decimal `db:"last_attested_balance"`
	LastAttestedAt      *time.Time      `db:"last_attested_at"`
	InsuranceProvider   string          `db:"insurance_provider"`
	InsurancePolicyID   string          `db:"insurance_policy_id"`
	InsuranceCoverage   decimal.Decimal `db:"insurance_coverage"`
	Active              bool            `db:"active"`
	CreatedAt           time.Time       `db:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
}

func (r vaultRow) toDomain() (*domain.Vault, error) {
	var location map[string]string
	if r.Location != "" {
		if err := json.Unmarshal([]byte(r.Location), &location); err != nil {
			return nil, fmt.Errorf("failed to decode vault location: %w", err)
		}
	}
	return &domain.Vault{
		ID:                  r.ID,
		Name:                r.Name,
		Chain:               domain.ChainID(r.Chain),
		Currency:            r.Currency,
		Address:             r.Address,
		Type:                domain.VaultType(r.VaultType),
		StorageProtocol:     r.StorageProtocol,
		Location:            location,
		RecordedBalance:     r.RecordedBalance,
		LastAttestedBalance: r.LastAttestedBalance,
		LastAttestedAt:      r.LastAttestedAt,
		Insurance: domain.Insurance{
			Provider: r.InsuranceProvider,
			PolicyID: r.InsurancePolicyID,
			Coverage: r.InsuranceCoverage,
		},
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

const vaultColumns = `id, name, chain, currency, address, vault_type, storage_protocol,
	location::text AS location, recorded_balance, last_attested_balance, last_attested_at,
	insurance_provider, insurance_policy_id, insurance_coverage, active, created_at, updated_at`

// VaultRepo implements storage.VaultRepository using PostgreSQL.
type VaultRepo struct {
	q sqlx.ExtContext
}

func encodeLocation(loc map[string]string) (string, error) {
	if loc == nil {
		return "{}", nil
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return "", fmt.Errorf("failed to encode vault location: %w", err)
	}
	return string(b), nil
}

func (r *VaultRepo) Create(ctx context.Context, v *domain.Vault) error {
	location, err := encodeLocation(v.Location)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO vaults (id, name, chain, currency, address, vault_type, storage_protocol, location,
			recorded_balance, last_attested_balance, last_attested_at, insurance_provider,
			insurance_policy_id, insurance_coverage, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		v.ID, v.Name, string(v.Chain), v.Currency, v.Address, string(v.Type), v.StorageProtocol, location,
		v.RecordedBalance, v.LastAttestedBalance, v.LastAttestedAt, v.Insurance.Provider,
		v.Insurance.PolicyID, v.Insurance.Coverage, v.Active, v.CreatedAt, v.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.Validationf("vault %s already exists", v.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to save vault: %w", err)
	}
	return nil
}

func (r *VaultRepo) Get(ctx context.Context, id string) (*domain.Vault, error) {
	return r.get(ctx, id, "")
}

func (r *VaultRepo) GetForUpdate(ctx context.Context, id string) (*domain.Vault, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *VaultRepo) get(ctx context.Context, id, lock string) (*domain.Vault, error) {
	var row vaultRow
	err := sqlx.GetContext(ctx, r.q, &row, `SELECT `+vaultColumns+` FROM vaults WHERE id = $1`+lock, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: vault %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vault: %w", err)
	}
	return row.toDomain()
}

func (r *VaultRepo) Update(ctx context.Context, v *domain.Vault) error {
	location, err := encodeLocation(v.Location)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE vaults SET name = $2, storage_protocol = $3, location = $4::jsonb, recorded_balance = $5,
			last_attested_balance = $6, last_attested_at = $7, insurance_provider = $8,
			insurance_policy_id = $9, insurance_coverage = $10, active = $11, updated_at = $12
		WHERE id = $1`,
		v.ID, v.Name, v.StorageProtocol, location, v.RecordedBalance, v.LastAttestedBalance,
		v.LastAttestedAt, v.Insurance.Provider, v.Insurance.PolicyID, v.Insurance.Coverage,
		v.Active, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update vault: %w", err)
	}
	return expectRow(res, "vault", v.ID)
}

func (r *VaultRepo) List(ctx context.Context) ([]*domain.Vault, error) {
	var rows []vaultRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, `SELECT `+vaultColumns+` FROM vaults ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	out := make([]*domain.Vault, 0, len(rows))
	for _, row := range rows {
		v, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
	}
	return nil
}
