package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/custody/internal/infra/storage"
)

// repos binds every repository to one query target, either the pool or a transaction.
type repos struct {
	q sqlx.ExtContext
}

func (r repos) Wallets() storage.WalletRepository             { return &WalletRepo{q: r.q} }
func (r repos) Vaults() storage.VaultRepository               { return &VaultRepo{q: r.q} }
func (r repos) Requests() storage.RequestRepository           { return &RequestRepo{q: r.q} }
func (r repos) Signatures() storage.SignatureRepository       { return &SignatureRepo{q: r.q} }
func (r repos) BalanceChecks() storage.BalanceCheckRepository { return &BalanceCheckRepo{q: r.q} }
func (r repos) Reversals() storage.ReversalRepository         { return &ReversalRepo{q: r.q} }
func (r repos) Audit() storage.AuditRepository                { return &AuditRepo{q: r.q} }
func (r repos) Admins() storage.AdminRepository               { return &AdminRepo{q: r.q} }

// UnitOfWork bundles all persistence operations into a single database transaction,
// ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	repos
	tx *sqlx.Tx
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{repos: repos{q: tx}, tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// Store implements storage.Store on PostgreSQL.
type Store struct {
	repos
	db *DB
}

// NewStore creates a store over db.
func NewStore(db *DB) *Store {
	return &Store{repos: repos{q: db.DB}, db: db}
}

// Atomic runs fn inside one transaction. Row locks taken with GetForUpdate
// are held until fn returns.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	uow, err := s.db.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = uow.Rollback() }()

	if err := fn(ctx, uow); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error { return s.db.Health(ctx) }

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying connection for migrations and metrics.
func (s *Store) DB() *DB { return s.db }
