package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/domain"
)

// Repositories return domain.ErrNotFound (wrapped) for missing rows,
// domain.ErrDuplicateApproval for a second vote and domain.ErrConflict when
// an optimistic version check fails.

// WalletRepository handles wallet storage operations
type WalletRepository interface {
	// Create inserts a new wallet
	Create(ctx context.Context, w *domain.Wallet) error

	// Get retrieves a wallet by id
	Get(ctx context.Context, id string) (*domain.Wallet, error)

	// GetForUpdate retrieves a wallet and locks it until the unit of work ends
	GetForUpdate(ctx context.Context, id string) (*domain.Wallet, error)

	// Update persists limits, rolling counters and the active flag
	Update(ctx context.Context, w *domain.Wallet) error

	// List returns all wallets
	List(ctx context.Context) ([]*domain.Wallet, error)
}

// VaultRepository handles cold-storage vault operations
type VaultRepository interface {
	Create(ctx context.Context, v *domain.Vault) error
	Get(ctx context.Context, id string) (*domain.Vault, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Vault, error)
	Update(ctx context.Context, v *domain.Vault) error
	List(ctx context.Context) ([]*domain.Vault, error)
}

// RequestRepository handles approval request storage
type RequestRepository interface {
	// Create inserts a new request
	Create(ctx context.Context, r *domain.Request) error

	// Get retrieves a request by id
	Get(ctx context.Context, id string) (*domain.Request, error)

	// GetForUpdate retrieves a request and locks it until the unit of work ends
	GetForUpdate(ctx context.Context, id string) (*domain.Request, error)

	// Update writes the request if its version is unchanged and bumps the version
	Update(ctx context.Context, r *domain.Request) error

	// ListPendingFor returns every unexpired pending request the approver did
	// not initiate and has not voted on, oldest first
	ListPendingFor(ctx context.Context, approverID string, now time.Time) ([]*domain.Request, error)

	// ListExpired returns pending or approved requests whose deadline passed
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Request, error)

	// SumSpent totals outbound amounts reserved or executed since the given time
	SumSpent(ctx context.Context, subjectID string, since time.Time) (decimal.Decimal, error)

	// CountExecutedSince counts the subject's executed requests since the given time
	CountExecutedSince(ctx context.Context, subjectID string, since time.Time) (int, error)

	// DestinationUsed reports whether the subject ever executed a transfer to destination
	DestinationUsed(ctx context.Context, subjectID, destination string) (bool, error)

	// CountByStatus returns request counts grouped by status
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
}

// SignatureRepository handles approval votes
type SignatureRepository interface {
	// Create records a vote; a second vote by the same approver fails with ErrDuplicateApproval
	Create(ctx context.Context, s *domain.Signature) error

	// ListByRequest returns the votes on a request in order
	ListByRequest(ctx context.Context, requestID string) ([]*domain.Signature, error)

	// VotedBy returns which of the given requests the approver already voted on
	VotedBy(ctx context.Context, approverID string, requestIDs []string) (map[string]bool, error)
}

// BalanceCheckRepository handles vault attestations
type BalanceCheckRepository interface {
	Create(ctx context.Context, c *domain.BalanceCheck) error

	// Latest returns the most recent check or nil if the vault was never checked
	Latest(ctx context.Context, vaultID string) (*domain.BalanceCheck, error)
}

// ReversalRepository links executed requests to their reversals
type ReversalRepository interface {
	Create(ctx context.Context, r *domain.Reversal) error
	ListByOriginal(ctx context.Context, originalID string) ([]*domain.Reversal, error)
}

// AuditRepository is append-only: there is no update or delete.
type AuditRepository interface {
	// Append stores an entry and assigns its sequence
	Append(ctx context.Context, e *domain.AuditEntry) error

	// List returns entries matching the filter ordered by time, then sequence
	List(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error)
}

// AdminRepository holds privileged operators
type AdminRepository interface {
	Get(ctx context.Context, id string) (*domain.Admin, error)
	Upsert(ctx context.Context, a *domain.Admin) error
	List(ctx context.Context) ([]*domain.Admin, error)
}

// Tx exposes every repository bound to one unit of work.
type Tx interface {
	Wallets() WalletRepository
	Vaults() VaultRepository
	Requests() RequestRepository
	Signatures() SignatureRepository
	BalanceChecks() BalanceCheckRepository
	Reversals() ReversalRepository
	Audit() AuditRepository
	Admins() AdminRepository
}

// Store is the persistence entry point. Its own repositories read outside any
// unit of work; Atomic runs fn in one and commits only if fn returns nil.
type Store interface {
	Tx
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Health(ctx context.Context) error
	Close() error
}
