// Package access decides whether an admin may perform an operation.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
)

// Authorizer checks role membership.
type Authorizer interface {
	Require(ctx context.Context, adminID string, role domain.Role) error
}

// MFAVerifier validates a second-factor proof for an admin at call time.
type MFAVerifier interface {
	Verify(ctx context.Context, adminID, proof string) error
}

// StoreAuthorizer resolves admins from storage.
type StoreAuthorizer struct {
	admins storage.AdminRepository
}

// NewStoreAuthorizer creates an authorizer backed by the admin repository.
func NewStoreAuthorizer(admins storage.AdminRepository) *StoreAuthorizer {
	return &StoreAuthorizer{admins: admins}
}

// Require returns ErrPermissionDenied unless the admin exists, is active and
// holds role.
func (a *StoreAuthorizer) Require(ctx context.Context, adminID string, role domain.Role) error {
	if adminID == "" {
		return fmt.Errorf("%w: missing admin id", domain.ErrPermissionDenied)
	}
	admin, err := a.admins.Get(ctx, adminID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: unknown admin %s", domain.ErrPermissionDenied, adminID)
		}
		return fmt.Errorf("failed to load admin: %w", err)
	}
	if !admin.Active {
		return fmt.Errorf("%w: admin %s is inactive", domain.ErrPermissionDenied, adminID)
	}
	if !admin.HasRole(role) {
		return fmt.Errorf("%w: admin %s lacks role %s", domain.ErrPermissionDenied, adminID, role)
	}
	return nil
}
