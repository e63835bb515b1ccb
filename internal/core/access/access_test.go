package access

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage/memory"
)

func TestStoreAuthorizer_Require(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStorage()
	_ = store.Admins().Upsert(ctx, &domain.Admin{ID: "alice", Roles: []domain.Role{domain.RoleApprover}, Active: true})
	_ = store.Admins().Upsert(ctx, &domain.Admin{ID: "bob", Roles: []domain.Role{domain.RoleApprover}, Active: false})

	auth := NewStoreAuthorizer(store.Admins())

	tests := []struct {
		name    string
		admin   string
		role    domain.Role
		wantErr bool
	}{
		{"has role", "alice", domain.RoleApprover, false},
		{"missing role", "alice", domain.RoleOverride, true},
		{"inactive", "bob", domain.RoleApprover, true},
		{"unknown", "carol", domain.RoleApprover, true},
		{"empty id", "", domain.RoleApprover, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auth.Require(ctx, tt.admin, tt.role)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrPermissionDenied) {
					t.Errorf("expected ErrPermissionDenied, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
