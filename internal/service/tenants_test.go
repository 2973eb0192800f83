package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/domain"
	"github.com/punchamoorthee/punchgate/internal/store"
	"github.com/punchamoorthee/punchgate/internal/tenant"
)

func newTenantAdmin(t *testing.T) (*fixture, *tenant.Cache, *TenantAdmin) {
	t.Helper()
	f := newFixture(t)
	cache := tenant.NewCache(f.store, 16, time.Minute)
	return f, cache, NewTenantAdmin(f.store, f.store, cache, f.publisher, zap.NewNop())
}

func TestTenantAdmin_RotateAPIKey(t *testing.T) {
	f, cache, svc := newTenantAdmin(t)
	ctx := context.Background()

	if _, err := cache.Resolve(ctx, store.DemoAPIKey); err != nil {
		t.Fatalf("resolve old key: %v", err)
	}

	key, err := svc.RotateAPIKey(ctx, f.principal)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if len(key) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(key))
	}

	if _, err := cache.Resolve(ctx, store.DemoAPIKey); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected old key to stop working, got %v", err)
	}
	p, err := cache.Resolve(ctx, key)
	if err != nil || p.TenantID != store.DemoTenantID || !p.IsTenant() {
		t.Fatalf("expected new key to resolve to the tenant, got %+v (%v)", p, err)
	}
	if _, err := cache.Resolve(ctx, store.DemoAdminKey); err != nil {
		t.Fatalf("expected user keys to survive rotation, got %v", err)
	}
	if n := len(f.auditOf(t, domain.EventAPIKeyRotated)); n != 1 {
		t.Fatalf("expected one rotation audit entry, got %d", n)
	}
}

func TestTenantAdmin_UserLifecycle(t *testing.T) {
	f, cache, svc := newTenantAdmin(t)
	ctx := context.Background()

	u, key, err := svc.CreateUser(ctx, f.principal, "Pat Buyer", "pat@example.com", domain.RoleEditor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p, err := cache.Resolve(ctx, key)
	if err != nil || p.UserID != u.ID || p.Role != domain.RoleEditor {
		t.Fatalf("expected key to resolve to the new editor, got %+v (%v)", p, err)
	}

	if _, _, err := svc.CreateUser(ctx, f.principal, "Pat Again", "pat@example.com", domain.RoleEditor); domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected conflict for duplicate email, got %v", err)
	}

	if _, err := svc.UpdateUser(ctx, f.principal, u.ID, domain.RoleReadOnly); err != nil {
		t.Fatalf("update: %v", err)
	}
	p, err = cache.Resolve(ctx, key)
	if err != nil || p.Role != domain.RoleReadOnly {
		t.Fatalf("expected cached role to refresh, got %+v (%v)", p, err)
	}

	if err := svc.DeleteUser(ctx, f.principal, u.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := cache.Resolve(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted user's key to be revoked, got %v", err)
	}
	if err := svc.DeleteUser(ctx, f.principal, u.ID); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found deleting twice, got %v", err)
	}

	entries, err := svc.Activity(ctx, f.principal, 10)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if len(entries) != 3 || entries[0].EventType != domain.EventTenantUserDeleted {
		t.Fatalf("expected 3 entries newest first, got %+v", entries)
	}
}

func TestTenantAdmin_Validation(t *testing.T) {
	f, _, svc := newTenantAdmin(t)
	ctx := context.Background()

	cases := []struct {
		name, user, email string
		role              domain.Role
	}{
		{"no name", "", "a@example.com", domain.RoleAdmin},
		{"bad email", "A", "not-an-email", domain.RoleAdmin},
		{"bad role", "A", "a@example.com", "owner"},
	}
	for _, tc := range cases {
		if _, _, err := svc.CreateUser(ctx, f.principal, tc.user, tc.email, tc.role); domain.KindOf(err) != domain.KindValidation {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
	if _, err := svc.UpdateUser(ctx, f.principal, "demo-viewer", "owner"); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error for unknown role, got %v", err)
	}

	self := domain.Principal{TenantID: store.DemoTenantID, UserID: "demo-admin", Role: domain.RoleAdmin}
	if err := svc.DeleteUser(ctx, self, "demo-admin"); domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected conflict deleting self, got %v", err)
	}
}
