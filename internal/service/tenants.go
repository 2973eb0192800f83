package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/domain"
	"github.com/punchamoorthee/punchgate/internal/events"
)

// Invalidator drops cached principals for a tenant.
type Invalidator interface {
	Invalidate(tenantID string) int
}

// TenantAdmin manages a tenant's API keys and users.
type TenantAdmin struct {
	tenants TenantStore
	audit   AuditLog
	cache   Invalidator
	notify  *notifier
	logger  *zap.Logger
}

func NewTenantAdmin(tenants TenantStore, audit AuditLog, cache Invalidator, publisher events.Publisher, logger *zap.Logger) *TenantAdmin {
	return &TenantAdmin{
		tenants: tenants,
		audit:   audit,
		cache:   cache,
		notify:  &notifier{audit: audit, publisher: publisher, logger: logger},
		logger:  logger,
	}
}

// NewAPIKey returns 32 random bytes, hex encoded.
func NewAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// RotateAPIKey replaces the tenant-level key. The old key stops working
// immediately on this instance.
func (s *TenantAdmin) RotateAPIKey(ctx context.Context, p domain.Principal) (string, error) {
	key, err := NewAPIKey()
	if err != nil {
		return "", err
	}
	if err := s.tenants.RotateTenantAPIKey(ctx, p.TenantID, domain.HashAPIKey(key)); err != nil {
		return "", storeError(err, "tenant")
	}
	s.cache.Invalidate(p.TenantID)

	s.notify.emit(ctx, p, notice{
		eventType:   domain.EventAPIKeyRotated,
		description: fmt.Sprintf("API key rotated for tenant %s", p.TenantID),
	})
	s.logger.Info("tenant api key rotated", zap.String("tenant_id", p.TenantID), zap.String("by", actor(p)))
	return key, nil
}

// CreateUser adds a user to the caller's tenant and returns it with its key.
func (s *TenantAdmin) CreateUser(ctx context.Context, p domain.Principal, name, email string, role domain.Role) (*domain.TenantUser, string, error) {
	name, email = strings.TrimSpace(name), strings.TrimSpace(email)
	if name == "" {
		return nil, "", domain.ValidationErrorf("name is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, "", domain.ValidationErrorf("invalid email %q", email)
	}
	if !role.Valid() {
		return nil, "", domain.ValidationErrorf("unknown role %q", role)
	}

	key, err := NewAPIKey()
	if err != nil {
		return nil, "", err
	}
	u := domain.TenantUser{
		ID:       uuid.NewString(),
		TenantID: p.TenantID,
		Name:     name,
		Email:    email,
		Role:     role,
	}
	if err := s.tenants.CreateTenantUser(ctx, u, domain.HashAPIKey(key)); err != nil {
		return nil, "", storeError(err, "user")
	}

	s.notify.emit(ctx, p, notice{
		eventType:   domain.EventTenantUserCreated,
		description: fmt.Sprintf("User %s (%s) created with role %s", u.ID, u.Email, u.Role),
		data:        map[string]any{"user_id": u.ID, "role": string(u.Role)},
	})
	return &u, key, nil
}

// UpdateUser changes a user's role.
func (s *TenantAdmin) UpdateUser(ctx context.Context, p domain.Principal, userID string, role domain.Role) (*domain.TenantUser, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ValidationErrorf("userId is required")
	}
	if !role.Valid() {
		return nil, domain.ValidationErrorf("unknown role %q", role)
	}
	u, err := s.tenants.UpdateTenantUserRole(ctx, p.TenantID, userID, role)
	if err != nil {
		return nil, storeError(err, "user")
	}
	s.cache.Invalidate(p.TenantID)

	s.notify.emit(ctx, p, notice{
		eventType:   domain.EventTenantUserUpdated,
		description: fmt.Sprintf("User %s role set to %s", userID, role),
		data:        map[string]any{"user_id": userID, "role": string(role)},
	})
	return u, nil
}

// DeleteUser removes a user and revokes its key. A user cannot delete itself.
func (s *TenantAdmin) DeleteUser(ctx context.Context, p domain.Principal, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return domain.ValidationErrorf("userId is required")
	}
	if userID == p.UserID {
		return domain.ConflictErrorf("users cannot delete themselves")
	}
	if err := s.tenants.DeleteTenantUser(ctx, p.TenantID, userID); err != nil {
		return storeError(err, "user")
	}
	s.cache.Invalidate(p.TenantID)

	s.notify.emit(ctx, p, notice{
		eventType:   domain.EventTenantUserDeleted,
		description: fmt.Sprintf("User %s deleted", userID),
		data:        map[string]any{"user_id": userID},
	})
	return nil
}

// Activity returns the tenant's most recent audit entries.
func (s *TenantAdmin) Activity(ctx context.Context, p domain.Principal, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries, err := s.audit.ListAudit(ctx, p.TenantID, limit)
	if err != nil {
		return nil, storeError(err, "audit log")
	}
	return entries, nil
}

func actor(p domain.Principal) string {
	if p.IsTenant() {
		return "tenant"
	}
	return p.UserID
}
