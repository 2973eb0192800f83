// Package service holds the PunchOut workflows: session setup, order intake,
// order request and invoice intake, order lifecycle and tenant
// administration.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/domain"
	"github.com/punchamoorthee/punchgate/internal/events"
	"github.com/punchamoorthee/punchgate/internal/lock"
	"github.com/punchamoorthee/punchgate/internal/store"
	"github.com/punchamoorthee/punchgate/internal/validate"
)

var (
	lockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "punchgate_lock_acquisitions_total",
		Help: "Lock acquisition attempts, labeled by outcome",
	}, []string{"outcome"})

	retryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "punchgate_retry_attempts_total",
		Help: "Retries of transient operations, labeled by operation",
	}, []string{"operation"})

	orderIntakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "punchgate_order_intake_total",
		Help: "Order intake outcomes",
	}, []string{"outcome"})

	documentIntakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "punchgate_document_intake_total",
		Help: "Order request and invoice intake outcomes, labeled by kind",
	}, []string{"kind", "outcome"})
)

type OrderStore interface {
	CreateOrder(ctx context.Context, o *domain.Order) error
	InsertOrderItems(ctx context.Context, orderID uuid.UUID, items []domain.OrderItem) error
	DeleteOrder(ctx context.Context, orderID uuid.UUID) error
	GetOrder(ctx context.Context, tenantID string, orderID uuid.UUID) (*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, tenantID string, orderID uuid.UUID, status domain.OrderStatus, reason string) error
	ReplaceOrderItems(ctx context.Context, o *domain.Order) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, s *domain.PunchOutSession) error
	LatestSession(ctx context.Context, tenantID, cookie string) (*domain.PunchOutSession, error)
}

type DocumentStore interface {
	CreateDocument(ctx context.Context, d *domain.ProcurementDocument) error
	GetDocument(ctx context.Context, tenantID string, kind domain.DocumentKind, externalID string) (*domain.ProcurementDocument, error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, e domain.AuditEntry) error
	ListAudit(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error)
}

type Directory interface {
	BuyerByCredential(ctx context.Context, tenantID, credential string) (*domain.Buyer, error)
	SupplierByCredential(ctx context.Context, tenantID, credential string) (*domain.Supplier, error)
}

type TenantStore interface {
	RotateTenantAPIKey(ctx context.Context, tenantID, newKeyHash string) error
	CreateTenantUser(ctx context.Context, u domain.TenantUser, keyHash string) error
	UpdateTenantUserRole(ctx context.Context, tenantID, userID string, role domain.Role) (*domain.TenantUser, error)
	DeleteTenantUser(ctx context.Context, tenantID, userID string) error
}

type SchemaValidator interface {
	Validate(name string, doc any) (validate.Result, error)
}

// notifier writes the audit entry and publishes the event that follow a
// successful write. Both are best effort: failures are logged, never returned.
type notifier struct {
	audit     AuditLog
	publisher events.Publisher
	logger    *zap.Logger
}

type notice struct {
	eventType   string
	orderID     string
	description string
	data        map[string]any
}

func (n *notifier) emit(ctx context.Context, p domain.Principal, nt notice) {
	// The caller's request may already be finished.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	entry := domain.AuditEntry{
		ID:          uuid.New(),
		TenantID:    p.TenantID,
		UserID:      p.UserID,
		EventType:   nt.eventType,
		Description: nt.description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := n.audit.AppendAudit(ctx, entry); err != nil {
		n.logger.Warn("audit write failed",
			zap.String("event", nt.eventType),
			zap.String("tenant_id", p.TenantID),
			zap.Error(err))
	}

	ev := events.New(nt.eventType, p.TenantID, nt.data)
	ev.OrderID = nt.orderID
	if err := n.publisher.Publish(ctx, ev); err != nil {
		n.logger.Warn("event publish failed",
			zap.String("event", nt.eventType),
			zap.String("tenant_id", p.TenantID),
			zap.Error(err))
	}
}

// locked runs fn while holding key. A held key is a Conflict.
func locked(ctx context.Context, locker lock.Locker, key string, ttl time.Duration, logger *zap.Logger, fn func() error) error {
	lease, ok, err := locker.Acquire(ctx, key, ttl)
	if err != nil {
		lockAcquisitions.WithLabelValues("error").Inc()
		return domain.Wrap(domain.KindTransientStore, err, "lock service unavailable")
	}
	if !ok {
		lockAcquisitions.WithLabelValues("contended").Inc()
		return domain.ConflictErrorf("%s is already being processed", key)
	}
	lockAcquisitions.WithLabelValues("acquired").Inc()
	defer releaseLease(ctx, locker, lease, logger)
	return fn()
}

func releaseLease(ctx context.Context, locker lock.Locker, lease *lock.Lease, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := locker.Release(ctx, lease); err != nil {
		logger.Warn("lock release failed", zap.String("key", lease.Key), zap.Error(err))
	}
}

// storeError maps store sentinels onto the error taxonomy.
func storeError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return domain.Wrap(domain.KindNotFound, err, "%s not found", what)
	case errors.Is(err, store.ErrDuplicate):
		return domain.Wrap(domain.KindConflict, err, "%s already exists", what)
	default:
		return domain.Wrap(domain.KindTransientStore, err, "%s: storage unavailable", what)
	}
}
