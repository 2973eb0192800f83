package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/currency"
	"github.com/punchamoorthee/punchgate/internal/domain"
	"github.com/punchamoorthee/punchgate/internal/events"
	"github.com/punchamoorthee/punchgate/internal/lock"
)

// OrderLifecycle handles orders after intake. Every write runs under the
// order's lock and only touches orders of the caller's tenant.
type OrderLifecycle struct {
	orders    OrderStore
	locker    lock.Locker
	converter currency.Converter
	notify    *notifier
	lockTTL   time.Duration
	logger    *zap.Logger
}

func NewOrderLifecycle(orders OrderStore, audit AuditLog, locker lock.Locker, converter currency.Converter, publisher events.Publisher, lockTTL time.Duration, logger *zap.Logger) *OrderLifecycle {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Second
	}
	return &OrderLifecycle{
		orders:    orders,
		locker:    locker,
		converter: converter,
		notify:    &notifier{audit: audit, publisher: publisher, logger: logger},
		lockTTL:   lockTTL,
		logger:    logger,
	}
}

// OrderLockKey is the lock key serializing writes to one order.
func OrderLockKey(id uuid.UUID) string {
	return "order:" + id.String()
}

// ParseOrderID turns a caller-supplied id into a uuid.
func ParseOrderID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, domain.ValidationErrorf("invalid order id %q", raw)
	}
	return id, nil
}

func (s *OrderLifecycle) Get(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Order, error) {
	o, err := s.orders.GetOrder(ctx, p.TenantID, id)
	if err != nil {
		return nil, storeError(err, "order")
	}
	return o, nil
}

func (s *OrderLifecycle) Status(ctx context.Context, p domain.Principal, id uuid.UUID) (domain.OrderStatus, error) {
	o, err := s.Get(ctx, p, id)
	if err != nil {
		return "", err
	}
	return o.Status, nil
}

// Confirm accepts or rejects a pending order. decision is "confirmed" or
// "rejected"; reason is kept only for rejections.
func (s *OrderLifecycle) Confirm(ctx context.Context, p domain.Principal, id uuid.UUID, decision, reason string) (*domain.Order, error) {
	var status domain.OrderStatus
	var eventType string
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "confirmed":
		status, eventType, reason = domain.OrderConfirmed, domain.EventOrderConfirmed, ""
	case "rejected":
		status, eventType = domain.OrderRejected, domain.EventOrderRejected
	default:
		return nil, domain.ValidationErrorf("status must be confirmed or rejected, got %q", decision)
	}

	var out *domain.Order
	err := locked(ctx, s.locker, OrderLockKey(id), s.lockTTL, s.logger, func() error {
		o, err := s.Get(ctx, p, id)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderPending {
			return domain.ConflictErrorf("order %s is %s and cannot be modified", id, o.Status)
		}
		if err := s.orders.UpdateOrderStatus(ctx, p.TenantID, id, status, reason); err != nil {
			return storeError(err, "order")
		}
		o.Status, o.RejectionReason = status, reason
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify.emit(ctx, p, notice{
		eventType:   eventType,
		orderID:     id.String(),
		description: fmt.Sprintf("Order %s %s", id, strings.ToLower(string(status))),
		data:        map[string]any{"status": string(status), "reason": reason},
	})
	return out, nil
}

// Modify edits the items of a pending order and recomputes its totals.
func (s *OrderLifecycle) Modify(ctx context.Context, p domain.Principal, id uuid.UUID, mods []domain.ItemModification) (*domain.Order, error) {
	var out *domain.Order
	err := locked(ctx, s.locker, OrderLockKey(id), s.lockTTL, s.logger, func() error {
		o, err := s.Get(ctx, p, id)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderPending {
			return domain.ConflictErrorf("order %s is %s and cannot be modified", id, o.Status)
		}
		if err := domain.ApplyModifications(o, mods); err != nil {
			return err
		}
		if o.TotalAmount.IsNegative() {
			return domain.ValidationErrorf("modifications would make the order total negative")
		}
		settled, err := s.settle(ctx, o)
		if err != nil {
			return err
		}
		o.SettlementTotal = settled
		if err := s.orders.ReplaceOrderItems(ctx, o); err != nil {
			return storeError(err, "order")
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify.emit(ctx, p, notice{
		eventType:   domain.EventOrderModified,
		orderID:     id.String(),
		description: fmt.Sprintf("Order %s modified (%d changes)", id, len(mods)),
		data:        map[string]any{"total": out.TotalAmount.StringFixed(2), "items": len(out.Items)},
	})
	return out, nil
}

// UpdateStatus moves an order to status. Orders in a final status stay there.
func (s *OrderLifecycle) UpdateStatus(ctx context.Context, p domain.Principal, id uuid.UUID, status domain.OrderStatus) (*domain.Order, error) {
	status = domain.OrderStatus(strings.ToUpper(strings.TrimSpace(string(status))))
	if !status.Valid() {
		return nil, domain.ValidationErrorf("unknown order status %q", status)
	}

	var out *domain.Order
	var from domain.OrderStatus
	err := locked(ctx, s.locker, OrderLockKey(id), s.lockTTL, s.logger, func() error {
		o, err := s.Get(ctx, p, id)
		if err != nil {
			return err
		}
		from = o.Status
		if o.Status.Final() && o.Status != status {
			return domain.ConflictErrorf("order %s is %s and cannot change status", id, o.Status)
		}
		if err := s.orders.UpdateOrderStatus(ctx, p.TenantID, id, status, o.RejectionReason); err != nil {
			return storeError(err, "order")
		}
		o.Status = status
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify.emit(ctx, p, notice{
		eventType:   domain.EventOrderStatusChanged,
		orderID:     id.String(),
		description: fmt.Sprintf("Order %s status changed from %s to %s", id, from, status),
		data:        map[string]any{"from": string(from), "to": string(status)},
	})
	return out, nil
}

func (s *OrderLifecycle) settle(ctx context.Context, o *domain.Order) (decimal.Decimal, error) {
	if o.SettlementCurrency == "" || o.SettlementCurrency == o.Currency {
		return o.TotalAmount, nil
	}
	v, err := s.converter.Convert(ctx, o.TotalAmount, o.Currency, o.SettlementCurrency)
	if err != nil {
		return o.TotalAmount, domain.Wrap(domain.KindUpstream, err, "currency conversion failed")
	}
	return v, nil
}
