package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/punchgate/internal/domain"
)

func placeOrder(t *testing.T, f *fixture, cookie string) *domain.Order {
	t.Helper()
	res, err := f.intake(f.store, CurrencyAbort).Process(context.Background(), f.principal, strings.NewReader(happyOrder(cookie)))
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	return res.Order
}

func intPtr(v int) *int { return &v }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestOrderLifecycle_Confirm(t *testing.T) {
	f := newFixture(t)
	svc := f.lifecycle()
	ctx := context.Background()
	o := placeOrder(t, f, "cookie-confirm")

	got, err := svc.Confirm(ctx, f.principal, o.ID, "confirmed", "ignored")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != domain.OrderConfirmed || got.RejectionReason != "" {
		t.Fatalf("expected CONFIRMED without reason, got %s %q", got.Status, got.RejectionReason)
	}
	if n := len(f.auditOf(t, domain.EventOrderConfirmed)); n != 1 {
		t.Fatalf("expected one OrderConfirmed entry, got %d", n)
	}

	_, err = svc.Confirm(ctx, f.principal, o.ID, "rejected", "too late")
	if domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected conflict confirming a non-pending order, got %v", err)
	}
	if f.locker.Held(OrderLockKey(o.ID)) {
		t.Fatalf("expected order lock to be released")
	}
}

func TestOrderLifecycle_Reject(t *testing.T) {
	f := newFixture(t)
	svc := f.lifecycle()
	o := placeOrder(t, f, "cookie-reject")

	got, err := svc.Confirm(context.Background(), f.principal, o.ID, "REJECTED", "out of stock")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	stored, _ := svc.Get(context.Background(), f.principal, o.ID)
	if got.Status != domain.OrderRejected || stored.RejectionReason != "out of stock" {
		t.Fatalf("expected rejection with reason, got %s %q", stored.Status, stored.RejectionReason)
	}
}

func TestOrderLifecycle_ConfirmValidation(t *testing.T) {
	f := newFixture(t)
	svc := f.lifecycle()
	o := placeOrder(t, f, "cookie-bad")

	if _, err := svc.Confirm(context.Background(), f.principal, o.ID, "maybe", ""); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.Confirm(context.Background(), f.principal, uuid.New(), "confirmed", ""); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	other := domain.Principal{TenantID: "other", Role: domain.RoleAdmin}
	if _, err := svc.Confirm(context.Background(), other, o.ID, "confirmed", ""); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected other tenant to get not found, got %v", err)
	}
	if _, err := ParseOrderID("not-a-uuid"); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error for bad id, got %v", err)
	}
}

func TestOrderLifecycle_ConfirmWhileLocked(t *testing.T) {
	f := newFixture(t)
	svc := f.lifecycle()
	o := placeOrder(t, f, "cookie-locked")

	lease, ok, err := f.locker.Acquire(context.Background(), OrderLockKey(o.ID), time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	defer f.locker.Release(context.Background(), lease)

	if _, err := svc.Confirm(context.Background(), f.principal, o.ID, "confirmed", ""); domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected conflict while order is locked, got %v", err)
	}
}

func TestOrderLifecycle_Modify(t *testing.T) {
	f := newFixture(t)
	svc := f.lifecycle()
	ctx := context.Background()
	o := placeOrder(t, f, "cookie-modify")

	got, err := svc.Modify(ctx, f.principal, o.ID, []domain.ItemModification{
		{Action: domain.ModifyUpdate, ItemID: "item123", Quantity: intPtr(3)},
		{Action: domain.ModifyRemove, ItemID: "item456"},
		{Action: domain.ModifyAdd, ItemID: "item789", Quantity: intPtr(1), UnitPrice: decPtr("50.00")},
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if !got.TotalAmount.Equal(decimal.NewFromInt(350)) || !got.SettlementTotal.Equal(decimal.NewFromInt(350)) {
		t.Fatalf("expected total 350, got %s (settlement %s)", got.TotalAmount, got.SettlementTotal)
	}

	stored, err := svc.Get(ctx, f.principal, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Items) != 2 || !stored.TotalAmount.Equal(decimal.NewFromInt(350)) {
		t.Fatalf("expected stored order with 2 items and total 350, got %d items, %s", len(stored.Items), stored.TotalAmount)
	}
	if n := len(f.auditOf(t, domain.EventOrderModified)); n != 1 {
		t.Fatalf("expected one OrderModified entry, got %d", n)
	}

	_, err = svc.Modify(ctx, f.principal, o.ID, []domain.ItemModification{{Action: domain.ModifyRemove, ItemID: "missing"}})
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found for unknown item, got %v", err)
	}
	after, _ := svc.Get(ctx, f.principal, o.ID)
	if len(after.Items) != 2 {
		t.Fatalf("expected failed modification to leave items untouched")
	}
}

func TestOrderLifecycle_ModifyReconvertsSettlement(t *testing.T) {
	f := newFixture(t)
	f.principal.SettlementCurrency = "EUR"
	svc := f.lifecycle()
	o := placeOrder(t, f, "cookie-eur-mod")

	got, err := svc.Modify(context.Background(), f.principal, o.ID, []domain.ItemModification{
		{Action: domain.ModifyRemove, ItemID: "item456"},
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if !got.TotalAmount.Equal(decimal.NewFromInt(200)) || !got.SettlementTotal.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 200 USD settling as 100 EUR, got %s / %s", got.TotalAmount, got.SettlementTotal)
	}
}

func TestOrderLifecycle_ModifyOnlyPending(t *testing.T) {
	f := newFixture(t)
	svc := f.lifecycle()
	o := placeOrder(t, f, "cookie-shipped")

	if _, err := svc.UpdateStatus(context.Background(), f.principal, o.ID, domain.OrderShipped); err != nil {
		t.Fatalf("update status: %v", err)
	}
	_, err := svc.Modify(context.Background(), f.principal, o.ID, []domain.ItemModification{
		{Action: domain.ModifyRemove, ItemID: "item456"},
	})
	if domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected conflict modifying a shipped order, got %v", err)
	}
}

func TestOrderLifecycle_UpdateStatus(t *testing.T) {
	f := newFixture(t)
	svc := f.lifecycle()
	ctx := context.Background()
	o := placeOrder(t, f, "cookie-status")

	got, err := svc.UpdateStatus(ctx, f.principal, o.ID, "completed")
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if got.Status != domain.OrderCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	status, err := svc.Status(ctx, f.principal, o.ID)
	if err != nil || status != domain.OrderCompleted {
		t.Fatalf("expected stored COMPLETED, got %s (%v)", status, err)
	}

	if _, err := svc.UpdateStatus(ctx, f.principal, o.ID, domain.OrderPending); domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected conflict leaving a final status, got %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, f.principal, o.ID, "LOST"); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
	if n := len(f.auditOf(t, domain.EventOrderStatusChanged)); n != 1 {
		t.Fatalf("expected one OrderStatusChanged entry, got %d", n)
	}
}
