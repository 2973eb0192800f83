package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/currency"
	"github.com/punchamoorthee/punchgate/internal/domain"
	"github.com/punchamoorthee/punchgate/internal/events"
	"github.com/punchamoorthee/punchgate/internal/lock"
	"github.com/punchamoorthee/punchgate/internal/retry"
	"github.com/punchamoorthee/punchgate/internal/store"
	"github.com/punchamoorthee/punchgate/internal/validate"
)

type fixture struct {
	store     *store.Memory
	locker    *lock.MemoryLocker
	publisher *events.MemoryPublisher
	converter currency.StaticConverter
	validator *validate.Validator
	principal domain.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemory()
	if err := m.Seed(context.Background(), store.DemoFixture()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	v, err := validate.New()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return &fixture{
		store:     m,
		locker:    lock.NewMemoryLocker(),
		publisher: events.NewMemoryPublisher(),
		converter: currency.StaticConverter{Rates: map[string]decimal.Decimal{
			"USD:EUR": decimal.RequireFromString("0.5"),
		}},
		validator: v,
		principal: domain.Principal{
			TenantID:           store.DemoTenantID,
			TenantName:         "Demo Procurement",
			SettlementCurrency: "USD",
			Role:               domain.RoleAdmin,
		},
	}
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}
}

func (f *fixture) intake(orders OrderStore, policy CurrencyPolicy) *OrderIntake {
	return NewOrderIntake(orders, f.store, f.validator, f.locker, f.converter, f.publisher,
		IntakeConfig{LockTTL: 5 * time.Second, Retry: fastRetry(), CurrencyPolicy: policy},
		zap.NewNop())
}

func (f *fixture) lifecycle() *OrderLifecycle {
	return NewOrderLifecycle(f.store, f.store, f.locker, f.converter, f.publisher, 5*time.Second, zap.NewNop())
}

func (f *fixture) auditOf(t *testing.T, eventType string) []domain.AuditEntry {
	t.Helper()
	all, err := f.store.ListAudit(context.Background(), f.principal.TenantID, 0)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var out []domain.AuditEntry
	for _, e := range all {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type line struct {
	id    string
	qty   int
	price string
}

func orderXML(cookie, currency, total string, lines ...line) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<PunchOutOrderMessage><BuyerCookie>%s</BuyerCookie>", cookie)
	fmt.Fprintf(&b, `<PunchOutOrderMessageHeader><Total><Money currency="%s">%s</Money></Total></PunchOutOrderMessageHeader>`, currency, total)
	for _, l := range lines {
		fmt.Fprintf(&b, `<ItemIn><ItemID>%s</ItemID><Quantity>%d</Quantity><UnitPrice><Money currency="%s">%s</Money></UnitPrice></ItemIn>`,
			l.id, l.qty, currency, l.price)
	}
	b.WriteString("</PunchOutOrderMessage>")
	return b.String()
}

func happyOrder(cookie string) string {
	return orderXML(cookie, "USD", "500.00",
		line{"item123", 2, "100.00"},
		line{"item456", 1, "300.00"})
}

// gatedStore blocks item inserts until released, holding an intake inside
// its locked section.
type gatedStore struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(m *store.Memory) *gatedStore {
	return &gatedStore{Memory: m, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedStore) InsertOrderItems(ctx context.Context, orderID uuid.UUID, items []domain.OrderItem) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Memory.InsertOrderItems(ctx, orderID, items)
}
