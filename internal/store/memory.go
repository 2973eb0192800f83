package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/punchgate/internal/domain"
)

// Memory is an in-process store with the same uniqueness and atomicity
// rules as Postgres. Returned values are copies.
type Memory struct {
	mu sync.Mutex

	tenants   map[string]domain.Tenant
	users     map[string]domain.TenantUser
	keys      map[string]keyOwner // api key hash -> owner
	buyers    []domain.Buyer
	suppliers []domain.Supplier
	orders    map[uuid.UUID]*domain.Order
	cookies   map[string]uuid.UUID
	audit     []domain.AuditEntry
	sessions  []domain.PunchOutSession
	documents map[documentKey]*domain.ProcurementDocument

	itemFailures int
	itemErr      error
	itemAttempts int
}

type documentKey struct {
	tenantID   string
	kind       domain.DocumentKind
	externalID string
}

type keyOwner struct {
	tenantID string
	userID   string
}

func NewMemory() *Memory {
	return &Memory{
		tenants:   make(map[string]domain.Tenant),
		users:     make(map[string]domain.TenantUser),
		keys:      make(map[string]keyOwner),
		orders:    make(map[uuid.UUID]*domain.Order),
		cookies:   make(map[string]uuid.UUID),
		documents: make(map[documentKey]*domain.ProcurementDocument),
	}
}

// FailNextItemInserts makes the next n InsertOrderItems calls fail with err
// without writing anything.
func (m *Memory) FailNextItemInserts(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemFailures = n
	m.itemErr = err
}

// ItemInsertAttempts counts InsertOrderItems calls, failed ones included.
func (m *Memory) ItemInsertAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.itemAttempts
}

func (m *Memory) Seed(_ context.Context, f Fixture) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range f.Tenants {
		m.tenants[t.Tenant.ID] = t.Tenant
		m.keys[domain.HashAPIKey(t.APIKey)] = keyOwner{tenantID: t.Tenant.ID}
	}
	for _, u := range f.Users {
		m.users[u.User.ID] = u.User
		m.keys[domain.HashAPIKey(u.APIKey)] = keyOwner{tenantID: u.User.TenantID, userID: u.User.ID}
	}
	m.buyers = append(m.buyers, f.Buyers...)
	m.suppliers = append(m.suppliers, f.Suppliers...)
	return nil
}

func (m *Memory) PrincipalByAPIKey(_ context.Context, keyHash string) (domain.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.keys[keyHash]
	if !ok {
		return domain.Principal{}, ErrNotFound
	}
	t, ok := m.tenants[owner.tenantID]
	if !ok {
		return domain.Principal{}, ErrNotFound
	}
	p := domain.Principal{
		TenantID:           t.ID,
		TenantName:         t.Name,
		SettlementCurrency: t.SettlementCurrency,
		Role:               domain.RoleAdmin,
	}
	if owner.userID != "" {
		u, ok := m.users[owner.userID]
		if !ok {
			return domain.Principal{}, ErrNotFound
		}
		p.UserID = u.ID
		p.Role = u.Role
	}
	return p, nil
}

func (m *Memory) RotateTenantAPIKey(_ context.Context, tenantID, newKeyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[tenantID]; !ok {
		return ErrNotFound
	}
	if _, taken := m.keys[newKeyHash]; taken {
		return ErrDuplicate
	}
	for h, o := range m.keys {
		if o.tenantID == tenantID && o.userID == "" {
			delete(m.keys, h)
		}
	}
	m.keys[newKeyHash] = keyOwner{tenantID: tenantID}
	return nil
}

func (m *Memory) CreateTenantUser(_ context.Context, u domain.TenantUser, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[u.TenantID]; !ok {
		return ErrNotFound
	}
	if _, taken := m.keys[keyHash]; taken {
		return ErrDuplicate
	}
	for _, existing := range m.users {
		if existing.ID == u.ID || (existing.TenantID == u.TenantID && existing.Email == u.Email) {
			return ErrDuplicate
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = u
	m.keys[keyHash] = keyOwner{tenantID: u.TenantID, userID: u.ID}
	return nil
}

func (m *Memory) UpdateTenantUserRole(_ context.Context, tenantID, userID string, role domain.Role) (*domain.TenantUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.TenantID != tenantID {
		return nil, ErrNotFound
	}
	u.Role = role
	m.users[userID] = u
	return &u, nil
}

func (m *Memory) DeleteTenantUser(_ context.Context, tenantID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.users, userID)
	for h, o := range m.keys {
		if o.userID == userID {
			delete(m.keys, h)
		}
	}
	return nil
}

func (m *Memory) BuyerByCredential(_ context.Context, tenantID, credential string) (*domain.Buyer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.buyers {
		if b.TenantID == tenantID && b.Credential == credential {
			b := b
			return &b, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SupplierByCredential(_ context.Context, tenantID, credential string) (*domain.Supplier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.suppliers {
		if s.TenantID == tenantID && s.Credential == credential {
			s := s
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

// CreateOrder writes the order header. Items are written separately by
// InsertOrderItems.
func (m *Memory) CreateOrder(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.cookies[o.BuyerCookie]; taken {
		return fmt.Errorf("buyer cookie %q: %w", o.BuyerCookie, ErrDuplicate)
	}
	if _, taken := m.orders[o.ID]; taken {
		return fmt.Errorf("order %s: %w", o.ID, ErrDuplicate)
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now

	header := cloneOrder(o)
	header.Items = nil
	m.orders[o.ID] = header
	m.cookies[o.BuyerCookie] = o.ID
	return nil
}

// InsertOrderItems writes all items or none.
func (m *Memory) InsertOrderItems(_ context.Context, orderID uuid.UUID, items []domain.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemAttempts++
	if m.itemFailures > 0 {
		m.itemFailures--
		return m.itemErr
	}
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	seen := make(map[string]bool, len(o.Items)+len(items))
	for _, it := range o.Items {
		seen[it.ItemID] = true
	}
	for _, it := range items {
		if seen[it.ItemID] {
			return fmt.Errorf("item %s: %w", it.ItemID, ErrDuplicate)
		}
		seen[it.ItemID] = true
	}
	for _, it := range items {
		it.OrderID = orderID
		o.Items = append(o.Items, it)
	}
	return nil
}

func (m *Memory) DeleteOrder(_ context.Context, orderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil
	}
	delete(m.cookies, o.BuyerCookie)
	delete(m.orders, orderID)
	return nil
}

func (m *Memory) GetOrder(_ context.Context, tenantID string, orderID uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *Memory) UpdateOrderStatus(_ context.Context, tenantID string, orderID uuid.UUID, status domain.OrderStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.TenantID != tenantID {
		return ErrNotFound
	}
	o.Status = status
	o.RejectionReason = reason
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// ReplaceOrderItems stores o's totals and replaces its items in one step.
func (m *Memory) ReplaceOrderItems(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok || cur.TenantID != o.TenantID {
		return ErrNotFound
	}
	next := cloneOrder(o)
	next.BuyerCookie = cur.BuyerCookie
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	m.orders[o.ID] = next
	o.UpdatedAt = next.UpdatedAt
	return nil
}

// OrderCount is the number of stored orders.
func (m *Memory) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *Memory) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.audit = append(m.audit, e)
	return nil
}

// ListAudit returns a tenant's newest entries first.
func (m *Memory) ListAudit(_ context.Context, tenantID string, limit int) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		if e := m.audit[i]; e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateSession(_ context.Context, ps *domain.PunchOutSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps.ID == uuid.Nil {
		ps.ID = uuid.New()
	}
	if ps.StartedAt.IsZero() {
		ps.StartedAt = time.Now().UTC()
	}
	m.sessions = append(m.sessions, *ps)
	return nil
}

// LatestSession returns the most recent session opened for a buyer cookie.
func (m *Memory) LatestSession(_ context.Context, tenantID, cookie string) (*domain.PunchOutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.PunchOutSession
	for i := range m.sessions {
		ps := m.sessions[i]
		if ps.TenantID != tenantID || ps.BuyerCookie != cookie {
			continue
		}
		if latest == nil || !ps.StartedAt.Before(latest.StartedAt) {
			latest = &ps
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// CreateDocument stores a document with its items. The same external id
// cannot be stored twice for a tenant and kind.
func (m *Memory) CreateDocument(_ context.Context, d *domain.ProcurementDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := documentKey{d.TenantID, d.Kind, d.ExternalID}
	if _, taken := m.documents[key]; taken {
		return fmt.Errorf("%s %q: %w", d.Kind, d.ExternalID, ErrDuplicate)
	}
	seen := make(map[string]bool, len(d.Items))
	for _, it := range d.Items {
		if seen[it.ItemID] {
			return fmt.Errorf("item %s: %w", it.ItemID, ErrDuplicate)
		}
		seen[it.ItemID] = true
	}
	d.CreatedAt = time.Now().UTC()
	m.documents[key] = cloneDocument(d)
	return nil
}

func (m *Memory) GetDocument(_ context.Context, tenantID string, kind domain.DocumentKind, externalID string) (*domain.ProcurementDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[documentKey{tenantID, kind, externalID}]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(d), nil
}

func cloneDocument(d *domain.ProcurementDocument) *domain.ProcurementDocument {
	c := *d
	c.Items = append([]domain.DocumentItem(nil), d.Items...)
	return &c
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Items = append([]domain.OrderItem(nil), o.Items...)
	return &c
}
