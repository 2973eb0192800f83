package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/punchgate/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// EnsureSchema creates missing tables and indexes.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

// Seed bulk-loads a fixture with CopyFrom inside one transaction. Existing
// rows with the same primary keys make it fail with ErrDuplicate.
func (s *Postgres) Seed(ctx context.Context, f Fixture) error {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	tenants := make([][]any, 0, len(f.Tenants))
	for _, t := range f.Tenants {
		tenants = append(tenants, []any{t.Tenant.ID, t.Tenant.Name, domain.HashAPIKey(t.APIKey), t.Tenant.SettlementCurrency, t.Tenant.CreatedAt})
	}
	users := make([][]any, 0, len(f.Users))
	for _, u := range f.Users {
		users = append(users, []any{u.User.ID, u.User.TenantID, u.User.Name, u.User.Email, string(u.User.Role), domain.HashAPIKey(u.APIKey), u.User.CreatedAt})
	}
	buyers := make([][]any, 0, len(f.Buyers))
	for _, b := range f.Buyers {
		buyers = append(buyers, []any{b.ID, b.TenantID, b.Name, b.Credential})
	}
	suppliers := make([][]any, 0, len(f.Suppliers))
	for _, sp := range f.Suppliers {
		suppliers = append(suppliers, []any{sp.ID, sp.TenantID, sp.Name, sp.Credential, sp.CatalogURL})
	}

	copies := []struct {
		table   string
		columns []string
		rows    [][]any
	}{
		{"tenants", []string{"id", "name", "api_key_hash", "settlement_currency", "created_at"}, tenants},
		{"tenant_users", []string{"id", "tenant_id", "name", "email", "role", "api_key_hash", "created_at"}, users},
		{"buyers", []string{"id", "tenant_id", "name", "credential"}, buyers},
		{"suppliers", []string{"id", "tenant_id", "name", "credential", "catalog_url"}, suppliers},
	}
	for _, c := range copies {
		if len(c.rows) == 0 {
			continue
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{c.table}, c.columns, pgx.CopyFromRows(c.rows)); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("seed %s: %w", c.table, ErrDuplicate)
			}
			return fmt.Errorf("seed %s: %w", c.table, err)
		}
	}
	return tx.Commit(ctx)
}

// PrincipalByAPIKey matches the hash against tenant keys first, then user keys.
func (s *Postgres) PrincipalByAPIKey(ctx context.Context, keyHash string) (domain.Principal, error) {
	var p domain.Principal
	err := s.Db.QueryRow(ctx,
		"SELECT id, name, settlement_currency FROM tenants WHERE api_key_hash = $1",
		keyHash).Scan(&p.TenantID, &p.TenantName, &p.SettlementCurrency)
	if err == nil {
		p.Role = domain.RoleAdmin
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Principal{}, fmt.Errorf("tenant key lookup failed: %w", err)
	}

	var role string
	err = s.Db.QueryRow(ctx,
		`SELECT t.id, t.name, t.settlement_currency, u.id, u.role
		   FROM tenant_users u JOIN tenants t ON t.id = u.tenant_id
		  WHERE u.api_key_hash = $1`,
		keyHash).Scan(&p.TenantID, &p.TenantName, &p.SettlementCurrency, &p.UserID, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Principal{}, ErrNotFound
	}
	if err != nil {
		return domain.Principal{}, fmt.Errorf("user key lookup failed: %w", err)
	}
	p.Role = domain.Role(role)
	return p, nil
}

func (s *Postgres) RotateTenantAPIKey(ctx context.Context, tenantID, newKeyHash string) error {
	tag, err := s.Db.Exec(ctx, "UPDATE tenants SET api_key_hash = $1 WHERE id = $2", newKeyHash, tenantID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("rotate key failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) CreateTenantUser(ctx context.Context, u domain.TenantUser, keyHash string) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.Db.Exec(ctx,
		`INSERT INTO tenant_users (id, tenant_id, name, email, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.TenantID, u.Name, u.Email, string(u.Role), keyHash, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("user insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateTenantUserRole(ctx context.Context, tenantID, userID string, role domain.Role) (*domain.TenantUser, error) {
	var u domain.TenantUser
	var r string
	err := s.Db.QueryRow(ctx,
		`UPDATE tenant_users SET role = $1 WHERE id = $2 AND tenant_id = $3
		 RETURNING id, tenant_id, name, email, role, created_at`,
		string(role), userID, tenantID).Scan(&u.ID, &u.TenantID, &u.Name, &u.Email, &r, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user update failed: %w", err)
	}
	u.Role = domain.Role(r)
	return &u, nil
}

func (s *Postgres) DeleteTenantUser(ctx context.Context, tenantID, userID string) error {
	tag, err := s.Db.Exec(ctx, "DELETE FROM tenant_users WHERE id = $1 AND tenant_id = $2", userID, tenantID)
	if err != nil {
		return fmt.Errorf("user delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) BuyerByCredential(ctx context.Context, tenantID, credential string) (*domain.Buyer, error) {
	var b domain.Buyer
	err := s.Db.QueryRow(ctx,
		"SELECT id, tenant_id, name, credential FROM buyers WHERE tenant_id = $1 AND credential = $2",
		tenantID, credential).Scan(&b.ID, &b.TenantID, &b.Name, &b.Credential)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("buyer lookup failed: %w", err)
	}
	return &b, nil
}

func (s *Postgres) SupplierByCredential(ctx context.Context, tenantID, credential string) (*domain.Supplier, error) {
	var sp domain.Supplier
	err := s.Db.QueryRow(ctx,
		"SELECT id, tenant_id, name, credential, catalog_url FROM suppliers WHERE tenant_id = $1 AND credential = $2",
		tenantID, credential).Scan(&sp.ID, &sp.TenantID, &sp.Name, &sp.Credential, &sp.CatalogURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("supplier lookup failed: %w", err)
	}
	return &sp, nil
}

// CreateOrder inserts the order header. A second order for the same buyer
// cookie fails with ErrDuplicate.
func (s *Postgres) CreateOrder(ctx context.Context, o *domain.Order) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO orders (id, tenant_id, buyer_cookie, currency, total_amount, discount_amount, tax_amount,
		                     shipping_amount, settlement_currency, settlement_total, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at, updated_at`,
		o.ID.String(), o.TenantID, o.BuyerCookie, o.Currency,
		numeric(o.TotalAmount), numeric(o.DiscountAmount), numeric(o.TaxAmount),
		numeric(o.ShippingAmount), o.SettlementCurrency, numeric(o.SettlementTotal), string(o.Status),
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("buyer cookie %q: %w", o.BuyerCookie, ErrDuplicate)
		}
		return fmt.Errorf("order insert failed: %w", err)
	}
	return nil
}

func itemRows(orderID uuid.UUID, items []domain.OrderItem) [][]any {
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, []any{orderID.String(), it.ItemID, int32(it.Quantity), numeric(it.UnitPrice), it.ItemType})
	}
	return rows
}

var itemColumns = []string{"order_id", "item_id", "quantity", "unit_price", "item_type"}

// InsertOrderItems copies all items in one transaction.
func (s *Postgres) InsertOrderItems(ctx context.Context, orderID uuid.UUID, items []domain.OrderItem) error {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"order_items"}, itemColumns, pgx.CopyFromRows(itemRows(orderID, items)))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s items: %w", orderID, ErrDuplicate)
		}
		return fmt.Errorf("item batch insert failed: %w", err)
	}
	if int(n) != len(items) {
		return fmt.Errorf("item batch insert wrote %d of %d rows", n, len(items))
	}
	return tx.Commit(ctx)
}

func (s *Postgres) DeleteOrder(ctx context.Context, orderID uuid.UUID) error {
	if _, err := s.Db.Exec(ctx, "DELETE FROM orders WHERE id = $1", orderID.String()); err != nil {
		return fmt.Errorf("order delete failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetOrder(ctx context.Context, tenantID string, orderID uuid.UUID) (*domain.Order, error) {
	o := domain.Order{ID: orderID}
	var total, discount, tax, shipping, settlement pgtype.Numeric
	var status string
	err := s.Db.QueryRow(ctx,
		`SELECT tenant_id, buyer_cookie, currency, total_amount, discount_amount, tax_amount,
		        shipping_amount, settlement_currency, settlement_total, status, rejection_reason, created_at, updated_at
		   FROM orders WHERE id = $1 AND tenant_id = $2`,
		orderID.String(), tenantID,
	).Scan(&o.TenantID, &o.BuyerCookie, &o.Currency, &total, &discount, &tax,
		&shipping, &o.SettlementCurrency, &settlement, &status, &o.RejectionReason, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("order lookup failed: %w", err)
	}
	o.TotalAmount = fromNumeric(total)
	o.DiscountAmount = fromNumeric(discount)
	o.TaxAmount = fromNumeric(tax)
	o.ShippingAmount = fromNumeric(shipping)
	o.SettlementTotal = fromNumeric(settlement)
	o.Status = domain.OrderStatus(status)

	rows, err := s.Db.Query(ctx,
		"SELECT item_id, quantity, unit_price, item_type FROM order_items WHERE order_id = $1 ORDER BY item_id",
		orderID.String())
	if err != nil {
		return nil, fmt.Errorf("order items lookup failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		it := domain.OrderItem{OrderID: orderID}
		var qty int32
		var price pgtype.Numeric
		if err := rows.Scan(&it.ItemID, &qty, &price, &it.ItemType); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		it.Quantity = int(qty)
		it.UnitPrice = fromNumeric(price)
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order items lookup failed: %w", err)
	}
	return &o, nil
}

func (s *Postgres) UpdateOrderStatus(ctx context.Context, tenantID string, orderID uuid.UUID, status domain.OrderStatus, reason string) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE orders SET status = $1, rejection_reason = $2, updated_at = now() WHERE id = $3 AND tenant_id = $4",
		string(status), reason, orderID.String(), tenantID)
	if err != nil {
		return fmt.Errorf("order status update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceOrderItems stores o's totals and swaps its items in one transaction.
func (s *Postgres) ReplaceOrderItems(ctx context.Context, o *domain.Order) error {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`UPDATE orders SET total_amount = $1, settlement_total = $2, updated_at = now()
		  WHERE id = $3 AND tenant_id = $4
		 RETURNING updated_at`,
		numeric(o.TotalAmount), numeric(o.SettlementTotal), o.ID.String(), o.TenantID,
	).Scan(&o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("order update failed: %w", err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM order_items WHERE order_id = $1", o.ID.String()); err != nil {
		return fmt.Errorf("order items delete failed: %w", err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"order_items"}, itemColumns, pgx.CopyFromRows(itemRows(o.ID, o.Items))); err != nil {
		return fmt.Errorf("item batch insert failed: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.Db.Exec(ctx,
		"INSERT INTO audit_log (id, tenant_id, user_id, event_type, description, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		e.ID.String(), e.TenantID, e.UserID, e.EventType, e.Description, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) ListAudit(ctx context.Context, tenantID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Db.Query(ctx,
		`SELECT id, tenant_id, user_id, event_type, description, created_at
		   FROM audit_log WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit lookup failed: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var id string
		if err := rows.Scan(&id, &e.TenantID, &e.UserID, &e.EventType, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("audit id %q: %w", id, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
