package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/punchamoorthee/punchgate/internal/domain"
)

func (s *Postgres) CreateSession(ctx context.Context, ps *domain.PunchOutSession) error {
	if ps.ID == uuid.Nil {
		ps.ID = uuid.New()
	}
	err := s.Db.QueryRow(ctx,
		`INSERT INTO punchout_sessions (id, tenant_id, buyer_cookie, buyer_id, supplier_id, operation, return_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING started_at`,
		ps.ID.String(), ps.TenantID, ps.BuyerCookie, ps.BuyerID, ps.SupplierID, ps.Operation, ps.ReturnURL,
	).Scan(&ps.StartedAt)
	if err != nil {
		return fmt.Errorf("session insert failed: %w", err)
	}
	return nil
}

// LatestSession returns the most recent session opened for a buyer cookie.
func (s *Postgres) LatestSession(ctx context.Context, tenantID, cookie string) (*domain.PunchOutSession, error) {
	ps := domain.PunchOutSession{TenantID: tenantID, BuyerCookie: cookie}
	var id string
	err := s.Db.QueryRow(ctx,
		`SELECT id, buyer_id, supplier_id, operation, return_url, started_at
		   FROM punchout_sessions
		  WHERE tenant_id = $1 AND buyer_cookie = $2
		  ORDER BY started_at DESC LIMIT 1`,
		tenantID, cookie,
	).Scan(&id, &ps.BuyerID, &ps.SupplierID, &ps.Operation, &ps.ReturnURL, &ps.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	if ps.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("session id %q: %w", id, err)
	}
	return &ps, nil
}

var documentItemColumns = []string{"document_id", "item_id", "quantity", "unit_price"}

// CreateDocument writes the header and copies the items in one transaction.
func (s *Postgres) CreateDocument(ctx context.Context, d *domain.ProcurementDocument) error {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO procurement_documents (id, tenant_id, kind, external_id, currency, total_amount)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		d.ID.String(), d.TenantID, string(d.Kind), d.ExternalID, d.Currency, numeric(d.TotalAmount),
	).Scan(&d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %q: %w", d.Kind, d.ExternalID, ErrDuplicate)
		}
		return fmt.Errorf("document insert failed: %w", err)
	}

	rows := make([][]any, 0, len(d.Items))
	for _, it := range d.Items {
		rows = append(rows, []any{d.ID.String(), it.ItemID, int32(it.Quantity), numeric(it.UnitPrice)})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"procurement_document_items"}, documentItemColumns, pgx.CopyFromRows(rows)); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %q items: %w", d.Kind, d.ExternalID, ErrDuplicate)
		}
		return fmt.Errorf("document item batch insert failed: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) GetDocument(ctx context.Context, tenantID string, kind domain.DocumentKind, externalID string) (*domain.ProcurementDocument, error) {
	d := domain.ProcurementDocument{TenantID: tenantID, Kind: kind, ExternalID: externalID}
	var id string
	var total pgtype.Numeric
	err := s.Db.QueryRow(ctx,
		`SELECT id, currency, total_amount, created_at
		   FROM procurement_documents WHERE tenant_id = $1 AND kind = $2 AND external_id = $3`,
		tenantID, string(kind), externalID,
	).Scan(&id, &d.Currency, &total, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("document lookup failed: %w", err)
	}
	if d.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("document id %q: %w", id, err)
	}
	d.TotalAmount = fromNumeric(total)

	rows, err := s.Db.Query(ctx,
		"SELECT item_id, quantity, unit_price FROM procurement_document_items WHERE document_id = $1 ORDER BY item_id",
		id)
	if err != nil {
		return nil, fmt.Errorf("document items lookup failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.DocumentItem
		var qty int32
		var price pgtype.Numeric
		if err := rows.Scan(&it.ItemID, &qty, &price); err != nil {
			return nil, fmt.Errorf("scan document item: %w", err)
		}
		it.Quantity = int(qty)
		it.UnitPrice = fromNumeric(price)
		d.Items = append(d.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("document items lookup failed: %w", err)
	}
	return &d, nil
}
