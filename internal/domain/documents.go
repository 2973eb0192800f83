package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PunchOutSession records a catalog session opened by a setup request.
type PunchOutSession struct {
	ID          uuid.UUID `json:"id"`
	TenantID    string    `json:"tenant_id"`
	BuyerCookie string    `json:"buyer_cookie"`
	BuyerID     string    `json:"buyer_id"`
	SupplierID  string    `json:"supplier_id"`
	Operation   string    `json:"operation"`
	ReturnURL   string    `json:"return_url"`
	StartedAt   time.Time `json:"started_at"`
}

// DocumentKind names the cXML request a ProcurementDocument came from.
type DocumentKind string

const (
	DocumentOrderRequest DocumentKind = "order_request"
	DocumentInvoice      DocumentKind = "invoice"
)

func (k DocumentKind) Valid() bool {
	return k == DocumentOrderRequest || k == DocumentInvoice
}

// Event reports the event type emitted when a document of kind k is stored.
func (k DocumentKind) Event() string {
	if k == DocumentInvoice {
		return EventInvoiceReceived
	}
	return EventOrderSubmitted
}

// ProcurementDocument is a purchase order or invoice received from a buyer
// system. ExternalID is the sender's identifier and is unique per tenant
// and kind.
type ProcurementDocument struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Kind        DocumentKind    `json:"kind"`
	ExternalID  string          `json:"external_id"`
	Currency    string          `json:"currency"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []DocumentItem  `json:"items"`
	CreatedAt   time.Time       `json:"created_at"`
}

type DocumentItem struct {
	ItemID    string          `json:"item_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Currency  string          `json:"-"`
}

// Validate checks the rules shared by order requests and invoices. The
// header total is taken as sent: invoices may carry charges that are not
// line items.
func (d *ProcurementDocument) Validate() error {
	if !d.Kind.Valid() {
		return ValidationErrorf("unknown document kind %q", d.Kind)
	}
	if d.ExternalID == "" {
		return ValidationErrorf("%s: document id is required", d.Kind)
	}
	if d.TotalAmount.IsNegative() {
		return ValidationErrorf("%s %s: total must not be negative", d.Kind, d.ExternalID)
	}
	if len(d.Items) == 0 {
		return ValidationErrorf("%s %s: at least one item is required", d.Kind, d.ExternalID)
	}
	seen := make(map[string]bool, len(d.Items))
	for i, it := range d.Items {
		if it.ItemID == "" {
			return ValidationErrorf("item %d: ItemID is required", i)
		}
		if seen[it.ItemID] {
			return ValidationErrorf("item %s appears more than once", it.ItemID)
		}
		seen[it.ItemID] = true
		if it.Quantity <= 0 {
			return ValidationErrorf("item %s: quantity must be a positive integer", it.ItemID)
		}
		if it.UnitPrice.IsNegative() {
			return ValidationErrorf("item %s: unit price must not be negative", it.ItemID)
		}
		if it.Currency != "" && it.Currency != d.Currency {
			return ValidationErrorf("item %s: currency %s does not match document currency %s", it.ItemID, it.Currency, d.Currency)
		}
	}
	return nil
}
