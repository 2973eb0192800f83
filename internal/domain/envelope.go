package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Item types accepted on a line item. Empty defaults to ItemPhysical.
const (
	ItemPhysical = "physical"
	ItemDigital  = "digital"
	ItemService  = "service"
)

func validItemType(t string) bool {
	return t == ItemPhysical || t == ItemDigital || t == ItemService
}

// OrderEnvelope is an inbound order message after decoding. It is immutable
// once Validate succeeds.
type OrderEnvelope struct {
	BuyerCookie string
	Currency    string
	Total       decimal.Decimal
	Discount    *decimal.Decimal
	Tax         *decimal.Decimal
	Shipping    *decimal.Decimal
	Items       []LineItem
}

// LineItem is one ItemIn entry of an order message.
type LineItem struct {
	ItemID    string
	Quantity  int
	UnitPrice decimal.Decimal
	Currency  string
	ItemType  string
}

// Subtotal is the sum of Quantity * UnitPrice.
func (e *OrderEnvelope) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range e.Items {
		sum = sum.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return sum
}

// Validate checks the business rules the message schema cannot express.
func (e *OrderEnvelope) Validate() error {
	if e.BuyerCookie == "" {
		return ValidationErrorf("BuyerCookie is required")
	}
	if len(e.Items) == 0 {
		return ValidationErrorf("order must contain at least one item")
	}
	seen := make(map[string]bool, len(e.Items))
	for i := range e.Items {
		it := &e.Items[i]
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
		if it.Currency != "" && it.Currency != e.Currency {
			return ValidationErrorf("item %s: currency %s does not match order currency %s", it.ItemID, it.Currency, e.Currency)
		}
		if it.ItemType == "" {
			it.ItemType = ItemPhysical
		}
		if !validItemType(it.ItemType) {
			return ValidationErrorf("item %s: unknown item type %q", it.ItemID, it.ItemType)
		}
	}
	if e.Total.IsNegative() {
		return ValidationErrorf("order total must not be negative")
	}

	expected := e.Subtotal().Sub(e.discount()).Add(e.tax()).Add(e.shipping())
	if !expected.Equal(e.Total) {
		return ValidationErrorf("order total %s does not match line items (expected %s)", e.Total.StringFixed(2), expected.StringFixed(2))
	}
	return nil
}

func (e *OrderEnvelope) discount() decimal.Decimal {
	if e.Discount == nil {
		return decimal.Zero
	}
	return *e.Discount
}

func (e *OrderEnvelope) tax() decimal.Decimal {
	if e.Tax == nil {
		return decimal.Zero
	}
	return *e.Tax
}

func (e *OrderEnvelope) shipping() decimal.Decimal {
	if e.Shipping == nil {
		return decimal.Zero
	}
	return *e.Shipping
}

// NewOrder builds the Order aggregate for a validated envelope.
func (e *OrderEnvelope) NewOrder(id uuid.UUID, tenantID string) *Order {
	o := &Order{
		ID:             id,
		TenantID:       tenantID,
		BuyerCookie:    e.BuyerCookie,
		Currency:       e.Currency,
		TotalAmount:    e.Total,
		DiscountAmount: e.discount(),
		TaxAmount:      e.tax(),
		ShippingAmount: e.shipping(),
		Status:         OrderPending,
		Items:          make([]OrderItem, 0, len(e.Items)),
	}
	for _, it := range e.Items {
		o.Items = append(o.Items, OrderItem{
			OrderID:   id,
			ItemID:    it.ItemID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			ItemType:  it.ItemType,
		})
	}
	return o
}

// Modification actions for an order's items.
const (
	ModifyAdd    = "add"
	ModifyUpdate = "update"
	ModifyRemove = "remove"
)

// ItemModification changes one line of a pending order.
type ItemModification struct {
	Action    string
	ItemID    string
	Quantity  *int
	UnitPrice *decimal.Decimal
	ItemType  string
}

// ApplyModifications edits o's items in place and recomputes its total.
// Nothing is changed when any modification is invalid.
func ApplyModifications(o *Order, mods []ItemModification) error {
	if len(mods) == 0 {
		return ValidationErrorf("no modifications given")
	}
	items := make([]OrderItem, len(o.Items))
	copy(items, o.Items)

	index := func(itemID string) int {
		for i, it := range items {
			if it.ItemID == itemID {
				return i
			}
		}
		return -1
	}

	for _, m := range mods {
		if m.ItemID == "" {
			return ValidationErrorf("modification is missing itemId")
		}
		if m.Quantity != nil && *m.Quantity <= 0 {
			return ValidationErrorf("item %s: quantity must be a positive integer", m.ItemID)
		}
		if m.UnitPrice != nil && m.UnitPrice.IsNegative() {
			return ValidationErrorf("item %s: unit price must not be negative", m.ItemID)
		}
		i := index(m.ItemID)
		switch m.Action {
		case ModifyAdd:
			if i >= 0 {
				return ValidationErrorf("item %s is already on the order", m.ItemID)
			}
			if m.Quantity == nil || m.UnitPrice == nil {
				return ValidationErrorf("item %s: quantity and unitPrice are required to add an item", m.ItemID)
			}
			itemType := m.ItemType
			if itemType == "" {
				itemType = ItemPhysical
			}
			if !validItemType(itemType) {
				return ValidationErrorf("item %s: unknown item type %q", m.ItemID, itemType)
			}
			items = append(items, OrderItem{
				OrderID:   o.ID,
				ItemID:    m.ItemID,
				Quantity:  *m.Quantity,
				UnitPrice: *m.UnitPrice,
				ItemType:  itemType,
			})
		case ModifyUpdate:
			if i < 0 {
				return NotFoundErrorf("item %s is not on the order", m.ItemID)
			}
			if m.Quantity != nil {
				items[i].Quantity = *m.Quantity
			}
			if m.UnitPrice != nil {
				items[i].UnitPrice = *m.UnitPrice
			}
		case ModifyRemove:
			if i < 0 {
				return NotFoundErrorf("item %s is not on the order", m.ItemID)
			}
			items = append(items[:i], items[i+1:]...)
		default:
			return ValidationErrorf("unknown modification action %q", m.Action)
		}
	}
	if len(items) == 0 {
		return ValidationErrorf("order must keep at least one item")
	}

	o.Items = items
	o.TotalAmount = o.Subtotal().Sub(o.DiscountAmount).Add(o.TaxAmount).Add(o.ShippingAmount)
	return nil
}
