package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role is a tenant user's permission level.
type Role string

const (
	RoleReadOnly Role = "read-only"
	RoleEditor   Role = "editor"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleReadOnly: 1,
	RoleEditor:   2,
	RoleAdmin:    3,
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r meets the required role in the hierarchy.
func (r Role) AtLeast(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// Tenant is an organisation using the gateway.
type Tenant struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	SettlementCurrency string    `json:"settlement_currency"`
	CreatedAt          time.Time `json:"created_at"`
}

// TenantUser is a member of a tenant with its own API key.
type TenantUser struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Principal is the authenticated caller of a request: a tenant-level key
// or a tenant user's key.
type Principal struct {
	TenantID           string `json:"tenant_id"`
	TenantName         string `json:"tenant_name"`
	SettlementCurrency string `json:"settlement_currency"`
	UserID             string `json:"user_id,omitempty"`
	Role               Role   `json:"role"`
}

// IsTenant reports whether the principal authenticated with the tenant key.
func (p Principal) IsTenant() bool { return p.UserID == "" }

// Allows reports whether the principal may perform an action gated at required.
// Tenant-level keys carry full access.
func (p Principal) Allows(required Role) bool {
	if p.IsTenant() {
		return true
	}
	return p.Role.AtLeast(required)
}

// RateLimitSubject is the identity the rate limiter counts requests against.
func (p Principal) RateLimitSubject() string {
	return "tenant:" + p.TenantID
}

// Buyer is a procurement system that launches PunchOut sessions.
type Buyer struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	Name       string `json:"name"`
	Credential string `json:"credential"`
}

// Supplier hosts the catalog a buyer shops in.
type Supplier struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	Name       string `json:"name"`
	Credential string `json:"credential"`
	CatalogURL string `json:"catalog_url"`
}

// OrderStatus is the lifecycle state of a persisted order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderShipped   OrderStatus = "SHIPPED"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
)

var orderStatuses = map[OrderStatus]bool{
	OrderPending: true, OrderConfirmed: true, OrderRejected: true,
	OrderShipped: true, OrderCompleted: true, OrderCancelled: true,
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool { return orderStatuses[s] }

// Final reports whether an order in s can no longer change status.
func (s OrderStatus) Final() bool {
	return s == OrderRejected || s == OrderCompleted || s == OrderCancelled
}

// Order is the aggregate created by order intake. BuyerCookie is unique
// across all orders.
type Order struct {
	ID                 uuid.UUID       `json:"id"`
	TenantID           string          `json:"tenant_id"`
	BuyerCookie        string          `json:"buyer_cookie"`
	Currency           string          `json:"currency"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	TaxAmount          decimal.Decimal `json:"tax_amount"`
	ShippingAmount     decimal.Decimal `json:"shipping_amount"`
	SettlementCurrency string          `json:"settlement_currency"`
	SettlementTotal    decimal.Decimal `json:"settlement_total"`
	Status             OrderStatus     `json:"status"`
	RejectionReason    string          `json:"rejection_reason,omitempty"`
	Items              []OrderItem     `json:"items"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Subtotal is the sum of quantity times unit price over all items.
func (o *Order) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.LineTotal())
	}
	return sum
}

// OrderItem is one line of an order.
type OrderItem struct {
	OrderID   uuid.UUID       `json:"order_id"`
	ItemID    string          `json:"item_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	ItemType  string          `json:"item_type"`
}

// LineTotal is Quantity * UnitPrice.
func (it OrderItem) LineTotal() decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// Audit event types.
const (
	EventOrderPlaced            = "OrderPlaced"
	EventOrderConfirmed         = "OrderConfirmed"
	EventOrderRejected          = "OrderRejected"
	EventOrderModified          = "OrderModified"
	EventOrderStatusChanged     = "OrderStatusChanged"
	EventPunchOutSessionStarted = "PunchOutSessionStarted"
	EventOrderSubmitted         = "OrderSubmitted"
	EventInvoiceReceived        = "InvoiceReceived"
	EventAPIKeyRotated          = "TenantApiKeyRotated"
	EventTenantUserCreated      = "TenantUserCreated"
	EventTenantUserUpdated      = "TenantUserUpdated"
	EventTenantUserDeleted      = "TenantUserDeleted"
)

// AuditEntry is an append-only record of something that happened to a tenant.
type AuditEntry struct {
	ID          uuid.UUID `json:"id"`
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id,omitempty"`
	EventType   string    `json:"event_type"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// HashAPIKey returns the form in which API keys are stored and looked up.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
