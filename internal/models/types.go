// Package models holds the JSON bodies of the HTTP API.
package models

import (
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/punchgate/internal/domain"
)

// ErrorResponse is the body of every failed JSON request.
type ErrorResponse struct {
	Success bool     `json:"success"`
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// OrderAccepted answers POST /punchout/order.
type OrderAccepted struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId"`
	CXML    string `json:"cxml"`
}

// SetupStarted answers POST /punchout/setup.
type SetupStarted struct {
	Success     bool   `json:"success"`
	StartURL    string `json:"startUrl"`
	BuyerCookie string `json:"buyerCookie"`
	CXML        string `json:"cxml"`
}

// DocumentAccepted answers POST /cxml/order-request and /cxml/invoice.
type DocumentAccepted struct {
	Success    bool   `json:"success"`
	DocumentID string `json:"documentId"`
	ExternalID string `json:"externalId"`
	CXML       string `json:"cxml"`
}

type DocumentResponse struct {
	Success  bool                        `json:"success"`
	Document *domain.ProcurementDocument `json:"document"`
}

type SessionResponse struct {
	Success bool                    `json:"success"`
	Session *domain.PunchOutSession `json:"session"`
}

type ConfirmOrderRequest struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// Modification is one change in a ModifyOrderRequest.
type Modification struct {
	Action    string           `json:"action"`
	ItemID    string           `json:"itemId"`
	Quantity  *int             `json:"quantity,omitempty"`
	UnitPrice *decimal.Decimal `json:"unitPrice,omitempty"`
	ItemType  string           `json:"itemType,omitempty"`
}

func (m Modification) Domain() domain.ItemModification {
	return domain.ItemModification{
		Action:    m.Action,
		ItemID:    m.ItemID,
		Quantity:  m.Quantity,
		UnitPrice: m.UnitPrice,
		ItemType:  m.ItemType,
	}
}

type ModifyOrderRequest struct {
	OrderID       string         `json:"orderId"`
	Modifications []Modification `json:"modifications"`
}

// OrderStatusRequest queries an order's status, or sets it when Status is
// given.
type OrderStatusRequest struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status,omitempty"`
}

type OrderStatusResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

type OrderResponse struct {
	Success bool          `json:"success"`
	Order   *domain.Order `json:"order"`
}

type RotateKeyResponse struct {
	Success bool   `json:"success"`
	APIKey  string `json:"apiKey"`
}

type CreateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type CreateUserResponse struct {
	Success bool               `json:"success"`
	UserID  string             `json:"userId"`
	APIKey  string             `json:"apiKey"`
	User    *domain.TenantUser `json:"user"`
}

type UpdateUserRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type DeleteUserRequest struct {
	UserID string `json:"userId"`
}

type UserResponse struct {
	Success bool               `json:"success"`
	User    *domain.TenantUser `json:"user"`
}

type AuditResponse struct {
	Success bool                `json:"success"`
	Entries []domain.AuditEntry `json:"entries"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
