// Package api exposes the PunchOut, document, order and tenant services
// over the gateway: route registration, authentication and authorization
// middlewares, and error rendering.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/punchamoorthee/punchgate/internal/cxml"
	"github.com/punchamoorthee/punchgate/internal/domain"
	"github.com/punchamoorthee/punchgate/internal/gateway"
	"github.com/punchamoorthee/punchgate/internal/models"
	"github.com/punchamoorthee/punchgate/internal/service"
)

const maxBodyBytes = 1 << 20

// AdminLoader builds the tenant administration service on first use.
type AdminLoader func(ctx context.Context) (*service.TenantAdmin, error)

type Handler struct {
	setup     *service.PunchOutSetup
	intake    *service.OrderIntake
	documents *service.DocumentIntake
	orders    *service.OrderLifecycle
	loadAdmin AdminLoader
}

func NewHandler(setup *service.PunchOutSetup, intake *service.OrderIntake, documents *service.DocumentIntake, orders *service.OrderLifecycle, loadAdmin AdminLoader) *Handler {
	return &Handler{setup: setup, intake: intake, documents: documents, orders: orders, loadAdmin: loadAdmin}
}

// Register mounts every API route on g. Tenant administration routes are
// registered lazily and gated to admins.
func (h *Handler) Register(g *gateway.Gateway) error {
	routes := []struct {
		method, path string
		handle       gateway.Handler
		role         domain.Role
	}{
		{http.MethodPost, "/punchout/setup", h.PunchOutSetup, domain.RoleReadOnly},
		{http.MethodPost, "/punchout/order", h.PunchOutOrder, domain.RoleEditor},
		{http.MethodGet, "/punchout/session/:cookie", h.GetSession, domain.RoleReadOnly},
		{http.MethodPost, "/cxml/order-request", h.receive(domain.DocumentOrderRequest), domain.RoleEditor},
		{http.MethodPost, "/cxml/invoice", h.receive(domain.DocumentInvoice), domain.RoleEditor},
		{http.MethodGet, "/cxml/order-request/:id", h.getDocument(domain.DocumentOrderRequest), domain.RoleReadOnly},
		{http.MethodGet, "/cxml/invoice/:id", h.getDocument(domain.DocumentInvoice), domain.RoleReadOnly},
		{http.MethodPost, "/order/confirm", h.ConfirmOrder, domain.RoleEditor},
		{http.MethodPost, "/order/modify", h.ModifyOrder, domain.RoleEditor},
		{http.MethodGet, "/order/status", h.GetOrderStatus, domain.RoleReadOnly},
		{http.MethodPost, "/order/status", h.PostOrderStatus, domain.RoleReadOnly},
		{http.MethodGet, "/order/:id", h.GetOrder, domain.RoleReadOnly},
	}
	for _, r := range routes {
		if err := g.On(r.method, r.path, r.handle, RequireRole(r.role)); err != nil {
			return err
		}
	}

	admin := []struct {
		method, path string
		build        func(*service.TenantAdmin) gateway.Handler
	}{
		{http.MethodPost, "/tenant/rotate-api-key", rotateAPIKey},
		{http.MethodPost, "/tenant/user/create", createUser},
		{http.MethodPost, "/tenant/user/update", updateUser},
		{http.MethodPost, "/tenant/user/delete", deleteUser},
		{http.MethodGet, "/tenant/audit", tenantAudit},
	}
	for _, r := range admin {
		if err := g.OnLazy(r.method, r.path, h.adminHandler(r.build)); err != nil {
			return err
		}
		if err := g.UseOn(r.path, RequireRole(domain.RoleAdmin)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) adminHandler(build func(*service.TenantAdmin) gateway.Handler) gateway.HandlerLoader {
	return func(ctx context.Context) (gateway.Handler, error) {
		a, err := h.loadAdmin(ctx)
		if err != nil {
			return nil, fmt.Errorf("load tenant admin: %w", err)
		}
		return build(a), nil
	}
}

func (h *Handler) PunchOutSetup(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
	p, err := principal(c)
	if err != nil {
		return nil, err
	}
	in, err := body(c)
	if err != nil {
		return nil, err
	}
	res, err := h.setup.Process(ctx, p, in)
	if err != nil {
		return nil, err
	}
	doc, err := res.Response.Marshal()
	if err != nil {
		return nil, fmt.Errorf("render setup response: %w", err)
	}
	if wantsXML(c.Request) {
		return gateway.XML(http.StatusOK, doc), nil
	}
	return gateway.JSON(http.StatusOK, models.SetupStarted{
		Success:     true,
		StartURL:    res.StartURL,
		BuyerCookie: res.BuyerCookie,
		CXML:        string(doc),
	}), nil
}

func (h *Handler) PunchOutOrder(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
	p, err := principal(c)
	if err != nil {
		return nil, err
	}
	in, err := body(c)
	if err != nil {
		return nil, err
	}
	res, err := h.intake.Process(ctx, p, in)
	if err != nil {
		return nil, err
	}
	doc, err := res.Ack.Marshal()
	if err != nil {
		return nil, fmt.Errorf("render order ack: %w", err)
	}
	if wantsXML(c.Request) {
		return gateway.XML(http.StatusOK, doc), nil
	}
	return gateway.JSON(http.StatusOK, models.OrderAccepted{
		Success: true,
		OrderID: res.Order.ID.String(),
		CXML:    string(doc),
	}), nil
}

func (h *Handler) GetSession(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
	p, err := principal(c)
	if err != nil {
		return nil, err
	}
	ps, err := h.setup.Session(ctx, p, c.Param("cookie"))
	if err != nil {
		return nil, err
	}
	return gateway.JSON(http.StatusOK, models.SessionResponse{Success: true, Session: ps}), nil
}

// receive accepts an OrderRequest or InvoiceDetailRequest and answers with a
// cXML acknowledgment.
func (h *Handler) receive(kind domain.DocumentKind) gateway.Handler {
	return func(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
		p, err := principal(c)
		if err != nil {
			return nil, err
		}
		in, err := body(c)
		if err != nil {
			return nil, err
		}
		res, err := h.documents.Process(ctx, p, kind, in)
		if err != nil {
			return nil, err
		}
		doc, err := res.Ack.Marshal()
		if err != nil {
			return nil, fmt.Errorf("render %s ack: %w", kind, err)
		}
		if wantsXML(c.Request) {
			return gateway.XML(http.StatusOK, doc), nil
		}
		return gateway.JSON(http.StatusOK, models.DocumentAccepted{
			Success:    true,
			DocumentID: res.Document.ID.String(),
			ExternalID: res.Document.ExternalID,
			CXML:       string(doc),
		}), nil
	}
}

func (h *Handler) getDocument(kind domain.DocumentKind) gateway.Handler {
	return func(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
		p, err := principal(c)
		if err != nil {
			return nil, err
		}
		d, err := h.documents.Get(ctx, p, kind, c.Param("id"))
		if err != nil {
			return nil, err
		}
		return gateway.JSON(http.StatusOK, models.DocumentResponse{Success: true, Document: d}), nil
	}
}

func (h *Handler) ConfirmOrder(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
	p, err := principal(c)
	if err != nil {
		return nil, err
	}
	var req models.ConfirmOrderRequest
	if err := decodeJSON(c, &req); err != nil {
		return nil, err
	}
	id, err := service.ParseOrderID(req.OrderID)
	if err != nil {
		return nil, err
	}
	o, err := h.orders.Confirm(ctx, p, id, req.Status, req.Reason)
	if err != nil {
		return nil, err
	}
	return gateway.JSON(http.StatusOK, models.OrderResponse{Success: true, Order: o}), nil
}

func (h *Handler) ModifyOrder(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
	p, err := principal(c)
	if err != nil {
		return nil, err
	}
	var req models.ModifyOrderRequest
	if err := decodeJSON(c, &req); err != nil {
		return nil, err
	}
	id, err := service.ParseOrderID(req.OrderID)
	if err != nil {
		return nil, err
	}
	mods := make([]domain.ItemModification, 0, len(req.Modifications))
	for _, m := range req.Modifications {
		mods = append(mods, m.Domain())
	}
	o, err := h.orders.Modify(ctx, p, id, mods)
	if err != nil {
		return nil, err
	}
	return gateway.JSON(http.StatusOK, models.OrderResponse{Success: true, Order: o}), nil
}

func (h *Handler) GetOrderStatus(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
	return h.orderStatus(ctx, c, c.Request.URL.Query().Get("orderId"))
}

// PostOrderStatus reads the status, or sets it when the body carries one.
// Setting requires the editor role.
func (h *Handler) PostOrderStatus(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
	var req models.OrderStatusRequest
	if err := decodeJSON(c, &req); err != nil {
		return nil, err
	}
	if req.Status == "" {
		return h.orderStatus(ctx, c, req.OrderID)
	}

	p, err := principal(c)
	if err != nil {
		return nil, err
	}
	if !p.Allows(domain.RoleEditor) {
		return nil, domain.ForbiddenErrorf("access denied")
	}
	id, err := service.ParseOrderID(req.OrderID)
	if err != nil {
		return nil, err
	}
	o, err := h.orders.UpdateStatus(ctx, p, id, domain.OrderStatus(req.Status))
	if err != nil {
		return nil, err
	}
	return gateway.JSON(http.StatusOK, models.OrderStatusResponse{Success: true, OrderID: o.ID.String(), Status: string(o.Status)}), nil
}

func (h *Handler) orderStatus(ctx context.Context, c *gateway.Context, rawID string) (*gateway.Response, error) {
	p, err := principal(c)
	if err != nil {
		return nil, err
	}
	id, err := service.ParseOrderID(rawID)
	if err != nil {
		return nil, err
	}
	status, err := h.orders.Status(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return gateway.JSON(http.StatusOK, models.OrderStatusResponse{Success: true, OrderID: id.String(), Status: string(status)}), nil
}

func (h *Handler) GetOrder(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
	p, err := principal(c)
	if err != nil {
		return nil, err
	}
	id, err := service.ParseOrderID(c.Param("id"))
	if err != nil {
		return nil, err
	}
	o, err := h.orders.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return gateway.JSON(http.StatusOK, models.OrderResponse{Success: true, Order: o}), nil
}

func rotateAPIKey(a *service.TenantAdmin) gateway.Handler {
	return func(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
		p, err := principal(c)
		if err != nil {
			return nil, err
		}
		key, err := a.RotateAPIKey(ctx, p)
		if err != nil {
			return nil, err
		}
		return gateway.JSON(http.StatusOK, models.RotateKeyResponse{Success: true, APIKey: key}), nil
	}
}

func createUser(a *service.TenantAdmin) gateway.Handler {
	return func(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
		p, err := principal(c)
		if err != nil {
			return nil, err
		}
		var req models.CreateUserRequest
		if err := decodeJSON(c, &req); err != nil {
			return nil, err
		}
		u, key, err := a.CreateUser(ctx, p, req.Name, req.Email, domain.Role(req.Role))
		if err != nil {
			return nil, err
		}
		return gateway.JSON(http.StatusCreated, models.CreateUserResponse{Success: true, UserID: u.ID, APIKey: key, User: u}), nil
	}
}

func updateUser(a *service.TenantAdmin) gateway.Handler {
	return func(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
		p, err := principal(c)
		if err != nil {
			return nil, err
		}
		var req models.UpdateUserRequest
		if err := decodeJSON(c, &req); err != nil {
			return nil, err
		}
		u, err := a.UpdateUser(ctx, p, req.UserID, domain.Role(req.Role))
		if err != nil {
			return nil, err
		}
		return gateway.JSON(http.StatusOK, models.UserResponse{Success: true, User: u}), nil
	}
}

func deleteUser(a *service.TenantAdmin) gateway.Handler {
	return func(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
		p, err := principal(c)
		if err != nil {
			return nil, err
		}
		var req models.DeleteUserRequest
		if err := decodeJSON(c, &req); err != nil {
			return nil, err
		}
		if err := a.DeleteUser(ctx, p, req.UserID); err != nil {
			return nil, err
		}
		return gateway.JSON(http.StatusOK, models.SuccessResponse{Success: true, Message: "user deleted"}), nil
	}
}

func tenantAudit(a *service.TenantAdmin) gateway.Handler {
	return func(ctx context.Context, c *gateway.Context) (*gateway.Response, error) {
		p, err := principal(c)
		if err != nil {
			return nil, err
		}
		limit := 0
		if raw := c.Request.URL.Query().Get("limit"); raw != "" {
			if limit, err = strconv.Atoi(raw); err != nil {
				return nil, domain.ValidationErrorf("limit must be an integer")
			}
		}
		entries, err := a.Activity(ctx, p, limit)
		if err != nil {
			return nil, err
		}
		return gateway.JSON(http.StatusOK, models.AuditResponse{Success: true, Entries: entries}), nil
	}
}

// RenderError writes failures as {"success": false, "error": ...}. PunchOut
// callers that accept XML get a cXML fault document instead.
func RenderError(c *gateway.Context, err error) *gateway.Response {
	status := domain.StatusOf(err)
	msg := domain.PublicMessage(err)

	if isCXMLPath(c.Request.URL.Path) && wantsXML(c.Request) {
		if doc, merr := cxml.Fault(status, msg).Marshal(); merr == nil {
			return gateway.XML(status, doc)
		}
	}

	var details []string
	var de *domain.Error
	if errors.As(err, &de) && de.Kind != domain.KindInternal {
		details = de.Details
	}
	return gateway.JSON(status, models.ErrorResponse{Success: false, Error: msg, Details: details})
}

func isCXMLPath(path string) bool {
	return strings.HasPrefix(path, "/punchout/") || strings.HasPrefix(path, "/cxml/")
}

func principal(c *gateway.Context) (domain.Principal, error) {
	if c.Principal == nil {
		return domain.Principal{}, domain.UnauthorizedErrorf("API key is missing")
	}
	return *c.Principal, nil
}

// body reads the whole request body. Bodies over maxBodyBytes are refused
// rather than truncated.
func body(c *gateway.Context) (io.Reader, error) {
	if c.Request.Body == nil {
		return strings.NewReader(""), nil
	}
	raw, err := io.ReadAll(http.MaxBytesReader(nil, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domain.TooLargeErrorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, domain.Wrap(domain.KindValidation, err, "failed to read request body")
	}
	return bytes.NewReader(raw), nil
}

func decodeJSON(c *gateway.Context, v any) error {
	in, err := body(c)
	if err != nil {
		return err
	}
	if err := json.NewDecoder(in).Decode(v); err != nil {
		return domain.ValidationErrorf("malformed JSON body")
	}
	return nil
}

func wantsXML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, cxml.ContentType) || strings.Contains(accept, "text/xml")
}
