package service

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/cxml"
	"github.com/punchamoorthee/punchgate/internal/domain"
	"github.com/punchamoorthee/punchgate/internal/events"
	"github.com/punchamoorthee/punchgate/internal/validate"
)

// PunchOutSetup opens a catalog session for a buyer.
type PunchOutSetup struct {
	directory Directory
	sessions  SessionStore
	validator SchemaValidator
	notify    *notifier
	logger    *zap.Logger
}

func NewPunchOutSetup(directory Directory, sessions SessionStore, audit AuditLog, validator SchemaValidator, publisher events.Publisher, logger *zap.Logger) *PunchOutSetup {
	return &PunchOutSetup{
		directory: directory,
		sessions:  sessions,
		validator: validator,
		notify:    &notifier{audit: audit, publisher: publisher, logger: logger},
		logger:    logger,
	}
}

// SetupResult carries the session that was opened.
type SetupResult struct {
	Buyer       *domain.Buyer
	Supplier    *domain.Supplier
	BuyerCookie string
	StartURL    string
	Session     *domain.PunchOutSession
	Response    *cxml.Document
}

// Process validates the request and resolves buyer (From) and supplier (To)
// within the caller's tenant.
func (s *PunchOutSetup) Process(ctx context.Context, p domain.Principal, body io.Reader) (*SetupResult, error) {
	req, err := cxml.DecodeSetupRequest(body)
	if err != nil {
		return nil, err
	}
	doc := req.Document()

	vr, err := s.validator.Validate(validate.SetupRequest, doc)
	if err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	if !vr.Valid {
		return nil, domain.ValidationErrorf("invalid PunchOutSetupRequest").WithDetails(vr.Errors...)
	}

	buyer, err := s.directory.BuyerByCredential(ctx, p.TenantID, doc.From)
	if err != nil {
		return nil, storeError(err, "buyer")
	}
	supplier, err := s.directory.SupplierByCredential(ctx, p.TenantID, doc.To)
	if err != nil {
		return nil, storeError(err, "supplier")
	}

	startURL, err := catalogStartURL(supplier.CatalogURL, doc.BuyerCookie)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "supplier %s has an invalid catalog url", supplier.ID)
	}

	session := &domain.PunchOutSession{
		ID:          uuid.New(),
		TenantID:    p.TenantID,
		BuyerCookie: doc.BuyerCookie,
		BuyerID:     buyer.ID,
		SupplierID:  supplier.ID,
		Operation:   operation(req.Operation),
		ReturnURL:   doc.BrowserFormPost,
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, storeError(err, "punchout session")
	}

	s.notify.emit(ctx, p, notice{
		eventType:   domain.EventPunchOutSessionStarted,
		description: fmt.Sprintf("PunchOut session started for buyer %s and supplier %s", buyer.Credential, supplier.Credential),
		data: map[string]any{
			"session_id":   session.ID.String(),
			"buyer_id":     buyer.ID,
			"supplier_id":  supplier.ID,
			"buyer_cookie": doc.BuyerCookie,
			"return_url":   doc.BrowserFormPost,
		},
	})
	s.logger.Info("punchout session started",
		zap.String("tenant_id", p.TenantID),
		zap.String("buyer_id", buyer.ID),
		zap.String("supplier_id", supplier.ID))

	return &SetupResult{
		Buyer:       buyer,
		Supplier:    supplier,
		BuyerCookie: doc.BuyerCookie,
		StartURL:    startURL,
		Session:     session,
		Response:    cxml.Setup(startURL),
	}, nil
}

// Session returns the latest session opened for a buyer cookie.
func (s *PunchOutSetup) Session(ctx context.Context, p domain.Principal, cookie string) (*domain.PunchOutSession, error) {
	if cookie == "" {
		return nil, domain.ValidationErrorf("buyer cookie is required")
	}
	ps, err := s.sessions.LatestSession(ctx, p.TenantID, cookie)
	if err != nil {
		return nil, storeError(err, "punchout session")
	}
	return ps, nil
}

// operation defaults a missing setup operation to create.
func operation(op string) string {
	if op = strings.TrimSpace(op); op == "" {
		return "create"
	}
	return op
}

func catalogStartURL(catalog, cookie string) (string, error) {
	u, err := url.Parse(catalog)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("cookie", cookie)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
