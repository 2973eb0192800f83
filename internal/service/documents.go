package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/cxml"
	"github.com/punchamoorthee/punchgate/internal/domain"
	"github.com/punchamoorthee/punchgate/internal/events"
	"github.com/punchamoorthee/punchgate/internal/retry"
	"github.com/punchamoorthee/punchgate/internal/store"
	"github.com/punchamoorthee/punchgate/internal/validate"
)

// DocumentIntake stores the purchase orders and invoices a buyer system
// sends after checkout. A document id is accepted once per tenant and kind.
type DocumentIntake struct {
	docs      DocumentStore
	validator SchemaValidator
	notify    *notifier
	retry     retry.Policy
	logger    *zap.Logger
}

func NewDocumentIntake(docs DocumentStore, audit AuditLog, validator SchemaValidator, publisher events.Publisher, policy retry.Policy, logger *zap.Logger) *DocumentIntake {
	return &DocumentIntake{
		docs:      docs,
		validator: validator,
		notify:    &notifier{audit: audit, publisher: publisher, logger: logger},
		retry:     policy,
		logger:    logger,
	}
}

type DocumentResult struct {
	Document *domain.ProcurementDocument
	Attempts int
	Ack      *cxml.Document
}

// Process decodes, validates and stores one document of the given kind.
func (s *DocumentIntake) Process(ctx context.Context, p domain.Principal, kind domain.DocumentKind, body io.Reader) (*DocumentResult, error) {
	logger := s.logger.With(zap.String("tenant_id", p.TenantID), zap.String("kind", string(kind)))
	res, err := s.process(ctx, p, kind, body, logger)
	if err != nil {
		k := domain.KindOf(err)
		documentIntakeTotal.WithLabelValues(string(kind), k.String()).Inc()
		if k == domain.KindInternal {
			logger.Error("document intake failed", zap.Error(err))
		} else {
			logger.Info("document intake rejected", zap.Stringer("error_kind", k), zap.Error(err))
		}
		return res, err
	}
	documentIntakeTotal.WithLabelValues(string(kind), "accepted").Inc()
	logger.Info("document accepted",
		zap.String("document_id", res.Document.ID.String()),
		zap.String("external_id", res.Document.ExternalID),
		zap.String("total", res.Document.TotalAmount.StringFixed(2)))
	return res, nil
}

func (s *DocumentIntake) process(ctx context.Context, p domain.Principal, kind domain.DocumentKind, body io.Reader, logger *zap.Logger) (*DocumentResult, error) {
	doc, err := s.parse(kind, body)
	if err != nil {
		return nil, err
	}
	d, err := doc.Domain(p.TenantID)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	d.ID = uuid.New()

	policy := s.retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		retryAttempts.WithLabelValues(string(kind)).Inc()
		logger.Warn("retrying store write", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	res := &DocumentResult{Document: d}
	res.Attempts, err = retry.Do(ctx, policy, func(ctx context.Context) error {
		err := s.docs.CreateDocument(ctx, d)
		if errors.Is(err, store.ErrDuplicate) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, store.ErrDuplicate) {
		return res, domain.Wrap(domain.KindConflict, err, "%s %q was already received", kind, d.ExternalID)
	}
	if err != nil {
		return res, domain.Wrap(domain.KindTransientStore, err, "failed to store %s after %d attempts", kind, res.Attempts)
	}

	items := make([]map[string]any, 0, len(d.Items))
	for _, it := range d.Items {
		items = append(items, map[string]any{"item_id": it.ItemID, "quantity": it.Quantity, "unit_price": it.UnitPrice.StringFixed(2)})
	}
	var orderID string
	if kind == domain.DocumentOrderRequest {
		orderID = d.ExternalID
	}
	s.notify.emit(ctx, p, notice{
		eventType:   kind.Event(),
		orderID:     orderID,
		description: fmt.Sprintf("%s %s received", kind, d.ExternalID),
		data: map[string]any{
			"document_id": d.ID.String(),
			"external_id": d.ExternalID,
			"currency":    d.Currency,
			"total":       d.TotalAmount.StringFixed(2),
			"items":       items,
		},
	})
	res.Ack = cxml.Ack(d.ID.String())
	return res, nil
}

func (s *DocumentIntake) parse(kind domain.DocumentKind, body io.Reader) (cxml.DocumentBody, error) {
	var doc cxml.DocumentBody
	switch kind {
	case domain.DocumentOrderRequest:
		req, err := cxml.DecodeOrderRequest(body)
		if err != nil {
			return doc, err
		}
		doc = req.Document()
	case domain.DocumentInvoice:
		req, err := cxml.DecodeInvoiceDetailRequest(body)
		if err != nil {
			return doc, err
		}
		doc = req.Document()
	default:
		return doc, domain.ValidationErrorf("unknown document kind %q", kind)
	}

	vr, err := s.validator.Validate(validate.ProcurementDocument, doc)
	if err != nil {
		return doc, fmt.Errorf("schema validation: %w", err)
	}
	if !vr.Valid {
		return doc, domain.ValidationErrorf("invalid %s", kind).WithDetails(vr.Errors...)
	}
	return doc, nil
}

// Get returns a stored document by the sender's id.
func (s *DocumentIntake) Get(ctx context.Context, p domain.Principal, kind domain.DocumentKind, externalID string) (*domain.ProcurementDocument, error) {
	if !kind.Valid() {
		return nil, domain.ValidationErrorf("unknown document kind %q", kind)
	}
	d, err := s.docs.GetDocument(ctx, p.TenantID, kind, externalID)
	if err != nil {
		return nil, storeError(err, string(kind))
	}
	return d, nil
}
