package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/domain"
	"github.com/punchamoorthee/punchgate/internal/store"
)

const orderRequestXML = `<cXML payloadID="2@buyer" timestamp="2024-01-01T00:00:00Z">
  <Request>
    <OrderRequest>
      <OrderRequestHeader orderID="PO-1001" orderDate="2024-01-01">
        <Total><Money currency="USD">500.00</Money></Total>
      </OrderRequestHeader>
      <ItemIn quantity="2">
        <ItemID><SupplierPartID>item123</SupplierPartID></ItemID>
        <ItemDetail><UnitPrice><Money currency="USD">100.00</Money></UnitPrice></ItemDetail>
      </ItemIn>
      <ItemIn quantity="1">
        <ItemID><SupplierPartID>item456</SupplierPartID></ItemID>
        <ItemDetail><UnitPrice><Money currency="USD">300.00</Money></UnitPrice></ItemDetail>
      </ItemIn>
    </OrderRequest>
  </Request>
</cXML>`

const invoiceXML = `<InvoiceDetailRequest>
  <InvoiceDetailRequestHeader>
    <InvoiceID>INV-77</InvoiceID>
  </InvoiceDetailRequestHeader>
  <ItemIn>
    <ItemID>item123</ItemID>
    <Quantity>2</Quantity>
    <UnitPrice><Money currency="USD">100.00</Money></UnitPrice>
  </ItemIn>
  <InvoiceDetailSummary>
    <DueAmount><Money currency="USD">215.00</Money></DueAmount>
  </InvoiceDetailSummary>
</InvoiceDetailRequest>`

func (f *fixture) documents(docs DocumentStore) *DocumentIntake {
	return NewDocumentIntake(docs, f.store, f.validator, f.publisher, fastRetry(), zap.NewNop())
}

func TestDocumentIntake_OrderRequest(t *testing.T) {
	f := newFixture(t)
	svc := f.documents(f.store)

	res, err := svc.Process(context.Background(), f.principal, domain.DocumentOrderRequest, strings.NewReader(orderRequestXML))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Document.ExternalID != "PO-1001" || len(res.Document.Items) != 2 || res.Document.TotalAmount.StringFixed(2) != "500.00" {
		t.Fatalf("unexpected document %+v", res.Document)
	}
	if res.Ack == nil || res.Ack.Response.Status.Detail != res.Document.ID.String() {
		t.Fatalf("unexpected ack %+v", res.Ack)
	}

	stored, err := svc.Get(context.Background(), f.principal, domain.DocumentOrderRequest, "PO-1001")
	if err != nil || stored.ID != res.Document.ID {
		t.Fatalf("expected stored order request, got %+v err=%v", stored, err)
	}
	evs := f.publisher.OfType(domain.EventOrderSubmitted)
	if len(evs) != 1 || evs[0].OrderID != "PO-1001" {
		t.Fatalf("expected one OrderSubmitted event for PO-1001, got %+v", evs)
	}
	if n := len(f.auditOf(t, domain.EventOrderSubmitted)); n != 1 {
		t.Fatalf("expected one OrderSubmitted audit entry, got %d", n)
	}

	_, err = svc.Process(context.Background(), f.principal, domain.DocumentOrderRequest, strings.NewReader(orderRequestXML))
	if domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected resent order request to conflict, got %v", err)
	}
	if len(f.publisher.OfType(domain.EventOrderSubmitted)) != 1 {
		t.Fatalf("expected no second event for a duplicate")
	}
}

func TestDocumentIntake_InvoiceUsesDueAmount(t *testing.T) {
	f := newFixture(t)
	svc := f.documents(f.store)

	res, err := svc.Process(context.Background(), f.principal, domain.DocumentInvoice, strings.NewReader(invoiceXML))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Document.ExternalID != "INV-77" || res.Document.TotalAmount.StringFixed(2) != "215.00" || res.Document.Currency != "USD" {
		t.Fatalf("unexpected invoice %+v", res.Document)
	}
	if len(f.publisher.OfType(domain.EventInvoiceReceived)) != 1 {
		t.Fatalf("expected one InvoiceReceived event")
	}

	// The same id as an order request is a different document.
	if _, err := svc.Get(context.Background(), f.principal, domain.DocumentOrderRequest, "INV-77"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found for another kind, got %v", err)
	}
}

func TestDocumentIntake_Rejections(t *testing.T) {
	cases := map[string]struct {
		kind domain.DocumentKind
		body string
	}{
		"wrong root":       {domain.DocumentInvoice, orderRequestXML},
		"missing order id": {domain.DocumentOrderRequest, strings.Replace(orderRequestXML, `orderID="PO-1001"`, "", 1)},
		"no items":         {domain.DocumentInvoice, `<InvoiceDetailRequest><InvoiceDetailRequestHeader invoiceID="I1"><InvoiceTotal><Money currency="USD">1</Money></InvoiceTotal></InvoiceDetailRequestHeader></InvoiceDetailRequest>`},
		"duplicate item":   {domain.DocumentOrderRequest, strings.Replace(orderRequestXML, "item456", "item123", 1)},
		"item currency":    {domain.DocumentOrderRequest, strings.Replace(orderRequestXML, `<Money currency="USD">300.00`, `<Money currency="EUR">300.00`, 1)},
		"unknown kind":     {"receipt", orderRequestXML},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.documents(f.store).Process(context.Background(), f.principal, tc.kind, strings.NewReader(tc.body))
			if domain.KindOf(err) != domain.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if len(f.publisher.Events()) != 0 {
				t.Fatalf("expected no events on rejection")
			}
		})
	}
}

// flakyDocumentStore fails the first n CreateDocument calls.
type flakyDocumentStore struct {
	*store.Memory
	failures atomic.Int32
	calls    atomic.Int32
}

func (s *flakyDocumentStore) CreateDocument(ctx context.Context, d *domain.ProcurementDocument) error {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return s.Memory.CreateDocument(ctx, d)
}

func TestDocumentIntake_RetriesStoreWrites(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyDocumentStore{Memory: f.store}
	flaky.failures.Store(2)

	res, err := f.documents(flaky).Process(context.Background(), f.principal, domain.DocumentOrderRequest, strings.NewReader(orderRequestXML))
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if res.Attempts != 3 || flaky.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d (store saw %d)", res.Attempts, flaky.calls.Load())
	}

	down := &flakyDocumentStore{Memory: f.store}
	down.failures.Store(10)
	_, err = f.documents(down).Process(context.Background(), f.principal, domain.DocumentInvoice, strings.NewReader(invoiceXML))
	if domain.KindOf(err) != domain.KindTransientStore || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("expected transient store error after 3 attempts, got %v", err)
	}
}
