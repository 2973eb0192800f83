package cxml

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/punchgate/internal/domain"
)

// OrderRequest is a cXML OrderRequest: a purchase order sent by the buyer
// system after checkout. The order id is read from the orderID attribute or
// an OrderID child of the header.
type OrderRequest struct {
	Header struct {
		OrderIDAttr string `xml:"orderID,attr"`
		OrderID     string `xml:"OrderID"`
		Total       Money  `xml:"Total>Money"`
	} `xml:"OrderRequestHeader"`
	Items []ItemIn `xml:"ItemIn"`
}

// InvoiceDetailRequest is a cXML invoice. The total is the header's
// InvoiceTotal, or the summary's DueAmount when the header has none.
type InvoiceDetailRequest struct {
	Header struct {
		InvoiceIDAttr string `xml:"invoiceID,attr"`
		InvoiceID     string `xml:"InvoiceID"`
		Total         *Money `xml:"InvoiceTotal>Money"`
	} `xml:"InvoiceDetailRequestHeader"`
	Items     []ItemIn `xml:"ItemIn"`
	DueAmount *Money   `xml:"InvoiceDetailSummary>DueAmount>Money"`
}

// DocumentBody is the flattened order request or invoice handed to schema
// validation.
type DocumentBody struct {
	Kind       domain.DocumentKind `json:"kind"`
	ExternalID string              `json:"externalId"`
	Total      MoneyDoc            `json:"total"`
	Items      []ItemDoc           `json:"items"`
}

func (r *OrderRequest) Document() DocumentBody {
	return DocumentBody{
		Kind:       domain.DocumentOrderRequest,
		ExternalID: firstNonEmpty(r.Header.OrderIDAttr, r.Header.OrderID),
		Total:      moneyDoc(r.Header.Total),
		Items:      appendItemDocs(make([]ItemDoc, 0, len(r.Items)), r.Items),
	}
}

func (r *InvoiceDetailRequest) Document() DocumentBody {
	total := r.Header.Total
	if total == nil {
		total = r.DueAmount
	}
	var td MoneyDoc
	if total != nil {
		td = moneyDoc(*total)
	}
	return DocumentBody{
		Kind:       domain.DocumentInvoice,
		ExternalID: firstNonEmpty(r.Header.InvoiceIDAttr, r.Header.InvoiceID),
		Total:      td,
		Items:      appendItemDocs(make([]ItemDoc, 0, len(r.Items)), r.Items),
	}
}

// DecodeOrderRequest reads an OrderRequest, bare or inside a cXML Request.
func DecodeOrderRequest(r io.Reader) (*OrderRequest, error) {
	var req OrderRequest
	if err := decodeRequest(r, "OrderRequest", &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// DecodeInvoiceDetailRequest reads an InvoiceDetailRequest, bare or inside a
// cXML Request.
func DecodeInvoiceDetailRequest(r io.Reader) (*InvoiceDetailRequest, error) {
	var req InvoiceDetailRequest
	if err := decodeRequest(r, "InvoiceDetailRequest", &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func decodeRequest(r io.Reader, name string, v any) error {
	dec := xml.NewDecoder(r)
	root, err := firstElement(dec)
	if err != nil {
		return domain.Wrap(domain.KindValidation, err, "malformed %s", name)
	}
	switch root.Name.Local {
	case name:
	case "cXML":
		if root, err = findElement(dec, name); err != nil {
			return domain.Wrap(domain.KindValidation, err, "malformed %s", name)
		}
	default:
		return domain.ValidationErrorf("unexpected root element %q, want %s", root.Name.Local, name)
	}
	if err := dec.DecodeElement(v, &root); err != nil {
		return domain.Wrap(domain.KindValidation, err, "malformed %s", name)
	}
	return nil
}

// findElement skips ahead to the first start element called name.
func findElement(dec *xml.Decoder, name string) (xml.StartElement, error) {
	for {
		se, err := firstElement(dec)
		if err != nil {
			return xml.StartElement{}, err
		}
		if se.Name.Local == name {
			return se, nil
		}
	}
}

// Domain converts a schema-valid body into a document for tenantID.
func (b DocumentBody) Domain(tenantID string) (*domain.ProcurementDocument, error) {
	total, err := decimal.NewFromString(b.Total.Value)
	if err != nil {
		return nil, domain.ValidationErrorf("invalid total %q", b.Total.Value)
	}
	d := &domain.ProcurementDocument{
		TenantID:    tenantID,
		Kind:        b.Kind,
		ExternalID:  b.ExternalID,
		Currency:    b.Total.Currency,
		TotalAmount: total,
		Items:       make([]domain.DocumentItem, 0, len(b.Items)),
	}
	for _, it := range b.Items {
		qty, err := strconv.Atoi(it.Quantity)
		if err != nil {
			return nil, domain.ValidationErrorf("item %s: invalid quantity %q", it.ItemID, it.Quantity)
		}
		price, err := decimal.NewFromString(it.UnitPrice.Value)
		if err != nil {
			return nil, domain.ValidationErrorf("item %s: invalid unit price %q", it.ItemID, it.UnitPrice.Value)
		}
		d.Items = append(d.Items, domain.DocumentItem{
			ItemID:    it.ItemID,
			Quantity:  qty,
			UnitPrice: price,
			Currency:  it.UnitPrice.Currency,
		})
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
