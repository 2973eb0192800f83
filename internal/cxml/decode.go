// Package cxml reads and writes the cXML documents exchanged in a PunchOut
// session.
//
// Both bare documents (a PunchOutOrderMessage or PunchOutSetupRequest root)
// and full cXML envelopes are accepted.
package cxml

import (
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/punchgate/internal/domain"
)

// Money is an amount with its ISO currency code.
type Money struct {
	Currency string `xml:"currency,attr"`
	Value    string `xml:",chardata"`
}

// OrderMessage is a PunchOutOrderMessage as it appears on the wire.
type OrderMessage struct {
	BuyerCookie string      `xml:"BuyerCookie"`
	Header      OrderHeader `xml:"PunchOutOrderMessageHeader"`
	Items       []ItemIn    `xml:"ItemIn"`
}

type OrderHeader struct {
	Total    Money  `xml:"Total>Money"`
	Discount *Money `xml:"Discount>Money"`
	Tax      *Money `xml:"Tax>Money"`
	Shipping *Money `xml:"Shipping>Money"`
}

// ItemIn accepts both the flat layout (ItemID text, Quantity and UnitPrice
// children) and the standard one (quantity attribute, SupplierPartID,
// ItemDetail/UnitPrice).
type ItemIn struct {
	QuantityAttr string `xml:"quantity,attr"`
	ItemID       itemID `xml:"ItemID"`
	Quantity     string `xml:"Quantity"`
	UnitPrice    *Money `xml:"UnitPrice>Money"`
	DetailPrice  *Money `xml:"ItemDetail>UnitPrice>Money"`
	ItemType     string `xml:"ItemType"`
}

type itemID struct {
	SupplierPartID string `xml:"SupplierPartID"`
	Text           string `xml:",chardata"`
}

func (id itemID) value() string {
	if s := strings.TrimSpace(id.SupplierPartID); s != "" {
		return s
	}
	return strings.TrimSpace(id.Text)
}

// Credential is either <Credential>value</Credential> or the standard
// <Credential domain="..."><Identity>value</Identity></Credential>.
type Credential struct {
	Domain       string `xml:"domain,attr"`
	Identity     string `xml:"Identity"`
	SharedSecret string `xml:"SharedSecret"`
	Text         string `xml:",chardata"`
}

func (c Credential) Value() string {
	if s := strings.TrimSpace(c.Identity); s != "" {
		return s
	}
	return strings.TrimSpace(c.Text)
}

type Party struct {
	Credential Credential `xml:"Credential"`
	UserAgent  string     `xml:"UserAgent"`
}

type Header struct {
	From   Party `xml:"From"`
	To     Party `xml:"To"`
	Sender Party `xml:"Sender"`
}

type formPost struct {
	URL  string `xml:"URL"`
	Text string `xml:",chardata"`
}

// SetupRequest is a PunchOutSetupRequest.
type SetupRequest struct {
	Operation       string   `xml:"operation,attr"`
	Header          Header   `xml:"Header"`
	BuyerCookie     string   `xml:"BuyerCookie"`
	BrowserFormPost formPost `xml:"BrowserFormPost"`
}

// ReturnURL is where the catalog posts the cart back to.
func (r *SetupRequest) ReturnURL() string {
	if s := strings.TrimSpace(r.BrowserFormPost.URL); s != "" {
		return s
	}
	return strings.TrimSpace(r.BrowserFormPost.Text)
}

var errNoDocument = errors.New("no recognised cXML document")

// firstElement returns the root start element.
func firstElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return xml.StartElement{}, errNoDocument
		}
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

// DecodeOrderMessage reads an order message. Malformed XML and unexpected
// roots are validation errors.
func DecodeOrderMessage(r io.Reader) (*OrderMessage, error) {
	dec := xml.NewDecoder(r)
	root, err := firstElement(dec)
	if err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "malformed order message")
	}

	var msg OrderMessage
	switch root.Name.Local {
	case "PunchOutOrderMessage", "OrderMessage":
		err = dec.DecodeElement(&msg, &root)
	case "cXML":
		var env struct {
			Message OrderMessage `xml:"Message>PunchOutOrderMessage"`
		}
		err = dec.DecodeElement(&env, &root)
		msg = env.Message
	default:
		return nil, domain.ValidationErrorf("unexpected root element %q, want PunchOutOrderMessage", root.Name.Local)
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "malformed order message")
	}
	return &msg, nil
}

// DecodeSetupRequest reads a setup request. For a full envelope the
// envelope's Header is used when the request carries none of its own.
func DecodeSetupRequest(r io.Reader) (*SetupRequest, error) {
	dec := xml.NewDecoder(r)
	root, err := firstElement(dec)
	if err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "malformed setup request")
	}

	var req SetupRequest
	switch root.Name.Local {
	case "PunchOutSetupRequest":
		err = dec.DecodeElement(&req, &root)
	case "cXML":
		var env struct {
			Header  Header       `xml:"Header"`
			Request SetupRequest `xml:"Request>PunchOutSetupRequest"`
		}
		err = dec.DecodeElement(&env, &root)
		req = env.Request
		if req.Header.From.Credential.Value() == "" {
			req.Header = env.Header
		}
	default:
		return nil, domain.ValidationErrorf("unexpected root element %q, want PunchOutSetupRequest", root.Name.Local)
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "malformed setup request")
	}
	return &req, nil
}

// MoneyDoc is the schema-checked form of Money.
type MoneyDoc struct {
	Currency string `json:"currency,omitempty"`
	Value    string `json:"value"`
}

type ItemDoc struct {
	ItemID    string   `json:"itemId"`
	Quantity  string   `json:"quantity"`
	UnitPrice MoneyDoc `json:"unitPrice"`
	ItemType  string   `json:"itemType,omitempty"`
}

// OrderDocument is the flattened order message handed to schema validation.
type OrderDocument struct {
	BuyerCookie string    `json:"buyerCookie"`
	Total       MoneyDoc  `json:"total"`
	Discount    *MoneyDoc `json:"discount,omitempty"`
	Tax         *MoneyDoc `json:"tax,omitempty"`
	Shipping    *MoneyDoc `json:"shipping,omitempty"`
	Items       []ItemDoc `json:"items"`
}

func moneyDoc(m Money) MoneyDoc {
	return MoneyDoc{
		Currency: strings.ToUpper(strings.TrimSpace(m.Currency)),
		Value:    strings.TrimSpace(m.Value),
	}
}

// Document flattens the wire layout variants.
func (m *OrderMessage) Document() OrderDocument {
	doc := OrderDocument{
		BuyerCookie: strings.TrimSpace(m.BuyerCookie),
		Total:       moneyDoc(m.Header.Total),
		Items:       make([]ItemDoc, 0, len(m.Items)),
	}
	if m.Header.Discount != nil {
		d := moneyDoc(*m.Header.Discount)
		doc.Discount = &d
	}
	if m.Header.Tax != nil {
		t := moneyDoc(*m.Header.Tax)
		doc.Tax = &t
	}
	if m.Header.Shipping != nil {
		s := moneyDoc(*m.Header.Shipping)
		doc.Shipping = &s
	}
	doc.Items = appendItemDocs(doc.Items, m.Items)
	return doc
}

func appendItemDocs(dst []ItemDoc, items []ItemIn) []ItemDoc {
	for _, it := range items {
		qty := strings.TrimSpace(it.Quantity)
		if qty == "" {
			qty = strings.TrimSpace(it.QuantityAttr)
		}
		price := it.UnitPrice
		if price == nil {
			price = it.DetailPrice
		}
		var pd MoneyDoc
		if price != nil {
			pd = moneyDoc(*price)
		}
		dst = append(dst, ItemDoc{
			ItemID:    it.ItemID.value(),
			Quantity:  qty,
			UnitPrice: pd,
			ItemType:  strings.TrimSpace(it.ItemType),
		})
	}
	return dst
}

// Envelope converts a schema-valid document into the intake envelope.
func (d OrderDocument) Envelope() (*domain.OrderEnvelope, error) {
	total, err := decimal.NewFromString(d.Total.Value)
	if err != nil {
		return nil, domain.ValidationErrorf("invalid total %q", d.Total.Value)
	}
	env := &domain.OrderEnvelope{
		BuyerCookie: d.BuyerCookie,
		Currency:    d.Total.Currency,
		Total:       total,
		Items:       make([]domain.LineItem, 0, len(d.Items)),
	}
	if d.Discount != nil {
		v, err := parseAdjustment("discount", *d.Discount, env.Currency)
		if err != nil {
			return nil, err
		}
		env.Discount = &v
	}
	if d.Tax != nil {
		v, err := parseAdjustment("tax", *d.Tax, env.Currency)
		if err != nil {
			return nil, err
		}
		env.Tax = &v
	}
	if d.Shipping != nil {
		v, err := parseAdjustment("shipping", *d.Shipping, env.Currency)
		if err != nil {
			return nil, err
		}
		env.Shipping = &v
	}
	for _, it := range d.Items {
		qty, err := strconv.Atoi(it.Quantity)
		if err != nil {
			return nil, domain.ValidationErrorf("item %s: invalid quantity %q", it.ItemID, it.Quantity)
		}
		price, err := decimal.NewFromString(it.UnitPrice.Value)
		if err != nil {
			return nil, domain.ValidationErrorf("item %s: invalid unit price %q", it.ItemID, it.UnitPrice.Value)
		}
		env.Items = append(env.Items, domain.LineItem{
			ItemID:    it.ItemID,
			Quantity:  qty,
			UnitPrice: price,
			Currency:  it.UnitPrice.Currency,
			ItemType:  it.ItemType,
		})
	}
	return env, nil
}

func parseAdjustment(name string, m MoneyDoc, currency string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(m.Value)
	if err != nil {
		return decimal.Zero, domain.ValidationErrorf("invalid %s %q", name, m.Value)
	}
	if m.Currency != "" && m.Currency != currency {
		return decimal.Zero, domain.ValidationErrorf("%s currency %s does not match order currency %s", name, m.Currency, currency)
	}
	return v, nil
}

// SetupDocument is the flattened setup request handed to schema validation.
type SetupDocument struct {
	From            string `json:"from"`
	To              string `json:"to"`
	Sender          string `json:"sender"`
	BuyerCookie     string `json:"buyerCookie"`
	BrowserFormPost string `json:"browserFormPost"`
}

func (r *SetupRequest) Document() SetupDocument {
	return SetupDocument{
		From:            r.Header.From.Credential.Value(),
		To:              r.Header.To.Credential.Value(),
		Sender:          r.Header.Sender.Credential.Value(),
		BuyerCookie:     strings.TrimSpace(r.BuyerCookie),
		BrowserFormPost: r.ReturnURL(),
	}
}
