package validate

import (
	"strings"
	"testing"

	"github.com/punchamoorthee/punchgate/internal/cxml"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return v
}

func validOrder() cxml.OrderDocument {
	return cxml.OrderDocument{
		BuyerCookie: "cookie123",
		Total:       cxml.MoneyDoc{Currency: "USD", Value: "500.00"},
		Items: []cxml.ItemDoc{
			{ItemID: "item123", Quantity: "2", UnitPrice: cxml.MoneyDoc{Currency: "USD", Value: "100.00"}},
			{ItemID: "item456", Quantity: "1", UnitPrice: cxml.MoneyDoc{Currency: "USD", Value: "300.00"}},
		},
	}
}

func TestValidate_OrderMessageAccepted(t *testing.T) {
	res, err := newValidator(t).Validate(OrderMessage, validOrder())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid, got errors %v", res.Errors)
	}
}

func TestValidate_OrderMessageViolations(t *testing.T) {
	v := newValidator(t)
	cases := map[string]struct {
		mutate func(*cxml.OrderDocument)
		want   string
	}{
		"missing cookie":     {func(d *cxml.OrderDocument) { d.BuyerCookie = "" }, "/buyerCookie"},
		"no items":           {func(d *cxml.OrderDocument) { d.Items = nil }, "/items"},
		"zero quantity":      {func(d *cxml.OrderDocument) { d.Items[0].Quantity = "0" }, "/items/0/quantity"},
		"fractional qty":     {func(d *cxml.OrderDocument) { d.Items[1].Quantity = "1.5" }, "/items/1/quantity"},
		"negative price":     {func(d *cxml.OrderDocument) { d.Items[0].UnitPrice.Value = "-1" }, "/items/0/unitPrice/value"},
		"lowercase currency": {func(d *cxml.OrderDocument) { d.Total.Currency = "usd" }, "/total/currency"},
		"missing currency":   {func(d *cxml.OrderDocument) { d.Total.Currency = "" }, "/total"},
		"bad item type":      {func(d *cxml.OrderDocument) { d.Items[0].ItemType = "gift" }, "/items/0/itemType"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			doc := validOrder()
			tc.mutate(&doc)
			res, err := v.Validate(OrderMessage, doc)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if res.Valid {
				t.Fatalf("expected invalid document")
			}
			found := false
			for _, e := range res.Errors {
				if strings.HasPrefix(e, tc.want) {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected an error at %s, got %v", tc.want, res.Errors)
			}
		})
	}
}

func TestValidate_SetupRequest(t *testing.T) {
	v := newValidator(t)
	doc := cxml.SetupDocument{
		From:            "buyer-credential",
		To:              "supplier-credential",
		Sender:          "sender-credential",
		BuyerCookie:     "cookie123",
		BrowserFormPost: "https://buyer.example.com/return",
	}
	if res, _ := v.Validate(SetupRequest, doc); !res.Valid {
		t.Fatalf("expected valid setup request, got %v", res.Errors)
	}
	doc.To = ""
	if res, _ := v.Validate(SetupRequest, doc); res.Valid {
		t.Fatalf("expected missing To credential to be rejected")
	}
}

func TestValidate_ProcurementDocument(t *testing.T) {
	v := newValidator(t)
	doc := cxml.DocumentBody{
		Kind:       "invoice",
		ExternalID: "INV-1",
		Total:      cxml.MoneyDoc{Currency: "USD", Value: "200.00"},
		Items: []cxml.ItemDoc{
			{ItemID: "item123", Quantity: "2", UnitPrice: cxml.MoneyDoc{Currency: "USD", Value: "100.00"}},
		},
	}
	if res, _ := v.Validate(ProcurementDocument, doc); !res.Valid {
		t.Fatalf("expected valid invoice, got %v", res.Errors)
	}
	doc.ExternalID = ""
	doc.Kind = "receipt"
	res, err := v.Validate(ProcurementDocument, doc)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	joined := strings.Join(res.Errors, "\n")
	if res.Valid || !strings.Contains(joined, "/externalId") || !strings.Contains(joined, "/kind") {
		t.Fatalf("expected missing id and unknown kind to be reported, got %v", res.Errors)
	}
}

func TestValidate_UnknownSchema(t *testing.T) {
	if _, err := newValidator(t).Validate("receipt", map[string]any{}); err == nil {
		t.Fatalf("expected error for unknown schema")
	}
}
