package cxml

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

// ContentType is the media type protocol documents are served with.
const ContentType = "application/xml"

// Document is an outbound cXML response envelope.
type Document struct {
	XMLName   xml.Name `xml:"cXML"`
	PayloadID string   `xml:"payloadID,attr"`
	Timestamp string   `xml:"timestamp,attr"`
	Response  Response `xml:"Response"`
}

type Response struct {
	Status        Status         `xml:"Status"`
	SetupResponse *SetupResponse `xml:"PunchOutSetupResponse,omitempty"`
}

type Status struct {
	Code   int    `xml:"code,attr"`
	Text   string `xml:"text,attr"`
	Detail string `xml:",chardata"`
}

type SetupResponse struct {
	StartPage StartPage `xml:"StartPage"`
}

type StartPage struct {
	URL string `xml:"URL"`
}

var hostname = func() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "punchgate"
	}
	return h
}()

func newDocument(status Status) *Document {
	now := time.Now().UTC()
	return &Document{
		PayloadID: fmt.Sprintf("%d.%s@%s", now.UnixNano(), uuid.NewString(), hostname),
		Timestamp: now.Format(time.RFC3339),
		Response:  Response{Status: status},
	}
}

// Ack acknowledges a processed order. The order id travels as the status
// detail.
func Ack(orderID string) *Document {
	return newDocument(Status{Code: http.StatusOK, Text: "Order Processed Successfully", Detail: orderID})
}

// Setup answers a setup request with the catalog start page.
func Setup(startURL string) *Document {
	doc := newDocument(Status{Code: http.StatusOK, Text: "success"})
	doc.Response.SetupResponse = &SetupResponse{StartPage: StartPage{URL: startURL}}
	return doc
}

// Fault reports a failure.
func Fault(code int, message string) *Document {
	return newDocument(Status{Code: code, Text: http.StatusText(code), Detail: message})
}

// Marshal renders doc with the XML declaration.
func (d *Document) Marshal() ([]byte, error) {
	body, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render cXML: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
