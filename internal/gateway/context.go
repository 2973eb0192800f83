package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/punchamoorthee/punchgate/internal/domain"
)

// Context is the per-request bag handed to middlewares and handlers. It is
// never shared between requests.
type Context struct {
	Request *http.Request
	// Params holds path parameters of the matched route.
	Params map[string]string
	// Principal is set by the authentication middleware.
	Principal *domain.Principal
	// Route is the template of the matched route, empty before matching.
	Route string

	values map[string]any
}

func newContext(r *http.Request) *Context {
	return &Context{Request: r, Params: map[string]string{}}
}

func (c *Context) Param(name string) string {
	return c.Params[name]
}

// Set attaches scratch data for later middlewares or the handler.
func (c *Context) Set(key string, v any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = v
}

func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Response is what a handler or short-circuiting middleware returns.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON encodes v as the response body.
func JSON(status int, v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"success":false,"error":"internal server error"}`)
	}
	r := &Response{Status: status, Header: http.Header{}, Body: body}
	r.Header.Set("Content-Type", "application/json")
	return r
}

// XML wraps an already encoded XML document.
func XML(status int, body []byte) *Response {
	r := &Response{Status: status, Header: http.Header{}, Body: body}
	r.Header.Set("Content-Type", "application/xml")
	return r
}

func Text(status int, s string) *Response {
	r := &Response{Status: status, Header: http.Header{}, Body: []byte(s)}
	r.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return r
}

// Send writes the response to w.
func (r *Response) Send(w http.ResponseWriter) error {
	for k, vs := range r.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := w.Write(r.Body)
	return err
}
