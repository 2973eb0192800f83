package gateway

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// ErrNoRoute is returned by Match when no route fits the request.
var ErrNoRoute = errors.New("no matching route")

// Handler serves a matched request.
type Handler func(ctx context.Context, c *Context) (*Response, error)

// Middleware intercepts a request. Returning a non-nil response or an error
// stops the chain; returning (nil, nil) lets it continue.
type Middleware func(ctx context.Context, c *Context) (*Response, error)

// HandlerLoader builds a handler on first dispatch.
type HandlerLoader func(ctx context.Context) (Handler, error)

var paramPattern = regexp.MustCompile(`:(\w+)`)

// Route is a registered method and path template.
type Route struct {
	Method   string
	Template string

	pattern     *regexp.Regexp
	params      []string
	middlewares []Middleware

	mu      sync.Mutex
	handler Handler
	loader  HandlerLoader
}

// resolve returns the route's handler, running the loader once. Concurrent
// first dispatches wait for the same load; a failed load is retried on the
// next dispatch.
func (rt *Route) resolve(ctx context.Context) (Handler, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.handler != nil {
		return rt.handler, nil
	}
	h, err := rt.loader(ctx)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.New("loader returned a nil handler")
	}
	rt.handler = h
	return h, nil
}

// compile turns "/users/:id" into ^/users/([^/]+)$ plus the ordered
// parameter names.
func compile(template string) (*regexp.Regexp, []string, error) {
	if !strings.HasPrefix(template, "/") {
		return nil, nil, fmt.Errorf("route template %q must start with /", template)
	}
	var b strings.Builder
	var names []string
	b.WriteString("^")
	last := 0
	for _, m := range paramPattern.FindAllStringSubmatchIndex(template, -1) {
		b.WriteString(regexp.QuoteMeta(template[last:m[0]]))
		name := template[m[2]:m[3]]
		if slices.Contains(names, name) {
			return nil, nil, fmt.Errorf("route template %q repeats parameter %q", template, name)
		}
		names = append(names, name)
		b.WriteString("([^/]+)")
		last = m[1]
	}
	b.WriteString(regexp.QuoteMeta(template[last:]))
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, fmt.Errorf("compile route template %q: %w", template, err)
	}
	return re, names, nil
}

// Match is the result of routing one request.
type Match struct {
	Route       *Route
	Params      map[string]string
	Middlewares []Middleware
}

// Router dispatches by method and path. Routes are tried in registration
// order and the first match wins.
type Router struct {
	mu     sync.RWMutex
	routes []*Route
}

func NewRouter() *Router {
	return &Router{}
}

// Handle registers a ready handler.
func (r *Router) Handle(method, template string, h Handler, mws ...Middleware) (*Route, error) {
	if h == nil {
		return nil, fmt.Errorf("route %s %s: nil handler", method, template)
	}
	return r.add(&Route{handler: h}, method, template, mws)
}

// HandleLazy registers a route whose handler is built on first dispatch and
// cached for the life of the route.
func (r *Router) HandleLazy(method, template string, load HandlerLoader, mws ...Middleware) (*Route, error) {
	if load == nil {
		return nil, fmt.Errorf("route %s %s: nil loader", method, template)
	}
	return r.add(&Route{loader: load}, method, template, mws)
}

func (r *Router) add(rt *Route, method, template string, mws []Middleware) (*Route, error) {
	re, names, err := compile(template)
	if err != nil {
		return nil, err
	}
	rt.Method = strings.ToUpper(method)
	rt.Template = template
	rt.pattern = re
	rt.params = names
	rt.middlewares = append([]Middleware(nil), mws...)

	r.mu.Lock()
	r.routes = append(r.routes, rt)
	r.mu.Unlock()
	return rt, nil
}

// Use appends a route-scoped middleware to every route registered with
// template. It fails if there is none.
func (r *Router) Use(template string, mw Middleware) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, rt := range r.routes {
		if rt.Template == template {
			rt.middlewares = append(rt.middlewares, mw)
			found = true
		}
	}
	if !found {
		return fmt.Errorf("no route registered for %s", template)
	}
	return nil
}

// Match finds the route for method and path.
func (r *Router) Match(method, path string) (*Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		if rt.Method != method {
			continue
		}
		groups := rt.pattern.FindStringSubmatch(path)
		if groups == nil {
			continue
		}
		params := make(map[string]string, len(rt.params))
		for i, name := range rt.params {
			params[name] = groups[i+1]
		}
		return &Match{
			Route:       rt,
			Params:      params,
			Middlewares: append([]Middleware(nil), rt.middlewares...),
		}, nil
	}
	return nil, ErrNoRoute
}

// Routes lists the registered routes in order.
func (r *Router) Routes() []*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Route(nil), r.routes...)
}
