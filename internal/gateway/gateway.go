// Package gateway is the single entry point for API requests: a global
// middleware chain, a template router with route-scoped middlewares, and
// top-level error mapping.
//
// A request runs the global middlewares in order, is matched against the
// routes, runs the matched route's middlewares in order, and reaches its
// handler. Any middleware may answer early. Errors and panics from any
// stage are rendered by the ErrorRenderer; typed domain errors keep their
// status and message, everything else becomes a generic 500.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/domain"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "punchgate_http_requests_total",
		Help: "Total gateway requests, labeled by route template and status code",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "punchgate_http_request_duration_seconds",
		Help:    "Latency distribution of gateway requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "route"})
)

const unmatchedRoute = "unmatched"

// ErrorRenderer turns a failed request into a response.
type ErrorRenderer func(c *Context, err error) *Response

// DefaultErrorRenderer writes {"success": false, "error": ...}.
func DefaultErrorRenderer(_ *Context, err error) *Response {
	return JSON(domain.StatusOf(err), map[string]any{
		"success": false,
		"error":   domain.PublicMessage(err),
	})
}

type Option func(*Gateway)

func WithErrorRenderer(fn ErrorRenderer) Option {
	return func(g *Gateway) { g.renderError = fn }
}

type Gateway struct {
	router      *Router
	middlewares []Middleware
	renderError ErrorRenderer
	logger      *zap.Logger
}

func New(logger *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		router:      NewRouter(),
		renderError: DefaultErrorRenderer,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Use appends to the global chain.
func (g *Gateway) Use(mw Middleware) *Gateway {
	g.middlewares = append(g.middlewares, mw)
	return g
}

// UseOn appends a middleware to an already registered route.
func (g *Gateway) UseOn(template string, mw Middleware) error {
	return g.router.Use(template, mw)
}

func (g *Gateway) On(method, template string, h Handler, mws ...Middleware) error {
	_, err := g.router.Handle(method, template, h, mws...)
	return err
}

func (g *Gateway) OnLazy(method, template string, load HandlerLoader, mws ...Middleware) error {
	_, err := g.router.HandleLazy(method, template, load, mws...)
	return err
}

func (g *Gateway) Router() *Router { return g.router }

// HandleRequest runs one request through the chain. It always returns a
// response.
func (g *Gateway) HandleRequest(ctx context.Context, r *http.Request) (resp *Response) {
	start := time.Now()
	c := newContext(r)
	log := g.logger.With(zap.String("method", r.Method), zap.String("path", r.URL.Path))
	log.Info("request received")

	defer func() {
		if p := recover(); p != nil {
			resp = g.fail(log, c, fmt.Errorf("panic: %v", p))
		}
		route := c.Route
		if route == "" {
			route = unmatchedRoute
		}
		elapsed := time.Since(start)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(resp.Status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		log.Info("response sent", zap.Int("status", resp.Status), zap.Duration("duration", elapsed))
	}()

	resp, err := g.dispatch(ctx, c)
	if err != nil {
		return g.fail(log, c, err)
	}
	return resp
}

func (g *Gateway) dispatch(ctx context.Context, c *Context) (*Response, error) {
	for _, mw := range g.middlewares {
		if resp, err := mw(ctx, c); err != nil || resp != nil {
			return resp, err
		}
	}

	m, err := g.router.Match(c.Request.Method, c.Request.URL.Path)
	if errors.Is(err, ErrNoRoute) {
		return JSON(http.StatusNotFound, map[string]any{"success": false, "error": "Not Found"}), nil
	}
	if err != nil {
		return nil, err
	}
	c.Params = m.Params
	c.Route = m.Route.Template

	for _, mw := range m.Middlewares {
		if resp, err := mw(ctx, c); err != nil || resp != nil {
			return resp, err
		}
	}

	h, err := m.Route.resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("load handler for %s %s: %w", m.Route.Method, m.Route.Template, err)
	}
	resp, err := h(ctx, c)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("handler for %s %s returned no response", m.Route.Method, m.Route.Template)
	}
	return resp, nil
}

func (g *Gateway) fail(log *zap.Logger, c *Context, err error) *Response {
	resp := g.renderError(c, err)
	if resp == nil {
		resp = DefaultErrorRenderer(c, err)
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	var de *domain.Error
	if errors.As(err, &de) && de.RetryAfter > 0 {
		resp.Header.Set("Retry-After", strconv.Itoa(int(math.Ceil(de.RetryAfter.Seconds()))))
	}

	fields := []zap.Field{zap.Int("status", resp.Status), zap.Error(err)}
	if resp.Status >= http.StatusInternalServerError {
		log.Error("request failed", fields...)
	} else {
		log.Warn("request failed", fields...)
	}
	return resp
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := g.HandleRequest(r.Context(), r)
	if err := resp.Send(w); err != nil {
		g.logger.Debug("write response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}
