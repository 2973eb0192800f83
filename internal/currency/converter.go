// Package currency converts order amounts into a tenant's settlement currency.
package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ErrUnknownRate is returned when no rate exists for a currency pair.
var ErrUnknownRate = errors.New("unknown exchange rate")

type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// HTTPConverter reads rates from an exchange-rate API that answers
// GET {baseURL}{FROM} with {"base": "...", "rates": {"EUR": 0.92, ...}}.
// Rates are cached per base currency for cacheTTL and outbound calls are
// throttled.
type HTTPConverter struct {
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]rateTable
}

type rateTable struct {
	rates     map[string]decimal.Decimal
	fetchedAt time.Time
}

type Option func(*HTTPConverter)

func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPConverter) { h.client = c }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(h *HTTPConverter) { h.cacheTTL = ttl }
}

// WithRateLimit caps outbound calls to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(h *HTTPConverter) { h.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func NewHTTPConverter(baseURL string, opts ...Option) *HTTPConverter {
	h := &HTTPConverter{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 5 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
		cacheTTL: 10 * time.Minute,
		now:      time.Now,
		cache:    make(map[string]rateTable),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPConverter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amount, nil
	}
	rates, err := h.rates(ctx, from)
	if err != nil {
		return decimal.Zero, err
	}
	r, ok := rates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s to %s: %w", from, to, ErrUnknownRate)
	}
	return amount.Mul(r).Round(2), nil
}

func (h *HTTPConverter) rates(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	h.mu.Lock()
	if t, ok := h.cache[base]; ok && h.now().Sub(t.fetchedAt) < h.cacheTTL {
		h.mu.Unlock()
		return t.rates, nil
	}
	h.mu.Unlock()

	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate api: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+base, nil)
	if err != nil {
		return nil, fmt.Errorf("build rate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rates for %s: %w", base, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("base %s: %w", base, ErrUnknownRate)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch rates for %s: unexpected status %d", base, resp.StatusCode)
	}

	var body struct {
		Rates map[string]json.Number `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rates for %s: %w", base, err)
	}

	rates := make(map[string]decimal.Decimal, len(body.Rates))
	for code, n := range body.Rates {
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return nil, fmt.Errorf("rate %s/%s: %w", base, code, err)
		}
		rates[strings.ToUpper(code)] = d
	}

	h.mu.Lock()
	h.cache[base] = rateTable{rates: rates, fetchedAt: h.now()}
	h.mu.Unlock()
	return rates, nil
}

// StaticConverter uses a fixed table keyed "FROM:TO".
type StaticConverter struct {
	Rates map[string]decimal.Decimal
}

func (s StaticConverter) Convert(_ context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amount, nil
	}
	r, ok := s.Rates[from+":"+to]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s to %s: %w", from, to, ErrUnknownRate)
	}
	return amount.Mul(r).Round(2), nil
}
