package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/currency"
	"github.com/punchamoorthee/punchgate/internal/events"
	"github.com/punchamoorthee/punchgate/internal/lock"
	"github.com/punchamoorthee/punchgate/internal/ratelimit"
	"github.com/punchamoorthee/punchgate/internal/retry"
	"github.com/punchamoorthee/punchgate/internal/service"
	"github.com/punchamoorthee/punchgate/internal/store"
	"github.com/punchamoorthee/punchgate/internal/tenant"
	"github.com/punchamoorthee/punchgate/internal/validate"
)

type testServer struct {
	handler    http.Handler
	store      *store.Memory
	locker     *lock.MemoryLocker
	publisher  *events.MemoryPublisher
	adminLoads atomic.Int32
}

func newTestServer(t testing.TB, rateMax int) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	mem := store.NewMemory()
	if err := mem.Seed(ctx, store.DemoFixture()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	v, err := validate.New()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	limiter, err := ratelimit.NewMemoryLimiter(ratelimit.Config{Max: rateMax, Window: time.Minute})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}

	ts := &testServer{
		store:     mem,
		locker:    lock.NewMemoryLocker(),
		publisher: events.NewMemoryPublisher(),
	}
	converter := currency.StaticConverter{Rates: map[string]decimal.Decimal{
		"USD:EUR": decimal.RequireFromString("0.5"),
	}}
	cache := tenant.NewCache(mem, 64, time.Minute)

	setup := service.NewPunchOutSetup(mem, mem, mem, v, ts.publisher, logger)
	intake := service.NewOrderIntake(mem, mem, v, ts.locker, converter, ts.publisher, service.IntakeConfig{
		LockTTL:        5 * time.Second,
		Retry:          retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond},
		CurrencyPolicy: service.CurrencyAbort,
	}, logger)
	documents := service.NewDocumentIntake(mem, mem, v, ts.publisher, retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}, logger)
	orders := service.NewOrderLifecycle(mem, mem, ts.locker, converter, ts.publisher, 5*time.Second, logger)
	loadAdmin := func(context.Context) (*service.TenantAdmin, error) {
		ts.adminLoads.Add(1)
		return service.NewTenantAdmin(mem, mem, cache, ts.publisher, logger), nil
	}

	gw, err := NewGateway(cache, limiter, NewHandler(setup, intake, documents, orders, loadAdmin), logger)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	ts.handler = NewRouter(gw)
	return ts
}

type result struct {
	status int
	header http.Header
	body   []byte
}

func (r result) json(t testing.TB) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(r.body, &out); err != nil {
		t.Fatalf("decode %q: %v", r.body, err)
	}
	return out
}

func (ts *testServer) do(method, path, apiKey, body string, header ...string) result {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if apiKey != "" {
		req.Header.Set(APIKeyHeader, apiKey)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return result{status: rec.Code, header: rec.Header(), body: rec.Body.Bytes()}
}

func orderMessage(cookie string) string {
	return fmt.Sprintf(`<cXML payloadID="1@buyer" timestamp="2024-01-01T00:00:00Z">
  <Message>
    <PunchOutOrderMessage>
      <BuyerCookie>%s</BuyerCookie>
      <PunchOutOrderMessageHeader operationAllowed="create">
        <Total><Money currency="USD">500.00</Money></Total>
      </PunchOutOrderMessageHeader>
      <ItemIn quantity="2">
        <ItemID><SupplierPartID>item123</SupplierPartID></ItemID>
        <ItemDetail><UnitPrice><Money currency="USD">100.00</Money></UnitPrice></ItemDetail>
      </ItemIn>
      <ItemIn quantity="1">
        <ItemID><SupplierPartID>item456</SupplierPartID></ItemID>
        <ItemDetail><UnitPrice><Money currency="USD">300.00</Money></UnitPrice></ItemDetail>
      </ItemIn>
    </PunchOutOrderMessage>
  </Message>
</cXML>`, cookie)
}

func setupRequest(cookie string) string {
	return fmt.Sprintf(`<cXML>
  <Header>
    <From><Credential domain="DUNS"><Identity>%s</Identity></Credential></From>
    <To><Credential domain="DUNS"><Identity>%s</Identity></Credential></To>
    <Sender><Credential domain="NetworkId"><Identity>buyer-network</Identity></Credential></Sender>
  </Header>
  <Request>
    <PunchOutSetupRequest operation="create">
      <BuyerCookie>%s</BuyerCookie>
      <BrowserFormPost><URL>https://buyer.example.com/return</URL></BrowserFormPost>
    </PunchOutSetupRequest>
  </Request>
</cXML>`, store.DemoBuyerCred, store.DemoSupplierCred, cookie)
}
