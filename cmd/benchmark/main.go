package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	targetURL   string
	apiKey      string
	concurrency int
	duration    time.Duration
	workload    string
	hotCookies  int
)

var (
	totalRequests uint64
	accepted200   uint64
	conflict409   uint64
	limited429    uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "gateway base URL")
	flag.StringVar(&apiKey, "key", "dev-api-key", "tenant API key")
	flag.IntVar(&concurrency, "workers", 10, "number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "test duration")
	flag.StringVar(&workload, "workload", "uniform", "workload type: uniform | duplicate")
	flag.IntVar(&hotCookies, "hot", 5, "buyer cookies shared by the duplicate workload")
}

func main() {
	flag.Parse()
	log.Printf("starting benchmark: %s | workers: %d | duration: %s", workload, concurrency, duration)

	run := uuid.NewString()[:8]
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, run)
	}
	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, run string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		req, err := http.NewRequest(http.MethodPost, targetURL+"/punchout/order", strings.NewReader(orderMessage(nextCookie(run))))
		if err != nil {
			log.Fatalf("build request: %v", err)
		}
		req.Header.Set("Content-Type", "application/xml")
		req.Header.Set("X-API-Key", apiKey)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusOK:
			atomic.AddUint64(&accepted200, 1)
		case http.StatusConflict:
			atomic.AddUint64(&conflict409, 1)
		case http.StatusTooManyRequests:
			atomic.AddUint64(&limited429, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

// nextCookie picks the buyer session for the next order. The duplicate
// workload sends 90% of traffic to a few hot cookies, so most of it should
// be rejected as in-flight or already processed.
func nextCookie(run string) string {
	if workload == "duplicate" && rand.Float32() < 0.90 {
		return fmt.Sprintf("bench-%s-hot-%d", run, rand.Intn(hotCookies))
	}
	return "bench-" + run + "-" + uuid.NewString()
}

func orderMessage(cookie string) string {
	return fmt.Sprintf(`<cXML payloadID="%s@bench" timestamp="%s">
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
</cXML>`, uuid.NewString(), time.Now().UTC().Format(time.RFC3339), cookie)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	ok := atomic.LoadUint64(&accepted200)
	dup := atomic.LoadUint64(&conflict409)
	limited := atomic.LoadUint64(&limited429)
	fErr := atomic.LoadUint64(&failOther)

	var conflictRate float64
	if total > 0 {
		conflictRate = float64(dup) / float64(total) * 100
	}

	results := map[string]any{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_rps": float64(total) / d.Seconds(),
		"accepted":       ok,
		"duplicates":     dup,
		"duplicate_rate": conflictRate,
		"rate_limited":   limited,
		"errors":         fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		log.Fatalf("encode results: %v", err)
	}

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("save results: %v", err)
		return
	}
	defer file.Close()
	_ = json.NewEncoder(file).Encode(results)
}
