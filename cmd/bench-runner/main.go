// bench-runner drives a running order-service through the payment race: it
// creates orders, approves their charges on the payment emulator, then fires
// concurrent status checks at each order and verifies exactly one delivery.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type benchResult struct {
	Timestamp       string         `json:"timestamp"`
	BaseURL         string         `json:"base_url"`
	PaymentURL      string         `json:"payment_url"`
	Orders          int            `json:"orders"`
	Concurrency     int            `json:"concurrency"`
	ChecksPerOrder  int            `json:"checks_per_order"`
	CreatedOrders   int            `json:"created_orders"`
	FailedOrders    int            `json:"failed_orders"`
	TotalChecks     int            `json:"total_checks"`
	DurationSeconds float64        `json:"duration_seconds"`
	AvgCheckMs      float64        `json:"avg_check_ms"`
	P50CheckMs      float64        `json:"p50_check_ms"`
	P90CheckMs      float64        `json:"p90_check_ms"`
	P95CheckMs      float64        `json:"p95_check_ms"`
	P99CheckMs      float64        `json:"p99_check_ms"`
	FinalStatuses   map[string]int `json:"final_statuses"`
	StatusCounts    map[string]int `json:"status_counts"`
	MultipleWinners int            `json:"multiple_winners"`
	ExtraDeliveries int            `json:"extra_delivery_attempts"`
	FirstError      string         `json:"first_error"`
}

type metrics struct {
	mu            sync.Mutex
	created       int
	failed        int
	checkMs       []float64
	finalStatuses map[string]int
	statusCounts  map[string]int
	multiWinners  int
	extraAttempts int
	firstError    string
}

func newMetrics() *metrics {
	return &metrics{
		finalStatuses: make(map[string]int),
		statusCounts:  make(map[string]int),
	}
}

func (m *metrics) recordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
	if m.firstError == "" {
		m.firstError = err.Error()
	}
}

func (m *metrics) recordCheck(status int, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCounts[strconv.Itoa(status)]++
	m.checkMs = append(m.checkMs, float64(latency.Milliseconds()))
}

func (m *metrics) recordOrder(r raceResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	m.finalStatuses[r.FinalStatus]++
	if r.Winners > 1 {
		m.multiWinners++
	}
	if r.DeliveryAttempts > 1 {
		m.extraAttempts++
	}
}

func main() {
	baseURL := flag.String("base-url", getenv("ORDER_BASE_URL", "http://localhost:8080"), "order-service base URL")
	paymentURL := flag.String("payment-url", getenv("PAYMENT_BASE_URL", "http://localhost:8081"), "payment-service emulator base URL")
	product := flag.String("product", getenv("BENCH_PRODUCT", "ebook-go"), "product id to order")
	total := flag.Int("orders", 50, "number of orders to race")
	concurrency := flag.Int("concurrency", 5, "orders raced at the same time")
	checks := flag.Int("checks", 4, "concurrent status checks per order")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	output := flag.String("output", "", "optional output path for JSON result")
	flag.Parse()

	if *total <= 0 || *concurrency <= 0 || *checks <= 0 {
		fmt.Fprintln(os.Stderr, "orders, concurrency and checks must be > 0")
		os.Exit(1)
	}

	r := &racer{
		client:     &http.Client{Timeout: *timeout},
		baseURL:    strings.TrimRight(*baseURL, "/"),
		paymentURL: strings.TrimRight(*paymentURL, "/"),
		product:    *product,
		checks:     *checks,
	}
	m := newMetrics()

	start := time.Now()
	r.run(*total, *concurrency, time.Now().UnixNano()%1_000_000_000, m)
	duration := time.Since(start)

	result := summarize(m, duration)
	result.BaseURL = r.baseURL
	result.PaymentURL = r.paymentURL
	result.Orders = *total
	result.Concurrency = *concurrency
	result.ChecksPerOrder = *checks

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode result: %v\n", err)
		os.Exit(1)
	}
	if *output != "" {
		if err := writeJSON(*output, result); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write output: %v\n", err)
			os.Exit(1)
		}
	}
	if result.MultipleWinners > 0 || result.ExtraDeliveries > 0 {
		os.Exit(2)
	}
}

func summarize(m *metrics, duration time.Duration) benchResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	avg, p50, p90, p95, p99 := calcPercentiles(m.checkMs)
	return benchResult{
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		CreatedOrders:   m.created,
		FailedOrders:    m.failed,
		TotalChecks:     len(m.checkMs),
		DurationSeconds: duration.Seconds(),
		AvgCheckMs:      avg,
		P50CheckMs:      p50,
		P90CheckMs:      p90,
		P95CheckMs:      p95,
		P99CheckMs:      p99,
		FinalStatuses:   m.finalStatuses,
		StatusCounts:    m.statusCounts,
		MultipleWinners: m.multiWinners,
		ExtraDeliveries: m.extraAttempts,
		FirstError:      m.firstError,
	}
}

func writeJSON(path string, result benchResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func calcPercentiles(values []float64) (float64, float64, float64, float64, float64) {
	if len(values) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Float64s(values)
	avg := 0.0
	for _, v := range values {
		avg += v
	}
	avg = avg / float64(len(values))
	return avg, percentile(values, 0.50), percentile(values, 0.90), percentile(values, 0.95), percentile(values, 0.99)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
