// Package stats aggregates performance data from many load test clients and
// prints a summary report with percentile distributions.
package stats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from load test clients. All methods are safe
// for concurrent use.
type Collector struct {
	mu          sync.Mutex
	connect     []time.Duration
	ack         []time.Duration
	delivery    []time.Duration
	failures    map[string]int
	connections int
	errors      int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now(), failures: make(map[string]int)}
}

// SetScraper attaches a server metrics scraper whose findings are included
// in Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connect = append(c.connect, d)
	c.connections++
	c.mu.Unlock()
}

// AddAck records the round trip of an acknowledged event.
func (c *Collector) AddAck(d time.Duration) {
	c.mu.Lock()
	c.ack = append(c.ack, d)
	c.mu.Unlock()
}

// AddDelivery records the time from a message being stored to it reaching
// a recipient.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.delivery = append(c.delivery, d)
	c.mu.Unlock()
}

// AddFailure records an acknowledged failure, keyed by the envelope error.
func (c *Collector) AddFailure(reason string) {
	c.mu.Lock()
	c.failures[reason]++
	c.mu.Unlock()
}

// AddError increments the transport error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded transport errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary describes a latency distribution.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes the distribution of durations. It sorts a copy.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N,
	)
}

// Report writes a summary of the collected metrics to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if attempts := c.connections + c.errors; attempts > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(attempts)*100)
	}

	sections := []struct {
		title   string
		samples []time.Duration
	}{
		{"Connect Latency", c.connect},
		{"Ack Latency", c.ack},
		{"Delivery Latency", c.delivery},
	}
	for _, s := range sections {
		if len(s.samples) > 0 {
			fmt.Fprintf(w, "\n--- %s ---\n  %s\n", s.title, Summarize(s.samples))
		}
	}

	if len(c.failures) > 0 {
		fmt.Fprintln(w, "\n--- Rejected Events ---")
		reasons := make([]string, 0, len(c.failures))
		for r := range c.failures {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			fmt.Fprintf(w, "  %-24s %d\n", r, c.failures[r])
		}
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}
