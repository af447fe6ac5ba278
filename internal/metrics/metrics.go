// Package metrics holds the process-local counters exported by the intake
// service. Counters are plain atomics; the serve endpoint snapshots them
// for external dashboards, the pipeline never reads them back.
package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names incremented by the router and decision engine.
const (
	LaneRetriesTotal   = "lane_retries_total"
	FallbackTotal      = "fallback_total"
	FailuresTotal      = "failures_total"
	ExtractionsTotal   = "extractions_total"
	AutoApprovedTotal  = "auto_approved_total"
	VerificationsTotal = "verifications_total"
	ManualReviewsTotal = "manual_reviews_total"
	RateLimitedTotal   = "rate_limited_total"
)

// Latency series names.
const (
	SeriesPipeline = "pipeline"
)

// latencyBuckets are upper bounds in milliseconds for the attempt latency
// histogram.
var latencyBuckets = []int64{100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// Registry is a concurrency-safe set of named counters plus per-lane
// latency histograms.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	hists    map[string]*histogram
}

type histogram struct {
	buckets []atomic.Int64 // one per latencyBuckets entry, plus overflow
	count   atomic.Int64
	sumMS   atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*atomic.Int64),
		hists:    make(map[string]*histogram),
	}
}

// Inc increments the named counter by one.
func (r *Registry) Inc(name string) {
	r.counter(name).Add(1)
}

// Get returns the current value of the named counter.
func (r *Registry) Get(name string) int64 {
	return r.counter(name).Load()
}

// ObserveLatency records one attempt latency under the given series name
// (typically the lane).
func (r *Registry) ObserveLatency(series string, d time.Duration) {
	h := r.hist(series)
	ms := d.Milliseconds()
	h.count.Add(1)
	h.sumMS.Add(ms)
	for i, bound := range latencyBuckets {
		if ms <= bound {
			h.buckets[i].Add(1)
			return
		}
	}
	h.buckets[len(latencyBuckets)].Add(1)
}

// LatencySummary is a snapshot of one latency series.
type LatencySummary struct {
	Count   int64            `json:"count"`
	SumMS   int64            `json:"sum_ms"`
	Buckets map[string]int64 `json:"buckets"`
}

// Snapshot returns all counters and latency series as plain values.
func (r *Registry) Snapshot() (map[string]int64, map[string]LatencySummary) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		counters[name] = c.Load()
	}

	hists := make(map[string]LatencySummary, len(r.hists))
	for name, h := range r.hists {
		s := LatencySummary{
			Count:   h.count.Load(),
			SumMS:   h.sumMS.Load(),
			Buckets: make(map[string]int64, len(latencyBuckets)+1),
		}
		for i, bound := range latencyBuckets {
			s.Buckets[msLabel(bound)] = h.buckets[i].Load()
		}
		s.Buckets["+inf"] = h.buckets[len(latencyBuckets)].Load()
		hists[name] = s
	}
	return counters, hists
}

func (r *Registry) counter(name string) *atomic.Int64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = &atomic.Int64{}
	r.counters[name] = c
	return c
}

func (r *Registry) hist(name string) *histogram {
	r.mu.RLock()
	h, ok := r.hists[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.hists[name]; ok {
		return h
	}
	h = &histogram{buckets: make([]atomic.Int64, len(latencyBuckets)+1)}
	r.hists[name] = h
	return h
}

func msLabel(bound int64) string {
	return "le_" + strconv.FormatInt(bound, 10) + "ms"
}
