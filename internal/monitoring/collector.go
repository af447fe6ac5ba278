package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/cardmint/intake/internal/metrics"
	"github.com/cardmint/intake/internal/store"
	"github.com/cardmint/intake/pkg/vision"
)

// Snapshot holds a point-in-time view of intake health.
type Snapshot struct {
	// Capture counts by lifecycle bucket.
	Pending              int64 `json:"pending"`
	InFlight             int64 `json:"in_flight"`
	AwaitingVerification int64 `json:"awaiting_verification"`
	Accepted             int64 `json:"accepted"`
	Flagged              int64 `json:"flagged"`
	Rejected             int64 `json:"rejected"`

	// FlagRate is flagged over all settled captures.
	FlagRate float64 `json:"flag_rate"`

	// Process-local counters since startup.
	FailuresTotal int64 `json:"failures_total"`
	FallbackTotal int64 `json:"fallback_total"`
	AutoApproved  int64 `json:"auto_approved"`
	RateLimited   int64 `json:"rate_limited"`

	// Backend probe results.
	PrimaryHealthy  bool `json:"primary_healthy"`
	FallbackHealthy bool `json:"fallback_healthy"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers health metrics from the store, the counter registry,
// and the inference backends.
type Collector struct {
	store    store.Store
	reg      *metrics.Registry
	primary  vision.Client
	fallback vision.Client
}

// NewCollector creates a metrics collector. Either backend may be nil, in
// which case its probe reports healthy.
func NewCollector(st store.Store, reg *metrics.Registry, primary, fallback vision.Client) *Collector {
	return &Collector{store: st, reg: reg, primary: primary, fallback: fallback}
}

// Collect gathers one snapshot. Backend probes run with a short timeout so
// a hung backend cannot stall the check loop.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	summary, err := c.store.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: store stats")
	}

	snap := &Snapshot{
		Pending:              summary.CapturesByStatus["pending"],
		AwaitingVerification: summary.CapturesByStatus["awaiting_verification"],
		Accepted:             summary.CapturesByStatus["accepted"],
		Flagged:              summary.CapturesByStatus["flagged"],
		Rejected:             summary.CapturesByStatus["rejected"],
		CollectedAt:          time.Now().UTC(),
	}
	for _, status := range []string{"routing", "extracted", "resolving", "deciding"} {
		snap.InFlight += summary.CapturesByStatus[status]
	}

	settled := snap.Accepted + snap.Flagged + snap.Rejected
	if settled > 0 {
		snap.FlagRate = float64(snap.Flagged) / float64(settled)
	}

	snap.FailuresTotal = c.reg.Get(metrics.FailuresTotal)
	snap.FallbackTotal = c.reg.Get(metrics.FallbackTotal)
	snap.AutoApproved = c.reg.Get(metrics.AutoApprovedTotal)
	snap.RateLimited = c.reg.Get(metrics.RateLimitedTotal)

	snap.PrimaryHealthy = c.probe(ctx, c.primary)
	snap.FallbackHealthy = c.probe(ctx, c.fallback)

	return snap, nil
}

func (c *Collector) probe(ctx context.Context, client vision.Client) bool {
	if client == nil {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return client.Health(probeCtx) == nil
}
