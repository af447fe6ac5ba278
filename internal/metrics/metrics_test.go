package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_IncAndGet(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, int64(0), r.Get(FallbackTotal))

	r.Inc(FallbackTotal)
	r.Inc(FallbackTotal)
	assert.Equal(t, int64(2), r.Get(FallbackTotal))
}

func TestRegistry_ConcurrentIncrements(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Inc(ExtractionsTotal)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5000), r.Get(ExtractionsTotal))
}

func TestRegistry_LatencyBuckets(t *testing.T) {
	r := NewRegistry()
	r.ObserveLatency(SeriesPipeline, 80*time.Millisecond)
	r.ObserveLatency(SeriesPipeline, 300*time.Millisecond)
	r.ObserveLatency(SeriesPipeline, time.Minute)

	_, hists := r.Snapshot()
	s, ok := hists[SeriesPipeline]
	require.True(t, ok)
	assert.Equal(t, int64(3), s.Count)
	assert.Equal(t, int64(1), s.Buckets["le_100ms"])
	assert.Equal(t, int64(1), s.Buckets["le_500ms"])
	assert.Equal(t, int64(1), s.Buckets["+inf"])
	assert.Equal(t, int64(80+300+60000), s.SumMS)
}

func TestRegistry_SnapshotCopies(t *testing.T) {
	r := NewRegistry()
	r.Inc(FailuresTotal)

	counters, _ := r.Snapshot()
	assert.Equal(t, int64(1), counters[FailuresTotal])

	r.Inc(FailuresTotal)
	// The snapshot is a point-in-time copy.
	assert.Equal(t, int64(1), counters[FailuresTotal])
}
