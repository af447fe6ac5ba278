package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardmint/intake/internal/audit"
	"github.com/cardmint/intake/internal/catalog"
	"github.com/cardmint/intake/internal/decision"
	"github.com/cardmint/intake/internal/metrics"
	"github.com/cardmint/intake/internal/model"
	"github.com/cardmint/intake/internal/resolver"
	"github.com/cardmint/intake/internal/router"
	"github.com/cardmint/intake/internal/store"
	"github.com/cardmint/intake/internal/verifier"
)

// fakeBackend scripts per-call extraction outcomes.
type fakeBackend struct {
	mu      sync.Mutex
	calls   int
	script  func(call int) ([]byte, error)
	version string
}

func (f *fakeBackend) Extract(ctx context.Context, imageRef string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.script(call)
}

func (f *fakeBackend) Health(ctx context.Context) error { return nil }
func (f *fakeBackend) ModelVersion() string             { return f.version }

type fakeVerifier struct {
	verdict verifier.Verdict
	err     error
	calls   int
}

func (f *fakeVerifier) Verify(ctx context.Context, req verifier.Request) (*verifier.Verdict, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	v := f.verdict
	return &v, nil
}

func extractionBody(title, set, number string, confidence float64) []byte {
	return []byte(fmt.Sprintf(
		`{"card_title":%q,"set_name":%q,"identifier":{"number":%q,"set_size":"102"},"confidence":%g}`,
		title, set, number, confidence,
	))
}

func testCards() []model.CanonicalCard {
	return []model.CanonicalCard{
		{ID: "c-pika", Name: "pikachu", SetName: "base set", Number: "25"},
		{ID: "c-zard", Name: "charizard", SetName: "base set", Number: "4"},
	}
}

type env struct {
	pipeline *Pipeline
	store    *store.SQLiteStore
	audit    *audit.Log
	verifier *fakeVerifier
}

func newTestEnv(t *testing.T, primary, fallback *fakeBackend, cards []model.CanonicalCard, vf *fakeVerifier) *env {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	reg := metrics.NewRegistry()
	log := audit.NewLog(st, 64)
	t.Cleanup(log.Close)

	rt := router.New(primary, fallback, router.Config{
		Primary:  router.LaneConfig{Timeout: 200 * time.Millisecond},
		Fallback: router.LaneConfig{Timeout: 200 * time.Millisecond},
	}, reg)

	idx := catalog.NewIndex("test-1", cards)
	rs := resolver.New(idx, resolver.DefaultConfig())

	eng := decision.NewEngine(decision.DefaultConfig(), log, reg)
	t.Cleanup(eng.Close)

	var vc verifier.Client
	if vf != nil {
		vc = vf
	}
	p := New(Config{Workers: 2, PollInterval: 10 * time.Millisecond, VerifyTimeout: time.Second},
		st, rt, rs, eng, vc, log, reg)

	return &env{pipeline: p, store: st, audit: log, verifier: vf}
}

func TestProcess_HappyPathAutoApproves(t *testing.T) {
	primary := &fakeBackend{version: "vision-1", script: func(int) ([]byte, error) {
		return extractionBody("Pikachu", "Base Set", "25", 0.94), nil
	}}
	fallback := &fakeBackend{version: "vision-fb", script: func(int) ([]byte, error) {
		return nil, eris.New("unused")
	}}
	e := newTestEnv(t, primary, fallback, testCards(), nil)
	ctx := context.Background()

	cap, err := e.store.CreateCapture(ctx, "scans/0001.jpg", model.ValueTierCommon)
	require.NoError(t, err)

	d, err := e.pipeline.Process(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAutoApproved, d.Outcome)
	assert.Equal(t, "c-pika", d.CardID)

	got, err := e.store.GetCapture(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusAccepted, got.Status)

	ex, err := e.store.LatestExtraction(ctx, cap.ID)
	require.NoError(t, err)
	require.NotNil(t, ex)
	assert.Equal(t, "Pikachu", ex.CardTitle)

	ds, err := e.store.ListDecisions(ctx, cap.ID)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, model.OutcomeAutoApproved, ds[0].Outcome)
}

func TestProcess_AllLanesFailFlagsInferenceFailed(t *testing.T) {
	down := func(int) ([]byte, error) { return nil, eris.New("backend down") }
	primary := &fakeBackend{version: "vision-1", script: down}
	fallback := &fakeBackend{version: "vision-fb", script: down}
	e := newTestEnv(t, primary, fallback, testCards(), nil)
	ctx := context.Background()

	cap, err := e.store.CreateCapture(ctx, "scans/0002.jpg", model.ValueTierCommon)
	require.NoError(t, err)

	_, err = e.pipeline.Process(ctx, cap.ID)
	require.Error(t, err)

	got, err := e.store.GetCapture(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusFlagged, got.Status)
	assert.Equal(t, model.ReasonInferenceFailed, got.Reason)

	ds, err := e.store.ListDecisions(ctx, cap.ID)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestProcess_CatalogIntegrityRejects(t *testing.T) {
	primary := &fakeBackend{version: "vision-1", script: func(int) ([]byte, error) {
		return extractionBody("Pikachu", "Base Set", "25", 0.99), nil
	}}
	fallback := &fakeBackend{version: "vision-fb", script: func(int) ([]byte, error) {
		return nil, eris.New("unused")
	}}
	// Two catalog rows claiming the same exact triplet.
	dupes := []model.CanonicalCard{
		{ID: "c-a", Name: "pikachu", SetName: "base set", Number: "25"},
		{ID: "c-b", Name: "pikachu", SetName: "base set", Number: "25"},
	}
	e := newTestEnv(t, primary, fallback, dupes, nil)
	ctx := context.Background()

	cap, err := e.store.CreateCapture(ctx, "scans/0003.jpg", model.ValueTierCommon)
	require.NoError(t, err)

	_, err = e.pipeline.Process(ctx, cap.ID)
	require.Error(t, err)
	assert.True(t, eris.Is(err, resolver.ErrCatalogIntegrity))

	got, err := e.store.GetCapture(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusRejected, got.Status)
	assert.Equal(t, model.ReasonCatalogIntegrity, got.Reason)
}

func TestProcess_VerifierApprovalAccepts(t *testing.T) {
	primary := &fakeBackend{version: "vision-1", script: func(int) ([]byte, error) {
		// Rare at 0.93: under the 0.95 threshold but within the margin.
		return extractionBody("Charizard", "Base Set", "4", 0.93), nil
	}}
	fallback := &fakeBackend{version: "vision-fb", script: func(int) ([]byte, error) {
		return nil, eris.New("unused")
	}}
	vf := &fakeVerifier{verdict: verifier.Verdict{Approved: true, Confidence: 0.98}}
	e := newTestEnv(t, primary, fallback, testCards(), vf)
	ctx := context.Background()

	cap, err := e.store.CreateCapture(ctx, "scans/0004.jpg", model.ValueTierRare)
	require.NoError(t, err)

	d, err := e.pipeline.Process(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNeedsVerification, d.Outcome)
	assert.Equal(t, 1, vf.calls)

	got, err := e.store.GetCapture(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusAccepted, got.Status)
}

func TestProcess_VerifierRejectionFlags(t *testing.T) {
	primary := &fakeBackend{version: "vision-1", script: func(int) ([]byte, error) {
		return extractionBody("Charizard", "Base Set", "4", 0.93), nil
	}}
	fallback := &fakeBackend{version: "vision-fb", script: func(int) ([]byte, error) {
		return nil, eris.New("unused")
	}}
	vf := &fakeVerifier{verdict: verifier.Verdict{Approved: false, Confidence: 0.2}}
	e := newTestEnv(t, primary, fallback, testCards(), vf)
	ctx := context.Background()

	cap, err := e.store.CreateCapture(ctx, "scans/0005.jpg", model.ValueTierRare)
	require.NoError(t, err)

	_, err = e.pipeline.Process(ctx, cap.ID)
	require.NoError(t, err)

	got, err := e.store.GetCapture(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusFlagged, got.Status)
	assert.Equal(t, model.ReasonVerifierRejected, got.Reason)
}

func TestProcess_VerifierDownLeavesCaptureQueued(t *testing.T) {
	primary := &fakeBackend{version: "vision-1", script: func(int) ([]byte, error) {
		return extractionBody("Charizard", "Base Set", "4", 0.93), nil
	}}
	fallback := &fakeBackend{version: "vision-fb", script: func(int) ([]byte, error) {
		return nil, eris.New("unused")
	}}
	vf := &fakeVerifier{err: eris.New("verifier down")}
	e := newTestEnv(t, primary, fallback, testCards(), vf)
	ctx := context.Background()

	cap, err := e.store.CreateCapture(ctx, "scans/0006.jpg", model.ValueTierRare)
	require.NoError(t, err)

	_, err = e.pipeline.Process(ctx, cap.ID)
	require.NoError(t, err)

	got, err := e.store.GetCapture(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusAwaitingVerification, got.Status)
}

func TestProcess_BusyCaptureRejected(t *testing.T) {
	primary := &fakeBackend{version: "vision-1", script: func(int) ([]byte, error) {
		return extractionBody("Pikachu", "Base Set", "25", 0.94), nil
	}}
	fallback := &fakeBackend{version: "vision-fb", script: func(int) ([]byte, error) {
		return nil, eris.New("unused")
	}}
	e := newTestEnv(t, primary, fallback, testCards(), nil)
	ctx := context.Background()

	cap, err := e.store.CreateCapture(ctx, "scans/0007.jpg", model.ValueTierCommon)
	require.NoError(t, err)

	require.NoError(t, e.pipeline.claim(cap.ID))
	defer e.pipeline.release(cap.ID)

	_, err = e.pipeline.Process(ctx, cap.ID)
	assert.True(t, eris.Is(err, ErrCaptureBusy))
}

func TestProcess_SettledCaptureNeedsReprocess(t *testing.T) {
	primary := &fakeBackend{version: "vision-1", script: func(int) ([]byte, error) {
		return extractionBody("Pikachu", "Base Set", "25", 0.94), nil
	}}
	fallback := &fakeBackend{version: "vision-fb", script: func(int) ([]byte, error) {
		return nil, eris.New("unused")
	}}
	e := newTestEnv(t, primary, fallback, testCards(), nil)
	ctx := context.Background()

	cap, err := e.store.CreateCapture(ctx, "scans/0008.jpg", model.ValueTierCommon)
	require.NoError(t, err)

	_, err = e.pipeline.Process(ctx, cap.ID)
	require.NoError(t, err)

	_, err = e.pipeline.Process(ctx, cap.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already settled")

	d, err := e.pipeline.Reprocess(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAutoApproved, d.Outcome)

	ds, err := e.store.ListDecisions(ctx, cap.ID)
	require.NoError(t, err)
	assert.Len(t, ds, 2)
}

func TestResume_RequeuesInterruptedCaptures(t *testing.T) {
	primary := &fakeBackend{version: "vision-1", script: func(int) ([]byte, error) {
		return extractionBody("Pikachu", "Base Set", "25", 0.94), nil
	}}
	fallback := &fakeBackend{version: "vision-fb", script: func(int) ([]byte, error) {
		return nil, eris.New("unused")
	}}
	e := newTestEnv(t, primary, fallback, testCards(), nil)
	ctx := context.Background()

	routing, err := e.store.CreateCapture(ctx, "scans/0009.jpg", model.ValueTierCommon)
	require.NoError(t, err)
	require.NoError(t, e.store.UpdateCaptureStatus(ctx, routing.ID, model.CaptureStatusRouting, ""))

	resolving, err := e.store.CreateCapture(ctx, "scans/0010.jpg", model.ValueTierCommon)
	require.NoError(t, err)
	require.NoError(t, e.store.UpdateCaptureStatus(ctx, resolving.ID, model.CaptureStatusResolving, ""))

	settled, err := e.store.CreateCapture(ctx, "scans/0011.jpg", model.ValueTierCommon)
	require.NoError(t, err)
	require.NoError(t, e.store.UpdateCaptureStatus(ctx, settled.ID, model.CaptureStatusAccepted, ""))

	n, err := e.pipeline.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Interrupted mid-routing: nothing persisted, restarts from pending.
	got, err := e.store.GetCapture(ctx, routing.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusPending, got.Status)

	// Interrupted past extraction: the stage is kept for re-entry.
	got, err = e.store.GetCapture(ctx, resolving.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusResolving, got.Status)

	got, err = e.store.GetCapture(ctx, settled.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusAccepted, got.Status)
}

func TestProcess_ResumesFromPersistedExtraction(t *testing.T) {
	refuse := func(int) ([]byte, error) { return nil, eris.New("backend must not be called") }
	primary := &fakeBackend{version: "vision-1", script: refuse}
	fallback := &fakeBackend{version: "vision-fb", script: refuse}
	e := newTestEnv(t, primary, fallback, testCards(), nil)
	ctx := context.Background()

	// A capture that crashed mid-resolution: the extraction row landed
	// before the interrupt.
	cap, err := e.store.CreateCapture(ctx, "scans/0012.jpg", model.ValueTierCommon)
	require.NoError(t, err)
	require.NoError(t, e.store.SaveExtraction(ctx, model.ExtractionResult{
		CaptureID:    cap.ID,
		CardTitle:    "Pikachu",
		SetName:      "Base Set",
		Identifier:   model.Identifier{Number: "25", SetSize: "102"},
		Confidence:   0.94,
		Lane:         model.LanePrimary,
		Attempts:     1,
		ModelVersion: "vision-1",
		InputHash:    model.InputHash(cap.ImageRef, model.LanePrimary, "vision-1"),
	}))
	require.NoError(t, e.store.UpdateCaptureStatus(ctx, cap.ID, model.CaptureStatusResolving, ""))

	d, err := e.pipeline.Process(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAutoApproved, d.Outcome)
	assert.Equal(t, "c-pika", d.CardID)

	// Neither backend paid a second inference round.
	assert.Zero(t, primary.calls)
	assert.Zero(t, fallback.calls)

	got, err := e.store.GetCapture(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusAccepted, got.Status)
}

func TestRequeue_ResetsCaptureToPending(t *testing.T) {
	primary := &fakeBackend{version: "vision-1", script: func(int) ([]byte, error) {
		return extractionBody("Pikachu", "Base Set", "25", 0.94), nil
	}}
	fallback := &fakeBackend{version: "vision-fb", script: func(int) ([]byte, error) {
		return nil, eris.New("unused")
	}}
	e := newTestEnv(t, primary, fallback, testCards(), nil)
	ctx := context.Background()

	cap, err := e.store.CreateCapture(ctx, "scans/0013.jpg", model.ValueTierCommon)
	require.NoError(t, err)
	_, err = e.pipeline.Process(ctx, cap.ID)
	require.NoError(t, err)

	require.NoError(t, e.pipeline.Requeue(ctx, cap.ID))

	got, err := e.store.GetCapture(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusPending, got.Status)

	require.Error(t, e.pipeline.Requeue(ctx, "no-such-capture"))
}

func TestDispatchVerifications_SettlesParkedCaptures(t *testing.T) {
	primary := &fakeBackend{version: "vision-1", script: func(int) ([]byte, error) {
		return extractionBody("Charizard", "Base Set", "4", 0.93), nil
	}}
	fallback := &fakeBackend{version: "vision-fb", script: func(int) ([]byte, error) {
		return nil, eris.New("unused")
	}}
	vf := &fakeVerifier{err: eris.New("verifier down")}
	e := newTestEnv(t, primary, fallback, testCards(), vf)
	ctx := context.Background()

	cap, err := e.store.CreateCapture(ctx, "scans/0011.jpg", model.ValueTierRare)
	require.NoError(t, err)
	_, err = e.pipeline.Process(ctx, cap.ID)
	require.NoError(t, err)

	got, err := e.store.GetCapture(ctx, cap.ID)
	require.NoError(t, err)
	require.Equal(t, model.CaptureStatusAwaitingVerification, got.Status)

	// Verifier comes back; the sweep settles the parked capture.
	vf.err = nil
	vf.verdict = verifier.Verdict{Approved: true, Confidence: 0.97}
	require.NoError(t, e.pipeline.DispatchVerifications(ctx))

	got, err = e.store.GetCapture(ctx, cap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusAccepted, got.Status)
}

func TestRunQueue_ProcessesPendingCaptures(t *testing.T) {
	primary := &fakeBackend{version: "vision-1", script: func(int) ([]byte, error) {
		return extractionBody("Pikachu", "Base Set", "25", 0.94), nil
	}}
	fallback := &fakeBackend{version: "vision-fb", script: func(int) ([]byte, error) {
		return nil, eris.New("unused")
	}}
	e := newTestEnv(t, primary, fallback, testCards(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []string
	for i := 0; i < 3; i++ {
		c, err := e.store.CreateCapture(ctx, fmt.Sprintf("scans/batch-%d.jpg", i), model.ValueTierCommon)
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	done := make(chan error, 1)
	go func() { done <- e.pipeline.RunQueue(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		settled := 0
		for _, id := range ids {
			c, err := e.store.GetCapture(context.Background(), id)
			require.NoError(t, err)
			if c.Status == model.CaptureStatusAccepted {
				settled++
			}
		}
		if settled == len(ids) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d of %d captures settled", settled, len(ids))
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunQueue_ResumesOrphanedStageWithoutInference(t *testing.T) {
	refuse := func(int) ([]byte, error) { return nil, eris.New("backend must not be called") }
	primary := &fakeBackend{version: "vision-1", script: refuse}
	fallback := &fakeBackend{version: "vision-fb", script: refuse}
	e := newTestEnv(t, primary, fallback, testCards(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cap, err := e.store.CreateCapture(ctx, "scans/orphan.jpg", model.ValueTierCommon)
	require.NoError(t, err)
	require.NoError(t, e.store.SaveExtraction(ctx, model.ExtractionResult{
		CaptureID:    cap.ID,
		CardTitle:    "Pikachu",
		SetName:      "Base Set",
		Identifier:   model.Identifier{Number: "25", SetSize: "102"},
		Confidence:   0.94,
		Lane:         model.LanePrimary,
		Attempts:     1,
		ModelVersion: "vision-1",
		InputHash:    model.InputHash(cap.ImageRef, model.LanePrimary, "vision-1"),
	}))
	require.NoError(t, e.store.UpdateCaptureStatus(ctx, cap.ID, model.CaptureStatusDeciding, ""))

	done := make(chan error, 1)
	go func() { done <- e.pipeline.RunQueue(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		c, err := e.store.GetCapture(context.Background(), cap.ID)
		require.NoError(t, err)
		if c.Status == model.CaptureStatusAccepted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("capture stuck in %s", c.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, primary.calls)
	assert.Zero(t, fallback.calls)
}
