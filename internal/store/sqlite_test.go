package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardmint/intake/internal/audit"
	"github.com/cardmint/intake/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// --- Captures ---

func TestSQLite_CaptureLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	c, err := st.CreateCapture(ctx, "shelf-a/0001.jpg", model.ValueTierRare)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, model.CaptureStatusPending, c.Status)

	got, err := st.GetCapture(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, "shelf-a/0001.jpg", got.ImageRef)
	assert.Equal(t, model.ValueTierRare, got.ValueTier)

	require.NoError(t, st.UpdateCaptureStatus(ctx, c.ID, model.CaptureStatusRouting, ""))
	require.NoError(t, st.UpdateCaptureStatus(ctx, c.ID, model.CaptureStatusFlagged, model.ReasonInferenceFailed))

	got, err = st.GetCapture(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaptureStatusFlagged, got.Status)
	assert.Equal(t, model.ReasonInferenceFailed, got.Reason)
}

func TestSQLite_CreateCapture_DefaultsToCommon(t *testing.T) {
	st := newTestSQLiteStore(t)

	c, err := st.CreateCapture(context.Background(), "x.jpg", "")
	require.NoError(t, err)
	assert.Equal(t, model.ValueTierCommon, c.ValueTier)
}

func TestSQLite_GetCapture_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetCapture(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_UpdateCaptureStatus_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.UpdateCaptureStatus(context.Background(), "nope", model.CaptureStatusRouting, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_ListCaptures_FilterByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a, err := st.CreateCapture(ctx, "a.jpg", model.ValueTierCommon)
	require.NoError(t, err)
	b, err := st.CreateCapture(ctx, "b.jpg", model.ValueTierCommon)
	require.NoError(t, err)
	require.NoError(t, st.UpdateCaptureStatus(ctx, b.ID, model.CaptureStatusAccepted, ""))

	pending, err := st.ListCaptures(ctx, CaptureFilter{Status: model.CaptureStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	all, err := st.ListCaptures(ctx, CaptureFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_ListInFlight_ExcludesSettledCaptures(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	active, err := st.CreateCapture(ctx, "active.jpg", model.ValueTierCommon)
	require.NoError(t, err)
	require.NoError(t, st.UpdateCaptureStatus(ctx, active.ID, model.CaptureStatusResolving, ""))

	for _, status := range []model.CaptureStatus{
		model.CaptureStatusAccepted,
		model.CaptureStatusFlagged,
		model.CaptureStatusRejected,
		model.CaptureStatusAwaitingVerification,
	} {
		c, err := st.CreateCapture(ctx, "settled.jpg", model.ValueTierCommon)
		require.NoError(t, err)
		require.NoError(t, st.UpdateCaptureStatus(ctx, c.ID, status, ""))
	}

	inflight, err := st.ListInFlight(ctx)
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	assert.Equal(t, active.ID, inflight[0].ID)
}

// --- Extractions ---

func TestSQLite_SaveAndLatestExtraction(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	c, err := st.CreateCapture(ctx, "x.jpg", model.ValueTierCommon)
	require.NoError(t, err)

	first := model.ExtractionResult{
		CaptureID:    c.ID,
		CardTitle:    "Charizard",
		SetName:      "Base Set",
		Identifier:   model.Identifier{Number: "4", SetSize: "102"},
		Confidence:   0.91,
		Lane:         model.LanePrimary,
		Attempts:     1,
		ModelVersion: "vision-1",
		InputHash:    model.InputHash("x.jpg", model.LanePrimary, "vision-1"),
		CreatedAt:    time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, st.SaveExtraction(ctx, first))

	second := first
	second.ID = ""
	second.Confidence = 0.97
	second.Attempts = 2
	second.CreatedAt = time.Now().UTC()
	require.NoError(t, st.SaveExtraction(ctx, second))

	latest, err := st.LatestExtraction(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 0.97, latest.Confidence)
	assert.Equal(t, 2, latest.Attempts)
	assert.Equal(t, "4", latest.Identifier.Number)
	assert.Equal(t, "102", latest.Identifier.SetSize)
}

func TestSQLite_LatestExtraction_NoneReturnsNil(t *testing.T) {
	st := newTestSQLiteStore(t)

	latest, err := st.LatestExtraction(context.Background(), "no-such-capture")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

// --- Decisions ---

func TestSQLite_DecisionsAreAppendOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	c, err := st.CreateCapture(ctx, "x.jpg", model.ValueTierCommon)
	require.NoError(t, err)

	mk := func(outcome model.Outcome, at time.Time) model.Decision {
		return model.Decision{
			ID:                  uuid.New().String(),
			CaptureID:           c.ID,
			Outcome:             outcome,
			RawConfidence:       0.9,
			EffectiveConfidence: 0.9,
			ValueTier:           model.ValueTierCommon,
			MatchTier:           model.TierExactTriplet,
			Lane:                model.LanePrimary,
			ModelVersion:        "vision-1",
			ResolverVersion:     "resolver/2",
			InputHash:           "h",
			CreatedAt:           at,
		}
	}
	now := time.Now().UTC()
	require.NoError(t, st.SaveDecision(ctx, mk(model.OutcomeNeedsVerification, now.Add(-time.Minute))))
	require.NoError(t, st.SaveDecision(ctx, mk(model.OutcomeAutoApproved, now)))

	ds, err := st.ListDecisions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, model.OutcomeNeedsVerification, ds[0].Outcome)
	assert.Equal(t, model.OutcomeAutoApproved, ds[1].Outcome)
}

// --- Audit events ---

func TestSQLite_AuditEvents(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ev := audit.Event{
		ID:        uuid.New().String(),
		Kind:      audit.KindDecision,
		CaptureID: "cap-1",
		Payload:   json.RawMessage(`{"outcome":"auto_approved"}`),
		At:        time.Now().UTC(),
	}
	require.NoError(t, st.AppendAuditEvent(ctx, ev))

	events, err := st.ListAuditEvents(ctx, "cap-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.KindDecision, events[0].Kind)
	assert.JSONEq(t, `{"outcome":"auto_approved"}`, string(events[0].Payload))
}

// --- Catalog ---

func TestSQLite_CatalogReplaceAndLoad(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	cards := []model.CanonicalCard{
		{ID: "c1", Name: "charizard", SetName: "base set", Number: "4", DisplayName: "Charizard", SetAliases: []string{"base"}},
		{ID: "c2", Name: "pikachu", SetName: "jungle", Number: "60"},
	}
	require.NoError(t, st.ReplaceCatalog(ctx, cards))

	loaded, err := st.LoadCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	// Replace drops the old generation entirely.
	require.NoError(t, st.ReplaceCatalog(ctx, cards[:1]))
	loaded, err = st.LoadCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "c1", loaded[0].ID)
	assert.Equal(t, []string{"base"}, loaded[0].SetAliases)
}

// --- Stats ---

func TestSQLite_Stats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	c, err := st.CreateCapture(ctx, "x.jpg", model.ValueTierCommon)
	require.NoError(t, err)
	_, err = st.CreateCapture(ctx, "y.jpg", model.ValueTierCommon)
	require.NoError(t, err)
	require.NoError(t, st.UpdateCaptureStatus(ctx, c.ID, model.CaptureStatusAccepted, ""))

	sum, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.CapturesByStatus["pending"])
	assert.Equal(t, int64(1), sum.CapturesByStatus["accepted"])
	assert.Equal(t, int64(0), sum.Decisions)
}
