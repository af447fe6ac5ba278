package resolver

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardmint/intake/internal/catalog"
	"github.com/cardmint/intake/internal/model"
)

func testIndex() *catalog.Index {
	return catalog.NewIndex("test", []model.CanonicalCard{
		{ID: "pika-base", Name: "pikachu", SetName: "base set", Number: "25"},
		{ID: "pika-jungle", Name: "pikachu", SetName: "jungle", Number: "60"},
		{ID: "zard-base", Name: "charizard", SetName: "base set", Number: "4"},
		{ID: "zard-ex", Name: "charizard", SetName: "ex dragon", Number: "100"},
		{ID: "pika-promo", Name: "pikachu", SetName: "black star promos", PromoCode: "SWSH001"},
		{ID: "mew-151", Name: "mew", SetName: "pokemon 151", Number: "151"},
	})
}

func newTestResolver() *Resolver {
	return New(testIndex(), DefaultConfig())
}

func TestResolve_ExactTriplet(t *testing.T) {
	r := newTestResolver()

	got, err := r.Resolve(Input{
		Name:       "Pikachu",
		SetName:    "Base Set",
		Identifier: model.Identifier{Number: "25/102", SetSize: "102"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TierExactTriplet, got.Tier)
	assert.Equal(t, "pika-base", got.CardID)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, Version, got.ResolverVersion)
}

func TestResolve_ExactWinsOverLowerTiers(t *testing.T) {
	// An exact triplet match must never be beaten by fuzzy search, even
	// though the fuzzy index would also score this input highly.
	r := newTestResolver()

	got, err := r.Resolve(Input{
		Name:       "Charizard",
		SetName:    "Base Set",
		Identifier: model.Identifier{Number: "004"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TierExactTriplet, got.Tier)
	assert.Equal(t, "zard-base", got.CardID)
}

func TestResolve_NameAndNumber_MissingSet(t *testing.T) {
	r := newTestResolver()

	got, err := r.Resolve(Input{
		Name:       "Mew",
		Identifier: model.Identifier{Number: "151/165"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TierNameAndNumber, got.Tier)
	assert.Equal(t, "mew-151", got.CardID)
	assert.Equal(t, 0.75, got.Confidence)
}

func TestResolve_NameAndNumber_RequiresSingleCandidate(t *testing.T) {
	idx := catalog.NewIndex("test", []model.CanonicalCard{
		{ID: "a", Name: "eevee", SetName: "jungle", Number: "51"},
		{ID: "b", Name: "eevee", SetName: "fossil", Number: "51"},
	})
	r := New(idx, DefaultConfig())

	// Two candidates remain after dropping the set; the stage is skipped
	// and fuzzy search cannot separate them either.
	got, err := r.Resolve(Input{
		Name:       "Eevee",
		Identifier: model.Identifier{Number: "51"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TierNoMatch, got.Tier)
	assert.Empty(t, got.CardID)
}

func TestResolve_FuzzyFallback(t *testing.T) {
	r := newTestResolver()

	// Wrong set name, no usable number: only the fuzzy stage can match,
	// and the diacritics must not matter.
	got, err := r.Resolve(Input{
		Name:       "Mew",
		SetName:    "Pokémon 151",
		Identifier: model.Identifier{Number: "999"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TierNameOnly, got.Tier)
	assert.Equal(t, "mew-151", got.CardID)
	assert.Equal(t, 0.4, got.Confidence)
}

func TestResolve_FuzzyRequiresOutrightWinner(t *testing.T) {
	idx := catalog.NewIndex("test", []model.CanonicalCard{
		{ID: "a", Name: "alakazam", SetName: "base set", Number: "1"},
		{ID: "b", Name: "alakazam", SetName: "base set two", Number: "1"},
	})
	r := New(idx, DefaultConfig())

	got, err := r.Resolve(Input{Name: "Alakazam", SetName: "base"})
	require.NoError(t, err)
	// Both candidates score identically on the name token; no winner.
	assert.Equal(t, model.TierNoMatch, got.Tier)
}

func TestResolve_NoMatch(t *testing.T) {
	r := newTestResolver()

	got, err := r.Resolve(Input{
		Name:       "Missingno",
		SetName:    "Glitch City",
		Identifier: model.Identifier{Number: "0"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TierNoMatch, got.Tier)
	assert.Zero(t, got.Confidence)
}

func TestResolve_EmptyName(t *testing.T) {
	r := newTestResolver()

	got, err := r.Resolve(Input{Identifier: model.Identifier{Number: "25"}})
	require.NoError(t, err)
	assert.Equal(t, model.TierNoMatch, got.Tier)
}

func TestResolve_PromoIsOpaque(t *testing.T) {
	r := newTestResolver()

	got, err := r.Resolve(Input{
		Name:       "Pikachu",
		Identifier: model.Identifier{PromoCode: "swsh001"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TierExactTriplet, got.Tier)
	assert.Equal(t, "pika-promo", got.CardID)
}

func TestResolve_PromoFuzzyFallbackKeepsCodeTokens(t *testing.T) {
	idx := catalog.NewIndex("test", []model.CanonicalCard{
		{ID: "pv", Name: "pikachu v", SetName: "sword shield promos", PromoCode: "SWSH-001"},
		{ID: "vmax", Name: "pikachu vmax", SetName: "sword shield promos", PromoCode: "SWSH-044"},
	})
	r := New(idx, DefaultConfig())

	// The extracted name misses the exact promo lookup, so only the fuzzy
	// stage can separate the two promos, and it must do so by the code's
	// tokens rather than a numeric reading of "SWSH-001".
	got, err := r.Resolve(Input{
		Name:       "Pikachu",
		Identifier: model.Identifier{PromoCode: "SWSH-001"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TierNameOnly, got.Tier)
	assert.Equal(t, "pv", got.CardID)
}

func TestResolve_IntegrityViolation(t *testing.T) {
	idx := catalog.NewIndex("test", []model.CanonicalCard{
		{ID: "a", Name: "pikachu", SetName: "base set", Number: "25"},
		{ID: "b", Name: "pikachu", SetName: "base set", Number: "25"},
	})
	r := New(idx, DefaultConfig())

	_, err := r.Resolve(Input{
		Name:       "Pikachu",
		SetName:    "Base Set",
		Identifier: model.Identifier{Number: "25"},
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrCatalogIntegrity))
}
