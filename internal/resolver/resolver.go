// Package resolver maps extracted card text to canonical catalog identities.
package resolver

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cardmint/intake/internal/catalog"
	"github.com/cardmint/intake/internal/model"
	"github.com/cardmint/intake/internal/normalize"
)

// Version tags every MatchResult so persisted decisions record which
// resolution logic produced them. Bump on any matching-behavior change.
const Version = "resolver/2"

// ErrCatalogIntegrity wraps a duplicate-triplet catalog violation. It is
// never silently resolved; the orchestrator terminates the capture as
// rejected and raises an alert.
var ErrCatalogIntegrity = eris.New("resolver: catalog integrity violation")

// Config tunes the fuzzy fallback stage.
type Config struct {
	// FuzzyMargin is the minimum score gap between the top hit and the
	// runner-up for the fuzzy stage to accept a match.
	FuzzyMargin float64 `yaml:"fuzzy_margin" mapstructure:"fuzzy_margin"`

	// FuzzyMinScore is the floor below which even an outright winner is
	// discarded.
	FuzzyMinScore float64 `yaml:"fuzzy_min_score" mapstructure:"fuzzy_min_score"`

	// MaxCandidates bounds the candidate list pulled from the full-text
	// search.
	MaxCandidates int `yaml:"max_candidates" mapstructure:"max_candidates"`
}

// DefaultConfig returns the production fuzzy-stage tuning.
func DefaultConfig() Config {
	return Config{
		FuzzyMargin:   0.15,
		FuzzyMinScore: 0.5,
		MaxCandidates: 10,
	}
}

// Input is the raw extracted triple handed to the resolver. Fields may be
// partially populated; a missing set name skips the exact stage.
type Input struct {
	Name       string
	SetName    string
	Identifier model.Identifier
}

// Resolver runs the staged cascade against a catalog index.
type Resolver struct {
	index *catalog.Index
	cfg   Config
}

// New creates a resolver over the given catalog index.
func New(index *catalog.Index, cfg Config) *Resolver {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 10
	}
	return &Resolver{index: index, cfg: cfg}
}

// Resolve maps in to a MatchResult. Stages run in order and the first hit
// wins: exact triplet, then name+number with exactly one candidate, then
// the fuzzy full-text fallback, then no_match. An integrity violation in
// the exact stage is surfaced as ErrCatalogIntegrity, never swallowed.
func (r *Resolver) Resolve(in Input) (model.MatchResult, error) {
	snap := r.index.Current() // one snapshot for the whole cascade

	name := normalize.Normalize(in.Name)
	set := normalize.Normalize(in.SetName)

	if name == "" {
		return r.noMatch(), nil
	}

	if in.Identifier.IsPromo() {
		return r.resolvePromo(snap, name, in.Identifier.PromoCode)
	}

	number := ""
	if in.Identifier.Number != "" {
		number = normalize.NormalizeNumber(in.Identifier.Number)
	}

	// Stage 1: exact composite lookup against the unique triplet index.
	if set != "" && number != "" {
		card, err := snap.LookupExact(name, set, number)
		if err != nil {
			return r.noMatch(), eris.Wrap(ErrCatalogIntegrity, err.Error())
		}
		if card != nil {
			return r.match(model.TierExactTriplet, card.ID), nil
		}
	}

	// Stage 2: drop the set constraint; accept only an unambiguous single
	// candidate. Zero or multiple candidates fall through to fuzzy search.
	if number != "" {
		candidates := snap.LookupNameNumber(name, number)
		if len(candidates) == 1 {
			return r.match(model.TierNameAndNumber, candidates[0].ID), nil
		}
		if len(candidates) > 1 {
			zap.L().Debug("resolver: ambiguous name+number stage",
				zap.String("name", name),
				zap.String("number", number),
				zap.Int("candidates", len(candidates)),
			)
		}
	}

	// Stage 3: fuzzy full-text fallback over the raw fields.
	return r.resolveFuzzy(snap, in), nil
}

func (r *Resolver) resolvePromo(snap *catalog.Snapshot, name, rawPromo string) (model.MatchResult, error) {
	promo := normalize.NormalizePromo(rawPromo)
	candidates := snap.LookupPromo(name, promo)
	switch len(candidates) {
	case 0:
		// Promo identifiers are opaque tokens; the numeric stages never
		// apply, so go straight to fuzzy.
		return r.resolveFuzzy(snap, Input{Name: name, Identifier: model.Identifier{PromoCode: promo}}), nil
	case 1:
		return r.match(model.TierExactTriplet, candidates[0].ID), nil
	default:
		return r.noMatch(), eris.Wrapf(ErrCatalogIntegrity,
			"duplicate promo rows for (%s, %s)", name, promo)
	}
}

func (r *Resolver) resolveFuzzy(snap *catalog.Snapshot, in Input) model.MatchResult {
	hits := snap.Search(in.Name, in.SetName, in.Identifier, r.cfg.MaxCandidates)
	if len(hits) == 0 || hits[0].Score < r.cfg.FuzzyMinScore {
		return r.noMatch()
	}
	// Accept only an outright winner: the runner-up must trail by the
	// configured margin.
	if len(hits) > 1 && hits[0].Score-hits[1].Score < r.cfg.FuzzyMargin {
		return r.noMatch()
	}
	return r.match(model.TierNameOnly, hits[0].Card.ID)
}

func (r *Resolver) match(tier model.MatchTier, cardID string) model.MatchResult {
	return model.MatchResult{
		Tier:            tier,
		CardID:          cardID,
		Confidence:      tier.Confidence(),
		ResolverVersion: Version,
	}
}

func (r *Resolver) noMatch() model.MatchResult {
	return model.MatchResult{
		Tier:            model.TierNoMatch,
		Confidence:      0,
		ResolverVersion: Version,
	}
}
