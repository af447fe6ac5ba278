package catalog

import (
	"sort"

	"github.com/cardmint/intake/internal/model"
	"github.com/cardmint/intake/internal/normalize"
)

// SearchHit is one scored candidate from the full-text fallback.
type SearchHit struct {
	Card  model.CanonicalCard
	Score float64
}

// token weights: a matching collector number or set token is a much
// stronger signal than a name token.
const (
	nameTokenWeight   = 1.0
	setTokenWeight    = 1.5
	numberTokenWeight = 2.5
)

type postings struct {
	name   map[string][]string // folded token -> card ids
	set    map[string][]string
	number map[string][]string
}

type tokenIndex struct {
	p postings
}

func newTokenIndex() *tokenIndex {
	return &tokenIndex{p: postings{
		name:   make(map[string][]string),
		set:    make(map[string][]string),
		number: make(map[string][]string),
	}}
}

func (ti *tokenIndex) add(c model.CanonicalCard) {
	for _, tok := range normalize.Tokenize(c.Name) {
		ti.p.name[tok] = append(ti.p.name[tok], c.ID)
	}
	for _, tok := range normalize.Tokenize(c.SetName) {
		ti.p.set[tok] = append(ti.p.set[tok], c.ID)
	}
	if c.Number != "" {
		ti.p.number[c.Number] = append(ti.p.number[c.Number], c.ID)
	}
	if c.PromoCode != "" {
		for _, tok := range normalize.Tokenize(c.PromoCode) {
			ti.p.number[tok] = append(ti.p.number[tok], c.ID)
		}
	}
}

// Search runs the tokenized, diacritic-insensitive full-text fallback over
// the raw (non-canonical) fields and returns candidates in descending score
// order. Scores are normalized by the query's maximum achievable score so a
// perfect match scores 1.0. Collector numbers query the number channel as a
// single canonical key; promo codes are opaque and query it tokenized, the
// same way the index stores them.
func (s *Snapshot) Search(rawName, rawSet string, ident model.Identifier, limit int) []SearchHit {
	scores := make(map[string]float64)

	nameToks := normalize.Tokenize(rawName)
	setToks := normalize.Tokenize(rawSet)

	var numberToks []string
	switch {
	case ident.IsPromo():
		numberToks = normalize.Tokenize(ident.PromoCode)
	case ident.Number != "":
		numberToks = []string{normalize.NormalizeNumber(ident.Number)}
	}

	maxScore := float64(len(nameToks))*nameTokenWeight + float64(len(setToks))*setTokenWeight
	for _, tok := range nameToks {
		for _, id := range s.tokens.p.name[tok] {
			scores[id] += nameTokenWeight
		}
	}
	for _, tok := range setToks {
		for _, id := range s.tokens.p.set[tok] {
			scores[id] += setTokenWeight
		}
	}
	for _, tok := range numberToks {
		maxScore += numberTokenWeight
		for _, id := range s.tokens.p.number[tok] {
			scores[id] += numberTokenWeight
		}
	}
	if maxScore == 0 {
		return nil
	}

	hits := make([]SearchHit, 0, len(scores))
	for id, sc := range scores {
		hits = append(hits, SearchHit{Card: s.cards[id], Score: sc / maxScore})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Card.ID < hits[j].Card.ID // deterministic order
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
