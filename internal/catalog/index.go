// Package catalog provides the read-only card catalog index consumed by the
// resolver. The index is an immutable in-memory snapshot swapped atomically
// on refresh, so a resolving capture never observes a half-loaded catalog.
package catalog

import (
	"sync/atomic"

	"github.com/rotisserie/eris"

	"github.com/cardmint/intake/internal/model"
	"github.com/cardmint/intake/internal/normalize"
)

// ErrDuplicateTriplet indicates the catalog contains more than one row for
// the same (name, set, number) triplet. This is a data integrity violation
// and must never be silently resolved to one of the rows.
var ErrDuplicateTriplet = eris.New("catalog: duplicate exact-triplet rows")

// Snapshot is one immutable catalog generation.
type Snapshot struct {
	version string
	cards   map[string]model.CanonicalCard // by surrogate id

	byTriplet    map[model.TripletKey][]string // ids; >1 is an integrity violation
	byNameNumber map[nameNumberKey][]string
	byPromo      map[promoKey][]string
	tokens       *tokenIndex
}

type nameNumberKey struct {
	name   string
	number string
}

type promoKey struct {
	name  string
	promo string
}

// Version identifies the snapshot generation for audit rows.
func (s *Snapshot) Version() string { return s.version }

// Size returns the number of cards in the snapshot.
func (s *Snapshot) Size() int { return len(s.cards) }

// Card returns the card with the given surrogate id.
func (s *Snapshot) Card(id string) (model.CanonicalCard, bool) {
	c, ok := s.cards[id]
	return c, ok
}

// LookupExact performs the unique-index triplet lookup. Inputs must already
// be canonical. Returns ErrDuplicateTriplet when the catalog holds more
// than one row for the key.
func (s *Snapshot) LookupExact(name, set, number string) (*model.CanonicalCard, error) {
	ids := s.byTriplet[model.TripletKey{Name: name, SetName: set, Number: number}]
	switch len(ids) {
	case 0:
		return nil, nil
	case 1:
		c := s.cards[ids[0]]
		return &c, nil
	default:
		return nil, eris.Wrapf(ErrDuplicateTriplet, "(%s, %s, %s): %d rows", name, set, number, len(ids))
	}
}

// LookupNameNumber drops the set constraint and returns every card whose
// canonical name and number match.
func (s *Snapshot) LookupNameNumber(name, number string) []model.CanonicalCard {
	ids := s.byNameNumber[nameNumberKey{name: name, number: number}]
	out := make([]model.CanonicalCard, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.cards[id])
	}
	return out
}

// LookupPromo matches a promo identifier as an opaque token against promo
// catalog entries with the given canonical name.
func (s *Snapshot) LookupPromo(name, promo string) []model.CanonicalCard {
	ids := s.byPromo[promoKey{name: name, promo: promo}]
	out := make([]model.CanonicalCard, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.cards[id])
	}
	return out
}

// Index holds the current snapshot behind an atomic pointer. Reads are
// lock-free; Reload swaps the whole generation at once.
type Index struct {
	current atomic.Pointer[Snapshot]
}

// NewIndex creates an index populated with the given cards.
func NewIndex(version string, cards []model.CanonicalCard) *Index {
	idx := &Index{}
	idx.current.Store(buildSnapshot(version, cards))
	return idx
}

// Current returns the active snapshot. Callers hold the same snapshot for
// the duration of one resolution.
func (i *Index) Current() *Snapshot {
	return i.current.Load()
}

// Reload atomically replaces the active snapshot.
func (i *Index) Reload(version string, cards []model.CanonicalCard) {
	i.current.Store(buildSnapshot(version, cards))
}

func buildSnapshot(version string, cards []model.CanonicalCard) *Snapshot {
	s := &Snapshot{
		version:      version,
		cards:        make(map[string]model.CanonicalCard, len(cards)),
		byTriplet:    make(map[model.TripletKey][]string, len(cards)),
		byNameNumber: make(map[nameNumberKey][]string, len(cards)),
		byPromo:      make(map[promoKey][]string),
		tokens:       newTokenIndex(),
	}
	for _, c := range cards {
		s.cards[c.ID] = c
		if c.PromoCode != "" {
			k := promoKey{name: c.Name, promo: normalize.NormalizePromo(c.PromoCode)}
			s.byPromo[k] = append(s.byPromo[k], c.ID)
		} else {
			s.byTriplet[c.Key()] = append(s.byTriplet[c.Key()], c.ID)
			for _, alias := range c.SetAliases {
				k := model.TripletKey{Name: c.Name, SetName: alias, Number: c.Number}
				s.byTriplet[k] = append(s.byTriplet[k], c.ID)
			}
			nn := nameNumberKey{name: c.Name, number: c.Number}
			s.byNameNumber[nn] = append(s.byNameNumber[nn], c.ID)
		}
		s.tokens.add(c)
	}
	return s
}
