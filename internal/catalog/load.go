package catalog

import (
	"encoding/csv"
	"io"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/cardmint/intake/internal/model"
	"github.com/cardmint/intake/internal/normalize"
)

// collectorNoPattern matches an inline collector number such as
// "Pikachu V #025/165" or "Charizard #6".
var collectorNoPattern = regexp.MustCompile(`#(\d+(?:/\d+)?)`)

// promoPattern recognizes promo-style identifiers in the number column.
var promoPattern = regexp.MustCompile(`^[A-Za-z]{2,}[A-Za-z0-9-]*$`)

// FromCSV parses a catalog export. Expected header columns: product_name,
// set_name, and optionally number and promo_code. When the number column is
// absent the collector number is extracted from the product name, matching
// the pricing-export format the catalog collaborator produces.
func FromCSV(r io.Reader) ([]model.CanonicalCard, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "catalog: read csv header")
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	nameIdx, ok := col["product_name"]
	if !ok {
		nameIdx, ok = col["name"]
	}
	if !ok {
		return nil, eris.New("catalog: csv missing product_name column")
	}
	setIdx, ok := col["set_name"]
	if !ok {
		setIdx, ok = col["console_name"]
	}
	if !ok {
		return nil, eris.New("catalog: csv missing set_name column")
	}

	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var cards []model.CanonicalCard
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "catalog: csv line %d", line)
		}
		if nameIdx >= len(rec) || setIdx >= len(rec) {
			continue
		}

		rawName := strings.TrimSpace(rec[nameIdx])
		rawSet := strings.TrimSpace(rec[setIdx])
		if rawName == "" || rawSet == "" {
			continue
		}

		number := field(rec, "number")
		promo := field(rec, "promo_code")
		if number == "" && promo == "" {
			if m := collectorNoPattern.FindStringSubmatch(rawName); m != nil {
				number = m[1]
			}
		}
		// A non-numeric identifier in the number column is a promo code.
		if promo == "" && number != "" && promoPattern.MatchString(number) {
			promo, number = number, ""
		}
		if number == "" && promo == "" {
			continue // not a resolvable row
		}

		cleanName := strings.TrimSpace(collectorNoPattern.ReplaceAllString(rawName, " "))

		card := model.CanonicalCard{
			ID:          uuid.New().String(),
			Name:        normalize.Normalize(cleanName),
			SetName:     normalize.Normalize(stripSetYear(rawSet)),
			DisplayName: cleanName,
			DisplaySet:  rawSet,
		}
		if promo != "" {
			card.PromoCode = normalize.NormalizePromo(promo)
		} else {
			card.Number = normalize.NormalizeNumber(number)
		}
		cards = append(cards, card)
	}
	return cards, nil
}

var trailingYear = regexp.MustCompile(`\s+\d{4}$`)

// stripSetYear drops a trailing release year from an export set name
// ("Base Set 1999" -> "Base Set").
func stripSetYear(set string) string {
	return strings.TrimSpace(trailingYear.ReplaceAllString(set, ""))
}

// SynonymsFromCSV parses a set-synonym mapping with header columns
// canonical_set_name and synonyms (semicolon separated). Keys and values
// are returned in canonical form.
func SynonymsFromCSV(r io.Reader) (map[string][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "catalog: read synonyms header")
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	canonIdx, ok := col["canonical_set_name"]
	if !ok {
		return nil, eris.New("catalog: synonyms csv missing canonical_set_name column")
	}
	synIdx, ok := col["synonyms"]
	if !ok {
		return nil, eris.New("catalog: synonyms csv missing synonyms column")
	}

	out := make(map[string][]string)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "catalog: read synonyms row")
		}
		if canonIdx >= len(rec) || synIdx >= len(rec) {
			continue
		}
		canon := normalize.Normalize(rec[canonIdx])
		if canon == "" {
			continue
		}
		for _, syn := range strings.Split(rec[synIdx], ";") {
			if s := normalize.Normalize(syn); s != "" && s != canon {
				out[canon] = append(out[canon], s)
			}
		}
	}
	return out, nil
}

// ApplySetSynonyms attaches alias set names to every card whose canonical
// set has synonyms defined.
func ApplySetSynonyms(cards []model.CanonicalCard, synonyms map[string][]string) {
	if len(synonyms) == 0 {
		return
	}
	for i := range cards {
		if aliases, ok := synonyms[cards[i].SetName]; ok {
			cards[i].SetAliases = append(cards[i].SetAliases, aliases...)
		}
	}
}
