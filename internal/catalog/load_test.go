package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCSV_PricingExportFormat(t *testing.T) {
	csvData := `product_name,console_name
Pikachu #025/165,Pokemon Scarlet & Violet 151
Charizard #4,Pokemon Base Set 1999
No Number Card,Pokemon Jungle
`
	cards, err := FromCSV(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, cards, 2) // row without an identifier is skipped

	assert.Equal(t, "pikachu", cards[0].Name)
	assert.Equal(t, "25", cards[0].Number)
	assert.Equal(t, "pokemon scarlet & violet 151", cards[0].SetName)
	assert.Equal(t, "Pikachu", cards[0].DisplayName)

	assert.Equal(t, "charizard", cards[1].Name)
	assert.Equal(t, "4", cards[1].Number)
	// Trailing release year is dropped from the set name.
	assert.Equal(t, "pokemon base set", cards[1].SetName)
}

func TestFromCSV_ExplicitColumns(t *testing.T) {
	csvData := `name,set_name,number,promo_code
Pikachu,Base Set,25/102,
Pikachu,Black Star Promos,,SWSH001
Mew,Promos,XY110,
`
	cards, err := FromCSV(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, cards, 3)

	assert.Equal(t, "25", cards[0].Number)
	assert.Empty(t, cards[0].PromoCode)

	assert.Equal(t, "SWSH001", cards[1].PromoCode)
	assert.Empty(t, cards[1].Number)

	// Alphanumeric identifier in the number column is treated as a promo code.
	assert.Equal(t, "XY110", cards[2].PromoCode)
	assert.Empty(t, cards[2].Number)
}

func TestFromCSV_MissingColumns(t *testing.T) {
	_, err := FromCSV(strings.NewReader("foo,bar\n1,2\n"))
	require.Error(t, err)
}

func TestSynonymsFromCSV(t *testing.T) {
	csvData := `canonical_set_name,synonyms
EX Sandstorm,Sandstorm;ex sandstorm
Base Set,
`
	syn, err := SynonymsFromCSV(strings.NewReader(csvData))
	require.NoError(t, err)

	assert.Equal(t, []string{"sandstorm"}, syn["ex sandstorm"])
	assert.NotContains(t, syn, "base set")
}

func TestApplySetSynonyms(t *testing.T) {
	cards, err := FromCSV(strings.NewReader("name,set_name,number\nEspeon,EX Sandstorm,16\n"))
	require.NoError(t, err)
	require.Len(t, cards, 1)

	ApplySetSynonyms(cards, map[string][]string{"ex sandstorm": {"sandstorm"}})
	assert.Equal(t, []string{"sandstorm"}, cards[0].SetAliases)
}
