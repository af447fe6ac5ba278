package model

// CanonicalCard is one catalog entry. All three key fields are stored in
// canonical (normalized) form; the pipeline treats the catalog as read-only.
type CanonicalCard struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SetName     string `json:"set_name"`
	Number      string `json:"number"`
	PromoCode   string `json:"promo_code,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	DisplaySet  string `json:"display_set,omitempty"`

	// SetAliases holds alternate canonical set names (e.g. "ex sandstorm"
	// vs "sandstorm") that should index to the same card.
	SetAliases []string `json:"set_aliases,omitempty"`
}

// TripletKey is the composite identity of a card inside the catalog index.
type TripletKey struct {
	Name    string
	SetName string
	Number  string
}

// Key returns the card's triplet key.
func (c CanonicalCard) Key() TripletKey {
	return TripletKey{Name: c.Name, SetName: c.SetName, Number: c.Number}
}
