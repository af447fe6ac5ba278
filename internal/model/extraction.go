package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rotisserie/eris"
)

// Lane identifies which inference backend produced a result.
type Lane string

const (
	LanePrimary  Lane = "primary"
	LaneFallback Lane = "fallback"
)

// Identifier is a card's collector identity: either a number within a set
// (possibly expressed as "N/total") or an opaque promo code. Exactly one of
// the two forms must be populated for a resolvable item.
type Identifier struct {
	Number    string `json:"number,omitempty"`
	SetSize   string `json:"set_size,omitempty"`
	PromoCode string `json:"promo_code,omitempty"`
}

// IsPromo reports whether the identifier is a promo code.
func (id Identifier) IsPromo() bool {
	return id.PromoCode != ""
}

// Validate enforces the mutual-exclusion rule: a numbered identifier and a
// promo code may never coexist, and at least one form must be present.
func (id Identifier) Validate() error {
	if id.PromoCode != "" && id.Number != "" {
		return eris.New("identifier: promo_code and number are mutually exclusive")
	}
	if id.PromoCode == "" && id.Number == "" {
		return eris.New("identifier: neither number nor promo_code present")
	}
	return nil
}

// ExtractionResult is the output of one successful inference pass over a
// capture. Held in memory during processing and persisted as an immutable
// audit row.
type ExtractionResult struct {
	ID           string     `json:"id"`
	CaptureID    string     `json:"capture_id"`
	CardTitle    string     `json:"card_title"`
	SetName      string     `json:"set_name"`
	Identifier   Identifier `json:"identifier"`
	Confidence   float64    `json:"confidence"`
	Lane         Lane       `json:"lane"`
	Attempts     int        `json:"attempts"`
	LatencyMS    int64      `json:"latency_ms"`
	ModelVersion string     `json:"model_version"`
	InputHash    string     `json:"input_hash"`
	CreatedAt    time.Time  `json:"created_at"`
}

// InputHash derives the idempotency key for an inference input: re-runs of
// the same image against the same model version hash identically, so
// reprocessing is detectable rather than silent.
func InputHash(imageRef string, lane Lane, modelVersion string) string {
	h := sha256.New()
	h.Write([]byte(imageRef))
	h.Write([]byte{0})
	h.Write([]byte(lane))
	h.Write([]byte{0})
	h.Write([]byte(modelVersion))
	return hex.EncodeToString(h.Sum(nil))
}
