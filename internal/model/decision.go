package model

import "time"

// MatchTier is the quality level of a catalog match, from strongest to none.
type MatchTier string

const (
	TierExactTriplet  MatchTier = "exact_triplet"
	TierNameAndNumber MatchTier = "name_and_number"
	TierNameOnly      MatchTier = "name_only"
	TierNoMatch       MatchTier = "no_match"
)

// Confidence returns the resolver confidence derived from the tier.
func (t MatchTier) Confidence() float64 {
	switch t {
	case TierExactTriplet:
		return 1.0
	case TierNameAndNumber:
		return 0.75
	case TierNameOnly:
		return 0.4
	default:
		return 0
	}
}

// AtLeast reports whether t is as strong as other in the tier ordering.
func (t MatchTier) AtLeast(other MatchTier) bool {
	return t.rank() >= other.rank()
}

func (t MatchTier) rank() int {
	switch t {
	case TierExactTriplet:
		return 3
	case TierNameAndNumber:
		return 2
	case TierNameOnly:
		return 1
	default:
		return 0
	}
}

// MatchResult is the resolver's verdict for one extraction.
type MatchResult struct {
	Tier            MatchTier `json:"tier"`
	CardID          string    `json:"card_id,omitempty"`
	Confidence      float64   `json:"confidence"`
	ResolverVersion string    `json:"resolver_version"`
}

// ValueTier is the business classification of an item's worth, supplied by
// an external collaborator. It drives approval strictness.
type ValueTier string

const (
	ValueTierCommon    ValueTier = "common"
	ValueTierRare      ValueTier = "rare"
	ValueTierHolo      ValueTier = "holo"
	ValueTierVintage   ValueTier = "vintage"
	ValueTierHighValue ValueTier = "high_value"
)

// Outcome is the final verdict class for a capture.
type Outcome string

const (
	OutcomeAutoApproved      Outcome = "auto_approved"
	OutcomeNeedsVerification Outcome = "needs_verification"
	OutcomeNeedsManualReview Outcome = "needs_manual_review"
)

// Decision is the immutable final verdict for one capture processing run.
// A re-run inserts a new Decision row; existing rows are never mutated.
type Decision struct {
	ID                  string     `json:"id"`
	CaptureID           string     `json:"capture_id"`
	Outcome             Outcome    `json:"outcome"`
	Reason              ReasonCode `json:"reason,omitempty"`
	RawConfidence       float64    `json:"raw_confidence"`
	EffectiveConfidence float64    `json:"effective_confidence"`
	ValueTier           ValueTier  `json:"value_tier"`
	MatchTier           MatchTier  `json:"match_tier"`
	CardID              string     `json:"card_id,omitempty"`
	Lane                Lane       `json:"lane"`
	ApprovalID          string     `json:"approval_id,omitempty"`
	ModelVersion        string     `json:"model_version"`
	ResolverVersion     string     `json:"resolver_version"`
	InputHash           string     `json:"input_hash"`
	CreatedAt           time.Time  `json:"created_at"`
}
