package decision

import (
	"time"

	"github.com/cardmint/intake/internal/model"
)

// unreachable is a threshold no raw confidence can clear; it makes a value
// tier structurally ineligible for auto-approval.
const unreachable = 1.01

// Config holds the tiered approval rules. Everything here is configured,
// never hardcoded into the decision logic.
type Config struct {
	// Thresholds maps a value tier to the minimum raw confidence required
	// for auto-approval. high_value defaults to an unreachable threshold.
	Thresholds map[string]float64 `yaml:"thresholds" mapstructure:"thresholds"`

	// TierAdjustments scales raw confidence by resolver match quality to
	// form the effective confidence recorded on every decision.
	TierAdjustments map[string]float64 `yaml:"tier_adjustments" mapstructure:"tier_adjustments"`

	// VerificationMargin: a raw confidence within this margin below the
	// threshold is worth a second model's opinion instead of a human's.
	VerificationMargin float64 `yaml:"verification_margin" mapstructure:"verification_margin"`

	// FallbackPenalty is subtracted from a fallback-lane result's
	// confidence before the threshold comparison.
	FallbackPenalty float64 `yaml:"fallback_penalty" mapstructure:"fallback_penalty"`

	// MaxAutoApprovalsPerHour caps auto-approvals in a rolling window;
	// past the cap everything downgrades to needs_verification.
	MaxAutoApprovalsPerHour int `yaml:"max_auto_approvals_per_hour" mapstructure:"max_auto_approvals_per_hour"`

	// RateWindow is the rolling window for the approval cap.
	RateWindow time.Duration `yaml:"rate_window" mapstructure:"rate_window"`
}

// DefaultConfig returns the production approval rules.
func DefaultConfig() Config {
	return Config{
		Thresholds: map[string]float64{
			string(model.ValueTierCommon):    0.92,
			string(model.ValueTierRare):      0.95,
			string(model.ValueTierHolo):      0.98,
			string(model.ValueTierVintage):   0.99,
			string(model.ValueTierHighValue): unreachable,
		},
		TierAdjustments: map[string]float64{
			string(model.TierExactTriplet):  1.0,
			string(model.TierNameAndNumber): 0.9,
			string(model.TierNameOnly):      0.75,
			string(model.TierNoMatch):       0.5,
		},
		VerificationMargin:      0.05,
		FallbackPenalty:         0.05,
		MaxAutoApprovalsPerHour: 200,
		RateWindow:              time.Hour,
	}
}

// thresholdFor returns the auto-approval threshold for a value tier. An
// unknown tier is never auto-approved.
func (c Config) thresholdFor(tier model.ValueTier) float64 {
	if t, ok := c.Thresholds[string(tier)]; ok {
		return t
	}
	return unreachable
}

// adjustmentFor returns the effective-confidence scale for a match tier.
func (c Config) adjustmentFor(tier model.MatchTier) float64 {
	if a, ok := c.TierAdjustments[string(tier)]; ok {
		return a
	}
	return 0.5
}
