// Package decision turns an extraction plus a catalog match into a final
// verdict: auto-approve, route to a secondary verifier, or hand to a human.
// Thresholds scale with the item's value tier so that a cheap common and a
// vintage holo are never judged by the same bar.
package decision

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cardmint/intake/internal/audit"
	"github.com/cardmint/intake/internal/metrics"
	"github.com/cardmint/intake/internal/model"
)

// Engine applies the tiered approval rules. It is safe for concurrent use;
// the approval cap is serialized through the limiter actor.
type Engine struct {
	cfg     Config
	limiter *ApprovalLimiter
	audit   *audit.Log
	reg     *metrics.Registry
	now     func() time.Time
}

// NewEngine wires the approval rules to the audit log and metrics registry.
// The caller owns the limiter's lifecycle via Close.
func NewEngine(cfg Config, log *audit.Log, reg *metrics.Registry) *Engine {
	return &Engine{
		cfg:     cfg,
		limiter: NewApprovalLimiter(cfg.MaxAutoApprovalsPerHour, cfg.RateWindow),
		audit:   log,
		reg:     reg,
		now:     time.Now,
	}
}

// Close stops the approval limiter.
func (e *Engine) Close() {
	e.limiter.Close()
}

// Decide produces the immutable verdict for one capture run. Every call
// appends an audit event carrying the full reasoning inputs, whatever the
// outcome.
func (e *Engine) Decide(ctx context.Context, cap model.Capture, ex model.ExtractionResult, match model.MatchResult, tier model.ValueTier) model.Decision {
	threshold := e.cfg.thresholdFor(tier)
	raw := ex.Confidence

	effective := raw * e.cfg.adjustmentFor(match.Tier)
	if ex.Lane == model.LaneFallback {
		effective -= e.cfg.FallbackPenalty
	}
	if effective < 0 {
		effective = 0
	}

	d := model.Decision{
		ID:                  uuid.New().String(),
		CaptureID:           cap.ID,
		RawConfidence:       raw,
		EffectiveConfidence: effective,
		ValueTier:           tier,
		MatchTier:           match.Tier,
		CardID:              match.CardID,
		Lane:                ex.Lane,
		ModelVersion:        ex.ModelVersion,
		ResolverVersion:     match.ResolverVersion,
		InputHash:           ex.InputHash,
		CreatedAt:           e.now().UTC(),
	}

	switch {
	case e.approvable(raw, threshold, ex.Lane, match.Tier, tier):
		if e.limiter.TryAcquire(ctx) {
			d.Outcome = model.OutcomeAutoApproved
			d.ApprovalID = uuid.New().String()
		} else {
			// Over the rolling cap: the verdict itself was approval-worthy,
			// so a second model opinion is enough to release it.
			d.Outcome = model.OutcomeNeedsVerification
			d.Reason = model.ReasonRateLimited
			e.reg.Inc(metrics.RateLimitedTotal)
		}
	case raw >= threshold-e.cfg.VerificationMargin:
		d.Outcome = model.OutcomeNeedsVerification
		d.Reason = model.ReasonLowConfidence
	default:
		d.Outcome = model.OutcomeNeedsManualReview
		d.Reason = model.ReasonLowConfidence
	}

	switch d.Outcome {
	case model.OutcomeAutoApproved:
		e.reg.Inc(metrics.AutoApprovedTotal)
	case model.OutcomeNeedsVerification:
		e.reg.Inc(metrics.VerificationsTotal)
	case model.OutcomeNeedsManualReview:
		e.reg.Inc(metrics.ManualReviewsTotal)
	}

	e.audit.Append(audit.KindDecision, cap.ID, d)
	zap.L().Info("decision",
		zap.String("capture_id", cap.ID),
		zap.String("outcome", string(d.Outcome)),
		zap.String("value_tier", string(tier)),
		zap.String("match_tier", string(match.Tier)),
		zap.Float64("raw_confidence", raw),
		zap.Float64("effective_confidence", effective),
	)
	return d
}

// approvable checks the auto-approval gate before the rolling cap is
// consulted.
func (e *Engine) approvable(raw, threshold float64, lane model.Lane, matchTier model.MatchTier, tier model.ValueTier) bool {
	if raw < threshold {
		return false
	}
	if lane == model.LaneFallback && raw-e.cfg.FallbackPenalty < threshold {
		return false
	}
	switch {
	case matchTier == model.TierNoMatch:
		// A confident extraction of an uncataloged common is still sellable
		// stock; anything pricier with no catalog identity goes to a human
		// or a verifier first.
		return tier == model.ValueTierCommon
	case tier == model.ValueTierHolo:
		return matchTier.AtLeast(model.TierNameAndNumber)
	default:
		return true
	}
}
