package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/cardmint/intake/internal/audit"
	"github.com/cardmint/intake/internal/model"
	"github.com/cardmint/intake/internal/verifier"
)

// verify submits a needs_verification capture to the secondary model and
// settles it on the verdict. A verifier error leaves the capture in
// awaiting_verification; DispatchVerifications retries those later.
func (p *Pipeline) verify(ctx context.Context, cap *model.Capture, ex model.ExtractionResult, d model.Decision) {
	log := zap.L().With(zap.String("capture_id", cap.ID))

	vctx, cancel := context.WithTimeout(ctx, p.cfg.VerifyTimeout)
	defer cancel()

	verdict, err := p.verifier.Verify(vctx, verifier.Request{
		CaptureID:  cap.ID,
		ImageRef:   cap.ImageRef,
		CardID:     d.CardID,
		CardTitle:  ex.CardTitle,
		SetName:    ex.SetName,
		Confidence: d.RawConfidence,
	})
	if err != nil {
		log.Warn("pipeline: verifier unavailable, capture stays queued", zap.Error(err))
		return
	}

	p.audit.Append(audit.KindDecision, cap.ID, map[string]any{
		"verifier_approved":   verdict.Approved,
		"verifier_confidence": verdict.Confidence,
		"decision_id":         d.ID,
	})

	if verdict.Approved {
		p.setStatus(ctx, cap, model.CaptureStatusAccepted, "")
		return
	}
	p.setStatus(ctx, cap, model.CaptureStatusFlagged, model.ReasonVerifierRejected)
}

// DispatchVerifications sweeps captures parked in awaiting_verification and
// submits each to the verifier. Called periodically by the serve loop and
// once at startup, after Resume.
func (p *Pipeline) DispatchVerifications(ctx context.Context) error {
	if p.verifier == nil {
		return nil
	}

	caps, err := p.store.ListCaptures(ctx, listAwaiting())
	if err != nil {
		return err
	}
	for _, cap := range caps {
		if err := p.claim(cap.ID); err != nil {
			continue // another worker owns it
		}

		ex, exErr := p.store.LatestExtraction(ctx, cap.ID)
		ds, dsErr := p.store.ListDecisions(ctx, cap.ID)
		if exErr != nil || dsErr != nil || ex == nil || len(ds) == 0 {
			zap.L().Warn("pipeline: awaiting capture missing stage data, skipping",
				zap.String("capture_id", cap.ID))
			p.release(cap.ID)
			continue
		}

		c := cap
		p.verify(ctx, &c, *ex, ds[len(ds)-1])
		p.release(cap.ID)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
