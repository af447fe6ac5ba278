// Package pipeline orchestrates a capture's full journey: inference
// routing, catalog resolution, the tiered decision, and verifier follow-up.
// Each capture is owned by exactly one worker at a time; stage results are
// persisted at every boundary so a crash never loses a settled stage.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cardmint/intake/internal/audit"
	"github.com/cardmint/intake/internal/decision"
	"github.com/cardmint/intake/internal/metrics"
	"github.com/cardmint/intake/internal/model"
	"github.com/cardmint/intake/internal/resolver"
	"github.com/cardmint/intake/internal/router"
	"github.com/cardmint/intake/internal/store"
	"github.com/cardmint/intake/internal/verifier"
)

// ErrCaptureBusy is returned when a capture is already being processed by
// another worker.
var ErrCaptureBusy = eris.New("pipeline: capture already in progress")

// ErrCaptureSettled is returned when Process is asked to run a capture that
// already reached a terminal status. Reprocess exists for explicit re-runs.
var ErrCaptureSettled = eris.New("pipeline: capture already settled")

// Config tunes the orchestrator.
type Config struct {
	// Workers bounds concurrent capture processing.
	Workers int `yaml:"workers" mapstructure:"workers"`

	// PollInterval is the idle sleep between queue polls.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// VerifyTimeout bounds one secondary-verifier call.
	VerifyTimeout time.Duration `yaml:"verify_timeout" mapstructure:"verify_timeout"`
}

// DefaultConfig returns production orchestrator tuning.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		PollInterval:  2 * time.Second,
		VerifyTimeout: 30 * time.Second,
	}
}

// Pipeline wires the stages together. Safe for concurrent use.
type Pipeline struct {
	cfg      Config
	store    store.Store
	router   *router.Router
	resolver *resolver.Resolver
	engine   *decision.Engine
	verifier verifier.Client // may be nil
	audit    *audit.Log
	reg      *metrics.Registry

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates a Pipeline with all dependencies. verifierClient may be nil,
// in which case needs_verification captures wait for an external operator.
func New(
	cfg Config,
	st store.Store,
	rt *router.Router,
	rs *resolver.Resolver,
	eng *decision.Engine,
	verifierClient verifier.Client,
	log *audit.Log,
	reg *metrics.Registry,
) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 30 * time.Second
	}
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		router:   rt,
		resolver: rs,
		engine:   eng,
		verifier: verifierClient,
		audit:    log,
		reg:      reg,
		active:   map[string]struct{}{},
	}
}

// claim takes single-writer ownership of a capture for the duration of one
// processing run.
func (p *Pipeline) claim(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.active[id]; busy {
		return ErrCaptureBusy
	}
	p.active[id] = struct{}{}
	return nil
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, id)
}

func (p *Pipeline) claimed(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[id]
	return ok
}

// Process runs one capture end to end. A capture already settled is an
// error; Reprocess exists for explicit re-runs.
func (p *Pipeline) Process(ctx context.Context, captureID string) (*model.Decision, error) {
	if err := p.claim(captureID); err != nil {
		return nil, err
	}
	defer p.release(captureID)

	cap, err := p.store.GetCapture(ctx, captureID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load capture %s", captureID)
	}
	if cap.Status.Terminal() {
		return nil, eris.Wrapf(ErrCaptureSettled, "capture %s is %s", cap.ID, cap.Status)
	}
	return p.run(ctx, *cap)
}

// Reprocess re-runs a settled capture. The prior decision rows stay; the
// new run appends its own.
func (p *Pipeline) Reprocess(ctx context.Context, captureID string) (*model.Decision, error) {
	if err := p.claim(captureID); err != nil {
		return nil, err
	}
	defer p.release(captureID)

	cap, err := p.store.GetCapture(ctx, captureID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load capture %s", captureID)
	}
	cap.Status = model.CaptureStatusPending
	cap.Reason = ""
	if err := p.store.UpdateCaptureStatus(ctx, cap.ID, model.CaptureStatusPending, ""); err != nil {
		return nil, err
	}
	return p.run(ctx, *cap)
}

// Requeue resets a capture to pending so the worker pool re-runs it under
// the normal admission limit. The prior decision rows stay, as with
// Reprocess.
func (p *Pipeline) Requeue(ctx context.Context, captureID string) error {
	if err := p.claim(captureID); err != nil {
		return err
	}
	defer p.release(captureID)

	if _, err := p.store.GetCapture(ctx, captureID); err != nil {
		return eris.Wrapf(err, "pipeline: load capture %s", captureID)
	}
	return p.store.UpdateCaptureStatus(ctx, captureID, model.CaptureStatusPending, "")
}

// pastExtraction reports whether a capture's recorded stage implies a
// persisted extraction to re-enter from.
func pastExtraction(s model.CaptureStatus) bool {
	switch s {
	case model.CaptureStatusExtracted, model.CaptureStatusResolving, model.CaptureStatusDeciding:
		return true
	}
	return false
}

func (p *Pipeline) run(ctx context.Context, cap model.Capture) (*model.Decision, error) {
	log := zap.L().With(zap.String("capture_id", cap.ID), zap.String("image_ref", cap.ImageRef))
	start := time.Now()

	// A capture interrupted after its extraction landed re-enters at
	// resolution with the persisted result instead of paying a second
	// inference round.
	var ex *model.ExtractionResult
	if pastExtraction(cap.Status) {
		stored, err := p.store.LatestExtraction(ctx, cap.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: load extraction for %s", cap.ID)
		}
		if stored != nil {
			ex = stored
			log.Info("pipeline: resuming from persisted extraction",
				zap.String("stage", string(cap.Status)),
				zap.String("extraction_id", ex.ID),
			)
		}
	}

	if ex == nil {
		// Stage 1: inference routing.
		p.setStatus(ctx, &cap, model.CaptureStatusRouting, "")
		routed, err := p.router.Route(ctx, cap)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Shutdown mid-route: leave the capture in flight for resume.
				return nil, eris.Wrapf(err, "pipeline: routing interrupted for %s", cap.ID)
			}
			log.Warn("pipeline: routing failed", zap.Error(err))
			p.setStatus(ctx, &cap, model.CaptureStatusFlagged, model.ReasonInferenceFailed)
			return nil, eris.Wrapf(err, "pipeline: route capture %s", cap.ID)
		}
		ex = routed
		if err := p.store.SaveExtraction(ctx, *ex); err != nil {
			return nil, eris.Wrapf(err, "pipeline: persist extraction for %s", cap.ID)
		}
		p.setStatus(ctx, &cap, model.CaptureStatusExtracted, "")
	}

	// Stage 2: catalog resolution.
	p.setStatus(ctx, &cap, model.CaptureStatusResolving, "")
	match, err := p.resolver.Resolve(resolver.Input{
		Name:       ex.CardTitle,
		SetName:    ex.SetName,
		Identifier: ex.Identifier,
	})
	if err != nil {
		if errors.Is(err, resolver.ErrCatalogIntegrity) {
			log.Error("pipeline: catalog integrity violation", zap.Error(err))
			p.setStatus(ctx, &cap, model.CaptureStatusRejected, model.ReasonCatalogIntegrity)
			return nil, eris.Wrapf(err, "pipeline: resolve capture %s", cap.ID)
		}
		return nil, eris.Wrapf(err, "pipeline: resolve capture %s", cap.ID)
	}

	// Stage 3: decision.
	p.setStatus(ctx, &cap, model.CaptureStatusDeciding, "")
	d := p.engine.Decide(ctx, cap, *ex, match, cap.ValueTier)
	if err := p.store.SaveDecision(ctx, d); err != nil {
		return nil, eris.Wrapf(err, "pipeline: persist decision for %s", cap.ID)
	}

	switch d.Outcome {
	case model.OutcomeAutoApproved:
		p.setStatus(ctx, &cap, model.CaptureStatusAccepted, "")
	case model.OutcomeNeedsVerification:
		p.setStatus(ctx, &cap, model.CaptureStatusAwaitingVerification, d.Reason)
		if p.verifier != nil {
			p.verify(ctx, &cap, *ex, d)
		}
	case model.OutcomeNeedsManualReview:
		p.setStatus(ctx, &cap, model.CaptureStatusFlagged, d.Reason)
	}

	p.reg.ObserveLatency(metrics.SeriesPipeline, time.Since(start))
	log.Info("pipeline: capture settled",
		zap.String("status", string(cap.Status)),
		zap.String("outcome", string(d.Outcome)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &d, nil
}

// setStatus persists a capture state transition and mirrors it onto the
// audit stream. A failed write is logged and processing continues; resume
// re-derives from the last state that did land.
func (p *Pipeline) setStatus(ctx context.Context, cap *model.Capture, status model.CaptureStatus, reason model.ReasonCode) {
	from := cap.Status
	cap.Status = status
	cap.Reason = reason

	if err := p.store.UpdateCaptureStatus(ctx, cap.ID, status, reason); err != nil {
		zap.L().Warn("pipeline: status update failed",
			zap.String("capture_id", cap.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	p.audit.Append(audit.KindCaptureState, cap.ID, map[string]string{
		"from":   string(from),
		"to":     string(status),
		"reason": string(reason),
	})
}
