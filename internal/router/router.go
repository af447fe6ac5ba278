// Package router drives each capture through the two-lane inference state
// machine: a primary backend with one bounded retry, then a fallback
// backend, then hard failure. The router owns all retry state; backends
// are single-shot clients.
package router

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cardmint/intake/internal/metrics"
	"github.com/cardmint/intake/internal/model"
	"github.com/cardmint/intake/pkg/vision"
)

// Routing error taxonomy. Timeout and inference errors are recovered via
// retry/fallback and reach the audit log only on final failure.
var (
	ErrInferenceTimeout = eris.New("router: inference timeout")
	ErrInference        = eris.New("router: inference error")
	ErrRoutingFailed    = eris.New("router: all lanes exhausted")
)

// LaneConfig tunes one inference lane.
type LaneConfig struct {
	// Timeout bounds a single attempt. On expiry the in-flight call is
	// abandoned, not awaited.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// RateLimit caps dispatch against the lane's backend (requests per
	// second). Zero disables the limiter.
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst     int     `yaml:"burst" mapstructure:"burst"`
}

// Config holds per-lane tuning.
type Config struct {
	Primary  LaneConfig `yaml:"primary" mapstructure:"primary"`
	Fallback LaneConfig `yaml:"fallback" mapstructure:"fallback"`
}

// DefaultConfig returns production lane tuning.
func DefaultConfig() Config {
	return Config{
		Primary:  LaneConfig{Timeout: 10 * time.Second, RateLimit: 2, Burst: 2},
		Fallback: LaneConfig{Timeout: 30 * time.Second, RateLimit: 1, Burst: 1},
	}
}

// Transition is one edge of the routing state machine, emitted to the
// audit stream.
type Transition struct {
	CaptureID string
	From      State
	To        State
	Lane      model.Lane
	AttemptID string
	Err       string
	At        time.Time
}

// Router routes captures across the primary and fallback lanes.
type Router struct {
	primary  vision.Client
	fallback vision.Client
	cfg      Config
	reg      *metrics.Registry

	primaryLimiter  *rate.Limiter
	fallbackLimiter *rate.Limiter

	// OnTransition, when set, receives every state machine edge. The
	// pipeline wires this to the audit log.
	OnTransition func(Transition)
}

// New creates a Router over the two lane clients.
func New(primary, fallback vision.Client, cfg Config, reg *metrics.Registry) *Router {
	r := &Router{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		reg:      reg,
	}
	if cfg.Primary.RateLimit > 0 {
		r.primaryLimiter = rate.NewLimiter(rate.Limit(cfg.Primary.RateLimit), max(cfg.Primary.Burst, 1))
	}
	if cfg.Fallback.RateLimit > 0 {
		r.fallbackLimiter = rate.NewLimiter(rate.Limit(cfg.Fallback.RateLimit), max(cfg.Fallback.Burst, 1))
	}
	return r
}

// Route runs the state machine for one capture and returns the extraction
// on success. On exhaustion it returns an error wrapping ErrRoutingFailed;
// the orchestrator turns that into a flagged capture, never a dropped one.
func (r *Router) Route(ctx context.Context, capture model.Capture) (*model.ExtractionResult, error) {
	log := zap.L().With(zap.String("capture_id", capture.ID))

	state := StateIntake
	primaryAttempts := 0
	totalAttempts := 0
	var lastErr error

	r.emit(capture.ID, state, StatePrimaryAttempt, model.LanePrimary, "", nil)
	state = StatePrimaryAttempt

	for !state.Terminal() {
		lane, client, laneCfg, limiter := r.lane(state)

		totalAttempts++
		if lane == model.LanePrimary {
			primaryAttempts++
		}

		payload, latency, attemptID, err := r.attempt(ctx, client, lane, laneCfg, limiter, capture.ImageRef)
		r.reg.ObserveLatency(string(lane), latency)

		if err == nil {
			r.reg.Inc(metrics.ExtractionsTotal)
			r.emit(capture.ID, state, StateExtracted, lane, attemptID, nil)
			result := &model.ExtractionResult{
				ID:           uuid.New().String(),
				CaptureID:    capture.ID,
				CardTitle:    payload.CardTitle,
				SetName:      payload.SetName,
				Identifier:   payload.Identifier,
				Confidence:   payload.Confidence,
				Lane:         lane,
				Attempts:     totalAttempts,
				LatencyMS:    latency.Milliseconds(),
				ModelVersion: client.ModelVersion(),
				InputHash:    model.InputHash(capture.ImageRef, lane, client.ModelVersion()),
				CreatedAt:    time.Now().UTC(),
			}
			return result, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, eris.Wrap(err, "router: capture canceled")
		}

		nextState := next(state, false, primaryAttempts)
		r.emit(capture.ID, state, nextState, lane, attemptID, err)

		switch nextState {
		case StatePrimaryRetry:
			r.reg.Inc(metrics.LaneRetriesTotal)
			log.Warn("router: primary attempt failed, retrying",
				zap.Int("attempt", primaryAttempts),
				zap.Error(err),
			)
			r.emit(capture.ID, StatePrimaryRetry, StatePrimaryAttempt, model.LanePrimary, "", nil)
			nextState = StatePrimaryAttempt
		case StateFallbackAttempt:
			r.reg.Inc(metrics.FallbackTotal)
			log.Warn("router: primary lane exhausted, falling back", zap.Error(err))
		case StateFailed:
			r.reg.Inc(metrics.FailuresTotal)
			log.Error("router: all lanes exhausted", zap.Error(err))
		}
		state = nextState
	}

	return nil, eris.Wrapf(ErrRoutingFailed, "capture %s: %v", capture.ID, lastErr)
}

func (r *Router) lane(s State) (model.Lane, vision.Client, LaneConfig, *rate.Limiter) {
	if s == StateFallbackAttempt {
		return model.LaneFallback, r.fallback, r.cfg.Fallback, r.fallbackLimiter
	}
	return model.LanePrimary, r.primary, r.cfg.Primary, r.primaryLimiter
}

type attemptOutcome struct {
	body []byte
	err  error
}

// attempt runs one inference call with the lane timeout. The call runs in
// its own goroutine; on timeout it is abandoned (the worker slot frees
// immediately) and a late response is discarded under the attempt-id
// guard rather than acted on.
func (r *Router) attempt(
	ctx context.Context,
	client vision.Client,
	lane model.Lane,
	laneCfg LaneConfig,
	limiter *rate.Limiter,
	imageRef string,
) (*extractionPayload, time.Duration, string, error) {
	attemptID := uuid.New().String()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, 0, attemptID, eris.Wrap(err, "router: limiter wait")
		}
	}

	start := time.Now()
	var abandoned atomic.Bool
	resCh := make(chan attemptOutcome, 1)

	go func() {
		body, err := client.Extract(ctx, imageRef)
		if abandoned.Load() {
			zap.L().Warn("router: discarding late response from abandoned attempt",
				zap.String("attempt_id", attemptID),
				zap.String("lane", string(lane)),
				zap.Duration("elapsed", time.Since(start)),
			)
			return
		}
		resCh <- attemptOutcome{body: body, err: err}
	}()

	timeout := laneCfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-resCh:
		latency := time.Since(start)
		if out.err != nil {
			return nil, latency, attemptID, eris.Wrapf(ErrInference, "lane %s: %v", lane, out.err)
		}
		payload, err := parseExtraction(out.body)
		if err != nil {
			// Malformed responses retry exactly like inference errors.
			return nil, latency, attemptID, err
		}
		return payload, latency, attemptID, nil
	case <-timer.C:
		abandoned.Store(true)
		return nil, time.Since(start), attemptID,
			eris.Wrapf(ErrInferenceTimeout, "lane %s after %s", lane, timeout)
	case <-ctx.Done():
		abandoned.Store(true)
		return nil, time.Since(start), attemptID, eris.Wrap(ctx.Err(), "router: attempt canceled")
	}
}

func (r *Router) emit(captureID string, from, to State, lane model.Lane, attemptID string, err error) {
	if r.OnTransition == nil {
		return
	}
	t := Transition{
		CaptureID: captureID,
		From:      from,
		To:        to,
		Lane:      lane,
		AttemptID: attemptID,
		At:        time.Now().UTC(),
	}
	if err != nil {
		t.Err = err.Error()
	}
	r.OnTransition(t)
}
