// Package feedback detects the local preview being recaptured into a
// screen share and mitigates it in escalating steps.
package feedback

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/config"
	"github.com/mikeyg42/videolify/internal/logging"
	"github.com/mikeyg42/videolify/internal/quality"
)

// Mitigation is the escalation tier.
type Mitigation int

const (
	MitigationNone Mitigation = iota
	MitigationMovePreview
	MitigationThrottle
	MitigationHidePreview
)

func (m Mitigation) String() string {
	switch m {
	case MitigationNone:
		return "none"
	case MitigationMovePreview:
		return "move-preview"
	case MitigationThrottle:
		return "throttle"
	case MitigationHidePreview:
		return "hide-preview"
	default:
		return "unknown"
	}
}

// Preview controls the local self-view. Float returns errors.ErrUnsupported
// when no always-on-top window is available.
type Preview interface {
	Float() error
	Shrink() error
	Hide() error
	Restore() error
}

// Throttle caps the outgoing screen share independently of the network
// quality controller.
type Throttle interface {
	SetFeedbackLimit(maxFPS, maxKbps int) error
	ClearFeedbackLimit() error
}

// PossibleFeedback reports whether a sample looks like recapture: the
// encoder is CPU limited while still producing frames above the floor.
func PossibleFeedback(cfg config.FeedbackConfig, s quality.Sample) bool {
	return s.CPULimited && s.FPS > cfg.FPSFloor
}

// Next is the counter after one sample, kept in [0, MaxCount].
func Next(cfg config.FeedbackConfig, counter int, s quality.Sample) int {
	if PossibleFeedback(cfg, s) {
		return min(counter+1, cfg.MaxCount)
	}
	return max(counter-1, 0)
}

// LevelFor maps a counter to the tier it calls for.
func LevelFor(cfg config.FeedbackConfig, counter int) Mitigation {
	switch {
	case counter >= cfg.Level3:
		return MitigationHidePreview
	case counter >= cfg.Level2:
		return MitigationThrottle
	case counter >= cfg.Level1:
		return MitigationMovePreview
	default:
		return MitigationNone
	}
}

// Guard samples on a fixed cadence while screen share is on. Applied
// mitigations stay in place until Stop, even if the counter falls again.
type Guard struct {
	cfg      config.FeedbackConfig
	sampler  quality.Sampler
	preview  Preview
	throttle Throttle
	logger   *zap.Logger

	mu      sync.Mutex
	active  bool
	counter int
	applied Mitigation
}

func NewGuard(cfg config.FeedbackConfig, sampler quality.Sampler, preview Preview, throttle Throttle, logger *zap.Logger) *Guard {
	return &Guard{
		cfg:      cfg,
		sampler:  sampler,
		preview:  preview,
		throttle: throttle,
		logger:   logging.Named(logger, "feedback"),
	}
}

// Start arms the guard for a new screen share.
func (g *Guard) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = true
	g.counter = 0
	g.applied = MitigationNone
}

// Stop resets the counter and undoes every mitigation.
func (g *Guard) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	wasApplied := g.applied
	g.active = false
	g.counter = 0
	g.applied = MitigationNone

	var errs []error
	if wasApplied >= MitigationThrottle {
		errs = append(errs, g.throttle.ClearFeedbackLimit())
	}
	if wasApplied >= MitigationMovePreview {
		errs = append(errs, g.preview.Restore())
	}
	if wasApplied != MitigationNone {
		g.logger.Info("feedback mitigation reverted", zap.Stringer("was", wasApplied))
	}
	return errors.Join(errs...)
}

func (g *Guard) Counter() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counter
}

// Applied is the highest tier applied since Start.
func (g *Guard) Applied() Mitigation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applied
}

// Run samples every interval until ctx is done.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Step(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Warn("feedback step failed", zap.Error(err))
			}
		}
	}
}

// Step takes one sample, updates the counter and escalates if needed.
func (g *Guard) Step(ctx context.Context) error {
	g.mu.Lock()
	active := g.active
	g.mu.Unlock()
	if !active {
		return nil
	}
	s, err := g.sampler.Sample(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active {
		return nil
	}
	g.counter = Next(g.cfg, g.counter, s)
	want := LevelFor(g.cfg, g.counter)
	for g.applied < want {
		next := g.applied + 1
		if err := g.apply(next); err != nil {
			return err
		}
		g.applied = next
		g.logger.Warn("possible feedback loop, mitigating",
			zap.Stringer("level", next),
			zap.Int("counter", g.counter),
			zap.Float64("fps", s.FPS))
	}
	return nil
}

func (g *Guard) apply(m Mitigation) error {
	switch m {
	case MitigationMovePreview:
		err := g.preview.Float()
		if errors.Is(err, errors.ErrUnsupported) {
			g.logger.Debug("floating preview unsupported, shrinking instead")
			return g.preview.Shrink()
		}
		return err
	case MitigationThrottle:
		return g.throttle.SetFeedbackLimit(g.cfg.ReducedFPS, g.cfg.ReducedKbps)
	case MitigationHidePreview:
		return g.preview.Hide()
	}
	return nil
}
