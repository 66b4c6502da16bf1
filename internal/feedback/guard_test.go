package feedback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/videolify/internal/config"
	"github.com/mikeyg42/videolify/internal/quality"
)

var (
	looping = quality.Sample{CPULimited: true, FPS: 25}
	calm    = quality.Sample{CPULimited: false, FPS: 30}
	slow    = quality.Sample{CPULimited: true, FPS: 8}
)

func defaults() config.FeedbackConfig {
	return config.NewDefaultConfig().Feedback
}

func TestCounterTransitions(t *testing.T) {
	cfg := defaults()
	tests := []struct {
		name    string
		counter int
		sample  quality.Sample
		want    int
	}{
		{"increments on feedback", 0, looping, 1},
		{"decrements otherwise", 4, calm, 3},
		{"low fps is not feedback", 4, slow, 3},
		{"clamped at zero", 0, calm, 0},
		{"clamped at max", cfg.MaxCount, looping, cfg.MaxCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Next(cfg, tt.counter, tt.sample))
		})
	}
}

func TestLevelFor(t *testing.T) {
	cfg := defaults()
	assert.Equal(t, MitigationNone, LevelFor(cfg, 0))
	assert.Equal(t, MitigationNone, LevelFor(cfg, 2))
	assert.Equal(t, MitigationMovePreview, LevelFor(cfg, 3))
	assert.Equal(t, MitigationThrottle, LevelFor(cfg, 6))
	assert.Equal(t, MitigationHidePreview, LevelFor(cfg, 9))
}

type scriptedSampler struct{ next quality.Sample }

func (s *scriptedSampler) Sample(context.Context) (quality.Sample, error) { return s.next, nil }

type recorder struct {
	calls     []string
	floatErr  error
	limitFPS  int
	limitKbps int
}

func (r *recorder) Float() error {
	r.calls = append(r.calls, "float")
	return r.floatErr
}

func (r *recorder) Shrink() error {
	r.calls = append(r.calls, "shrink")
	return nil
}

func (r *recorder) Hide() error {
	r.calls = append(r.calls, "hide")
	return nil
}

func (r *recorder) Restore() error {
	r.calls = append(r.calls, "restore")
	return nil
}

func (r *recorder) SetFeedbackLimit(fps, kbps int) error {
	r.calls = append(r.calls, "limit")
	r.limitFPS, r.limitKbps = fps, kbps
	return nil
}

func (r *recorder) ClearFeedbackLimit() error {
	r.calls = append(r.calls, "clear")
	return nil
}

func TestGuardEscalatesAndResets(t *testing.T) {
	cfg := defaults()
	sampler := &scriptedSampler{next: looping}
	rec := &recorder{}
	g := NewGuard(cfg, sampler, rec, rec, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, g.Step(ctx))
	assert.Zero(t, g.Counter(), "inactive guard ignores samples")

	g.Start()
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Step(ctx))
	}
	assert.Equal(t, MitigationMovePreview, g.Applied())
	assert.Equal(t, []string{"float"}, rec.calls)

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Step(ctx))
	}
	assert.Equal(t, MitigationThrottle, g.Applied())
	assert.Equal(t, cfg.ReducedFPS, rec.limitFPS)
	assert.Equal(t, cfg.ReducedKbps, rec.limitKbps)

	for i := 0; i < 10; i++ {
		require.NoError(t, g.Step(ctx))
	}
	assert.Equal(t, cfg.MaxCount, g.Counter())
	assert.Equal(t, MitigationHidePreview, g.Applied())
	assert.Equal(t, []string{"float", "limit", "hide"}, rec.calls)

	sampler.next = calm
	require.NoError(t, g.Step(ctx))
	assert.Equal(t, cfg.MaxCount-1, g.Counter())
	assert.Equal(t, MitigationHidePreview, g.Applied(), "mitigation stays until stop")

	require.NoError(t, g.Stop())
	assert.Zero(t, g.Counter())
	assert.Equal(t, MitigationNone, g.Applied())
	assert.Equal(t, []string{"float", "limit", "hide", "clear", "restore"}, rec.calls)

	require.NoError(t, g.Step(ctx))
	assert.Zero(t, g.Counter())
}

func TestGuardFallsBackToShrink(t *testing.T) {
	cfg := defaults()
	rec := &recorder{floatErr: errors.ErrUnsupported}
	g := NewGuard(cfg, &scriptedSampler{next: looping}, rec, rec, zaptest.NewLogger(t))
	g.Start()
	for i := 0; i < cfg.Level1; i++ {
		require.NoError(t, g.Step(context.Background()))
	}
	assert.Equal(t, []string{"float", "shrink"}, rec.calls)

	require.NoError(t, g.Stop())
	assert.Equal(t, []string{"float", "shrink", "restore"}, rec.calls)
}

func TestStopWithoutMitigationIsQuiet(t *testing.T) {
	rec := &recorder{}
	g := NewGuard(defaults(), &scriptedSampler{next: calm}, rec, rec, zaptest.NewLogger(t))
	g.Start()
	require.NoError(t, g.Step(context.Background()))
	require.NoError(t, g.Stop())
	assert.Empty(t, rec.calls)
}
