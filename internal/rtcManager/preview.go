package rtcManager

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/logging"
)

// LogPreview stands in for the local preview when there is no window to
// manage. Floating is unsupported, so the feedback guard shrinks instead.
type LogPreview struct {
	logger *zap.Logger

	mu    sync.Mutex
	state string
}

func NewLogPreview(logger *zap.Logger) *LogPreview {
	return &LogPreview{logger: logging.Named(logger, "preview"), state: "normal"}
}

func (p *LogPreview) Float() error { return errors.ErrUnsupported }

func (p *LogPreview) Shrink() error { return p.set("shrunk") }

func (p *LogPreview) Hide() error { return p.set("hidden") }

func (p *LogPreview) Restore() error { return p.set("normal") }

// State is "normal", "shrunk" or "hidden".
func (p *LogPreview) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *LogPreview) set(state string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != state {
		p.logger.Info("local preview changed", zap.String("from", p.state), zap.String("to", state))
		p.state = state
	}
	return nil
}
