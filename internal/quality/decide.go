// Package quality adapts the screen-share sender to network conditions.
package quality

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mikeyg42/videolify/internal/config"
)

// Level is the network degradation level derived from one sample.
type Level int

const (
	LevelNone Level = iota
	LevelMild
	LevelModerate
	LevelSevere
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelMild:
		return "mild"
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	default:
		return "unknown"
	}
}

// Sample is one reading of the active sender.
type Sample struct {
	At          time.Time
	BitrateKbps int
	PacketLoss  float64 // fraction in [0, 1]
	RTT         time.Duration
	CPULimited  bool
	FPS         float64
	Capture     Resolution // source resolution before scaling
}

// State is what the controller remembers between samples.
type State struct {
	Active     bool
	TargetKbps int
	Scale      float64
	MaxFPS     int
	Level      Level
	LastAdjust time.Time
}

// Decision is the outcome of one sample.
type Decision struct {
	Level      Level
	TargetKbps int
	Scale      float64
	MaxFPS     int
	Changed    bool
	Reason     string
}

// Classify maps loss and RTT to a level. Loss or RTT at twice the high
// thresholds is severe.
func Classify(p config.QualityConfig, s Sample) Level {
	highRTT := p.HighRTT > 0 && s.RTT > p.HighRTT
	switch {
	case s.PacketLoss >= 2*p.HighLoss || (p.HighRTT > 0 && s.RTT >= 2*p.HighRTT):
		return LevelSevere
	case s.PacketLoss > p.HighLoss || highRTT:
		return LevelModerate
	case s.PacketLoss >= p.LowLoss:
		return LevelMild
	default:
		return LevelNone
	}
}

// CapKbps is the bitrate ceiling for an encoded resolution.
func CapKbps(p config.QualityConfig, r Resolution) int {
	if r.Height >= 1080 || r.Width >= 1920 {
		return p.Cap1080Kbps
	}
	return p.CapLowKbps
}

// Decide computes the next sender settings. It is pure: the same inputs
// always give the same decision. Nothing changes while inactive or within
// one interval of the previous adjustment, less a tenth for tick jitter.
func Decide(p config.QualityConfig, st State, s Sample, now time.Time) Decision {
	level := Classify(p, s)
	d := Decision{Level: level, TargetKbps: st.TargetKbps, Scale: st.Scale, MaxFPS: st.MaxFPS}
	if !st.Active {
		d.Reason = "screen share inactive"
		return d
	}
	if !st.LastAdjust.IsZero() && now.Sub(st.LastAdjust) < p.Interval-p.Interval/10 {
		d.Reason = "adjusted less than one interval ago"
		return d
	}

	var reasons []string

	scale := ScaleFactor(s.Capture, Resolution{Width: p.MaxWidth, Height: p.MaxHeight})
	if scale != st.Scale {
		d.Scale = scale
		reasons = append(reasons, fmt.Sprintf("capture %s scaled by %.2f", s.Capture, scale))
	}

	target := st.TargetKbps
	switch level {
	case LevelModerate, LevelSevere:
		target = int(math.Round(float64(target) * (1 - p.StepFraction)))
		reasons = append(reasons, fmt.Sprintf("loss %.1f%% rtt %dms", s.PacketLoss*100, s.RTT.Milliseconds()))
	case LevelNone:
		target = int(math.Round(float64(target) * (1 + p.StepFraction)))
	}
	encoded := s.Capture.Scale(d.Scale)
	if s.Capture.Width == 0 {
		encoded = Resolution{Width: p.MaxWidth, Height: p.MaxHeight}
	}
	target = clampInt(target, p.FloorKbps, max(p.FloorKbps, CapKbps(p, encoded)))
	if target != st.TargetKbps {
		if target > st.TargetKbps {
			reasons = append(reasons, "network healthy")
		}
		d.TargetKbps = target
	}

	fps := p.MaxFPS
	if level == LevelSevere {
		fps = p.MinFPS
	}
	if fps != st.MaxFPS {
		d.MaxFPS = fps
		reasons = append(reasons, fmt.Sprintf("frame rate %d", fps))
	}

	d.Changed = d.TargetKbps != st.TargetKbps || d.Scale != st.Scale || d.MaxFPS != st.MaxFPS
	if d.Changed {
		d.Reason = strings.Join(reasons, ", ")
	}
	return d
}

func clampInt(val, lo, hi int) int {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
