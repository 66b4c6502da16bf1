package rtcManager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/logging"
	"github.com/mikeyg42/videolify/internal/media"
	"github.com/mikeyg42/videolify/internal/quality"
)

const (
	warningPacketLoss      = 0.05
	criticalPacketLoss     = 0.15
	warningRTT             = 200 * time.Millisecond
	criticalRTT            = 500 * time.Millisecond
	minAcceptableFramerate = 10.0
	sampleRingCapacity     = 100
	rtcpReportMaxAge       = 10 * time.Second
)

// sampleReuseWindow is how close together two reads must be to share one
// sample.
const sampleReuseWindow = 500 * time.Millisecond

var errNoPeer = errors.New("no peer connection to sample")

// StatsSource is the part of *webrtc.PeerConnection the sampler reads.
type StatsSource interface {
	GetStats() webrtc.StatsReport
}

// TrackStatser reports encoder-side frame metrics.
type TrackStatser interface {
	Stats() media.TrackStats
}

// StatsSampler turns peer connection stats and RTCP feedback for the screen
// sender into quality samples. It implements quality.Sampler. The quality
// controller and the feedback guard share one sampler: a read within
// sampleReuseWindow of the previous sample returns that sample again.
type StatsSampler struct {
	ring   *SampleRing
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	pc        StatsSource
	ssrc      webrtc.SSRC
	track     TrackStatser
	knobs     *media.Knobs
	rtcp      rtcpCounters
	lastBytes uint64
	lastAt    time.Time
	cached    *quality.Sample
}

type rtcpCounters struct {
	fractionLost float64
	reportAt     time.Time
	plis         uint32
	nacks        uint32
}

func NewStatsSampler(ring *SampleRing, logger *zap.Logger) *StatsSampler {
	if ring == nil {
		ring = NewSampleRing(sampleRingCapacity)
	}
	return &StatsSampler{
		ring:   ring,
		logger: logging.Named(logger, "stats"),
		now:    time.Now,
	}
}

// Ring exposes the collected samples.
func (s *StatsSampler) Ring() *SampleRing { return s.ring }

// SetPeer points the sampler at a new peer connection and sender SSRC.
// Counters restart so a reset pair never yields a negative delta.
func (s *StatsSampler) SetPeer(pc StatsSource, ssrc webrtc.SSRC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pc, s.ssrc = pc, ssrc
	s.rtcp = rtcpCounters{}
	s.lastBytes, s.lastAt = 0, time.Time{}
	s.cached = nil
}

// SetTrack attaches the encoded screen track; nil detaches it.
func (s *StatsSampler) SetTrack(track TrackStatser, knobs *media.Knobs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track, s.knobs = track, knobs
	s.cached = nil
}

// HandleRTCP records feedback read from the screen sender.
func (s *StatsSampler) HandleRTCP(pkts []rtcp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pkts {
		switch pkt := p.(type) {
		case *rtcp.ReceiverReport:
			for _, r := range pkt.Reports {
				if webrtc.SSRC(r.SSRC) != s.ssrc {
					continue
				}
				s.rtcp.fractionLost = float64(r.FractionLost) / 256
				s.rtcp.reportAt = s.now()
			}
		case *rtcp.PictureLossIndication:
			s.rtcp.plis++
		case *rtcp.TransportLayerNack:
			for _, pair := range pkt.Nacks {
				s.rtcp.nacks += uint32(len(pair.PacketList()))
			}
		}
	}
}

// Sample reads one quality sample and records it in the ring.
func (s *StatsSampler) Sample(ctx context.Context) (quality.Sample, error) {
	if err := ctx.Err(); err != nil {
		return quality.Sample{}, err
	}

	now := s.now()
	s.mu.Lock()
	pc, ssrc, track, knobs := s.pc, s.ssrc, s.track, s.knobs
	if c := s.cached; c != nil && now.Sub(c.At) < sampleReuseWindow {
		s.mu.Unlock()
		return *c, nil
	}
	s.mu.Unlock()
	if pc == nil {
		return quality.Sample{}, errNoPeer
	}

	// GetStats takes pion locks; keep our own released while it runs.
	report := pc.GetStats()
	sample := quality.Sample{At: now}

	var (
		outbound   *webrtc.OutboundRTPStreamStats
		remoteRTT  time.Duration
		remoteLoss = -1.0
		pairRTT    time.Duration
	)
	for _, st := range report {
		switch stat := st.(type) {
		case webrtc.OutboundRTPStreamStats:
			if stat.SSRC == ssrc {
				outbound = &stat
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if stat.SSRC == ssrc {
				remoteRTT = seconds(stat.RoundTripTime)
				remoteLoss = stat.FractionLost
			}
		case webrtc.ICECandidatePairStats:
			if stat.Nominated && stat.CurrentRoundTripTime > 0 {
				pairRTT = seconds(stat.CurrentRoundTripTime)
			}
		}
	}

	var ts media.TrackStats
	if track != nil {
		ts = track.Stats()
		sample.FPS = ts.FPS
		sample.CPULimited = ts.CPULimited
	}
	if knobs != nil {
		w, h := knobs.SourceSize()
		sample.Capture = quality.Resolution{Width: w, Height: h}
	}

	s.mu.Lock()
	switch {
	case outbound != nil && !s.lastAt.IsZero() && outbound.BytesSent >= s.lastBytes:
		if elapsed := now.Sub(s.lastAt).Seconds(); elapsed > 0 {
			sample.BitrateKbps = int(float64(outbound.BytesSent-s.lastBytes) * 8 / elapsed / 1000)
		}
	default:
		sample.BitrateKbps = ts.Kbps
	}
	if outbound != nil {
		s.lastBytes, s.lastAt = outbound.BytesSent, now
	}

	switch {
	case !s.rtcp.reportAt.IsZero() && now.Sub(s.rtcp.reportAt) < rtcpReportMaxAge:
		sample.PacketLoss = s.rtcp.fractionLost
	case remoteLoss >= 0:
		sample.PacketLoss = remoteLoss
	}
	s.mu.Unlock()

	sample.RTT = remoteRTT
	if sample.RTT == 0 {
		sample.RTT = pairRTT
	}

	s.mu.Lock()
	s.cached = &sample
	s.mu.Unlock()
	s.ring.Add(sample)
	for _, w := range Diagnose(s.ring.Recent(5)) {
		s.logWarning(w)
	}
	return sample, nil
}

// Feedback returns the PLI and NACK counts seen since the last SetPeer.
func (s *StatsSampler) Feedback() (plis, nacks uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtcp.plis, s.rtcp.nacks
}

func (s *StatsSampler) logWarning(w Warning) {
	fields := []zap.Field{zap.String("type", w.Type.String()), zap.Float64("measurement", w.Measurement)}
	switch w.Level {
	case CriticalLevel:
		s.logger.Warn(w.Message, fields...)
	case SuggestionLevel:
		s.logger.Info(w.Message, fields...)
	default:
		s.logger.Debug(w.Message, fields...)
	}
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// Warning is one finding about connection health.
type Warning struct {
	Level       WarningLevel
	Type        WarningType
	Message     string
	Timestamp   time.Time
	Measurement float64
}

type WarningLevel int

const (
	InfoLevel WarningLevel = iota
	SuggestionLevel
	CriticalLevel
)

func (l WarningLevel) String() string {
	switch l {
	case InfoLevel:
		return "info"
	case SuggestionLevel:
		return "suggestion"
	case CriticalLevel:
		return "critical"
	default:
		return "unknown"
	}
}

type WarningType int

const (
	PacketLossWarning WarningType = iota
	LatencyWarning
	FramerateWarning
)

func (t WarningType) String() string {
	switch t {
	case PacketLossWarning:
		return "packet-loss"
	case LatencyWarning:
		return "latency"
	case FramerateWarning:
		return "framerate"
	default:
		return "unknown"
	}
}

// Diagnose inspects recent samples, newest first, and reports problems with
// the latest one plus a rising-loss trend.
func Diagnose(recent []quality.Sample) []Warning {
	if len(recent) == 0 {
		return nil
	}
	latest := recent[0]
	var out []Warning
	add := func(level WarningLevel, typ WarningType, m float64, format string, args ...any) {
		out = append(out, Warning{
			Level:       level,
			Type:        typ,
			Message:     fmt.Sprintf(format, args...),
			Timestamp:   latest.At,
			Measurement: m,
		})
	}

	switch {
	case latest.PacketLoss >= criticalPacketLoss:
		add(CriticalLevel, PacketLossWarning, latest.PacketLoss, "critical packet loss: %.1f%%", latest.PacketLoss*100)
	case latest.PacketLoss >= warningPacketLoss:
		add(SuggestionLevel, PacketLossWarning, latest.PacketLoss, "high packet loss: %.1f%%", latest.PacketLoss*100)
	}

	switch {
	case latest.RTT >= criticalRTT:
		add(CriticalLevel, LatencyWarning, latest.RTT.Seconds(), "critical round trip time: %v", latest.RTT)
	case latest.RTT >= warningRTT:
		add(SuggestionLevel, LatencyWarning, latest.RTT.Seconds(), "high round trip time: %v", latest.RTT)
	}

	if latest.FPS > 0 && latest.FPS < minAcceptableFramerate {
		add(SuggestionLevel, FramerateWarning, latest.FPS, "low frame rate: %.1f fps", latest.FPS)
	}

	if len(recent) >= 3 && latest.PacketLoss > 0 {
		older := calculateEMA(recent[1:], func(s quality.Sample) float64 { return s.PacketLoss })
		if latest.PacketLoss > 2*older && recent[0].PacketLoss > recent[1].PacketLoss && recent[1].PacketLoss >= recent[2].PacketLoss {
			add(InfoLevel, PacketLossWarning, latest.PacketLoss, "packet loss rising")
		}
	}
	return out
}

// calculateEMA averages oldest to newest with alpha 0.2. samples are
// newest first.
func calculateEMA(samples []quality.Sample, value func(quality.Sample) float64) float64 {
	const alpha = 0.2
	ema := value(samples[len(samples)-1])
	for i := len(samples) - 2; i >= 0; i-- {
		ema = alpha*value(samples[i]) + (1-alpha)*ema
	}
	return ema
}
