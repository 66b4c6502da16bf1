package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/logging"
)

// PacketSource yields encoded RTP packets; mediadevices' RTP readers
// satisfy it.
type PacketSource interface {
	Read() ([]*rtp.Packet, func(), error)
	Close() error
}

// controllable is implemented by mediadevices readers whose encoder can be
// retuned at runtime.
type controllable interface {
	Controller() codec.EncoderController
}

// TrackStats summarizes the last second of output.
type TrackStats struct {
	FPS        float64
	Kbps       int
	CPULimited bool
	Frames     uint64
	Bytes      uint64
}

// EncodedTrack pumps a packet source into a local RTP track and owns the
// encoder settings. Quality and feedback limits are tracked separately and
// the stricter one wins.
type EncodedTrack struct {
	source PacketSource
	local  *webrtc.TrackLocalStaticRTP
	knobs  *Knobs
	video  bool
	logger *zap.Logger

	mu          sync.Mutex
	qualityKbps int
	qualityFPS  int
	limitKbps   int
	limitFPS    int
	frames      uint64
	bytes       uint64
	window      []frameMark
	encodeAvg   time.Duration
	now         func() time.Time
}

type frameMark struct {
	at    time.Time
	bytes int
}

const statsWindow = time.Second

// NewEncodedTrack wraps source. knobs may be nil for audio.
func NewEncodedTrack(source PacketSource, local *webrtc.TrackLocalStaticRTP, knobs *Knobs, logger *zap.Logger) *EncodedTrack {
	return &EncodedTrack{
		source: source,
		local:  local,
		knobs:  knobs,
		video:  local.Kind() == webrtc.RTPCodecTypeVideo,
		logger: logging.Named(logger, "media").With(zap.String("track", local.ID())),
		now:    time.Now,
	}
}

// Local is the track handed to the peer connection.
func (t *EncodedTrack) Local() *webrtc.TrackLocalStaticRTP { return t.local }

// Run copies packets until the source ends or ctx is done.
func (t *EncodedTrack) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.source.Close()
	}()
	for {
		pkts, release, err := t.source.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				t.logger.Info("track ended")
				return nil
			}
			return err
		}
		for _, p := range pkts {
			if err := t.local.WriteRTP(p); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					release()
					return nil
				}
				t.logger.Debug("write rtp failed", zap.Error(err))
			}
			t.account(p)
		}
		release()
	}
}

func (t *EncodedTrack) account(p *rtp.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	size := len(p.Payload)
	t.bytes += uint64(size)
	if !t.video || !p.Marker {
		if len(t.window) > 0 {
			t.window[len(t.window)-1].bytes += size
		}
		return
	}
	now := t.now()
	t.frames++
	t.window = append(t.window, frameMark{at: now, bytes: size})
	cut := 0
	for cut < len(t.window) && now.Sub(t.window[cut].at) > statsWindow {
		cut++
	}
	t.window = t.window[cut:]

	if t.knobs != nil {
		if handOff := t.knobs.LastHandOff(); !handOff.IsZero() {
			d := now.Sub(handOff)
			// exponential moving average, alpha 1/8
			t.encodeAvg += (d - t.encodeAvg) / 8
		}
	}
}

// Stats reports frame rate and bitrate over the last second. The track is
// CPU limited when encoding a frame takes most of the frame budget.
func (t *EncodedTrack) Stats() TrackStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := TrackStats{Frames: t.frames, Bytes: t.bytes}
	if n := len(t.window); n > 1 {
		span := t.window[n-1].at.Sub(t.window[0].at)
		if span > 0 {
			st.FPS = float64(n-1) / span.Seconds()
			total := 0
			for _, m := range t.window[1:] {
				total += m.bytes
			}
			st.Kbps = int(float64(total*8) / span.Seconds() / 1000)
		}
	}
	fps := t.effectiveFPS()
	if fps <= 0 {
		fps = 30
	}
	budget := time.Second / time.Duration(fps)
	st.CPULimited = t.encodeAvg > budget*8/10
	return st
}

func (t *EncodedTrack) effectiveFPS() int {
	switch {
	case t.limitFPS > 0 && t.qualityFPS > 0:
		return min(t.limitFPS, t.qualityFPS)
	case t.limitFPS > 0:
		return t.limitFPS
	default:
		return t.qualityFPS
	}
}

func (t *EncodedTrack) effectiveKbps() int {
	if t.limitKbps > 0 && (t.qualityKbps == 0 || t.limitKbps < t.qualityKbps) {
		return t.limitKbps
	}
	return t.qualityKbps
}

// SetBitrate sets the network-driven target.
func (t *EncodedTrack) SetBitrate(kbps int) error {
	t.mu.Lock()
	t.qualityKbps = kbps
	eff := t.effectiveKbps()
	t.mu.Unlock()
	return t.applyBitrate(eff)
}

func (t *EncodedTrack) SetScale(f float64) error {
	if t.knobs == nil {
		return errors.New("track has no video pipeline")
	}
	t.knobs.SetScale(f)
	return nil
}

func (t *EncodedTrack) SetMaxFramerate(fps int) error {
	t.mu.Lock()
	t.qualityFPS = fps
	eff := t.effectiveFPS()
	t.mu.Unlock()
	return t.applyFPS(eff)
}

// SetFeedbackLimit caps frame rate and bitrate on top of the quality target.
func (t *EncodedTrack) SetFeedbackLimit(maxFPS, maxKbps int) error {
	t.mu.Lock()
	t.limitFPS, t.limitKbps = maxFPS, maxKbps
	fps, kbps := t.effectiveFPS(), t.effectiveKbps()
	t.mu.Unlock()
	return errors.Join(t.applyFPS(fps), t.applyBitrate(kbps))
}

func (t *EncodedTrack) ClearFeedbackLimit() error {
	return t.SetFeedbackLimit(0, 0)
}

func (t *EncodedTrack) applyFPS(fps int) error {
	if t.knobs == nil {
		return nil
	}
	t.knobs.SetMaxFPS(fps)
	return nil
}

func (t *EncodedTrack) applyBitrate(kbps int) error {
	if kbps <= 0 {
		return nil
	}
	c, ok := t.source.(controllable)
	if !ok {
		t.logger.Debug("encoder has no runtime controls")
		return nil
	}
	brc, ok := c.Controller().(codec.BitRateController)
	if !ok {
		t.logger.Debug("encoder does not support bitrate changes")
		return nil
	}
	return brc.SetBitRate(kbps * 1000)
}

// Close stops the source.
func (t *EncodedTrack) Close() error {
	return t.source.Close()
}
