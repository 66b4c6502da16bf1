package media

import (
	"context"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
)

const (
	opusClockRate   = 48000
	opusFrame       = 20 * time.Millisecond
	opusFrameSample = opusClockRate / 50
	rtpMTU          = 1200
)

// opusSilence is a 20 ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilentAudio feeds silence into the audio sender when no microphone
// could be opened.
type SilentAudio struct {
	local      *webrtc.TrackLocalStaticRTP
	packetizer rtp.Packetizer
}

func NewSilentAudio(local *webrtc.TrackLocalStaticRTP) *SilentAudio {
	return &SilentAudio{
		local: local,
		packetizer: rtp.NewPacketizer(rtpMTU, 111, 0, &codecs.OpusPayloader{},
			rtp.NewRandomSequencer(), opusClockRate),
	}
}

// Packets returns the RTP packets for one silent frame.
func (s *SilentAudio) Packets() []*rtp.Packet {
	return s.packetizer.Packetize(opusSilence, opusFrameSample)
}

// Run writes a silent frame every 20 ms until ctx is done.
func (s *SilentAudio) Run(ctx context.Context) error {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, p := range s.Packets() {
				if err := s.local.WriteRTP(p); err != nil {
					return err
				}
			}
		}
	}
}

// NewLocalTracks creates the three sender tracks of a call.
func NewLocalTracks(streamID string) (audio, camera, screen *webrtc.TrackLocalStaticRTP, err error) {
	audio, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2}, "audio", streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	camera, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "camera", streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	screen, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "screen", streamID+"-screen")
	if err != nil {
		return nil, nil, nil, err
	}
	return audio, camera, screen, nil
}
