// Package devices opens real cameras, microphones and screens through
// mediadevices and encodes them with VP8 and Opus.
package devices

import (
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	// Drivers register themselves with mediadevices.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"

	"github.com/mikeyg42/videolify/internal/callerr"
	"github.com/mikeyg42/videolify/internal/logging"
	"github.com/mikeyg42/videolify/internal/media"
	"github.com/mikeyg42/videolify/internal/quality"
)

const mtu = 1200

// Source is an opened device and its encoded packet stream. It satisfies
// media.PacketSource and exposes the encoder controller.
type Source struct {
	track  mediadevices.Track
	reader mediadevices.RTPReadCloser
}

func (s *Source) Read() ([]*rtp.Packet, func(), error) { return s.reader.Read() }

func (s *Source) Controller() codec.EncoderController { return s.reader.Controller() }

func (s *Source) Close() error {
	err := s.reader.Close()
	if cerr := s.track.Close(); err == nil {
		err = cerr
	}
	return err
}

// Capturer opens devices with one shared codec selector. CameraID and
// MicrophoneID select devices; empty picks the default.
type Capturer struct {
	CameraID     string
	MicrophoneID string
	Transform    media.FrameTransform

	selector *mediadevices.CodecSelector
	logger   *zap.Logger
}

// NewCapturer configures VP8 and Opus at the given starting bitrates.
func NewCapturer(videoKbps, audioKbps int, logger *zap.Logger) (*Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoKbps * 1000
	vpxParams.KeyFrameInterval = 60
	vpxParams.RateControlEndUsage = vpx.RateControlCBR
	vpxParams.Deadline = 30 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = audioKbps * 1000
	opusParams.Latency = opus.Latency20ms

	return &Capturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logging.Named(logger, "devices"),
	}, nil
}

// RegisterCodecs adds the selector's codecs to a media engine.
func (c *Capturer) RegisterCodecs(me *webrtc.MediaEngine) {
	c.selector.Populate(me)
}

// OpenCamera opens the camera at 720p30, routes frames through knobs and
// the capturer's transform, and starts VP8 encoding.
func (c *Capturer) OpenCamera(knobs *media.Knobs) (media.PacketSource, error) {
	src, err := c.camera(c.CameraID, knobs, c.Transform)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (c *Capturer) camera(deviceID string, knobs *media.Knobs, ft media.FrameTransform) (*Source, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				mc.DeviceID = prop.String(deviceID)
			}
			mc.Width = prop.Int(1280)
			mc.Height = prop.Int(720)
			mc.FrameRate = prop.Float(30)
			mc.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, callerr.Wrap("open camera", callerr.ErrPermissionDenied, err.Error())
	}
	return c.videoSource(stream, knobs, ft)
}

// OpenScreen opens the display at the profile's resolution and frame rate.
func (c *Capturer) OpenScreen(profile quality.Profile, knobs *media.Knobs) (media.PacketSource, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.Width = prop.Int(profile.Resolution.Width)
			mc.Height = prop.Int(profile.Resolution.Height)
			mc.FrameRate = prop.Float(float64(profile.FrameRate))
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, callerr.Wrap("open screen", callerr.ErrPermissionDenied, err.Error())
	}
	knobs.SetMaxFPS(profile.FrameRate)
	src, err := c.videoSource(stream, knobs, nil)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (c *Capturer) videoSource(stream mediadevices.MediaStream, knobs *media.Knobs, ft media.FrameTransform) (*Source, error) {
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, callerr.Wrap("open video", callerr.ErrPermissionDenied, "no video track")
	}
	track := tracks[0]
	if vt, ok := track.(*mediadevices.VideoTrack); ok && knobs != nil {
		vt.Transform(knobs.Transform(ft))
	}
	reader, err := track.NewRTPReader(webrtc.MimeTypeVP8, 0, mtu)
	if err != nil {
		track.Close()
		return nil, fmt.Errorf("vp8 reader: %w", err)
	}
	c.logger.Info("video device opened", zap.String("track", track.ID()))
	return &Source{track: track, reader: reader}, nil
}

// OpenMicrophone opens the microphone as 48 kHz mono and starts Opus
// encoding.
func (c *Capturer) OpenMicrophone() (media.PacketSource, error) {
	deviceID := c.MicrophoneID
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				mc.DeviceID = prop.String(deviceID)
			}
			mc.SampleRate = prop.Int(48000)
			mc.ChannelCount = prop.Int(1)
			mc.SampleSize = prop.Int(16)
			mc.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, callerr.Wrap("open microphone", callerr.ErrPermissionDenied, err.Error())
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, callerr.Wrap("open microphone", callerr.ErrPermissionDenied, "no audio track")
	}
	reader, err := tracks[0].NewRTPReader(webrtc.MimeTypeOpus, 0, mtu)
	if err != nil {
		tracks[0].Close()
		return nil, fmt.Errorf("opus reader: %w", err)
	}
	c.logger.Info("microphone opened", zap.String("track", tracks[0].ID()))
	return &Source{track: tracks[0], reader: reader}, nil
}

// Device is one enumerated capture device.
type Device struct {
	ID    string
	Label string
	Kind  string
}

// List enumerates cameras and microphones.
func List() []Device {
	var out []Device
	for _, d := range mediadevices.EnumerateDevices() {
		kind := "audio"
		if d.Kind == mediadevices.VideoInput {
			kind = "video"
		}
		out = append(out, Device{ID: d.DeviceID, Label: d.Label, Kind: kind})
	}
	return out
}
