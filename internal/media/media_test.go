package media

import (
	"context"
	"image"
	"image/color"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestScaleImage(t *testing.T) {
	out := ScaleImage(solid(1920, 1080, color.RGBA{255, 255, 255, 255}), 0.5)
	assert.Equal(t, image.Rect(0, 0, 960, 540), out.Bounds())
	assert.Equal(t, image.YCbCrSubsampleRatio420, out.SubsampleRatio)
	assert.InDelta(t, 255, int(out.Y[out.YOffset(480, 270)]), 1)

	odd := ScaleImage(solid(101, 75, color.RGBA{A: 255}), 0.5)
	assert.Equal(t, image.Rect(0, 0, 50, 36), odd.Bounds())
}

func TestChain(t *testing.T) {
	var order []string
	step := func(name string) FrameTransform {
		return func(img image.Image) image.Image {
			order = append(order, name)
			return img
		}
	}
	Chain(step("a"), nil, step("b"))(solid(2, 2, color.RGBA{}))
	assert.Equal(t, []string{"a", "b"}, order)
}

func frameSource(w, h int) video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		return solid(w, h, color.RGBA{10, 20, 30, 255}), func() {}, nil
	})
}

func TestKnobsTransform(t *testing.T) {
	k := NewKnobs()
	clock := time.Unix(1000, 0)
	k.now = func() time.Time {
		clock = clock.Add(10 * time.Millisecond)
		return clock
	}

	transformed := 0
	r := k.Transform(func(img image.Image) image.Image {
		transformed++
		return img
	})(frameSource(640, 480))

	img, _, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 640, 480), img.Bounds())
	w, h := k.SourceSize()
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)

	k.SetScale(0.5)
	img, _, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 320, 240), img.Bounds())

	// A 10 fps cap with a 100 fps source keeps every tenth frame.
	k.SetMaxFPS(10)
	before := transformed
	start := k.LastHandOff()
	_, _, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, before+1, transformed)
	assert.GreaterOrEqual(t, k.LastHandOff().Sub(start), 90*time.Millisecond)

	k.SetScale(3)
	assert.Equal(t, 1.0, k.Scale())
}

type fakeController struct {
	mu    sync.Mutex
	rates []int
}

func (c *fakeController) SetBitRate(bps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates = append(c.rates, bps)
	return nil
}

type fakeSource struct {
	batches [][]*rtp.Packet
	ctrl    *fakeController
	closed  bool
}

func (s *fakeSource) Read() ([]*rtp.Packet, func(), error) {
	if len(s.batches) == 0 {
		return nil, func() {}, io.EOF
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, func() {}, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSource) Controller() codec.EncoderController { return s.ctrl }

func TestEncodedTrackLimits(t *testing.T) {
	_, camera, _, err := NewLocalTracks("stream")
	require.NoError(t, err)
	ctrl := &fakeController{}
	knobs := NewKnobs()
	track := NewEncodedTrack(&fakeSource{ctrl: ctrl}, camera, knobs, zaptest.NewLogger(t))

	require.NoError(t, track.SetBitrate(2500))
	require.NoError(t, track.SetMaxFramerate(30))
	assert.Equal(t, 30, knobs.MaxFPS())

	require.NoError(t, track.SetFeedbackLimit(10, 800))
	assert.Equal(t, 10, knobs.MaxFPS())

	require.NoError(t, track.SetBitrate(3000))
	require.NoError(t, track.SetMaxFramerate(15))
	assert.Equal(t, 10, knobs.MaxFPS(), "feedback limit stays stricter")

	require.NoError(t, track.ClearFeedbackLimit())
	assert.Equal(t, 15, knobs.MaxFPS())
	assert.Equal(t, []int{2_500_000, 800_000, 800_000, 3_000_000}, ctrl.rates)

	require.NoError(t, track.SetScale(0.5))
	assert.Equal(t, 0.5, knobs.Scale())
}

func TestEncodedTrackRunAndStats(t *testing.T) {
	_, camera, _, err := NewLocalTracks("stream")
	require.NoError(t, err)

	var batches [][]*rtp.Packet
	for i := 0; i < 31; i++ {
		batches = append(batches, []*rtp.Packet{
			{Header: rtp.Header{SequenceNumber: uint16(2 * i)}, Payload: make([]byte, 500)},
			{Header: rtp.Header{SequenceNumber: uint16(2*i + 1), Marker: true}, Payload: make([]byte, 500)},
		})
	}
	src := &fakeSource{batches: batches, ctrl: &fakeController{}}
	track := NewEncodedTrack(src, camera, NewKnobs(), zaptest.NewLogger(t))

	clock := time.Unix(2000, 0)
	track.now = func() time.Time {
		clock = clock.Add(time.Second / 30)
		return clock
	}
	require.NoError(t, track.Run(context.Background()))

	st := track.Stats()
	assert.Equal(t, uint64(31), st.Frames)
	assert.Equal(t, uint64(31000), st.Bytes)
	assert.InDelta(t, 30, st.FPS, 0.5)
	assert.InDelta(t, 240, st.Kbps, 10)
	assert.False(t, st.CPULimited)
}

func TestSilentAudioPackets(t *testing.T) {
	audio, _, _, err := NewLocalTracks("stream")
	require.NoError(t, err)
	s := NewSilentAudio(audio)

	first := s.Packets()
	second := s.Packets()
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, opusSilence, first[0].Payload)
	assert.Equal(t, uint32(960), second[0].Timestamp-first[0].Timestamp)
	assert.Equal(t, first[0].SequenceNumber+1, second[0].SequenceNumber)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)
}
