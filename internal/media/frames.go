// Package media turns captured frames into RTP for the call's senders and
// exposes the encoder knobs the quality and feedback loops turn.
package media

import (
	"image"
	"image/color"
	"math"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices/pkg/io/video"
	"golang.org/x/image/draw"
)

// FrameTransform rewrites a camera frame before encoding, e.g. a virtual
// background. It must not retain the input image.
type FrameTransform func(image.Image) image.Image

// Chain composes transforms left to right. Nil entries are skipped.
func Chain(fns ...FrameTransform) FrameTransform {
	return func(img image.Image) image.Image {
		for _, fn := range fns {
			if fn != nil {
				img = fn(img)
			}
		}
		return img
	}
}

// Knobs are read by the capture pipeline on every frame, so changes apply
// without reopening the device.
type Knobs struct {
	scale    atomic.Uint64 // float64 bits
	maxFPS   atomic.Int32
	lastSent atomic.Int64 // unix nanos of the last frame handed to the encoder
	srcW     atomic.Int32
	srcH     atomic.Int32
	now      func() time.Time
}

func NewKnobs() *Knobs {
	k := &Knobs{now: time.Now}
	k.scale.Store(math.Float64bits(1))
	return k
}

func (k *Knobs) SetScale(f float64) {
	if f <= 0 || f > 1 {
		f = 1
	}
	k.scale.Store(math.Float64bits(f))
}

func (k *Knobs) Scale() float64 { return math.Float64frombits(k.scale.Load()) }

// SetMaxFPS limits the frame rate; 0 removes the limit.
func (k *Knobs) SetMaxFPS(fps int) { k.maxFPS.Store(int32(max(fps, 0))) }

func (k *Knobs) MaxFPS() int { return int(k.maxFPS.Load()) }

// SourceSize is the resolution of the last captured frame.
func (k *Knobs) SourceSize() (width, height int) {
	return int(k.srcW.Load()), int(k.srcH.Load())
}

// LastHandOff is when the last frame left the pipeline for the encoder.
func (k *Knobs) LastHandOff() time.Time {
	n := k.lastSent.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Transform returns the capture pipeline stage: frame-rate limiting, the
// optional frame transform, then scaling.
func (k *Knobs) Transform(ft FrameTransform) video.TransformFunc {
	return func(r video.Reader) video.Reader {
		return video.ReaderFunc(func() (image.Image, func(), error) {
			for {
				img, release, err := r.Read()
				if err != nil {
					return nil, func() {}, err
				}
				now := k.now()
				if k.skip(now) {
					release()
					continue
				}
				b := img.Bounds()
				k.srcW.Store(int32(b.Dx()))
				k.srcH.Store(int32(b.Dy()))

				out := img
				if ft != nil {
					out = ft(out)
				}
				if f := k.Scale(); f < 1 {
					out = ScaleImage(out, f)
				}
				k.lastSent.Store(now.UnixNano())
				if out != img {
					// The pipeline owns the new image; the source buffer can go back.
					release()
					release = func() {}
				}
				return out, release, nil
			}
		})
	}
}

func (k *Knobs) skip(now time.Time) bool {
	fps := k.MaxFPS()
	last := k.lastSent.Load()
	if fps <= 0 || last == 0 {
		return false
	}
	// Allow 10% jitter so a 30 fps source is not halved by a 30 fps cap.
	minGap := time.Duration(float64(time.Second) / float64(fps) * 0.9)
	return now.Sub(time.Unix(0, last)) < minGap
}

// ScaleImage resizes img by f and returns an I420 image, the layout the
// VP8 encoder consumes. Dimensions are rounded down to even values.
func ScaleImage(img image.Image, f float64) *image.YCbCr {
	b := img.Bounds()
	w := max(int(float64(b.Dx())*f)&^1, 2)
	h := max(int(float64(b.Dy())*f)&^1, 2)

	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(rgba, rgba.Bounds(), img, b, draw.Src, nil)
	return toI420(rgba)
}

func toI420(src *image.RGBA) *image.YCbCr {
	b := src.Bounds()
	dst := image.NewYCbCr(b, image.YCbCrSubsampleRatio420)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.RGBAAt(x, y)
			yy, cb, cr := color.RGBToYCbCr(c.R, c.G, c.B)
			dst.Y[dst.YOffset(x, y)] = yy
			if x%2 == 0 && y%2 == 0 {
				off := dst.COffset(x, y)
				dst.Cb[off] = cb
				dst.Cr[off] = cr
			}
		}
	}
	return dst
}
