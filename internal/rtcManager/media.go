package rtcManager

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/callerr"
	"github.com/mikeyg42/videolify/internal/media"
)

const silenceRetry = time.Second

// startMedia opens the microphone and camera. A device that cannot be
// opened leaves its track idle, except audio which falls back to silence.
func (c *Call) startMedia() {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()
	if c.opts.Devices == nil {
		c.logger.Info("no capture devices, sending silence and no video")
		c.startSilenceLocked()
		return
	}
	if err := c.openMicLocked(); err != nil {
		c.logger.Warn("microphone unavailable, sending silence", zap.Error(err))
		c.startSilenceLocked()
	}
	if err := c.openCameraLocked(); err != nil {
		c.logger.Warn("camera unavailable, video stays muted", zap.Error(err))
	}
}

func (c *Call) openMicLocked() error {
	if c.opts.Devices == nil || !c.opts.HasAudio {
		return errNoDevices
	}
	src, err := c.opts.Devices.OpenMicrophone()
	if err != nil {
		return err
	}
	track := media.NewEncodedTrack(src, c.audio, nil, c.logger)
	c.micTrack = track
	c.runTrack(track, "microphone")
	return nil
}

func (c *Call) openCameraLocked() error {
	if c.opts.Devices == nil || !c.opts.HasVideo {
		return errNoDevices
	}
	knobs := media.NewKnobs()
	src, err := c.opts.Devices.OpenCamera(knobs)
	if err != nil {
		return err
	}
	track := media.NewEncodedTrack(src, c.camera, knobs, c.logger)
	c.cameraTrack = track
	c.runTrack(track, "camera")
	return nil
}

func (c *Call) runTrack(track *media.EncodedTrack, name string) {
	c.goRun(func() {
		if err := track.Run(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("local track stopped", zap.String("track", name), zap.Error(err))
		}
	})
}

// startSilenceLocked feeds the audio sender until a microphone opens. A
// write error, usually a pair being replaced, only pauses it.
func (c *Call) startSilenceLocked() {
	if c.silenceStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.silenceStop = cancel
	silence := media.NewSilentAudio(c.audio)
	c.goRun(func() {
		for {
			err := silence.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("silent audio interrupted", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(silenceRetry):
			}
		}
	})
}

// RetryDevices reopens whichever of microphone and camera failed before,
// e.g. after the user granted a permission.
func (c *Call) RetryDevices() error {
	if c.opts.Devices == nil {
		return errNoDevices
	}
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	var errs []error
	if c.micTrack == nil && c.opts.HasAudio {
		if err := c.openMicLocked(); err != nil {
			errs = append(errs, err)
		} else if c.silenceStop != nil {
			c.silenceStop()
			c.silenceStop = nil
		}
	}
	if c.cameraTrack == nil && c.opts.HasVideo {
		if err := c.openCameraLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Call) stopMedia() {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()
	for _, t := range []*media.EncodedTrack{c.micTrack, c.cameraTrack, c.screenTrack} {
		if t != nil {
			t.Close()
		}
	}
	if c.silenceStop != nil {
		c.silenceStop()
	}
	if c.screenCancel != nil {
		c.screenCancel()
	}
	c.micTrack, c.cameraTrack, c.screenTrack = nil, nil, nil
	c.silenceStop, c.screenCancel = nil, nil
}

// StartScreenShare captures the screen into the already negotiated screen
// sender and arms quality control and the feedback guard.
func (c *Call) StartScreenShare() error {
	if c.opts.Devices == nil {
		return errNoDevices
	}
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return errNotJoined
	}

	c.mediaMu.Lock()
	if c.screenTrack != nil {
		c.mediaMu.Unlock()
		return nil
	}
	knobs := media.NewKnobs()
	knobs.SetMaxFPS(c.profile.FrameRate)
	src, err := c.opts.Devices.OpenScreen(c.profile, knobs)
	if err != nil {
		c.mediaMu.Unlock()
		return callerr.Wrap("screen share", callerr.ErrPermissionDenied, err.Error())
	}
	track := media.NewEncodedTrack(src, c.screen, knobs, c.logger)
	ctx, cancel := context.WithCancel(c.ctx)
	c.screenTrack, c.screenCancel = track, cancel
	c.mediaMu.Unlock()

	c.screenCtl.set(track)
	c.sampler.SetTrack(track, knobs)
	c.guard.Start()
	c.goRun(func() {
		if err := track.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("screen capture stopped", zap.Error(err))
		}
		if ctx.Err() == nil {
			// capture ended on its own, e.g. the shared window closed
			c.stopScreen(track)
		}
	})

	c.setSharing(true)
	c.logger.Info("screen share started", zap.String("profile", c.profile.Name))
	if err := c.SetStatus("screen", "on"); err != nil {
		c.logger.Debug("screen status not sent", zap.Error(err))
	}
	return nil
}

// StopScreenShare stops capture, resets the feedback guard and restores the
// preview. The sender stays bound and simply goes quiet.
func (c *Call) StopScreenShare() error {
	c.mediaMu.Lock()
	track := c.screenTrack
	c.mediaMu.Unlock()
	if track == nil {
		return errNotSharing
	}
	return c.stopScreen(track)
}

func (c *Call) stopScreen(track *media.EncodedTrack) error {
	c.mediaMu.Lock()
	if c.screenTrack != track {
		c.mediaMu.Unlock()
		return nil
	}
	cancel := c.screenCancel
	c.screenTrack, c.screenCancel = nil, nil
	c.mediaMu.Unlock()

	c.controller.Stop()
	err := c.guard.Stop()
	cancel()
	c.screenCtl.set(nil)
	c.sampler.SetTrack(nil, nil)
	c.setSharing(false)
	c.logger.Info("screen share stopped")
	if err := c.SetStatus("screen", "off"); err != nil {
		c.logger.Debug("screen status not sent", zap.Error(err))
	}
	return err
}

func (c *Call) setSharing(on bool) {
	c.mu.Lock()
	c.sharing = on
	c.mu.Unlock()
	c.enqueue(c.updateScreenControl)
}

// screenControl forwards quality and feedback adjustments to whichever
// screen track is live.
type screenControl struct {
	mu    sync.Mutex
	track *media.EncodedTrack
}

func (s *screenControl) set(t *media.EncodedTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
}

func (s *screenControl) current() (*media.EncodedTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return nil, errNotSharing
	}
	return s.track, nil
}

func (s *screenControl) SetBitrate(kbps int) error {
	t, err := s.current()
	if err != nil {
		return err
	}
	return t.SetBitrate(kbps)
}

func (s *screenControl) SetScale(f float64) error {
	t, err := s.current()
	if err != nil {
		return err
	}
	return t.SetScale(f)
}

func (s *screenControl) SetMaxFramerate(fps int) error {
	t, err := s.current()
	if err != nil {
		return err
	}
	return t.SetMaxFramerate(fps)
}

func (s *screenControl) SetFeedbackLimit(maxFPS, maxKbps int) error {
	t, err := s.current()
	if err != nil {
		return err
	}
	return t.SetFeedbackLimit(maxFPS, maxKbps)
}

func (s *screenControl) ClearFeedbackLimit() error {
	t, err := s.current()
	if err != nil {
		return err
	}
	return t.ClearFeedbackLimit()
}
