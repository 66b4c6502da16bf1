package quality

import "fmt"

// Resolution represents video dimensions.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r Resolution) Pixels() int {
	return r.Width * r.Height
}

// Scale returns r scaled by f, rounded down to even dimensions as VP8
// encoders expect.
func (r Resolution) Scale(f float64) Resolution {
	w := int(float64(r.Width)*f) &^ 1
	h := int(float64(r.Height)*f) &^ 1
	return Resolution{Width: w, Height: h}
}

// Profile is a screen-share capture target.
type Profile struct {
	Name          string
	Resolution    Resolution
	FrameRate     int
	MinDeviceTier DeviceTier
}

// ScreenShareProfiles returns the capture targets, highest first.
func ScreenShareProfiles() []Profile {
	return []Profile{
		{Name: "1080p@30", Resolution: Resolution{1920, 1080}, FrameRate: 30, MinDeviceTier: DeviceTierMedium},
		{Name: "1080p@15", Resolution: Resolution{1920, 1080}, FrameRate: 15, MinDeviceTier: DeviceTierLow},
		{Name: "720p@30", Resolution: Resolution{1280, 720}, FrameRate: 30, MinDeviceTier: DeviceTierLow},
		{Name: "720p@15", Resolution: Resolution{1280, 720}, FrameRate: 15, MinDeviceTier: DeviceTierLow},
		{Name: "480p@15", Resolution: Resolution{854, 480}, FrameRate: 15, MinDeviceTier: DeviceTierLow},
	}
}

// ProfileByName finds a profile by name.
func ProfileByName(name string) (Profile, bool) {
	for _, p := range ScreenShareProfiles() {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// InitialProfile picks the best profile the device tier allows.
// Screen share always starts at 1080p; weaker devices get 15 fps.
func InitialProfile(tier DeviceTier) Profile {
	for _, p := range ScreenShareProfiles() {
		if p.MinDeviceTier <= tier {
			return p
		}
	}
	profiles := ScreenShareProfiles()
	return profiles[len(profiles)-1]
}

// ScaleFactor returns the factor in (0, 1] that fits capture inside max,
// preserving the aspect ratio.
func ScaleFactor(capture, max Resolution) float64 {
	if capture.Width <= 0 || capture.Height <= 0 || max.Width <= 0 || max.Height <= 0 {
		return 1
	}
	f := 1.0
	if capture.Width > max.Width {
		f = float64(max.Width) / float64(capture.Width)
	}
	if capture.Height > max.Height {
		f = min(f, float64(max.Height)/float64(capture.Height))
	}
	return f
}
