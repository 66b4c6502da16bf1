package quality

import "runtime"

// DeviceTier estimates how much encoding work the local machine can take.
type DeviceTier int

const (
	DeviceTierLow DeviceTier = iota
	DeviceTierMedium
	DeviceTierHigh
)

func (d DeviceTier) String() string {
	switch d {
	case DeviceTierLow:
		return "low"
	case DeviceTierMedium:
		return "medium"
	case DeviceTierHigh:
		return "high"
	default:
		return "unknown"
	}
}

// DetectTier classifies the device from its CPU count and whether a
// hardware encoder is present. VP8 software encoding of a 1080p30 screen
// needs several cores.
func DetectTier(cpus int, hasHWEncoder bool) DeviceTier {
	switch {
	case hasHWEncoder && cpus >= 8:
		return DeviceTierHigh
	case hasHWEncoder || cpus >= 4:
		return DeviceTierMedium
	default:
		return DeviceTierLow
	}
}

// LocalTier runs DetectTier for this machine.
func LocalTier() DeviceTier {
	return DetectTier(runtime.NumCPU(), DetectHardwareEncoder())
}

// DetectHardwareEncoder guesses whether a hardware encoder is likely.
func DetectHardwareEncoder() bool {
	switch runtime.GOOS {
	case "darwin":
		// VideoToolbox
		return true
	default:
		// VAAPI, NVENC and QuickSync cannot be confirmed without probing.
		return false
	}
}
