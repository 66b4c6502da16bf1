package rtcManager

import (
	"fmt"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

// APIOptions configures the pion API shared by every peer connection of a
// call.
type APIOptions struct {
	// Loopback offers 127.0.0.1 candidates; only useful for in-process tests.
	Loopback    bool
	DisableMDNS bool
	UDP4Only    bool

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// PLIInterval makes receivers ask for a keyframe periodically so a
	// screen share that starts mid-call decodes quickly. Zero disables it.
	PLIInterval time.Duration

	// RegisterCodecs populates the media engine, typically from the
	// capturer's codec selector. Nil registers pion's defaults.
	RegisterCodecs func(*webrtc.MediaEngine)
}

func (o *APIOptions) setDefaults() {
	if o.DisconnectedTimeout == 0 {
		o.DisconnectedTimeout = 5 * time.Second
	}
	if o.FailedTimeout == 0 {
		o.FailedTimeout = 10 * time.Second
	}
	if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = 2 * time.Second
	}
}

// NewAPI builds the media engine, interceptors and setting engine.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	opts.setDefaults()

	mediaEngine := &webrtc.MediaEngine{}
	if opts.RegisterCodecs != nil {
		opts.RegisterCodecs(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBTransportCC}, webrtc.RTPCodecTypeVideo)
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBTransportCC}, webrtc.RTPCodecTypeAudio)
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBNACK}, webrtc.RTPCodecTypeAudio)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	if opts.PLIInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(opts.PLIInterval))
		if err != nil {
			return nil, fmt.Errorf("create pli interceptor: %w", err)
		}
		registry.Add(pli)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	if opts.Loopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	if opts.DisableMDNS {
		settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}
	if opts.UDP4Only {
		settingEngine.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

// ICEServers turns STUN/TURN URLs into a pion configuration list.
func ICEServers(stun, turn []string, username, credential string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: credential,
		})
	}
	return servers
}
