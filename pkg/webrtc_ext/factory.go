package webrtc_ext

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Registers the codecs the local media is encoded with. The default registers pion's default codecs.
type CodecRegistrar func(*webrtc.MediaEngine) error

func DefaultCodecs(mediaEngine *webrtc.MediaEngine) error {
	return mediaEngine.RegisterDefaultCodecs()
}

// Peer connection factory is used to construct new (pre-configured) peer connections.
type PeerConnectionFactory struct {
	api           *webrtc.API
	configuration webrtc.Configuration
}

func NewPeerConnectionFactory(config Config, registerCodecs CodecRegistrar) (*PeerConnectionFactory, error) {
	if registerCodecs == nil {
		registerCodecs = DefaultCodecs
	}

	api, err := createWebRTCAPI(config, registerCodecs)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebRTC API: %w", err)
	}

	stunServers := config.STUNServers
	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers
	}

	return &PeerConnectionFactory{
		api: api,
		configuration: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
		},
	}, nil
}

// Creates a peer connection with the configured API and ICE servers.
func (f *PeerConnectionFactory) CreatePeerConnection() (*webrtc.PeerConnection, error) {
	return f.api.NewPeerConnection(f.configuration)
}

func createWebRTCAPI(config Config, registerCodecs CodecRegistrar) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodecs(mediaEngine); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	// Create a InterceptorRegistry. This is the user configurable RTP/RTCP
	// Pipeline. This provides NACKs, RTCP Reports and other features.
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to set default interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		secondsOr(config.DisconnectedTimeout, 5*time.Second),
		secondsOr(config.FailedTimeout, 25*time.Second),
		secondsOr(config.KeepAliveInterval, 2*time.Second),
	)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}

	return time.Duration(seconds) * time.Second
}
