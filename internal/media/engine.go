package media

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// newAPI builds a WebRTC API with default codecs, the ssrc-audio-level header
// extension (drives the remote meter), default interceptors, and generous ICE
// timeouts so a brief relay/NAT hiccup does not immediately terminate a call.
// The default disconnectedTimeout of 5s is far too short for paths that can
// have outages during re-keying or failover.
func newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// NewPeerConnection creates a fresh peer connection for one call attempt.
// Handles are never reused across attempts: stale negotiation state is not
// recoverable, so it is discarded rather than repaired.
func NewPeerConnection(opt Options) (*webrtc.PeerConnection, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}

	var servers []webrtc.ICEServer
	for _, s := range opt.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
	}

	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// AddRecvOnlyAudio adds a recvonly audio transceiver so CreateOffer and
// CreateAnswer produce a valid m-line with ICE credentials even when no
// local track was added.
func AddRecvOnlyAudio(pc *webrtc.PeerConnection) error {
	_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}
