package call

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerTransport is the media side of a call. The machine drives it; it
// never sends signaling itself.
type PeerTransport interface {
	// CreateOffer creates and applies the local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer applies the remote offer, then creates and applies the
	// local answer.
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	// OnICECandidate registers fn for each local candidate gathered.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	// OnFailed registers fn for when media connectivity is lost for good.
	OnFailed(fn func())
	Close() error
}

// TransportFactory creates one PeerTransport per call.
type TransportFactory func() (PeerTransport, error)

type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls" mapstructure:"urls"`
	Username   string   `json:"username" yaml:"username" mapstructure:"username"`
	Credential string   `json:"credential" yaml:"credential" mapstructure:"credential"`
}

type Config struct {
	ICEServers []ICEServer `json:"ice_servers" yaml:"ice_servers" mapstructure:"ice_servers"`
}

func (c Config) iceServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// PionFactory returns a factory of audio-only pion peer connections.
func PionFactory(cfg Config) TransportFactory {
	return func() (PeerTransport, error) {
		return NewPionTransport(cfg)
	}
}

// PionTransport is a PeerTransport over a pion PeerConnection with one
// send/receive audio transceiver.
type PionTransport struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	onFailed func()
}

func NewPionTransport(cfg Config) (*PionTransport, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("call: new peer connection: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("call: add audio transceiver: %w", err)
	}

	t := &PionTransport{pc: pc}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s != webrtc.PeerConnectionStateFailed {
			return
		}
		t.mu.Lock()
		fn := t.onFailed
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	return t, nil
}

func (t *PionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return offer, fmt.Errorf("call: create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return offer, fmt.Errorf("call: set local offer: %w", err)
	}
	return offer, nil
}

func (t *PionTransport) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("call: set remote offer: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return answer, fmt.Errorf("call: create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return answer, fmt.Errorf("call: set local answer: %w", err)
	}
	return answer, nil
}

func (t *PionTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("call: set remote description: %w", err)
	}
	return nil
}

func (t *PionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := t.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("call: add candidate: %w", err)
	}
	return nil
}

func (t *PionTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (t *PionTransport) OnFailed(fn func()) {
	t.mu.Lock()
	t.onFailed = fn
	t.mu.Unlock()
}

func (t *PionTransport) Close() error {
	return t.pc.Close()
}
