package negotiate

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// PionFactory builds pion peer connections. The webrtc.API is built once and
// shared by every connection.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory configures the ICE servers, loopback candidates and the
// go-log bridge for pion's internal logging.
func NewPionFactory(iceServers []string, includeLoopback bool, logLevel string) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: pionLogs{level: logLevel}}
	se.SetIncludeLoopbackCandidate(includeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	for _, u := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return &PionFactory{api: api, config: webrtc.Configuration{ICEServers: servers}}, nil
}

func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	return &pionPC{pc: pc}, nil
}

type pionPC struct {
	pc *webrtc.PeerConnection
}

func (p *pionPC) CreateOffer(iceRestart bool) (SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	sd, err := p.pc.CreateOffer(opts)
	if err != nil {
		return SessionDescription{}, err
	}
	return fromPion(sd), nil
}

func (p *pionPC) CreateAnswer() (SessionDescription, error) {
	sd, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return fromPion(sd), nil
}

func (p *pionPC) SetLocalDescription(sd SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(sd))
}

func (p *pionPC) SetRemoteDescription(sd SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(sd))
}

func (p *pionPC) AddICECandidate(c ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPC) RemoteDescription() *SessionDescription {
	sd := p.pc.RemoteDescription()
	if sd == nil {
		return nil
	}
	out := fromPion(*sd)
	return &out
}

func (p *pionPC) SignalingState() SignalingState {
	return SignalingState(p.pc.SignalingState().String())
}

func (p *pionPC) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionDC{dc: dc}, nil
}

func (p *pionPC) OnICECandidate(fn func(ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		ci := c.ToJSON()
		fn(ICECandidate{
			Candidate:        ci.Candidate,
			SDPMid:           ci.SDPMid,
			SDPMLineIndex:    ci.SDPMLineIndex,
			UsernameFragment: ci.UsernameFragment,
		})
	})
}

func (p *pionPC) OnICEConnectionStateChange(fn func(ICEState)) {
	p.pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		fn(ICEState(st.String()))
	})
}

func (p *pionPC) OnDataChannel(fn func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&pionDC{dc: dc})
	})
}

func (p *pionPC) Close() error { return p.pc.Close() }

type pionDC struct {
	dc *webrtc.DataChannel
}

func (d *pionDC) Label() string           { return d.dc.Label() }
func (d *pionDC) SendText(s string) error { return d.dc.SendText(s) }
func (d *pionDC) OnOpen(fn func())        { d.dc.OnOpen(fn) }
func (d *pionDC) OnClose(fn func())       { d.dc.OnClose(fn) }
func (d *pionDC) Close() error            { return d.dc.Close() }

func (d *pionDC) OnMessage(fn func(string)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(string(msg.Data))
	})
}

func fromPion(sd webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

func toPion(sd SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.SDP}
}
