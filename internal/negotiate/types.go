package negotiate

import (
	"context"
	"errors"

	"github.com/petervdpas/peerchat/internal/proto"
)

var (
	// ErrBusy is returned by Connect outside idle/disconnected.
	ErrBusy = errors.New("session is already connecting or connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
	// ErrNoSession is returned by Manager calls made before Select.
	ErrNoSession = errors.New("no peer selected")
)

// State is the single logical connection status exposed to the UI.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// SignalingState mirrors the native offer/answer state.
type SignalingState string

const (
	SignalingStable             SignalingState = "stable"
	SignalingHaveLocalOffer     SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer    SignalingState = "have-remote-offer"
	SignalingHaveLocalPranswer  SignalingState = "have-local-pranswer"
	SignalingHaveRemotePranswer SignalingState = "have-remote-pranswer"
	SignalingClosed             SignalingState = "closed"
)

// ICEState mirrors the native ICE connection state.
type ICEState string

const (
	ICENew          ICEState = "new"
	ICEChecking     ICEState = "checking"
	ICEConnected    ICEState = "connected"
	ICECompleted    ICEState = "completed"
	ICEFailed       ICEState = "failed"
	ICEDisconnected ICEState = "disconnected"
	ICEClosed       ICEState = "closed"
)

// SessionDescription is the payload of offer and answer signals.
type SessionDescription struct {
	Type string `json:"type"` // offer|answer
	SDP  string `json:"sdp"`
}

// ICECandidate is the payload of ice-candidate signals.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// PeerConnection is the native connection object. Callbacks may be invoked
// from any goroutine.
type PeerConnection interface {
	CreateOffer(iceRestart bool) (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(SessionDescription) error
	SetRemoteDescription(SessionDescription) error
	AddICECandidate(ICECandidate) error
	// RemoteDescription returns nil until one has been applied.
	RemoteDescription() *SessionDescription
	SignalingState() SignalingState
	CreateDataChannel(label string) (DataChannel, error)

	OnICECandidate(func(ICECandidate))
	OnICEConnectionStateChange(func(ICEState))
	OnDataChannel(func(DataChannel))

	Close() error
}

// DataChannel is a native text data channel.
type DataChannel interface {
	Label() string
	SendText(string) error
	OnOpen(func())
	OnClose(func())
	OnMessage(func(string))
	Close() error
}

// Factory builds native connections configured with the ICE servers.
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}

// Relay is the signaling mailbox.
type Relay interface {
	SendSignal(ctx context.Context, sig proto.Signal) error
	PollSignals(ctx context.Context, userID string) ([]proto.Signal, error)
}
