// Package negotiate drives the offer/answer/candidate exchange between two
// peers through the relay mailbox and tracks the resulting data channel.
package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/peerchat/internal/liveness"
	"github.com/petervdpas/peerchat/internal/proto"
)

const DefaultRestartBackoff = 5 * time.Second

var errChannelClosed = errors.New("data channel not open")

type channelPhase int

const (
	channelNone channelPhase = iota
	channelOpen
	channelClosed
)

type SessionOptions struct {
	Local   string
	Peer    string
	Relay   Relay
	Factory Factory
	Clock   clock.Clock

	RestartBackoff    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// OnFrame receives every inbound data-channel payload except heartbeats.
	OnFrame func(raw string)
}

// Session is the connection to one peer. All negotiation state is owned by a
// single event loop goroutine; native callbacks, timers and inbound signals
// are queued into it.
type Session struct {
	local   string
	peer    string
	relay   Relay
	factory Factory
	clock   clock.Clock
	backoff time.Duration
	live    *liveness.Monitor
	onFrame func(string)

	ctx    context.Context
	cancel context.CancelFunc

	qmu      sync.Mutex
	queue    []func()
	closed   bool
	started  bool
	wake     chan struct{}
	loopDone chan struct{}

	omu        sync.Mutex
	outbox     []proto.Signal
	owake      chan struct{}
	senderDone chan struct{}

	// loop-owned
	pc           PeerConnection
	gen          int
	used         bool
	ice          ICEState
	channel      channelPhase
	dead         bool
	restarted    bool
	restartTimer *clock.Timer

	mu       sync.RWMutex
	state    State
	active   DataChannel
	watchers []func(State)
}

// NewSession returns an idle session. Call Start before use.
func NewSession(o SessionOptions) *Session {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = DefaultRestartBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		local:      o.Local,
		peer:       o.Peer,
		relay:      o.Relay,
		factory:    o.Factory,
		clock:      o.Clock,
		backoff:    o.RestartBackoff,
		onFrame:    o.OnFrame,
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		loopDone:   make(chan struct{}),
		owake:      make(chan struct{}, 1),
		senderDone: make(chan struct{}),
		state:      StateIdle,
	}
	s.live = liveness.New(o.Clock, o.HeartbeatInterval, o.HeartbeatTimeout, func() error {
		return s.sendOnChannel(proto.Frame{Type: proto.FrameHeartbeat})
	})
	return s
}

// SetFrameHandler replaces the inbound frame handler. Must be called before
// Start.
func (s *Session) SetFrameHandler(fn func(raw string)) { s.onFrame = fn }

// Start launches the event loop and the ordered signal sender.
func (s *Session) Start() {
	s.qmu.Lock()
	if s.started {
		s.qmu.Unlock()
		return
	}
	s.started = true
	s.qmu.Unlock()
	go s.loop()
	go s.sendLoop()
}

func (s *Session) Local() string { return s.local }
func (s *Session) Peer() string  { return s.peer }

// State returns the logical connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnStateChange registers fn for state transitions. fn runs on the event
// loop and must not block.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// Connect starts an outbound negotiation. Valid from idle or disconnected.
func (s *Session) Connect(ctx context.Context) error {
	errc := make(chan error, 1)
	if !s.post(func() { errc <- s.connect() }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.loopDone:
		return ErrClosed
	}
}

// HandleSignal queues an inbound signal from the relay.
func (s *Session) HandleSignal(sig proto.Signal) {
	if sig.From != s.peer {
		log.Printf("NEGOTIATE [%s→%s]: ignoring %s from %s", s.local, s.peer, sig.Type, sig.From)
		return
	}
	switch sig.Type {
	case proto.SignalOffer, proto.SignalAnswer:
		var sd SessionDescription
		if err := json.Unmarshal(sig.Data, &sd); err != nil {
			log.Printf("NEGOTIATE [%s→%s]: malformed %s: %v", s.local, s.peer, sig.Type, err)
			return
		}
		if sig.Type == proto.SignalOffer {
			s.post(func() { s.handleOffer(sd) })
		} else {
			s.post(func() { s.handleAnswer(sd) })
		}
	case proto.SignalCandidate:
		var c ICECandidate
		if err := json.Unmarshal(sig.Data, &c); err != nil {
			log.Printf("NEGOTIATE [%s→%s]: malformed candidate: %v", s.local, s.peer, err)
			return
		}
		s.post(func() { s.handleCandidate(c) })
	default:
		log.Printf("NEGOTIATE [%s→%s]: unknown signal type %q", s.local, s.peer, sig.Type)
	}
}

// Open reports whether chat frames can be sent right now.
func (s *Session) Open() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active != nil && s.state == StateConnected
}

// Send writes a frame to the open data channel.
func (s *Session) Send(f proto.Frame) error {
	if !s.Open() {
		return errChannelClosed
	}
	return s.sendOnChannel(f)
}

func (s *Session) sendOnChannel(f proto.Frame) error {
	s.mu.RLock()
	dc := s.active
	s.mu.RUnlock()
	if dc == nil {
		return errChannelClosed
	}
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	return dc.SendText(raw)
}

// Status is a point-in-time view of a session for display.
type Status struct {
	Peer          string         `json:"peer"`
	State         State          `json:"state"`
	Signaling     SignalingState `json:"signaling"`
	ICE           ICEState       `json:"ice"`
	ChannelOpen   bool           `json:"channel_open"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Restarted     bool           `json:"ice_restarted"`
}

// Status reads the loop-owned fields through the event loop.
func (s *Session) Status(ctx context.Context) (Status, error) {
	out := make(chan Status, 1)
	if !s.post(func() {
		st := Status{
			Peer:          s.peer,
			State:         s.State(),
			ICE:           s.ice,
			ChannelOpen:   s.channel == channelOpen,
			LastHeartbeat: s.live.LastBeat(),
			Restarted:     s.restarted,
		}
		if s.pc != nil {
			st.Signaling = s.pc.SignalingState()
		}
		out <- st
	}) {
		return Status{}, ErrClosed
	}
	select {
	case st := <-out:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-s.loopDone:
		return Status{}, ErrClosed
	}
}

// Close tears the session down: timers, liveness, native connection. Safe to
// call more than once.
func (s *Session) Close() {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		if s.started {
			<-s.loopDone
		}
		return
	}
	s.queue = append(s.queue, func() {
		s.dropPC()
		s.setState(StateDisconnected)
	})
	s.closed = true
	started := s.started
	s.qmu.Unlock()

	if started {
		s.signalLoop()
		<-s.loopDone
	}
	s.cancel()
	if started {
		<-s.senderDone
	}
	log.Printf("NEGOTIATE [%s→%s]: session closed", s.local, s.peer)
}

// ── event loop ──────────────────────────────────────────────────────────────

func (s *Session) post(fn func()) bool {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.qmu.Unlock()
	s.signalLoop()
	return true
}

func (s *Session) signalLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for range s.wake {
		for {
			s.qmu.Lock()
			if len(s.queue) == 0 {
				closed := s.closed
				s.qmu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := s.queue[0]
			s.queue = s.queue[1:]
			s.qmu.Unlock()
			fn()
		}
	}
}

// ── outbound signals ────────────────────────────────────────────────────────

func (s *Session) emit(typ string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("NEGOTIATE [%s→%s]: encode %s: %v", s.local, s.peer, typ, err)
		return
	}
	s.omu.Lock()
	s.outbox = append(s.outbox, proto.Signal{
		Type:      typ,
		Data:      data,
		From:      s.local,
		To:        s.peer,
		Timestamp: s.clock.Now().UnixMilli(),
	})
	s.omu.Unlock()
	select {
	case s.owake <- struct{}{}:
	default:
	}
}

// sendLoop posts signals to the relay one at a time, in creation order.
// Failed posts are logged and dropped.
func (s *Session) sendLoop() {
	defer close(s.senderDone)
	for {
		s.omu.Lock()
		batch := s.outbox
		s.outbox = nil
		s.omu.Unlock()

		for _, sig := range batch {
			if err := s.relay.SendSignal(s.ctx, sig); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				log.Printf("NEGOTIATE [%s→%s]: send %s failed: %v", s.local, s.peer, sig.Type, err)
			}
		}

		select {
		case <-s.owake:
		case <-s.ctx.Done():
			return
		}
	}
}

// ── negotiation (event loop only) ───────────────────────────────────────────

func (s *Session) connect() error {
	if st := s.State(); st != StateIdle && st != StateDisconnected {
		return ErrBusy
	}
	if s.pc == nil || s.used || s.pc.SignalingState() != SignalingStable {
		if err := s.resetPC(); err != nil {
			return err
		}
	}
	s.used = true

	dc, err := s.pc.CreateDataChannel(proto.DataChannelLabel)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	s.wireChannel(s.gen, dc)

	s.setState(StateConnecting)
	if err := s.offer(false); err != nil {
		s.setState(StateDisconnected)
		return err
	}
	log.Printf("NEGOTIATE [%s→%s]: offer sent", s.local, s.peer)
	return nil
}

func (s *Session) offer(iceRestart bool) error {
	sd, err := s.pc.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(sd); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	s.emit(proto.SignalOffer, sd)
	return nil
}

func (s *Session) handleOffer(sd SessionDescription) {
	if s.pc == nil || s.pc.SignalingState() == SignalingClosed || s.fromNewRemote(sd) {
		if err := s.resetPC(); err != nil {
			log.Printf("NEGOTIATE [%s→%s]: %v", s.local, s.peer, err)
			return
		}
		// The old channel went with the old connection.
		if s.State() == StateConnected {
			s.setState(StateConnecting)
		}
	}

	switch st := s.pc.SignalingState(); st {
	case SignalingStable:
	case SignalingHaveLocalOffer:
		if s.local < s.peer {
			log.Printf("NEGOTIATE [%s→%s]: glare, keeping local offer", s.local, s.peer)
			return
		}
		log.Printf("NEGOTIATE [%s→%s]: glare, yielding to remote offer", s.local, s.peer)
		if err := s.resetPC(); err != nil {
			log.Printf("NEGOTIATE [%s→%s]: %v", s.local, s.peer, err)
			return
		}
	default:
		log.Printf("NEGOTIATE [%s→%s]: offer discarded in state %s", s.local, s.peer, st)
		return
	}

	s.used = true
	if err := s.pc.SetRemoteDescription(sd); err != nil {
		log.Printf("NEGOTIATE [%s→%s]: set remote offer: %v", s.local, s.peer, err)
		return
	}
	answer, err := s.pc.CreateAnswer()
	if err != nil {
		log.Printf("NEGOTIATE [%s→%s]: create answer: %v", s.local, s.peer, err)
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		log.Printf("NEGOTIATE [%s→%s]: set local answer: %v", s.local, s.peer, err)
		return
	}
	s.emit(proto.SignalAnswer, answer)
	log.Printf("NEGOTIATE [%s→%s]: answer sent", s.local, s.peer)

	if st := s.State(); st == StateIdle || st == StateDisconnected {
		s.setState(StateConnecting)
	}
}

// fromNewRemote reports whether sd comes from a different remote connection
// than the one already applied, which needs a fresh native connection.
// Renegotiation and ICE restarts keep the DTLS fingerprint.
func (s *Session) fromNewRemote(sd SessionDescription) bool {
	cur := s.pc.RemoteDescription()
	if cur == nil {
		return false
	}
	return fingerprint(cur.SDP) != fingerprint(sd.SDP)
}

func fingerprint(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "a=fingerprint:") {
			return strings.TrimPrefix(line, "a=fingerprint:")
		}
	}
	return ""
}

func (s *Session) handleAnswer(sd SessionDescription) {
	if s.pc == nil || s.pc.SignalingState() != SignalingHaveLocalOffer {
		state := SignalingState("none")
		if s.pc != nil {
			state = s.pc.SignalingState()
		}
		log.Printf("NEGOTIATE [%s→%s]: answer discarded in state %s", s.local, s.peer, state)
		return
	}
	if err := s.pc.SetRemoteDescription(sd); err != nil {
		log.Printf("NEGOTIATE [%s→%s]: set remote answer: %v", s.local, s.peer, err)
		return
	}
	log.Printf("NEGOTIATE [%s→%s]: answer applied", s.local, s.peer)
}

func (s *Session) handleCandidate(c ICECandidate) {
	if s.pc == nil || s.pc.RemoteDescription() == nil {
		log.Printf("NEGOTIATE [%s→%s]: candidate dropped, no remote description", s.local, s.peer)
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		log.Printf("NEGOTIATE [%s→%s]: add candidate: %v", s.local, s.peer, err)
	}
}

// resetPC replaces the native connection. Events from the old one are
// ignored from here on.
func (s *Session) resetPC() error {
	s.dropPC()
	pc, err := s.factory.NewPeerConnection()
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	s.gen++
	gen := s.gen
	s.pc = pc

	pc.OnICECandidate(func(c ICECandidate) {
		s.post(func() {
			if gen == s.gen {
				s.emit(proto.SignalCandidate, c)
			}
		})
	})
	pc.OnICEConnectionStateChange(func(st ICEState) {
		s.post(func() {
			if gen == s.gen {
				s.handleICE(st)
			}
		})
	})
	pc.OnDataChannel(func(dc DataChannel) {
		// Wire before queueing so no early message is lost.
		s.wireChannel(gen, dc)
	})
	return nil
}

func (s *Session) dropPC() {
	s.live.Stop()
	s.stopRestart()
	s.setActive(nil)
	s.used = false
	s.ice = ""
	s.channel = channelNone
	s.dead = false
	s.restarted = false
	if s.pc != nil {
		pc := s.pc
		s.pc = nil
		s.gen++
		if err := pc.Close(); err != nil {
			log.Printf("NEGOTIATE [%s→%s]: close peer connection: %v", s.local, s.peer, err)
		}
	}
}

func (s *Session) wireChannel(gen int, dc DataChannel) {
	dc.OnOpen(func() {
		s.post(func() {
			if gen == s.gen {
				s.channelOpened(dc)
			}
		})
	})
	dc.OnClose(func() {
		s.post(func() {
			if gen == s.gen {
				s.channelClosed(dc)
			}
		})
	})
	dc.OnMessage(func(raw string) {
		s.post(func() {
			if gen != s.gen {
				return
			}
			// A message can overtake the open event.
			if s.channel == channelNone {
				s.channelOpened(dc)
			}
			s.channelMessage(raw)
		})
	})
}

func (s *Session) channelOpened(dc DataChannel) {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if s.channel == channelOpen && active == dc {
		return
	}
	s.setActive(dc)
	s.channel = channelOpen
	s.dead = false
	s.restarted = false
	s.stopRestart()

	gen := s.gen
	s.live.Start(func() {
		s.post(func() {
			if gen == s.gen {
				s.heartbeatLost()
			}
		})
	})
	s.refresh()
	log.Printf("NEGOTIATE [%s→%s]: data channel %q open", s.local, s.peer, dc.Label())

	if err := s.sendOnChannel(proto.Frame{Type: proto.FrameCheckOffline}); err != nil {
		log.Printf("NEGOTIATE [%s→%s]: check-offline-messages: %v", s.local, s.peer, err)
	}
}

func (s *Session) channelClosed(dc DataChannel) {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if active != nil && active != dc {
		return
	}
	s.live.Stop()
	s.setActive(nil)
	s.channel = channelClosed
	s.refresh()
	log.Printf("NEGOTIATE [%s→%s]: data channel closed", s.local, s.peer)
}

func (s *Session) channelMessage(raw string) {
	if f, ok := proto.DecodeFrame(raw); ok && f.Type == proto.FrameHeartbeat {
		s.live.Beat()
		return
	}
	if s.onFrame != nil {
		s.onFrame(raw)
	}
}

func (s *Session) heartbeatLost() {
	s.dead = true
	log.Printf("NEGOTIATE [%s→%s]: no heartbeat, marking disconnected", s.local, s.peer)
	s.refresh()
}

func (s *Session) handleICE(st ICEState) {
	s.ice = st
	switch st {
	case ICEFailed:
		s.scheduleRestart()
	case ICEConnected, ICECompleted:
		s.restarted = false
		s.stopRestart()
	}
	s.refresh()
}

// scheduleRestart arms the single ICE restart of this failure episode. The
// lower id restarts after the backoff; the higher id waits twice as long so
// that the two restart offers do not collide.
func (s *Session) scheduleRestart() {
	if s.restarted || s.restartTimer != nil {
		return
	}
	delay := s.backoff
	if s.local > s.peer {
		delay *= 2
	}
	gen := s.gen
	s.restartTimer = s.clock.AfterFunc(delay, func() {
		s.post(func() {
			if gen == s.gen {
				s.restartICE()
			}
		})
	})
	log.Printf("NEGOTIATE [%s→%s]: ICE failed, restart in %s", s.local, s.peer, delay)
}

func (s *Session) stopRestart() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

func (s *Session) restartICE() {
	s.restartTimer = nil
	if s.restarted || s.pc == nil {
		return
	}
	if s.ice != ICEFailed && s.ice != ICEDisconnected {
		return
	}
	if st := s.pc.SignalingState(); st != SignalingStable {
		log.Printf("NEGOTIATE [%s→%s]: ICE restart skipped in state %s", s.local, s.peer, st)
		return
	}
	s.restarted = true
	if err := s.offer(true); err != nil {
		log.Printf("NEGOTIATE [%s→%s]: ICE restart: %v", s.local, s.peer, err)
		return
	}
	log.Printf("NEGOTIATE [%s→%s]: ICE restart offer sent", s.local, s.peer)
}

// derive maps the observed channel and ICE states to the logical state.
// Channel events win over ICE; a lost heartbeat wins over both.
func (s *Session) derive() State {
	switch {
	case s.dead:
		return StateDisconnected
	case s.channel == channelOpen:
		return StateConnected
	case s.channel == channelClosed:
		return StateDisconnected
	}
	switch s.ice {
	case "":
		return s.State()
	case ICEConnected, ICECompleted:
		return StateConnected
	case ICEFailed, ICEDisconnected, ICEClosed:
		return StateDisconnected
	}
	return StateConnecting
}

func (s *Session) refresh() {
	s.setState(s.derive())
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	watchers := append([]func(State){}, s.watchers...)
	s.mu.Unlock()

	log.Printf("NEGOTIATE [%s→%s]: %s → %s", s.local, s.peer, prev, next)
	for _, fn := range watchers {
		fn(next)
	}
}

func (s *Session) setActive(dc DataChannel) {
	s.mu.Lock()
	s.active = dc
	s.mu.Unlock()
}
