package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/peerchat/internal/chat"
	"github.com/petervdpas/peerchat/internal/proto"
)

// ── fake native layer ───────────────────────────────────────────────────────

// fakeNet links fake peer connections by the id carried in their SDP
// fingerprint line.
type fakeNet struct {
	mu       sync.Mutex
	pcs      map[string]*fakePC
	noRelink bool
	muted    bool
}

func newFakeNet() *fakeNet { return &fakeNet{pcs: map[string]*fakePC{}} }

func (n *fakeNet) setMuted(v bool) {
	n.mu.Lock()
	n.muted = v
	n.mu.Unlock()
}

func (n *fakeNet) isMuted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.muted
}

func (n *fakeNet) setRelink(v bool) {
	n.mu.Lock()
	n.noRelink = !v
	n.mu.Unlock()
}

type fakeFactory struct {
	net   *fakeNet
	owner string

	mu      sync.Mutex
	created []*fakePC
}

func (f *fakeFactory) NewPeerConnection() (PeerConnection, error) {
	f.mu.Lock()
	pc := &fakePC{net: f.net, id: fmt.Sprintf("%s-%d", f.owner, len(f.created)+1), sig: SignalingStable}
	f.created = append(f.created, pc)
	f.mu.Unlock()

	f.net.mu.Lock()
	f.net.pcs[pc.id] = pc
	f.net.mu.Unlock()
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) pc(i int) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

type fakePC struct {
	net *fakeNet
	id  string

	mu         sync.Mutex
	sig        SignalingState
	local      *SessionDescription
	remote     *SessionDescription
	ufrag      int
	restarts   int
	candidates []ICECandidate
	unpaired   []*fakeDC
	ends       []*fakeDC
	linked     *fakePC
	closed     bool
	onCand     func(ICECandidate)
	onICE      func(ICEState)
	onDC       func(DataChannel)
}

func (p *fakePC) sdp(typ string) SessionDescription {
	return SessionDescription{
		Type: typ,
		SDP:  fmt.Sprintf("v=0\r\na=fingerprint:sha-256 %s\r\na=ice-ufrag:%d\r\n", p.id, p.ufrag),
	}
}

func remoteID(sd *SessionDescription) string {
	if sd == nil {
		return ""
	}
	return strings.TrimPrefix(fingerprint(sd.SDP), "sha-256 ")
}

func (p *fakePC) CreateOffer(iceRestart bool) (SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return SessionDescription{}, errors.New("closed")
	}
	if iceRestart {
		p.ufrag++
		p.restarts++
	}
	return p.sdp("offer"), nil
}

func (p *fakePC) CreateAnswer() (SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sig != SignalingHaveRemoteOffer {
		return SessionDescription{}, fmt.Errorf("create answer in %s", p.sig)
	}
	return p.sdp("answer"), nil
}

func (p *fakePC) SetLocalDescription(sd SessionDescription) error {
	p.mu.Lock()
	switch {
	case sd.Type == "offer" && p.sig == SignalingStable:
		p.sig = SignalingHaveLocalOffer
	case sd.Type == "answer" && p.sig == SignalingHaveRemoteOffer:
		p.sig = SignalingStable
	default:
		st := p.sig
		p.mu.Unlock()
		return fmt.Errorf("set local %s in %s", sd.Type, st)
	}
	p.local = &sd
	stable := p.sig == SignalingStable
	onCand := p.onCand
	p.mu.Unlock()

	if onCand != nil {
		onCand(ICECandidate{Candidate: "candidate:" + p.id})
	}
	if stable {
		p.tryLink()
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(sd SessionDescription) error {
	p.mu.Lock()
	switch {
	case sd.Type == "offer" && p.sig == SignalingStable:
		p.sig = SignalingHaveRemoteOffer
	case sd.Type == "answer" && p.sig == SignalingHaveLocalOffer:
		p.sig = SignalingStable
	default:
		st := p.sig
		p.mu.Unlock()
		return fmt.Errorf("set remote %s in %s", sd.Type, st)
	}
	p.remote = &sd
	stable := p.sig == SignalingStable
	p.mu.Unlock()

	if stable {
		p.tryLink()
	}
	return nil
}

func (p *fakePC) AddICECandidate(c ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("no remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) candidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

func (p *fakePC) restartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

func (p *fakePC) channel(i int) *fakeDC {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ends[i]
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) linkedTo() *fakePC {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linked
}

func (p *fakePC) RemoteDescription() *SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return nil
	}
	sd := *p.remote
	return &sd
}

func (p *fakePC) SignalingState() SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sig
}

func (p *fakePC) CreateDataChannel(label string) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dc := &fakeDC{net: p.net, label: label}
	p.unpaired = append(p.unpaired, dc)
	p.ends = append(p.ends, dc)
	return dc, nil
}

func (p *fakePC) OnICECandidate(fn func(ICECandidate)) {
	p.mu.Lock()
	p.onCand = fn
	p.mu.Unlock()
}

func (p *fakePC) OnICEConnectionStateChange(fn func(ICEState)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePC) OnDataChannel(fn func(DataChannel)) {
	p.mu.Lock()
	p.onDC = fn
	p.mu.Unlock()
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.sig = SignalingClosed
	ends := p.ends
	p.mu.Unlock()
	for _, dc := range ends {
		_ = dc.Close()
	}
	return nil
}

func (p *fakePC) fireICE(st ICEState) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// tryLink connects p with the connection named in its remote description
// once both sides are stable and point at each other.
func (p *fakePC) tryLink() {
	p.mu.Lock()
	rid := remoteID(p.remote)
	already := p.linked
	p.mu.Unlock()

	p.net.mu.Lock()
	q := p.net.pcs[rid]
	relink := !p.net.noRelink
	p.net.mu.Unlock()
	if q == nil {
		return
	}

	q.mu.Lock()
	ok := !q.closed && q.sig == SignalingStable && remoteID(q.remote) == p.id
	q.mu.Unlock()
	if !ok {
		return
	}

	if already != nil {
		if relink {
			p.fireICE(ICEConnected)
			q.fireICE(ICEConnected)
		}
		return
	}
	link(p, q)
}

var linkMu sync.Mutex

func link(p, q *fakePC) {
	linkMu.Lock()
	p.mu.Lock()
	q.mu.Lock()
	if p.linked != nil {
		q.mu.Unlock()
		p.mu.Unlock()
		linkMu.Unlock()
		return
	}
	p.linked, q.linked = q, p
	pChans, qChans := p.unpaired, q.unpaired
	p.unpaired, q.unpaired = nil, nil
	q.mu.Unlock()
	p.mu.Unlock()
	linkMu.Unlock()

	for _, pc := range []*fakePC{p, q} {
		pc.fireICE(ICEChecking)
		pc.fireICE(ICEConnected)
	}
	pairChannels(p, q, pChans)
	pairChannels(q, p, qChans)
}

func pairChannels(owner, other *fakePC, chans []*fakeDC) {
	for _, dc := range chans {
		remote := &fakeDC{net: owner.net, label: dc.label, peer: dc}
		dc.mu.Lock()
		dc.peer = remote
		dc.mu.Unlock()

		other.mu.Lock()
		other.ends = append(other.ends, remote)
		onDC := other.onDC
		other.mu.Unlock()
		if onDC != nil {
			onDC(remote)
		}
		// Both ends are open before either side hears about it.
		openOwner, openRemote := dc.markOpen(), remote.markOpen()
		if openRemote != nil {
			openRemote()
		}
		if openOwner != nil {
			openOwner()
		}
	}
}

type fakeDC struct {
	net   *fakeNet
	label string

	mu      sync.Mutex
	peer    *fakeDC
	open    bool
	closed  bool
	onOpen  func()
	onClose func()
	onMsg   func(string)
}

func (d *fakeDC) Label() string { return d.label }

func (d *fakeDC) SendText(s string) error {
	d.mu.Lock()
	open, peer := d.open, d.peer
	d.mu.Unlock()
	if !open || peer == nil {
		return errors.New("channel not open")
	}
	if d.net.isMuted() {
		return nil
	}
	peer.mu.Lock()
	fn, peerOpen := peer.onMsg, peer.open
	peer.mu.Unlock()
	if fn != nil && peerOpen {
		fn(s)
	}
	return nil
}

func (d *fakeDC) OnOpen(fn func()) {
	d.mu.Lock()
	d.onOpen = fn
	open := d.open
	d.mu.Unlock()
	if open {
		fn()
	}
}

func (d *fakeDC) OnClose(fn func()) {
	d.mu.Lock()
	d.onClose = fn
	d.mu.Unlock()
}

func (d *fakeDC) OnMessage(fn func(string)) {
	d.mu.Lock()
	d.onMsg = fn
	d.mu.Unlock()
}

// markOpen flips the channel open and returns the open handler to run.
func (d *fakeDC) markOpen() func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open || d.closed {
		return nil
	}
	d.open = true
	return d.onOpen
}

func (d *fakeDC) shut() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed, d.open = true, false
	fn := d.onClose
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *fakeDC) Close() error {
	d.shut()
	d.mu.Lock()
	peer := d.peer
	d.mu.Unlock()
	if peer != nil {
		peer.shut()
	}
	return nil
}

// ── fake relay and message store ────────────────────────────────────────────

type memRelay struct {
	mu    sync.Mutex
	boxes map[string][]proto.Signal
	sent  []proto.Signal
}

func newMemRelay() *memRelay { return &memRelay{boxes: map[string][]proto.Signal{}} }

func (r *memRelay) SendSignal(_ context.Context, sig proto.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boxes[sig.To] = append(r.boxes[sig.To], sig)
	r.sent = append(r.sent, sig)
	return nil
}

func (r *memRelay) PollSignals(_ context.Context, userID string) ([]proto.Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.boxes[userID]
	delete(r.boxes, userID)
	return out, nil
}

func (r *memRelay) count(typ, from string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Type == typ && s.From == from {
			n++
		}
	}
	return n
}

type queueStore struct {
	mu    sync.Mutex
	items map[string][]proto.QueuedMessage
}

func newQueueStore() *queueStore { return &queueStore{items: map[string][]proto.QueuedMessage{}} }

func (q *queueStore) StoreMessage(_ context.Context, m proto.QueuedMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[m.To] = append(q.items[m.To], m)
	return m.ID, nil
}

func (q *queueStore) FetchMessages(_ context.Context, userID string) ([]json.RawMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []json.RawMessage
	for _, m := range q.items[userID] {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (q *queueStore) DeleteMessages(_ context.Context, userID string, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	var kept []proto.QueuedMessage
	for _, m := range q.items[userID] {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	q.items[userID] = kept
	return nil
}

func (q *queueStore) count(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[userID])
}

// ── test environment ────────────────────────────────────────────────────────

type env struct {
	t      *testing.T
	clk    *clock.Mock
	net    *fakeNet
	relay  *memRelay
	store  *queueStore
	aID    string
	bID    string
	a, b   *Manager
	fa, fb *fakeFactory

	pumpOnce sync.Once
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newEnv(t *testing.T, aID, bID string, hbInterval, hbTimeout time.Duration) *env {
	t.Helper()
	e := &env{
		t:     t,
		clk:   clock.NewMock(),
		net:   newFakeNet(),
		relay: newMemRelay(),
		store: newQueueStore(),
		aID:   aID,
		bID:   bID,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	e.fa = &fakeFactory{net: e.net, owner: aID}
	e.fb = &fakeFactory{net: e.net, owner: bID}
	mk := func(id string, f *fakeFactory) *Manager {
		return NewManager(Options{
			Local:             id,
			Relay:             e.relay,
			Factory:           f,
			Store:             e.store,
			History:           chat.NewHistory(id, 100),
			Clock:             e.clk,
			HeartbeatInterval: hbInterval,
			HeartbeatTimeout:  hbTimeout,
		})
	}
	e.a = mk(aID, e.fa)
	e.b = mk(bID, e.fb)
	t.Cleanup(func() {
		e.stopPump()
		e.a.Close()
		e.b.Close()
	})
	return e
}

func (e *env) selectBoth() {
	e.t.Helper()
	ctx := context.Background()
	if err := e.a.Select(ctx, e.bID); err != nil {
		e.t.Fatal(err)
	}
	if err := e.b.Select(ctx, e.aID); err != nil {
		e.t.Fatal(err)
	}
}

// startPump polls the relay for both managers until the test ends.
func (e *env) startPump() {
	e.pumpOnce.Do(func() {
		go func() {
			defer close(e.done)
			ctx := context.Background()
			for {
				select {
				case <-e.stop:
					return
				default:
				}
				_ = e.a.PollOnce(ctx)
				_ = e.b.PollOnce(ctx)
				time.Sleep(2 * time.Millisecond)
			}
		}()
	})
}

func (e *env) stopPump() {
	e.stopOnce.Do(func() {
		close(e.stop)
		started := true
		e.pumpOnce.Do(func() { started = false })
		if started {
			<-e.done
		}
	})
}

// connect selects both sides, starts the pump and waits until a and b are
// connected.
func (e *env) connect() {
	e.t.Helper()
	e.selectBoth()
	e.startPump()
	if err := e.a.Connect(context.Background()); err != nil {
		e.t.Fatal(err)
	}
	waitState(e.t, e.a, StateConnected)
	waitState(e.t, e.b, StateConnected)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	waitWithin(t, 2*time.Second, what, cond)
}

func waitWithin(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, m *Manager, st State) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s to be %s", m.Local(), st), func() bool { return m.State() == st })
}

// status round-trips through the session loop, so every event queued before
// the call has been handled when it returns.
func status(t *testing.T, m *Manager) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := m.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

// advance moves the mock clock in small steps so ticker goroutines get a
// chance to run between ticks.
func advance(clk *clock.Mock, d time.Duration) {
	const step = 100 * time.Millisecond
	for d > 0 {
		clk.Add(step)
		time.Sleep(time.Millisecond)
		d -= step
	}
}
