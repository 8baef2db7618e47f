package negotiate

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/peerchat/internal/chat"
	"github.com/petervdpas/peerchat/internal/delivery"
	"github.com/petervdpas/peerchat/internal/proto"
)

const DefaultPollInterval = time.Second

type Options struct {
	Local   string
	Relay   Relay
	Factory Factory
	Store   delivery.MessageStore
	History *chat.History
	Clock   clock.Clock

	PollInterval      time.Duration
	AckTimeout        time.Duration
	RestartBackoff    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Manager owns the one active peer session of a local user and routes relay
// signals to it.
type Manager struct {
	opts Options

	mu        sync.Mutex
	session   *Session
	layer     *delivery.Layer
	listeners []func(peer string, st State)
}

func NewManager(o Options) *Manager {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.History == nil {
		o.History = chat.NewHistory(o.Local, 0)
	}
	return &Manager{opts: o}
}

func (m *Manager) Local() string          { return m.opts.Local }
func (m *Manager) History() *chat.History { return m.opts.History }

// OnStateChange registers fn for state changes of every future session.
func (m *Manager) OnStateChange(fn func(peer string, st State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Select makes peer the current chat partner. Any previous session is torn
// down and parked messages addressed to the local user are drained.
func (m *Manager) Select(ctx context.Context, peer string) error {
	m.mu.Lock()
	if m.session != nil && m.session.Peer() == peer {
		m.mu.Unlock()
		return nil
	}
	oldSession, oldLayer := m.session, m.layer

	sess := NewSession(SessionOptions{
		Local:             m.opts.Local,
		Peer:              peer,
		Relay:             m.opts.Relay,
		Factory:           m.opts.Factory,
		Clock:             m.opts.Clock,
		RestartBackoff:    m.opts.RestartBackoff,
		HeartbeatInterval: m.opts.HeartbeatInterval,
		HeartbeatTimeout:  m.opts.HeartbeatTimeout,
	})
	layer := delivery.New(delivery.Options{
		Local:      m.opts.Local,
		Peer:       peer,
		Channel:    sess,
		Store:      m.opts.Store,
		History:    m.opts.History,
		Clock:      m.opts.Clock,
		AckTimeout: m.opts.AckTimeout,
	})
	sess.SetFrameHandler(layer.HandleFrame)
	for _, fn := range m.listeners {
		fn := fn
		sess.OnStateChange(func(st State) { fn(peer, st) })
	}
	m.session, m.layer = sess, layer
	m.mu.Unlock()

	if oldSession != nil {
		oldSession.Close()
	}
	if oldLayer != nil {
		oldLayer.Close()
	}
	sess.Start()
	log.Printf("NEGOTIATE [%s]: selected peer %s", m.opts.Local, peer)

	if _, err := layer.Drain(ctx); err != nil {
		log.Printf("NEGOTIATE [%s]: drain on select failed: %v", m.opts.Local, err)
	}
	return nil
}

func (m *Manager) current() (*Session, *delivery.Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.layer
}

// Peer returns the selected peer, or "" before Select.
func (m *Manager) Peer() string {
	if s, _ := m.current(); s != nil {
		return s.Peer()
	}
	return ""
}

// State returns the current session's state, idle when none is selected.
func (m *Manager) State() State {
	if s, _ := m.current(); s != nil {
		return s.State()
	}
	return StateIdle
}

func (m *Manager) Session() *Session {
	s, _ := m.current()
	return s
}

func (m *Manager) Connect(ctx context.Context) error {
	s, _ := m.current()
	if s == nil {
		return ErrNoSession
	}
	return s.Connect(ctx)
}

// Send delivers text to the selected peer.
func (m *Manager) Send(ctx context.Context, text string) (delivery.Result, error) {
	_, l := m.current()
	if l == nil {
		return delivery.Result{}, ErrNoSession
	}
	return l.SendMessage(ctx, text)
}

// Drain pulls parked messages for the local user.
func (m *Manager) Drain(ctx context.Context) (int, error) {
	_, l := m.current()
	if l == nil {
		return 0, ErrNoSession
	}
	return l.Drain(ctx)
}

func (m *Manager) Status(ctx context.Context) (Status, error) {
	s, _ := m.current()
	if s == nil {
		return Status{State: StateIdle}, nil
	}
	return s.Status(ctx)
}

// Dispatch routes a relay signal to the current session. Signals from
// anyone but the selected peer are dropped.
func (m *Manager) Dispatch(sig proto.Signal) {
	s, _ := m.current()
	if s == nil || sig.From != s.Peer() {
		log.Printf("NEGOTIATE [%s]: ignoring %s from %s", m.opts.Local, sig.Type, sig.From)
		return
	}
	s.HandleSignal(sig)
}

// PollOnce fetches and dispatches pending signals.
func (m *Manager) PollOnce(ctx context.Context) error {
	sigs, err := m.opts.Relay.PollSignals(ctx, m.opts.Local)
	if err != nil {
		return err
	}
	for _, sig := range sigs {
		m.Dispatch(sig)
	}
	return nil
}

// Run polls the relay until ctx is cancelled. Poll errors are logged and
// retried on the next tick.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.opts.Clock.Ticker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		if err := m.PollOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("NEGOTIATE [%s]: poll failed: %v", m.opts.Local, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close tears down the current session.
func (m *Manager) Close() {
	m.mu.Lock()
	s, l := m.session, m.layer
	m.session, m.layer = nil, nil
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
	if l != nil {
		l.Close()
	}
}
