// Package delivery layers acknowledgements on top of the data channel and
// falls back to the relay's message store when a peer does not answer.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/petervdpas/peerchat/internal/chat"
	"github.com/petervdpas/peerchat/internal/proto"
)

// ErrStore is returned when a message could neither be acked nor parked.
var ErrStore = errors.New("message store unavailable")

const (
	DefaultAckTimeout = 3 * time.Second

	// inbound message ids remembered for duplicate suppression
	seenCacheSize = 1024
)

// Channel is the direct path to the peer.
type Channel interface {
	Open() bool
	Send(f proto.Frame) error
}

// MessageStore is the relay-side offline queue. FetchMessages returns raw
// items so malformed entries can be skipped one by one.
type MessageStore interface {
	StoreMessage(ctx context.Context, m proto.QueuedMessage) (string, error)
	FetchMessages(ctx context.Context, userID string) ([]json.RawMessage, error)
	DeleteMessages(ctx context.Context, userID string, ids []string) error
}

type Options struct {
	Local      string
	Peer       string
	Channel    Channel
	Store      MessageStore
	History    *chat.History
	Clock      clock.Clock
	AckTimeout time.Duration
}

// Result describes how SendMessage resolved.
type Result struct {
	MessageID string
	Delivered bool   // acked over the data channel
	QueuedID  string // relay id when parked
}

// Layer is the delivery state of one session: outstanding ack waiters and
// the inbound duplicate filter.
type Layer struct {
	local      string
	peer       string
	ch         Channel
	store      MessageStore
	hist       *chat.History
	clock      clock.Clock
	ackTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan struct{}
	seen    *lru.Cache[string, struct{}]

	drainMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(o Options) *Layer {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.History == nil {
		o.History = chat.NewHistory(o.Local, 0)
	}
	seen, _ := lru.New[string, struct{}](seenCacheSize)
	ctx, cancel := context.WithCancel(context.Background())
	return &Layer{
		local:      o.Local,
		peer:       o.Peer,
		ch:         o.Channel,
		store:      o.Store,
		hist:       o.History,
		clock:      o.Clock,
		ackTimeout: o.AckTimeout,
		pending:    make(map[string]chan struct{}),
		seen:       seen,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Peer returns the remote user this layer delivers to.
func (l *Layer) Peer() string { return l.peer }

// SendMessage delivers text to the peer. With an open channel it waits up to
// the ack timeout for an ack; whichever of ack and timeout comes first
// decides the outcome. Without an ack, or without an open channel, the
// message is parked on the relay. A store failure is returned as ErrStore
// and the message is marked failed.
func (l *Layer) SendMessage(ctx context.Context, text string) (Result, error) {
	id := uuid.NewString()
	ts := l.clock.Now().UnixMilli()
	l.hist.Add(chat.Message{
		ID:        id,
		From:      l.local,
		To:        l.peer,
		Content:   text,
		Timestamp: ts,
		Status:    chat.StatusSending,
	})

	if l.ch != nil && l.ch.Open() {
		timer := l.clock.Timer(l.ackTimeout)
		acked := l.await(id)
		err := l.ch.Send(proto.Frame{Type: proto.FrameMessage, Text: text, MessageID: id, Timestamp: ts})
		if err == nil {
			select {
			case <-acked:
			case <-timer.C:
			}
		} else {
			log.Printf("DELIVERY [%s→%s]: send over channel failed: %v", l.local, l.peer, err)
		}
		timer.Stop()

		// take fails only when the ack handler resolved first.
		if !l.take(id) {
			l.hist.SetStatus(id, chat.StatusDelivered, "")
			return Result{MessageID: id, Delivered: true}, nil
		}
		log.Printf("DELIVERY [%s→%s]: no ack for %s, parking on relay", l.local, l.peer, id)
	}

	return l.park(ctx, id, text, ts)
}

func (l *Layer) park(ctx context.Context, id, text string, ts int64) (Result, error) {
	if l.store == nil {
		l.hist.SetStatus(id, chat.StatusFailed, "")
		return Result{MessageID: id}, ErrStore
	}
	qid, err := l.store.StoreMessage(ctx, proto.QueuedMessage{
		ID:        id,
		Text:      text,
		From:      l.local,
		To:        l.peer,
		Timestamp: ts,
	})
	if err != nil {
		l.hist.SetStatus(id, chat.StatusFailed, "")
		return Result{MessageID: id}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	l.hist.SetStatus(id, chat.StatusQueued, qid)
	return Result{MessageID: id, QueuedID: qid}, nil
}

func (l *Layer) await(id string) <-chan struct{} {
	ch := make(chan struct{})
	l.mu.Lock()
	l.pending[id] = ch
	l.mu.Unlock()
	return ch
}

// take removes the waiter for id. It returns true for the first caller only.
func (l *Layer) take(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[id]; !ok {
		return false
	}
	delete(l.pending, id)
	return true
}

// Pending returns the number of messages waiting for an ack.
func (l *Layer) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// HandleFrame processes one inbound data-channel payload other than a
// heartbeat.
func (l *Layer) HandleFrame(raw string) {
	f, structured := proto.DecodeFrame(raw)
	switch f.Type {
	case proto.FrameMessage:
		if !structured {
			l.receive(uuid.NewString(), f.Text, l.clock.Now().UnixMilli())
			return
		}
		if f.MessageID != "" {
			if err := l.send(proto.Frame{Type: proto.FrameAck, MessageID: f.MessageID}); err != nil {
				log.Printf("DELIVERY [%s→%s]: ack for %s failed: %v", l.local, l.peer, f.MessageID, err)
			}
		}
		ts := f.Timestamp
		if ts == 0 {
			ts = l.clock.Now().UnixMilli()
		}
		id := f.MessageID
		if id == "" {
			id = uuid.NewString()
		}
		l.receive(id, f.Text, ts)

	case proto.FrameAck:
		l.mu.Lock()
		ch, ok := l.pending[f.MessageID]
		if ok {
			delete(l.pending, f.MessageID)
		}
		l.mu.Unlock()
		if ok {
			close(ch)
		}

	case proto.FrameCheckOffline:
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if _, err := l.Drain(l.ctx); err != nil && l.ctx.Err() == nil {
				log.Printf("DELIVERY [%s]: drain failed: %v", l.local, err)
			}
		}()

	case proto.FrameDeliveryConfirmation:
		if n := l.hist.MarkDelivered(f.ServerMessageIDs); n > 0 {
			log.Printf("DELIVERY [%s→%s]: %d queued message(s) confirmed", l.local, l.peer, n)
		}

	case proto.FrameHeartbeat:

	default:
		log.Printf("DELIVERY [%s→%s]: ignoring frame type %q", l.local, l.peer, f.Type)
	}
}

// receive records an inbound message once per id.
func (l *Layer) receive(id, text string, ts int64) bool {
	if dup, _ := l.seen.ContainsOrAdd(id, struct{}{}); dup {
		return false
	}
	l.hist.Add(chat.Message{
		ID:        id,
		From:      l.peer,
		To:        l.local,
		Content:   text,
		Timestamp: ts,
		Status:    chat.StatusReceived,
	})
	return true
}

func (l *Layer) send(f proto.Frame) error {
	if l.ch == nil || !l.ch.Open() {
		return errors.New("channel not open")
	}
	return l.ch.Send(f)
}

// Drain fetches the local user's parked messages, records them, deletes
// exactly the fetched ids and, when the channel to the current peer is open,
// confirms the ones that came from that peer. Returns the number of
// messages recorded.
func (l *Layer) Drain(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	l.drainMu.Lock()
	defer l.drainMu.Unlock()

	items, err := l.store.FetchMessages(ctx, l.local)
	if err != nil {
		return 0, err
	}

	var (
		ids       []string
		fromPeer  []string
		delivered int
	)
	for _, raw := range items {
		var q proto.QueuedMessage
		if err := json.Unmarshal(raw, &q); err != nil || q.ID == "" {
			log.Printf("DELIVERY [%s]: skipping malformed queued message: %s", l.local, truncate(raw))
			if id := queuedID(raw); id != "" {
				ids = append(ids, id)
			}
			continue
		}
		ids = append(ids, q.ID)
		if q.From == "" {
			log.Printf("DELIVERY [%s]: dropping queued message %s without sender", l.local, q.ID)
			continue
		}
		if q.From == l.peer {
			fromPeer = append(fromPeer, q.ID)
		}
		if l.receiveFrom(q) {
			delivered++
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := l.store.DeleteMessages(ctx, l.local, ids); err != nil {
		return delivered, fmt.Errorf("delete drained messages: %w", err)
	}
	log.Printf("DELIVERY [%s]: drained %d queued message(s)", l.local, len(ids))

	if len(fromPeer) > 0 && l.ch != nil && l.ch.Open() {
		if err := l.ch.Send(proto.Frame{Type: proto.FrameDeliveryConfirmation, ServerMessageIDs: fromPeer}); err != nil {
			log.Printf("DELIVERY [%s→%s]: delivery confirmation failed: %v", l.local, l.peer, err)
		}
	}
	return delivered, nil
}

func (l *Layer) receiveFrom(q proto.QueuedMessage) bool {
	if dup, _ := l.seen.ContainsOrAdd(q.ID, struct{}{}); dup {
		return false
	}
	l.hist.Add(chat.Message{
		ID:        q.ID,
		ServerID:  q.ID,
		From:      q.From,
		To:        l.local,
		Content:   q.Text,
		Timestamp: q.Timestamp,
		Status:    chat.StatusReceived,
	})
	return true
}

// Close cancels background drains and waits for them.
func (l *Layer) Close() {
	l.cancel()
	l.wg.Wait()
}

func truncate(b []byte) string {
	if len(b) > 80 {
		return string(b[:80]) + "..."
	}
	return string(b)
}

// queuedID recovers the id of a queued item that failed to decode, so it can
// still be deleted.
func queuedID(raw json.RawMessage) string {
	var v struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.ID
}
