package chat

import (
	"sync"

	"github.com/petervdpas/peerchat/internal/util"
)

// DefaultBufferSize is the default number of messages to keep in memory
const DefaultBufferSize = 100

// History is the local message log of one user, with per-message delivery
// status. It is safe for concurrent use.
type History struct {
	local string

	mu        sync.RWMutex
	messages  *util.RingBuffer[*Message]
	listeners []chan Event
}

// NewHistory creates a history for local with the given capacity.
func NewHistory(local string, bufferSize int) *History {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &History{
		local:    local,
		messages: util.NewRingBuffer[*Message](bufferSize),
	}
}

// LocalID returns the owner of this history.
func (h *History) LocalID() string { return h.local }

// Add stores a message and notifies listeners.
func (h *History) Add(msg Message) {
	m := msg
	h.messages.Push(&m)
	h.notify(Event{Message: m})
}

// SetStatus updates the message with the given id. serverID is recorded when
// non-empty. Returns false when the id is unknown.
func (h *History) SetStatus(id string, status Status, serverID string) bool {
	h.mu.Lock()
	var updated *Message
	for _, m := range h.messages.Filter(func(m *Message) bool { return m.ID == id }) {
		m.Status = status
		if serverID != "" {
			m.ServerID = serverID
		}
		updated = m
	}
	var ev Event
	if updated != nil {
		ev = Event{Message: *updated, Updated: true}
	}
	h.mu.Unlock()

	if updated == nil {
		return false
	}
	h.notify(ev)
	return true
}

// MarkDelivered upgrades queued messages whose relay id is in serverIDs to
// delivered. Messages in any other state are left alone, so replays are
// no-ops. Returns the number of messages upgraded.
func (h *History) MarkDelivered(serverIDs []string) int {
	want := make(map[string]bool, len(serverIDs))
	for _, id := range serverIDs {
		want[id] = true
	}

	h.mu.Lock()
	var events []Event
	for _, m := range h.messages.Filter(func(m *Message) bool {
		return m.ServerID != "" && want[m.ServerID] && m.Status == StatusQueued
	}) {
		m.Status = StatusDelivered
		events = append(events, Event{Message: *m, Updated: true})
	}
	h.mu.Unlock()

	for _, ev := range events {
		h.notify(ev)
	}
	return len(events)
}

// Get returns a copy of the message with the given id.
func (h *History) Get(id string) (Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, m := range h.messages.Filter(func(m *Message) bool { return m.ID == id }) {
		return *m, true
	}
	return Message{}, false
}

// Messages returns copies of all messages, oldest first.
func (h *History) Messages() []Message {
	return h.collect(nil)
}

// Conversation returns the messages exchanged with peerID, oldest first.
func (h *History) Conversation(peerID string) []Message {
	return h.collect(func(m *Message) bool {
		return (m.From == peerID && m.To == h.local) || (m.From == h.local && m.To == peerID)
	})
}

func (h *History) collect(keep func(*Message) bool) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ptrs := h.messages.Filter(keep)
	out := make([]Message, len(ptrs))
	for i, m := range ptrs {
		out[i] = *m
	}
	return out
}

// Subscribe returns a channel that receives history events
func (h *History) Subscribe() <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 32)
	h.listeners = append(h.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel
func (h *History) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, listener := range h.listeners {
		if listener == ch {
			close(listener)
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			return
		}
	}
}

func (h *History) notify(ev Event) {
	h.mu.RLock()
	for _, listener := range h.listeners {
		select {
		case listener <- ev:
		default:
			// Listener buffer full, skip
		}
	}
	h.mu.RUnlock()
}

// Close drops all listeners.
func (h *History) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, listener := range h.listeners {
		close(listener)
	}
	h.listeners = nil
}
