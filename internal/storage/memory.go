package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/peerchat/internal/proto"
)

// Memory is a map-backed Store for single-process relays and tests. It does
// not implement Social.
type Memory struct {
	mu       sync.Mutex
	signals  map[string][]proto.Signal
	messages map[string][]proto.QueuedMessage
	seen     map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		signals:  map[string][]proto.Signal{},
		messages: map[string][]proto.QueuedMessage{},
		seen:     map[string]int64{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) EnqueueSignal(_ context.Context, sig proto.Signal) (proto.Signal, error) {
	if sig.ID == "" {
		sig.ID = newID()
	}
	m.mu.Lock()
	m.signals[sig.To] = append(m.signals[sig.To], sig)
	m.mu.Unlock()
	return sig, nil
}

func (m *Memory) TakeSignals(_ context.Context, userID string) ([]proto.Signal, error) {
	m.mu.Lock()
	out := m.signals[userID]
	delete(m.signals, userID)
	m.mu.Unlock()

	// Insertion order breaks timestamp ties.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (m *Memory) PruneSignals(_ context.Context, before int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for to, list := range m.signals {
		kept := list[:0]
		for _, s := range list {
			if s.Timestamp < before {
				n++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(m.signals, to)
		} else {
			m.signals[to] = kept
		}
	}
	return n, nil
}

func (m *Memory) InsertMessage(_ context.Context, msg proto.QueuedMessage) (proto.QueuedMessage, error) {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.StoredAt == 0 {
		msg.StoredAt = time.Now().UnixMilli()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.messages[msg.To] {
		if q.ID == msg.ID {
			return msg, nil
		}
	}
	m.messages[msg.To] = append(m.messages[msg.To], msg)
	return msg, nil
}

func (m *Memory) ListMessages(_ context.Context, userID string) ([]proto.QueuedMessage, error) {
	m.mu.Lock()
	out := append([]proto.QueuedMessage(nil), m.messages[userID]...)
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (m *Memory) DeleteMessages(_ context.Context, userID string, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.messages[userID]
	if ids == nil {
		delete(m.messages, userID)
		return len(list), nil
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := list[:0]
	n := 0
	for _, msg := range list {
		if drop[msg.ID] {
			n++
			continue
		}
		kept = append(kept, msg)
	}
	if len(kept) == 0 {
		delete(m.messages, userID)
	} else {
		m.messages[userID] = kept
	}
	return n, nil
}

func (m *Memory) PruneMessages(_ context.Context, before int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for to, list := range m.messages {
		kept := list[:0]
		for _, msg := range list {
			if msg.StoredAt < before {
				n++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 {
			delete(m.messages, to)
		} else {
			m.messages[to] = kept
		}
	}
	return n, nil
}

func (m *Memory) Touch(_ context.Context, userID string, at time.Time) error {
	ms := at.UnixMilli()
	m.mu.Lock()
	if ms > m.seen[userID] {
		m.seen[userID] = ms
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) LastSeen(_ context.Context, userID string) (time.Time, bool, error) {
	m.mu.Lock()
	ms, ok := m.seen[userID]
	m.mu.Unlock()
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}
