// Package presence derives online status from the relay's last-seen table.
package presence

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/peerchat/internal/proto"
)

// DefaultThreshold is how recent a touch must be for a user to count as online.
const DefaultThreshold = 30 * time.Second

// Store is the slice of storage the tracker needs.
type Store interface {
	Touch(ctx context.Context, userID string, at time.Time) error
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

type Tracker struct {
	store     Store
	clock     clock.Clock
	threshold time.Duration
}

// New returns a tracker. A nil clock uses wall time; threshold <= 0 uses
// DefaultThreshold.
func New(store Store, clk clock.Clock, threshold time.Duration) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{store: store, clock: clk, threshold: threshold}
}

// Touch marks userID as seen now.
func (t *Tracker) Touch(ctx context.Context, userID string) error {
	return t.store.Touch(ctx, userID, t.clock.Now())
}

// IsOnline reports whether userID was seen less than the threshold ago.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	last, ok, err := t.store.LastSeen(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	return t.clock.Now().Sub(last) < t.threshold, nil
}

// Status builds the /peers answer for userID.
func (t *Tracker) Status(ctx context.Context, userID string) (proto.PeerStatus, error) {
	st := proto.PeerStatus{PeerID: userID}
	last, ok, err := t.store.LastSeen(ctx, userID)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, nil
	}
	ts := last.UTC().Format(time.RFC3339)
	st.LastSeen = &ts
	st.Online = t.clock.Now().Sub(last) < t.threshold
	return st, nil
}
