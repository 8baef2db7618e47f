package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/peerchat/internal/proto"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return map[string]Store{
		"sqlite": db,
		"memory": NewMemory(),
	}
}

func TestSignalsDeleteOnRead(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i, typ := range []string{proto.SignalOffer, proto.SignalCandidate, proto.SignalCandidate} {
				_, err := s.EnqueueSignal(ctx, proto.Signal{
					Type:      typ,
					Data:      json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
					From:      "a1",
					To:        "b1",
					Timestamp: 1000, // identical timestamps keep insertion order
				})
				if err != nil {
					t.Fatal(err)
				}
			}
			if _, err := s.EnqueueSignal(ctx, proto.Signal{Type: proto.SignalAnswer, From: "b1", To: "a1", Timestamp: 999}); err != nil {
				t.Fatal(err)
			}

			got, err := s.TakeSignals(ctx, "b1")
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 3 {
				t.Fatalf("expected 3 signals, got %d", len(got))
			}
			if got[0].Type != proto.SignalOffer || string(got[2].Data) != `{"n":2}` {
				t.Fatalf("order not preserved: %+v", got)
			}
			for _, sig := range got {
				if sig.ID == "" {
					t.Fatal("signal id not assigned")
				}
			}

			again, err := s.TakeSignals(ctx, "b1")
			if err != nil {
				t.Fatal(err)
			}
			if len(again) != 0 {
				t.Fatalf("second poll returned %d signals", len(again))
			}

			other, _ := s.TakeSignals(ctx, "a1")
			if len(other) != 1 {
				t.Fatalf("other mailbox touched: %d", len(other))
			}
		})
	}
}

func TestPruneSignals(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s.EnqueueSignal(ctx, proto.Signal{Type: proto.SignalOffer, From: "a", To: "b", Timestamp: 100})
			s.EnqueueSignal(ctx, proto.Signal{Type: proto.SignalOffer, From: "a", To: "b", Timestamp: 500})
			n, err := s.PruneSignals(ctx, 200)
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Fatalf("expected 1 pruned, got %d", n)
			}
			got, _ := s.TakeSignals(ctx, "b")
			if len(got) != 1 || got[0].Timestamp != 500 {
				t.Fatalf("wrong survivor: %+v", got)
			}
		})
	}
}

func TestMessagesQueue(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m2, _ := s.InsertMessage(ctx, proto.QueuedMessage{Text: "second", From: "a1", To: "b1", Timestamp: 20})
			m1, _ := s.InsertMessage(ctx, proto.QueuedMessage{Text: "first", From: "a1", To: "b1", Timestamp: 10})
			s.InsertMessage(ctx, proto.QueuedMessage{Text: "else", From: "a1", To: "c1", Timestamp: 5})

			list, err := s.ListMessages(ctx, "b1")
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 2 || list[0].ID != m1.ID || list[1].ID != m2.ID {
				t.Fatalf("unexpected order: %+v", list)
			}

			// Listing does not consume.
			if list, _ = s.ListMessages(ctx, "b1"); len(list) != 2 {
				t.Fatalf("list consumed messages: %d", len(list))
			}

			n, err := s.DeleteMessages(ctx, "b1", []string{m1.ID, "unknown"})
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Fatalf("expected 1 deleted, got %d", n)
			}
			if n, _ = s.DeleteMessages(ctx, "b1", []string{m2.ID}); n != 1 {
				t.Fatalf("expected 1 deleted, got %d", n)
			}
			if list, _ = s.ListMessages(ctx, "b1"); len(list) != 0 {
				t.Fatalf("queue not empty: %+v", list)
			}

			if n, _ = s.DeleteMessages(ctx, "c1", nil); n != 1 {
				t.Fatalf("clear-all deleted %d", n)
			}
		})
	}
}

func TestPruneMessagesUsesStoredAt(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s.InsertMessage(ctx, proto.QueuedMessage{ID: "old", Text: "x", From: "a1", To: "b1", Timestamp: 500, StoredAt: 100})
			s.InsertMessage(ctx, proto.QueuedMessage{ID: "skewed", Text: "y", From: "a1", To: "b1", Timestamp: 1, StoredAt: 300})
			// Same id for the same recipient is ignored; another recipient may reuse it.
			s.InsertMessage(ctx, proto.QueuedMessage{ID: "skewed", Text: "dup", From: "a1", To: "b1", Timestamp: 2, StoredAt: 50})
			if _, err := s.InsertMessage(ctx, proto.QueuedMessage{ID: "skewed", Text: "z", From: "a1", To: "c1", StoredAt: 300}); err != nil {
				t.Fatal(err)
			}

			n, err := s.PruneMessages(ctx, 200)
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Fatalf("expected 1 pruned, got %d", n)
			}
			list, _ := s.ListMessages(ctx, "b1")
			if len(list) != 1 || list[0].ID != "skewed" || list[0].Text != "y" {
				t.Fatalf("unexpected queue: %+v", list)
			}
			if list, _ = s.ListMessages(ctx, "c1"); len(list) != 1 {
				t.Fatalf("c1 queue: %+v", list)
			}
		})
	}
}

func TestPresenceMonotonic(t *testing.T) {
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, _ := s.LastSeen(ctx, "a1"); ok {
				t.Fatal("unknown user reported as seen")
			}
			s.Touch(ctx, "a1", base.Add(10*time.Second))
			s.Touch(ctx, "a1", base)
			got, ok, err := s.LastSeen(ctx, "a1")
			if err != nil || !ok {
				t.Fatalf("LastSeen: ok=%v err=%v", ok, err)
			}
			if !got.Equal(base.Add(10 * time.Second)) {
				t.Fatalf("lastSeen moved backwards: %v", got)
			}
		})
	}
}

func TestContactRequestApproval(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	now := time.UnixMilli(1_700_000_000_000)

	req, dup, err := db.CreateContactRequest(ctx, "a1", "b1", now)
	if err != nil || dup {
		t.Fatalf("create: dup=%v err=%v", dup, err)
	}
	again, dup, err := db.CreateContactRequest(ctx, "a1", "b1", now.Add(time.Minute))
	if err != nil || !dup || again.ID != req.ID {
		t.Fatalf("duplicate not detected: %+v dup=%v err=%v", again, dup, err)
	}

	pending, _ := db.PendingContactRequests(ctx, "b1", now)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(pending))
	}
	if expired, _ := db.PendingContactRequests(ctx, "b1", now.Add(25*time.Hour)); len(expired) != 0 {
		t.Fatal("expired request still pending")
	}

	if _, err := db.RespondContactRequest(ctx, "c1", req.ID, true, now); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	res, err := db.RespondContactRequest(ctx, "b1", req.ID, true, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != RequestApproved {
		t.Fatalf("status %q", res.Status)
	}

	for _, pair := range [][2]string{{"a1", "b1"}, {"b1", "a1"}} {
		contacts, _ := db.ListContacts(ctx, pair[0])
		if len(contacts) != 1 || contacts[0].PeerID != pair[1] {
			t.Fatalf("%s contacts: %+v", pair[0], contacts)
		}
	}

	notes, _ := db.TakeNotifications(ctx, "a1")
	if len(notes) != 1 || notes[0].Message != ApprovedNotice || notes[0].From != "b1" {
		t.Fatalf("notifications: %+v", notes)
	}
	if notes, _ = db.TakeNotifications(ctx, "a1"); len(notes) != 0 {
		t.Fatal("notifications not consumed")
	}

	if _, err := db.RespondContactRequest(ctx, "b1", req.ID, true, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("request not removed: %v", err)
	}
}

func TestRejectWritesNothing(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	now := time.Now()

	req, _, _ := db.CreateContactRequest(ctx, "a1", "b1", now)
	if _, err := db.RespondContactRequest(ctx, "b1", req.ID, false, now); err != nil {
		t.Fatal(err)
	}
	if c, _ := db.ListContacts(ctx, "b1"); len(c) != 0 {
		t.Fatalf("reject created contacts: %+v", c)
	}
	if n, _ := db.TakeNotifications(ctx, "a1"); len(n) != 0 {
		t.Fatalf("reject created notifications: %+v", n)
	}
}

func TestContactsCRUD(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	c, err := db.AddContact(ctx, "a1", "b1", "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "b1" {
		t.Fatalf("name should default to peer id, got %q", c.Name)
	}
	if err := db.RemoveContact(ctx, "a1", "b1"); err != nil {
		t.Fatal(err)
	}
	if err := db.RemoveContact(ctx, "a1", "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
