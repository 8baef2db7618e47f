// Package storage holds the relay's mailbox, offline message queue, presence
// table and the contact bookkeeping around them. Two backends are provided:
// a SQLite database and an in-process map store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/peerchat/internal/proto"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// Store is the contract the relay needs from a backend.
//
// TakeSignals and the ListMessages/DeleteMessages pair are the only paths that
// remove data addressed to a user; each signal is returned by at most one
// TakeSignals call.
type Store interface {
	EnqueueSignal(ctx context.Context, sig proto.Signal) (proto.Signal, error)
	TakeSignals(ctx context.Context, userID string) ([]proto.Signal, error)
	PruneSignals(ctx context.Context, before int64) (int, error)

	// InsertMessage parks m for m.To. Ids are unique per recipient; storing
	// an id the recipient already has queued is a no-op.
	InsertMessage(ctx context.Context, m proto.QueuedMessage) (proto.QueuedMessage, error)
	ListMessages(ctx context.Context, userID string) ([]proto.QueuedMessage, error)
	// DeleteMessages removes the listed ids from userID's queue, or the whole
	// queue when ids is nil.
	DeleteMessages(ctx context.Context, userID string, ids []string) (int, error)
	// PruneMessages drops messages parked (StoredAt) before the cutoff.
	PruneMessages(ctx context.Context, before int64) (int, error)

	// Touch records activity. lastSeen never moves backwards.
	Touch(ctx context.Context, userID string, at time.Time) error
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)

	Close() error
}

// Social is implemented by backends that also keep contacts, contact
// requests and notifications.
type Social interface {
	ListContacts(ctx context.Context, userID string) ([]Contact, error)
	AddContact(ctx context.Context, userID, peerID, name string, now time.Time) (Contact, error)
	RemoveContact(ctx context.Context, userID, peerID string) error

	// CreateContactRequest returns the existing pending request (and true)
	// when from already has one outstanding to the same recipient.
	CreateContactRequest(ctx context.Context, from, to string, now time.Time) (ContactRequest, bool, error)
	PendingContactRequests(ctx context.Context, userID string, now time.Time) ([]ContactRequest, error)
	// RespondContactRequest resolves a request addressed to userID. Approval
	// writes the contact pair and a notification to the requester. The
	// request is removed either way.
	RespondContactRequest(ctx context.Context, userID, requestID string, approve bool, now time.Time) (ContactRequest, error)
	ClearContactRequests(ctx context.Context, userID string) (int, error)

	AddNotification(ctx context.Context, n Notification) error
	TakeNotifications(ctx context.Context, userID string) ([]Notification, error)
	PruneNotifications(ctx context.Context, before int64) (int, error)
}

type Contact struct {
	ID      string `json:"id"`
	UserID  string `json:"-"`
	PeerID  string `json:"peerId"`
	Name    string `json:"name"`
	AddedAt int64  `json:"addedAt"`
}

const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

type ContactRequest struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	ExpiresAt int64  `json:"expiresAt"`
}

type Notification struct {
	From      string `json:"from"`
	To        string `json:"-"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ContactRequestTTL is how long a pending request stays visible.
const ContactRequestTTL = 24 * time.Hour

// ApprovedNotice is the notification text sent to a requester on approval.
const ApprovedNotice = "Contact request approved"

func newID() string { return uuid.NewString() }

func contactID(userID, peerID string) string { return userID + "-" + peerID }
