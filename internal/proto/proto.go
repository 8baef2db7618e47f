package proto

import (
	"encoding/json"
	"time"
)

// Signal types relayed through the mailbox.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
)

// Data-channel frame types.
const (
	FrameHeartbeat            = "heartbeat"
	FrameMessage              = "message"
	FrameAck                  = "ack"
	FrameCheckOffline         = "check-offline-messages"
	FrameDeliveryConfirmation = "delivery-confirmation"
)

// DataChannelLabel is the label of the single chat data channel.
const DataChannelLabel = "chat"

// Signal is one negotiation message waiting in a recipient's mailbox.
type Signal struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"` // offer|answer|ice-candidate
	Data      json.RawMessage `json:"data"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Timestamp int64           `json:"timestamp"`
}

// ValidSignalType reports whether t is one of the relayed signal types.
func ValidSignalType(t string) bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

// QueuedMessage is a chat message parked on the relay for an offline recipient.
type QueuedMessage struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"`
	// StoredAt is the relay's clock when the message was parked. Expiry runs
	// on it, never on the sender's Timestamp.
	StoredAt  int64  `json:"-"`
}

// PeerStatus is the presence answer for one user.
type PeerStatus struct {
	PeerID   string  `json:"peerId"`
	Online   bool    `json:"online"`
	LastSeen *string `json:"lastSeen"` // RFC3339, null when never seen
}

// Frame is the JSON envelope exchanged over the data channel.
type Frame struct {
	Type             string   `json:"type"`
	Text             string   `json:"text,omitempty"`
	MessageID        string   `json:"messageId,omitempty"`
	Timestamp        int64    `json:"timestamp,omitempty"`
	ServerMessageIDs []string `json:"serverMessageIds,omitempty"`
}

// DecodeFrame parses a data-channel payload. Payloads that are not a JSON
// frame are returned as a legacy plain-text message with ok=false.
func DecodeFrame(raw string) (f Frame, ok bool) {
	if err := json.Unmarshal([]byte(raw), &f); err != nil || f.Type == "" {
		return Frame{Type: FrameMessage, Text: raw}, false
	}
	return f, true
}

// Encode marshals the frame for the wire.
func (f Frame) Encode() (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func NowMillis() int64 { return time.Now().UnixMilli() }
