package chat

// Status is the delivery state shown next to a message.
type Status string

const (
	StatusSending   Status = "sending"   // outbound, waiting for ack
	StatusDelivered Status = "delivered" // acked, or confirmed after offline pickup
	StatusQueued    Status = "queued"    // parked on the relay
	StatusFailed    Status = "failed"    // could not be sent nor parked
	StatusReceived  Status = "received"  // inbound
)

// Message represents a chat message between two peers
type Message struct {
	ID        string `json:"id"`                 // message id (data-channel messageId)
	ServerID  string `json:"serverId,omitempty"` // relay queue id once parked
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Status    Status `json:"status"`
}

// Event is published to subscribers whenever a message is added or its
// status changes.
type Event struct {
	Message Message
	Updated bool
}
