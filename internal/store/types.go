package store

import (
	"strings"

	"github.com/google/uuid"
)

// Kind distinguishes direct chats from group chats. The numeric values match
// the wire protocol's chat_type so a direct chat and a group with the same
// target id never collide in the cache.
type Kind int

const (
	KindDirect Kind = 2
	KindGroup  Kind = 3
)

// Key identifies one conversation. Every cache operation is scoped by it.
type Key struct {
	TargetID int64
	Kind     Kind
}

// Delivery status values for a cached message.
const (
	StatusSending   = "sending"   // optimistic local send, unconfirmed
	StatusSent      = "sent"      // accepted by the transport
	StatusDelivered = "delivered" // received, not yet read
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// PlaceholderPrefix marks locally-generated message ids that have not been
// confirmed by the server yet.
const PlaceholderPrefix = "temp-"

// NewPlaceholderID returns a fresh local-only message id.
func NewPlaceholderID() string {
	return PlaceholderPrefix + uuid.NewString()
}

// Message represents one cached chat message.
type Message struct {
	ID         int64
	MsgID      string
	TargetID   int64
	Kind       Kind
	SenderID   int64
	SenderName string
	Body       string
	Status     string
	Timestamp  int64 // event time in unix millis, not receipt time
}

// Key returns the conversation key the message belongs to.
func (m *Message) Key() Key {
	return Key{TargetID: m.TargetID, Kind: m.Kind}
}

// IsPlaceholder reports whether the message carries a local-only id.
func (m *Message) IsPlaceholder() bool {
	return strings.HasPrefix(m.MsgID, PlaceholderPrefix)
}

// Summary is the derived per-conversation metadata. It is computed from the
// message log on demand and never stored, so it cannot drift from the log.
type Summary struct {
	LastBody       string
	LastSenderName string
	LastTimestamp  int64
	UnreadCount    int
}
