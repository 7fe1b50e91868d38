package bus

import "time"

// Event kinds published inside the daemon. Subscribers filter by namespace
// prefix, e.g. "ws." receives every inbound transport frame event.
const (
	KindFrameMessage   = "ws.message"
	KindFrameLogin     = "ws.login"
	KindTransportState = "transport.status_changed"
	KindMessageUpsert  = "message.upserted"
	KindSendFailed     = "message.send_failed"
	KindHistoryMerged  = "sync.history_merged"
	KindCacheCleared   = "cache.cleared"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies a single cached message in event payloads.
type MessageRef struct {
	TargetID int64
	Kind     int
	MsgID    string
}
