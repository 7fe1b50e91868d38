package daemon

import (
	"time"

	"go.uber.org/zap"

	"github.com/pvidal/gochat/internal/bus"
	"github.com/pvidal/gochat/internal/ws"
)

// Bridge forwards parsed transport frames onto the event bus, so the
// reconciliation engine and any UI surface consume them independently of
// the websocket client.
type Bridge struct {
	transport *ws.Client
	bus       *bus.Bus
	logger    *zap.Logger
	unsub     func()
}

// NewBridge creates a bridge between the transport and the bus.
func NewBridge(transport *ws.Client, b *bus.Bus, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{transport: transport, bus: b, logger: logger}
}

// Start subscribes to the transport. Heartbeats never reach the bridge; the
// transport swallows them.
func (br *Bridge) Start() {
	br.unsub = br.transport.Subscribe(func(f ws.Frame) {
		kind := bus.KindFrameMessage
		if f.Type == ws.FrameLogin {
			kind = bus.KindFrameLogin
		}
		br.bus.Publish(bus.Event{
			Kind:      kind,
			Timestamp: time.Now(),
			Payload:   f,
		})
	})
}

// Stop detaches the bridge from the transport.
func (br *Bridge) Stop() {
	if br.unsub != nil {
		br.unsub()
		br.unsub = nil
	}
}
