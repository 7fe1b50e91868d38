package ws

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates the push frame union.
type FrameType int

const (
	FrameHeartbeat FrameType = 0
	FrameLogin     FrameType = 1
	FrameDirect    FrameType = 2
	FrameGroup     FrameType = 3
)

// Frame is a parsed websocket frame. TargetID is a pointer because group
// frames from older backend versions omit it entirely, and the engine must
// be able to tell "absent" from "zero".
type Frame struct {
	Type      FrameType `json:"type"`
	FromID    int64     `json:"from_id,omitempty"`
	TargetID  *int64    `json:"target_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	SendTime  int64     `json:"send_time,omitempty"`
	FromName  string    `json:"from_name,omitempty"`
	Media     int       `json:"media,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

// IsMessage reports whether the frame carries a chat message.
func (f *Frame) IsMessage() bool {
	return f.Type == FrameDirect || f.Type == FrameGroup
}

// Target returns the explicit target id, if the frame carries one.
func (f *Frame) Target() (int64, bool) {
	if f.TargetID == nil {
		return 0, false
	}
	return *f.TargetID, true
}

// envelope tolerates the backend's two frame shapes: flat fields, or the
// same fields nested under "payload" with the type outside.
type envelope struct {
	Type    *FrameType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ParseFrame validates and decodes a raw websocket frame. Malformed frames
// return an error; callers drop and log them without breaking the stream.
func ParseFrame(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == nil && len(env.Payload) > 0 {
		return ParseFrame(env.Payload)
	}
	if env.Type == nil {
		return Frame{}, fmt.Errorf("frame has no type")
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if len(env.Payload) > 0 {
		// Type outside, fields nested: {"type":2,"payload":{...}}.
		inner := Frame{}
		if err := json.Unmarshal(env.Payload, &inner); err != nil {
			return Frame{}, fmt.Errorf("decode frame payload: %w", err)
		}
		inner.Type = f.Type
		f = inner
	}

	switch f.Type {
	case FrameHeartbeat, FrameLogin:
		return f, nil
	case FrameDirect, FrameGroup:
		if f.FromID == 0 {
			return Frame{}, fmt.Errorf("message frame missing from_id")
		}
		return f, nil
	default:
		return Frame{}, fmt.Errorf("unknown frame type %d", f.Type)
	}
}
