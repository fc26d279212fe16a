package wire

import (
	"encoding/json"
	"fmt"
)

// FrameType enumerates the inbound frame kinds the server understands.
// Unknown kinds parse fine and are left to the caller to log and ignore.
type FrameType string

const (
	FramePing        FrameType = "ping"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
)

// Known reports whether the frame type is one the server processes.
func (t FrameType) Known() bool {
	switch t {
	case FramePing, FrameSubscribe, FrameUnsubscribe:
		return true
	}
	return false
}

// Frame is a single inbound client message.
type Frame struct {
	Type   FrameType `json:"type"`
	Topics []string  `json:"topics,omitempty"`
}

// ParseFrame decodes a raw inbound frame. A missing type field is an error;
// an unrecognized type is not.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame missing type field")
	}
	return f, nil
}
