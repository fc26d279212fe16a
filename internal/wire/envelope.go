// Package wire defines the frame and envelope formats exchanged with
// connected clients, independent of the transport that carries them.
package wire

import (
	"encoding/json"
	"time"
)

// EnvelopeType enumerates every outbound envelope kind. The set is closed:
// anything the server pushes to a client is one of these.
type EnvelopeType string

const (
	EnvelopeConnectionAck    EnvelopeType = "connection-ack"
	EnvelopeConnectionClosed EnvelopeType = "connection-closed"
	EnvelopePong             EnvelopeType = "pong"
	EnvelopeUserJoined       EnvelopeType = "user-joined"
	EnvelopeUserLeft         EnvelopeType = "user-left"
	EnvelopeNotification     EnvelopeType = "notification"
	EnvelopeContractUpdate   EnvelopeType = "contract-update"
	EnvelopeSystem           EnvelopeType = "system"
	EnvelopeError            EnvelopeType = "error"
	EnvelopeBatch            EnvelopeType = "batch"
)

// Envelope is the outbound wire message. On the wire it flattens to
// {"type": ..., "timestamp": ..., <payload fields>}. The timestamp is
// server-generated unless the payload already carries one.
type Envelope struct {
	Type      EnvelopeType
	Timestamp time.Time
	Payload   map[string]any
}

// NewEnvelope builds an envelope of the given type, stamping the current
// server time.
func NewEnvelope(t EnvelopeType, payload map[string]any) Envelope {
	return Envelope{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// MarshalJSON flattens the payload next to the type and timestamp fields.
// A "timestamp" already present in the payload wins over the server stamp.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = string(e.Type)
	if _, ok := e.Payload["timestamp"]; !ok {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		out["timestamp"] = ts.Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// ConnectionAck acknowledges a successful handshake to the new session.
func ConnectionAck(sessionID, userID string) Envelope {
	return NewEnvelope(EnvelopeConnectionAck, map[string]any{
		"session_id": sessionID,
		"user_id":    userID,
	})
}

// ConnectionClosed is the best-effort goodbye sent before teardown.
func ConnectionClosed(reason string) Envelope {
	return NewEnvelope(EnvelopeConnectionClosed, map[string]any{
		"reason": reason,
	})
}

// Pong answers a client heartbeat ping.
func Pong() Envelope {
	return NewEnvelope(EnvelopePong, nil)
}

// UserJoined announces a user's first frame of presence to the tenant.
func UserJoined(userID string) Envelope {
	return NewEnvelope(EnvelopeUserJoined, map[string]any{
		"user_id": userID,
	})
}

// UserLeft announces a departure to the tenant.
func UserLeft(userID string) Envelope {
	return NewEnvelope(EnvelopeUserLeft, map[string]any{
		"user_id": userID,
	})
}

// Heartbeat is the periodic server-side liveness probe.
func Heartbeat() Envelope {
	return NewEnvelope(EnvelopeSystem, map[string]any{
		"event": "heartbeat",
	})
}

// ErrorEnvelope reports a per-frame failure back to the offending sender.
func ErrorEnvelope(code, message string) Envelope {
	return NewEnvelope(EnvelopeError, map[string]any{
		"code":    code,
		"message": message,
	})
}
