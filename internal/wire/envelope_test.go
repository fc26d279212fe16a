package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelope_MarshalFlattensPayload(t *testing.T) {
	env := NewEnvelope(EnvelopeNotification, map[string]any{
		"subject": "Contract Review Due",
		"id":      "n-1",
	})

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if out["type"] != "notification" {
		t.Errorf("expected type 'notification', got %v", out["type"])
	}
	if out["subject"] != "Contract Review Due" {
		t.Errorf("expected flattened subject, got %v", out["subject"])
	}
	if _, ok := out["payload"]; ok {
		t.Error("payload should be flattened, not nested")
	}
}

func TestEnvelope_ServerStampsTimestamp(t *testing.T) {
	env := NewEnvelope(EnvelopePong, nil)

	data, _ := json.Marshal(env)
	var out map[string]any
	_ = json.Unmarshal(data, &out)

	raw, ok := out["timestamp"].(string)
	if !ok {
		t.Fatal("expected a timestamp field")
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t.Fatalf("timestamp not RFC3339: %v", err)
	}
	if time.Since(ts) > time.Minute {
		t.Errorf("timestamp too old: %v", ts)
	}
}

func TestEnvelope_PayloadTimestampWins(t *testing.T) {
	env := NewEnvelope(EnvelopeSystem, map[string]any{
		"timestamp": "2025-06-01T00:00:00Z",
	})

	data, _ := json.Marshal(env)
	var out map[string]any
	_ = json.Unmarshal(data, &out)

	if out["timestamp"] != "2025-06-01T00:00:00Z" {
		t.Errorf("payload timestamp should be preserved, got %v", out["timestamp"])
	}
}

func TestParseFrame_Valid(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"subscribe","topics":["contracts","alerts"]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Type != FrameSubscribe {
		t.Errorf("expected subscribe, got %s", f.Type)
	}
	if len(f.Topics) != 2 {
		t.Errorf("expected 2 topics, got %d", len(f.Topics))
	}
}

func TestParseFrame_UnknownTypeIsNotAnError(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"typing"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Type.Known() {
		t.Error("'typing' should not be a known frame type")
	}
}

func TestParseFrame_Malformed(t *testing.T) {
	if _, err := ParseFrame([]byte(`{"type":`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := ParseFrame([]byte(`{"topics":["a"]}`)); err == nil {
		t.Error("expected error for missing type")
	}
}
