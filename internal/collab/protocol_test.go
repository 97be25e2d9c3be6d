package collab

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"file_edit","file_id":3,"file_path":"a.md","content":"x"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ev.Kind != KindFileEdit {
		t.Fatalf("kind = %q", ev.Kind)
	}
	if _, ok := ev.Payload["type"]; ok {
		t.Fatal("type should not remain in payload")
	}
	if ev.Payload["file_path"] != "a.md" {
		t.Fatalf("unexpected payload: %v", ev.Payload)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := map[string]string{
		"invalid json":    `{"type":`,
		"array":           `[1,2,3]`,
		"null":            `null`,
		"missing type":    `{"message":"hi"}`,
		"non-string type": `{"type":5}`,
		"empty type":      `{"type":""}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("Decode(%s) error = %v, want ErrMalformedFrame", frame, err)
			}
		})
	}
}

func TestDecodeAcceptsUnknownKind(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"dance"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ev.Kind.Relayable() || ev.Kind == KindPing {
		t.Fatalf("unexpected classification for %q", ev.Kind)
	}
}

func TestRelayCopiesOnlyKnownFields(t *testing.T) {
	in, err := Decode([]byte(`{"type":"chat_message","message":"hi","user_id":"spoofed","admin":true}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	data, err := Encode(Relay(in, "42", "1"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{"type": "chat_message", "message": "hi", "user_id": "1", "project_id": "42"}
	if len(out) != len(want) {
		t.Fatalf("unexpected fields: %v", out)
	}
	for key, value := range want {
		if out[key] != value {
			t.Fatalf("%s = %v, want %v", key, out[key], value)
		}
	}
}

func TestRelayMissingFieldsAreNull(t *testing.T) {
	in, _ := Decode([]byte(`{"type":"cursor_move","file_id":"f"}`))
	data, err := Encode(Relay(in, "42", "1"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	position, ok := out["position"]
	if !ok || position != nil {
		t.Fatalf("expected position:null, got %v (present=%v)", position, ok)
	}
}

func TestEncodeOutboundShapes(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		want map[string]any
	}{
		{"connected", Connected("42"), map[string]any{"type": "connected", "message": "Connected to project", "project_id": "42"}},
		{"user joined", UserJoined("42", "2"), map[string]any{"type": "user_joined", "user_id": "2", "project_id": "42"}},
		{"user left", UserLeft("42", "2"), map[string]any{"type": "user_left", "user_id": "2", "project_id": "42"}},
		{"pong", Pong(), map[string]any{"type": "pong"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.ev)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for key, value := range tc.want {
				if got[key] != value {
					t.Fatalf("%s = %v, want %v", key, got[key], value)
				}
			}
		})
	}
}
