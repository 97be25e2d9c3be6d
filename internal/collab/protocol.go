package collab

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the type of a collaboration event on the wire.
type Kind string

const (
	KindConnected   Kind = "connected"
	KindUserJoined  Kind = "user_joined"
	KindUserLeft    Kind = "user_left"
	KindFileEdit    Kind = "file_edit"
	KindCursorMove  Kind = "cursor_move"
	KindChatMessage Kind = "chat_message"
	KindPing        Kind = "ping"
	KindPong        Kind = "pong"
)

// ErrMalformedFrame is returned by Decode when a frame is not a JSON object
// with a string "type" field. It never ends the connection.
var ErrMalformedFrame = errors.New("malformed frame")

// relayFields lists the payload fields copied from an inbound frame when it is
// relayed to the rest of the room. Anything else the client sent is dropped.
var relayFields = map[Kind][]string{
	KindFileEdit:    {"file_id", "file_path", "content"},
	KindCursorMove:  {"file_id", "position"},
	KindChatMessage: {"message"},
}

// Event is a decoded inbound frame or an outbound notification.
type Event struct {
	Kind      Kind
	ProjectID string
	UserID    string
	Payload   map[string]any
}

// Relayable reports whether events of this kind are fanned out to the room.
func (k Kind) Relayable() bool {
	_, ok := relayFields[k]
	return ok
}

// Decode parses one text frame.
func Decode(frame []byte) (Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if raw == nil {
		return Event{}, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}
	kind, ok := raw["type"].(string)
	if !ok || kind == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	delete(raw, "type")
	return Event{Kind: Kind(kind), Payload: raw}, nil
}

// Encode serializes an event. Payload keys named type, user_id or project_id
// are overridden by the event's own fields.
func Encode(ev Event) ([]byte, error) {
	out := make(map[string]any, len(ev.Payload)+3)
	for key, value := range ev.Payload {
		out[key] = value
	}
	out["type"] = string(ev.Kind)
	if ev.UserID != "" {
		out["user_id"] = ev.UserID
	}
	if ev.ProjectID != "" {
		out["project_id"] = ev.ProjectID
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	return data, nil
}

// Relay builds the outbound copy of an inbound relayable event, tagged with
// the sender's identity.
func Relay(in Event, projectID, userID string) Event {
	fields := relayFields[in.Kind]
	payload := make(map[string]any, len(fields))
	for _, field := range fields {
		payload[field] = in.Payload[field]
	}
	return Event{Kind: in.Kind, ProjectID: projectID, UserID: userID, Payload: payload}
}

// Connected is the welcome frame sent only to a newly registered session.
func Connected(projectID string) Event {
	return Event{
		Kind:      KindConnected,
		ProjectID: projectID,
		Payload:   map[string]any{"message": "Connected to project"},
	}
}

// UserJoined announces a new session in the room, including to itself.
func UserJoined(projectID, userID string) Event {
	return Event{Kind: KindUserJoined, ProjectID: projectID, UserID: userID}
}

// UserLeft announces that a session of userID left the room.
func UserLeft(projectID, userID string) Event {
	return Event{Kind: KindUserLeft, ProjectID: projectID, UserID: userID}
}

// Pong answers an application level ping.
func Pong() Event {
	return Event{Kind: KindPong}
}

// ChatMessage builds a chat event originating outside a websocket session,
// e.g. a message posted over HTTP.
func ChatMessage(projectID, userID, message string) Event {
	return Event{
		Kind:      KindChatMessage,
		ProjectID: projectID,
		UserID:    userID,
		Payload:   map[string]any{"message": message},
	}
}

// FileEdit builds a file edit event originating outside a websocket session.
func FileEdit(projectID, userID, fileID, filePath, content string) Event {
	return Event{
		Kind:      KindFileEdit,
		ProjectID: projectID,
		UserID:    userID,
		Payload: map[string]any{
			"file_id":   fileID,
			"file_path": filePath,
			"content":   content,
		},
	}
}
