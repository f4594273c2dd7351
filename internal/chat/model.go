package chat

import "encoding/json"

// Frame is one websocket message in either direction. Ref echoes the
// client's request id on ack and error frames.
type Frame struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outFrame struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Inbound command payloads.

type roomCreate struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type roomEnter struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password"`
}

type roomRef struct {
	RoomID string `json:"roomId"`
}

type roomSend struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

type roomMessageRef struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

type profileUpdate struct {
	DisplayName string `json:"displayName"`
}

type dmRef struct {
	With string `json:"with"`
}

type dmSend struct {
	With string `json:"with"`
	Text string `json:"text"`
}

type inviteCmd struct {
	To string `json:"to"`
}

type notificationRef struct {
	ID string `json:"id"`
}

type searchCmd struct {
	Q string `json:"q"`
}

type unwatchCmd struct {
	Watch string `json:"watch"`
}

// Outbound payloads that wrap a list with its scope.

type roomMessages struct {
	RoomID   string `json:"roomId"`
	Messages any    `json:"messages"`
}

type roomMembers struct {
	RoomID  string `json:"roomId"`
	Members any    `json:"members"`
}

type dmMessages struct {
	With     string `json:"with"`
	Messages any    `json:"messages"`
}

type idPayload struct {
	ID string `json:"id"`
}
