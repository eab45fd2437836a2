package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Action discriminates requests and server pushes.
type Action string

const (
	ActionRegister    Action = "register"
	ActionLogin       Action = "login"
	ActionList        Action = "list"
	ActionCreateRoom  Action = "create_room"
	ActionDeleteRoom  Action = "delete_room"
	ActionJoinRoom    Action = "join_room"
	ActionLeaveRoom   Action = "leave_room"
	ActionSendMessage Action = "send_message"
	ActionDisconnect  Action = "disconnect"

	// Pushed by the server without a matching request.
	ActionMessage  Action = "message"
	ActionEvicted  Action = "evicted"
	ActionShutdown Action = "shutdown"
)

// Response codes.
const (
	CodeOK           = 200
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
)

// History status values reported with a successful join.
const (
	HistoryOK          = "ok"
	HistoryEmpty       = "empty"
	HistoryUnavailable = "unavailable"
	// HistoryTruncated means only the newest lines fit in the reply frame.
	HistoryTruncated = "truncated"
)

// RoomID identifies a room. It decodes from a JSON number or a numeric string.
type RoomID uint

// UnmarshalJSON accepts 7 and "7".
func (id *RoomID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*id = 0
			return nil
		}
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("room id %q: %w", raw, err)
	}
	*id = RoomID(parsed)
	return nil
}

// Request is the flat record a client sends. Only the fields relevant to Action are set.
type Request struct {
	Action          Action `json:"action"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
	RoomID          RoomID `json:"room_ID,omitempty"`
	RoomName        string `json:"room_name,omitempty"`
	RoomDescription string `json:"room_description,omitempty"`
	RoomPassword    string `json:"room_password,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Response is the flat record the server sends, either as a reply or a push.
type Response struct {
	Code          int           `json:"code,omitempty"`
	Action        Action        `json:"action,omitempty"`
	Username      string        `json:"username,omitempty"`
	Message       string        `json:"message,omitempty"`
	Token         string        `json:"token,omitempty"`
	Rooms         []RoomSummary `json:"rooms,omitempty"`
	History       string        `json:"history,omitempty"`
	HistoryStatus string        `json:"history_status,omitempty"`
}

// RoomSummary is one entry of a list response.
type RoomSummary struct {
	RoomName string `json:"room_name"`
	RoomID   RoomID `json:"room_ID"`
}

// OK builds a 200 reply.
func OK(message string) Response {
	return Response{Code: CodeOK, Message: message}
}

// Fail builds an error reply with the given code.
func Fail(code int, message string) Response {
	return Response{Code: code, Message: message}
}

// Push builds a server-initiated record.
func Push(action Action, message string) Response {
	return Response{Action: action, Message: message}
}
