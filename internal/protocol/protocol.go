// Package protocol defines the JSON event frames exchanged with editor clients.
//
// Every frame is an envelope {"event": name, "data": payload}. Inbound payloads
// are decoded into the typed commands below; anything that fails to decode is
// reported as ErrMalformedPayload and the frame is dropped by the caller.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names the kind of frame.
type Event string

// Client -> server events
const (
	EventJoin           Event = "join"
	EventCodeChange     Event = "codeChange"
	EventTyping         Event = "typing"
	EventLanguageChange Event = "languageChange"
	EventLeaveRoom      Event = "leaveRoom"
	EventCompileCode    Event = "compileCode"
)

// Server -> client events
const (
	EventUserJoined     Event = "userJoined"
	EventCodeUpdate     Event = "codeUpdate"
	EventUserTyping     Event = "userTyping"
	EventLanguageUpdate Event = "languageUpdate"
	EventCodeResponse   Event = "codeResponse"
	EventRoomState      Event = "roomState"
)

var (
	ErrEmptyFrame       = errors.New("empty frame")
	ErrUnknownEvent     = errors.New("unknown event")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Envelope is the outer shape of every frame.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound events carry their room id so a stale client tab can be detected;
// pointers distinguish a missing field from an empty string.

type Join struct {
	RoomID      string
	DisplayName string
}

type CodeChange struct {
	RoomID string
	Code   string
}

type Typing struct {
	RoomID      string
	DisplayName string
}

type LanguageChange struct {
	RoomID   string
	Language string
}

type CompileCode struct {
	RoomID   string
	Code     string
	Language string
	Version  string
	Input    string
}

type joinWire struct {
	RoomID      *string `json:"roomId"`
	DisplayName *string `json:"displayName"`
	UserName    *string `json:"userName"`
}

type codeChangeWire struct {
	RoomID *string `json:"roomId"`
	Code   *string `json:"code"`
}

type languageChangeWire struct {
	RoomID   *string `json:"roomId"`
	Language *string `json:"language"`
}

type compileCodeWire struct {
	RoomID   string  `json:"roomId"`
	Code     *string `json:"code"`
	Language *string `json:"language"`
	Version  string  `json:"version"`
	Input    string  `json:"input"`
}

// ParseEnvelope splits a raw frame into its event name and payload.
func ParseEnvelope(frame []byte) (Envelope, error) {
	if len(frame) == 0 {
		return Envelope{}, ErrEmptyFrame
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !IsInbound(env.Event) {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return env, nil
}

// IsInbound reports whether clients are allowed to send event.
func IsInbound(event Event) bool {
	switch event {
	case EventJoin, EventCodeChange, EventTyping, EventLanguageChange, EventLeaveRoom, EventCompileCode:
		return true
	}
	return false
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformedPayload, field)
}

// displayName prefers displayName and falls back to the legacy userName field.
func displayName(displayName, userName *string) string {
	if displayName != nil {
		return *displayName
	}
	if userName != nil {
		return *userName
	}
	return ""
}

func DecodeJoin(data json.RawMessage) (Join, error) {
	var w joinWire
	if err := unmarshal(data, &w); err != nil {
		return Join{}, err
	}
	if w.RoomID == nil {
		return Join{}, missing("roomId")
	}
	return Join{RoomID: *w.RoomID, DisplayName: displayName(w.DisplayName, w.UserName)}, nil
}

func DecodeCodeChange(data json.RawMessage) (CodeChange, error) {
	var w codeChangeWire
	if err := unmarshal(data, &w); err != nil {
		return CodeChange{}, err
	}
	if w.RoomID == nil {
		return CodeChange{}, missing("roomId")
	}
	if w.Code == nil {
		return CodeChange{}, missing("code")
	}
	return CodeChange{RoomID: *w.RoomID, Code: *w.Code}, nil
}

func DecodeTyping(data json.RawMessage) (Typing, error) {
	var w joinWire
	if err := unmarshal(data, &w); err != nil {
		return Typing{}, err
	}
	if w.RoomID == nil {
		return Typing{}, missing("roomId")
	}
	return Typing{RoomID: *w.RoomID, DisplayName: displayName(w.DisplayName, w.UserName)}, nil
}

func DecodeLanguageChange(data json.RawMessage) (LanguageChange, error) {
	var w languageChangeWire
	if err := unmarshal(data, &w); err != nil {
		return LanguageChange{}, err
	}
	if w.RoomID == nil {
		return LanguageChange{}, missing("roomId")
	}
	if w.Language == nil {
		return LanguageChange{}, missing("language")
	}
	return LanguageChange{RoomID: *w.RoomID, Language: *w.Language}, nil
}

// DecodeCompileCode decodes an execution request. The room id is informational
// only; execution never needs room state.
func DecodeCompileCode(data json.RawMessage) (CompileCode, error) {
	var w compileCodeWire
	if err := unmarshal(data, &w); err != nil {
		return CompileCode{}, err
	}
	if w.Code == nil {
		return CompileCode{}, missing("code")
	}
	if w.Language == nil || *w.Language == "" {
		return CompileCode{}, missing("language")
	}
	version := w.Version
	if version == "" {
		version = "*"
	}
	return CompileCode{
		RoomID:   w.RoomID,
		Code:     *w.Code,
		Language: *w.Language,
		Version:  version,
		Input:    w.Input,
	}, nil
}

// Outbound payloads

type RoomState struct {
	RoomID   string   `json:"roomId"`
	Code     string   `json:"code"`
	Language string   `json:"language"`
	Users    []string `json:"users"`
}

type RunResult struct {
	Output string `json:"output"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Code   *int   `json:"code"`
}

type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeResponse is sent to the requester only. On failure Error is set and
// Run.Output carries the human-readable message so older clients still show it.
type CodeResponse struct {
	Run   RunResult      `json:"run"`
	Error *ResponseError `json:"error,omitempty"`
}

// Encode builds an outbound frame.
func Encode(event Event, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
