// Package protocol defines the realtime wire format: JSON text frames of the
// form {"event": name, "data": payload}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manpreetbhatti/codehive/internal/store"
)

// Event names a realtime message
type Event string

const (
	// Client joins a (project, language) editor room
	EventJoin Event = "join"

	// Whole-file content replacement, relayed to everyone but the sender
	EventCodeUpdate Event = "code_update"

	EventCreateFile Event = "create_file"
	EventDeleteFile Event = "delete_file"
	EventRenameFile Event = "rename_file"

	// Client subscribes to the project's chat room
	EventJoinChat Event = "join_chat"

	// Authoritative file set for a room
	EventFileList Event = "file_list"

	EventNewMessage     Event = "new_message"
	EventMessageDeleted Event = "message_deleted"

	EventError Event = "error"
)

var ErrMissingEvent = errors.New("missing event name")

// Envelope is a decoded frame whose payload is decoded later per event
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Join struct {
	ProjectName string `json:"projectName"`
	Language    string `json:"language"`
}

type JoinChat struct {
	ProjectName string `json:"projectName"`
}

type CodeUpdate struct {
	ProjectName string `json:"projectName"`
	Language    string `json:"language"`
	Filename    string `json:"filename"`
	Code        string `json:"code"`
}

type CreateFile struct {
	ProjectName string `json:"projectName"`
	Language    string `json:"language"`
	Filename    string `json:"filename"`
	Code        string `json:"code"`
}

type DeleteFile struct {
	ProjectName string `json:"projectName"`
	Language    string `json:"language"`
	Filename    string `json:"filename"`
}

type RenameFile struct {
	ProjectName string `json:"projectName"`
	Language    string `json:"language"`
	OldName     string `json:"oldName"`
	NewName     string `json:"newName"`
}

type FileList struct {
	Files       []store.SourceFile `json:"files"`
	ProjectName string             `json:"projectName"`
	Language    string             `json:"language"`
}

type MessageDeleted struct {
	ID string `json:"_id"`
}

type Error struct {
	Event   Event  `json:"event,omitempty"`
	Message string `json:"message"`
}

// Encode builds a frame for event with data as its payload
func Encode(event Event, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode parses a frame without interpreting its payload
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return env, nil
}

// Payload unmarshals the envelope data into v
func (e Envelope) Payload(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}
