package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the leading tag byte of every relay frame.
type MessageType byte

// Relay frame tags.
const (
	TypeSyncStep1 MessageType = 0
	TypeSyncStep2 MessageType = 1
	TypeUpdate    MessageType = 2
	TypeAwareness MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case TypeSyncStep1:
		return "sync-step-1"
	case TypeSyncStep2:
		return "sync-step-2"
	case TypeUpdate:
		return "update"
	case TypeAwareness:
		return "awareness"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Frame is one binary relay message. The payload is opaque to the relay.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// NewFrame builds a frame around payload.
func NewFrame(t MessageType, payload []byte) Frame {
	return Frame{Type: t, Payload: payload}
}

// Encode returns the wire form: the tag byte followed by the payload.
func (f Frame) Encode() []byte {
	out := make([]byte, 1+len(f.Payload))
	out[0] = byte(f.Type)
	copy(out[1:], f.Payload)
	return out
}

// Surface names shared by the relay and clients.
const (
	SurfaceCode    = "code"
	SurfaceHistory = "history"
	CellPrefix     = "cell:"
)

// CellSurface returns the surface name for a notebook cell.
func CellSurface(cellID string) string {
	return CellPrefix + cellID
}

// HTTP payloads.

// ErrorPayload is the body of every non-2xx JSON response.
type ErrorPayload struct {
	Error string `json:"error"`
}

// RunRequest asks the relay to run the current content of a room surface,
// or a terminal command when Terminal is set.
type RunRequest struct {
	Language   string `json:"language"`
	Surface    string `json:"surface,omitempty"`
	Cell       bool   `json:"cell,omitempty"`
	Persistent bool   `json:"persistent,omitempty"`
	Author     string `json:"author,omitempty"`
	Terminal   bool   `json:"terminal,omitempty"`
	Command    string `json:"command,omitempty"`
}

// ExecuteRequest is a one-off run outside any room surface. A room id
// selects the room's pooled sandbox.
type ExecuteRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	RoomID   string `json:"roomId,omitempty"`
	Cell     bool   `json:"cell,omitempty"`
}

// NotesRequest replaces an interview's notes.
type NotesRequest struct {
	Notes string `json:"notes"`
}

// EndRequest closes an interview.
type EndRequest struct {
	FinalCode string `json:"finalCode,omitempty"`
}

// CodePayload is the current content of a room surface.
type CodePayload struct {
	RoomID  string `json:"roomId"`
	Surface string `json:"surface"`
	Content string `json:"content"`
}

// HistoryEntry is one append-only record of the room's run history.
type HistoryEntry struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Input      string `json:"input"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	Timestamp  int64  `json:"timestamp"`
	AuthorName string `json:"authorName"`
}

// History entry kinds.
const (
	KindCodeRun         = "codeRun"
	KindTerminalCommand = "terminalCommand"
)

// NewHistoryEntry stamps an entry with the current time.
func NewHistoryEntry(id, kind, input, author string) HistoryEntry {
	return HistoryEntry{
		ID:         id,
		Kind:       kind,
		Input:      input,
		AuthorName: author,
		Timestamp:  time.Now().UTC().UnixMilli(),
	}
}

// Marshal returns the JSON form stored in the history surface.
func (e HistoryEntry) Marshal() []byte {
	data, _ := json.Marshal(e)
	return data
}

// ParseHistoryEntry decodes one history element.
func ParseHistoryEntry(data []byte) (HistoryEntry, error) {
	var e HistoryEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return HistoryEntry{}, fmt.Errorf("parse history entry: %w", err)
	}
	return e, nil
}
