// Package awareness encodes the ephemeral presence table (who is in the room,
// their colour and cursor) independently of the document sync payloads.
package awareness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"codepair/internal/codec"
)

// nullState marks a removed client.
var nullState = []byte("null")

// Entry is one client's presence record.
type Entry struct {
	ClientID uint64
	Clock    uint64
	State    []byte
}

// Removed reports whether the entry announces that the client left.
func (e Entry) Removed() bool {
	return len(e.State) == 0 || bytes.Equal(e.State, nullState)
}

// Cursor is a position in the shared buffer.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// User is the user-visible part of a presence record.
type User struct {
	Name   string  `json:"name"`
	Color  string  `json:"color"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

// MarshalUser returns the state payload for u.
func MarshalUser(u User) []byte {
	data, _ := json.Marshal(u)
	return data
}

// ParseUser decodes a state payload.
func ParseUser(state []byte) (User, error) {
	var u User
	if err := json.Unmarshal(state, &u); err != nil {
		return User{}, fmt.Errorf("parse awareness state: %w", err)
	}
	return u, nil
}

// Encode returns the wire frame for entries: varint count, then per entry
// varint client id, varint clock, varint payload length and the payload.
func Encode(entries []Entry) []byte {
	enc := codec.NewEncoder(4 + len(entries)*32)
	enc.Varint(uint64(len(entries)))
	for _, e := range entries {
		enc.Varint(e.ClientID)
		enc.Varint(e.Clock)
		state := e.State
		if len(state) == 0 {
			state = nullState
		}
		enc.Bytes(state)
	}
	return enc.Result()
}

// Decode parses a frame. Decoding stops at the first truncated entry; the
// entries parsed before it are returned together with the error.
func Decode(frame []byte) ([]Entry, error) {
	dec := codec.NewDecoder(frame)
	n, err := dec.Varint()
	if err != nil {
		return nil, fmt.Errorf("awareness: entry count: %w", err)
	}

	var entries []Entry
	for i := uint64(0); i < n; i++ {
		var e Entry
		e.ClientID, _ = dec.Varint()
		e.Clock, _ = dec.Varint()
		e.State, _ = dec.Bytes()
		if err := dec.Err(); err != nil {
			return entries, fmt.Errorf("awareness: entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Table holds the latest presence record per client.
type Table struct {
	mu     sync.RWMutex
	states map[uint64]Entry
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{states: make(map[uint64]Entry)}
}

// Apply merges entries into the table and returns the ids whose record
// changed. Older clocks are ignored; a removal entry deletes the client.
func (t *Table) Apply(entries []Entry) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed []uint64
	for _, e := range entries {
		cur, ok := t.states[e.ClientID]
		if ok && e.Clock < cur.Clock {
			continue
		}
		if e.Removed() {
			if ok {
				delete(t.states, e.ClientID)
				changed = append(changed, e.ClientID)
			}
			continue
		}
		t.states[e.ClientID] = e
		changed = append(changed, e.ClientID)
	}
	return changed
}

// Remove deletes the given clients and returns a frame announcing their
// removal, or nil if none of them were present.
func (t *Table) Remove(ids []uint64) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []Entry
	for _, id := range ids {
		cur, ok := t.states[id]
		if !ok {
			continue
		}
		delete(t.states, id)
		removed = append(removed, Entry{ClientID: id, Clock: cur.Clock + 1, State: nullState})
	}
	if len(removed) == 0 {
		return nil
	}
	return Encode(removed)
}

// Get returns the record for a client.
func (t *Table) Get(id uint64) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.states[id]
	return e, ok
}

// Len returns the number of present clients.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// Snapshot returns a frame holding every present client, ordered by id, or
// nil when the table is empty.
func (t *Table) Snapshot() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.states) == 0 {
		return nil
	}
	entries := make([]Entry, 0, len(t.states))
	for _, e := range t.states {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
	return Encode(entries)
}
