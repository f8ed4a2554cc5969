package relay

import (
	"encoding/binary"
	"hash/fnv"
	"log"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"codepair/internal/awareness"
	"codepair/internal/bus"
	"codepair/internal/crdt"
	"codepair/internal/protocol"
)

// Room is the in-memory state of one interview session: its replicated
// document, the presence table and the connections attached to it. Frames
// for a room are handled one at a time under mu.
type Room struct {
	ID string

	doc   *crdt.Doc
	aware *awareness.Table

	mu      sync.Mutex
	clients map[*client]map[uint64]bool
	sub     *bus.Subscription
	closed  bool

	initOnce sync.Once

	// Guarded by the registry.
	refs     int
	gen      uint64
	teardown *clock.Timer
}

func newRoom(id string) *Room {
	return &Room{
		ID:      id,
		doc:     crdt.New(randomClientID()),
		aware:   awareness.NewTable(),
		clients: make(map[*client]map[uint64]bool),
	}
}

// Doc returns the room's replicated document.
func (r *Room) Doc() *crdt.Doc {
	return r.doc
}

// Awareness returns the room's presence table.
func (r *Room) Awareness() *awareness.Table {
	return r.aware
}

// Clients returns the number of attached connections.
func (r *Room) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func randomClientID() crdt.ClientID {
	u := uuid.New()
	return crdt.ClientID(binary.BigEndian.Uint64(u[:8]))
}

// seedClientID derives the id boilerplate is inserted under. Every relay
// node seeding the same room produces identical ops, which merge as
// duplicates instead of repeating the boilerplate.
func seedClientID(roomID string) crdt.ClientID {
	h := fnv.New64a()
	h.Write([]byte("seed:" + roomID))
	return crdt.ClientID(h.Sum64())
}

// seed inserts content into the code surface. It runs once, before any
// client is attached.
func (r *Room) seed(content string) {
	if content == "" {
		return
	}
	seeder := crdt.New(seedClientID(r.ID))
	update := seeder.InsertText(protocol.SurfaceCode, 0, content)
	if _, err := r.doc.Apply(update); err != nil {
		log.Printf("relay: room %s: seed boilerplate: %v", r.ID, err)
	}
}

// attach registers c and queues the opening handshake: the room's state
// vector and the current presence snapshot.
func (r *Room) attach(c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.clients[c] = make(map[uint64]bool)

	c.queue(protocol.NewFrame(protocol.TypeSyncStep1, r.doc.EncodeStateVector()).Encode())
	if snap := r.aware.Snapshot(); snap != nil {
		c.queue(protocol.NewFrame(protocol.TypeAwareness, snap).Encode())
	}
	return true
}

// detach removes c, drops the presence entries it announced and returns
// the removal frame to forward to other nodes, if any.
func (r *Room) detach(c *client) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, ok := r.clients[c]
	if !ok {
		return nil
	}
	delete(r.clients, c)
	close(c.send)

	list := make([]uint64, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	removal := r.aware.Remove(list)
	if removal == nil {
		return nil
	}
	frame := protocol.NewFrame(protocol.TypeAwareness, removal).Encode()
	r.broadcastLocked(nil, frame)
	return frame
}

// handle processes one frame from a local client and returns the frame to
// publish to other nodes, if any.
func (r *Room) handle(from *client, f protocol.Frame) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch f.Type {
	case protocol.TypeSyncStep1:
		sv, err := crdt.DecodeStateVector(f.Payload)
		if err != nil {
			log.Printf("relay: room %s: drop sync-step-1: %v", r.ID, err)
			return nil
		}
		from.queue(protocol.NewFrame(protocol.TypeSyncStep2, r.doc.Diff(sv)).Encode())
		return nil

	case protocol.TypeSyncStep2, protocol.TypeUpdate:
		applied, err := r.doc.Apply(f.Payload)
		if err != nil {
			log.Printf("relay: room %s: drop %s: %v", r.ID, f.Type, err)
			return nil
		}
		if applied == nil {
			return nil
		}
		frame := protocol.NewFrame(protocol.TypeUpdate, applied).Encode()
		r.broadcastLocked(from, frame)
		return frame

	case protocol.TypeAwareness:
		frame := r.applyAwarenessLocked(from, f.Payload)
		if frame != nil {
			r.broadcastLocked(from, frame)
		}
		return frame
	}
	return nil
}

// applyAwarenessLocked updates the presence table and returns the frame to
// forward. A truncated frame forwards only the entries that parsed.
func (r *Room) applyAwarenessLocked(from *client, payload []byte) []byte {
	entries, err := awareness.Decode(payload)
	if err != nil {
		log.Printf("relay: room %s: awareness: %v", r.ID, err)
		if len(entries) == 0 {
			return nil
		}
		payload = awareness.Encode(entries)
	}
	r.aware.Apply(entries)

	if ids, ok := r.clients[from]; ok {
		for _, e := range entries {
			if e.Removed() {
				delete(ids, e.ClientID)
			} else {
				ids[e.ClientID] = true
			}
		}
	}
	return protocol.NewFrame(protocol.TypeAwareness, payload).Encode()
}

// handleRemote processes a frame published by another relay node. Updates
// and presence are fanned out locally; a state request is answered on the
// bus with whatever the peer is missing.
func (r *Room) handleRemote(f protocol.Frame) (reply []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	switch f.Type {
	case protocol.TypeSyncStep1:
		sv, err := crdt.DecodeStateVector(f.Payload)
		if err != nil {
			return nil
		}
		diff := r.doc.Diff(sv)
		if len(diff) <= 1 {
			return nil
		}
		return protocol.NewFrame(protocol.TypeSyncStep2, diff).Encode()

	case protocol.TypeSyncStep2, protocol.TypeUpdate:
		applied, err := r.doc.Apply(f.Payload)
		if err != nil {
			log.Printf("relay: room %s: drop remote %s: %v", r.ID, f.Type, err)
			return nil
		}
		if applied != nil {
			r.broadcastLocked(nil, protocol.NewFrame(protocol.TypeUpdate, applied).Encode())
		}

	case protocol.TypeAwareness:
		if frame := r.applyAwarenessLocked(nil, f.Payload); frame != nil {
			r.broadcastLocked(nil, frame)
		}
	}
	return nil
}

// appendHistory appends entry to the history surface under the relay's own
// client id and returns the update frame sent to every client.
func (r *Room) appendHistory(entry protocol.HistoryEntry) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	update := r.doc.Append(protocol.SurfaceHistory, entry.Marshal())
	frame := protocol.NewFrame(protocol.TypeUpdate, update).Encode()
	r.broadcastLocked(nil, frame)
	return frame
}

// History returns the room's history entries in order. Elements that do
// not parse are skipped.
func (r *Room) History() []protocol.HistoryEntry {
	elems := r.doc.Elements(protocol.SurfaceHistory)
	out := make([]protocol.HistoryEntry, 0, len(elems))
	for _, e := range elems {
		entry, err := protocol.ParseHistoryEntry(e)
		if err != nil {
			log.Printf("relay: room %s: %v", r.ID, err)
			continue
		}
		out = append(out, entry)
	}
	return out
}

// broadcastLocked queues data for every client except skip. The caller
// holds r.mu.
func (r *Room) broadcastLocked(skip *client, data []byte) {
	for c := range r.clients {
		if c == skip {
			continue
		}
		c.queue(data)
	}
}

func (r *Room) setSubscription(sub *bus.Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sub = sub
	return true
}

// close detaches every client and stops the bus subscription.
func (r *Room) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for c := range r.clients {
		delete(r.clients, c)
		close(c.send)
	}
	if r.sub != nil {
		r.sub.Close()
		r.sub = nil
	}
}
