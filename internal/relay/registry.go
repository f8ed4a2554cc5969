package relay

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultGracePeriod keeps an empty room alive so a quick reconnect finds
// the document intact.
const DefaultGracePeriod = 60 * time.Second

// Registry owns the live rooms. A room exists from its first Acquire until
// the grace period after its last Release.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	grace  time.Duration
	clock  clock.Clock
	closed bool
}

// NewRegistry creates an empty registry. A nil clock uses the wall clock.
func NewRegistry(grace time.Duration, clk clock.Clock) *Registry {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		rooms: make(map[string]*Room),
		grace: grace,
		clock: clk,
	}
}

// Acquire returns the room, creating it if needed, and takes a reference on
// it. A pending teardown is cancelled.
func (r *Registry) Acquire(id string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		room = newRoom(id)
		r.rooms[id] = room
		log.Printf("relay: room %s: created", id)
	}
	room.refs++
	if room.teardown != nil {
		room.teardown.Stop()
		room.teardown = nil
	}
	return room
}

// Release drops a reference. When the last one goes, the room is torn down
// after the grace period unless it is acquired again first.
func (r *Registry) Release(room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room.refs > 0 {
		room.refs--
	}
	if room.refs > 0 || r.closed || r.rooms[room.ID] != room {
		return
	}
	room.gen++
	gen := room.gen
	room.teardown = r.clock.AfterFunc(r.grace, func() { r.expire(room, gen) })
}

func (r *Registry) expire(room *Room, gen uint64) {
	r.mu.Lock()
	if room.refs > 0 || room.gen != gen || r.rooms[room.ID] != room {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, room.ID)
	room.teardown = nil
	r.mu.Unlock()

	log.Printf("relay: room %s: torn down after grace period", room.ID)
	room.close()
}

// Get returns a live room without taking a reference.
func (r *Registry) Get(id string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	return room, ok
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Close tears down every room immediately.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	rooms := make([]*Room, 0, len(r.rooms))
	for id, room := range r.rooms {
		if room.teardown != nil {
			room.teardown.Stop()
			room.teardown = nil
		}
		rooms = append(rooms, room)
		delete(r.rooms, id)
	}
	r.mu.Unlock()

	for _, room := range rooms {
		room.close()
	}
}
