// Package pool keeps one warm sandbox per room so consecutive runs in an
// interview reuse the same instance (and its interpreter state).
//
// Access is serialized per room and independent across rooms. Idle and
// expired entries are swept opportunistically whenever the pool is used.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultIdleTimeout  = 20 * time.Minute
	DefaultMaxLifetime  = 25 * time.Minute
	DefaultExpiryMargin = time.Minute
	stopTimeout         = 30 * time.Second
)

// ErrClosed is returned once the pool has been shut down.
var ErrClosed = errors.New("pool closed")

// Handle is a pooled sandbox instance.
type Handle interface {
	Stop(ctx context.Context) error
}

// Entry is the pool's record for one room.
type Entry[H Handle] struct {
	RoomID     string
	Handle     H
	CreatedAt  time.Time
	LastUsedAt time.Time

	// Initialized is set once the warm state (runner scripts and the like)
	// has been installed in the handle.
	Initialized bool

	// GppInstalled is set once the C++ toolchain is present in the handle.
	GppInstalled bool
}

// ProvisionFunc creates a fresh handle.
type ProvisionFunc[H Handle] func(ctx context.Context) (H, error)

// Config tunes the pool.
type Config struct {
	// IdleTimeout evicts entries unused for longer. Default: 20m.
	IdleTimeout time.Duration

	// MaxLifetime is the provider's own lifetime cap for an instance.
	// Default: 25m.
	MaxLifetime time.Duration

	// ExpiryMargin stops reusing an instance this long before MaxLifetime.
	// Default: 1m.
	ExpiryMargin time.Duration

	// Clock supplies time. Default: the wall clock.
	Clock clock.Clock
}

type slot[H Handle] struct {
	mu    sync.Mutex
	entry *Entry[H]
	dead  bool
}

// Pool maps room ids to warm handles.
type Pool[H Handle] struct {
	mu        sync.Mutex
	slots     map[string]*slot[H]
	closed    bool
	provision ProvisionFunc[H]

	idle     time.Duration
	lifetime time.Duration
	margin   time.Duration
	clock    clock.Clock
}

// New creates a pool that provisions handles with provision.
func New[H Handle](provision ProvisionFunc[H], cfg Config) *Pool[H] {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	lifetime := cfg.MaxLifetime
	if lifetime <= 0 {
		lifetime = DefaultMaxLifetime
	}
	margin := cfg.ExpiryMargin
	if margin <= 0 {
		margin = DefaultExpiryMargin
	}
	if margin >= lifetime {
		margin = lifetime / 10
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Pool[H]{
		slots:     make(map[string]*slot[H]),
		provision: provision,
		idle:      idle,
		lifetime:  lifetime,
		margin:    margin,
		clock:     clk,
	}
}

// Do runs fn against the room's handle, provisioning one if needed. Calls for
// the same room never overlap. If fn fails, the handle is discarded, a
// replacement is provisioned and fn is retried exactly once. A failure while
// ctx is done is returned as is and the handle is kept.
func (p *Pool[H]) Do(ctx context.Context, roomID string, fn func(ctx context.Context, e *Entry[H]) error) error {
	p.Sweep(ctx)

	s, err := p.lock(roomID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	e, err := p.ensure(ctx, s, roomID)
	if err != nil {
		p.drop(roomID, s)
		return err
	}
	if err = fn(ctx, e); err == nil {
		e.LastUsedAt = p.clock.Now()
		return nil
	}
	if ctx.Err() != nil {
		// The caller gave up; the handle itself is not known to be broken.
		e.LastUsedAt = p.clock.Now()
		return err
	}

	log.Printf("pool: room %s: pooled sandbox failed, replacing: %v", roomID, err)
	p.discard(s)

	e, perr := p.ensure(ctx, s, roomID)
	if perr != nil {
		p.drop(roomID, s)
		return fmt.Errorf("%w (replacement failed: %v)", err, perr)
	}
	if err := fn(ctx, e); err != nil {
		p.discard(s)
		p.drop(roomID, s)
		return fmt.Errorf("pooled sandbox failed after retry: %w", err)
	}
	e.LastUsedAt = p.clock.Now()
	return nil
}

// lock returns the room's live slot with its mutex held.
func (p *Pool[H]) lock(roomID string) (*slot[H], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		s, ok := p.slots[roomID]
		if !ok {
			s = &slot[H]{}
			p.slots[roomID] = s
		}
		p.mu.Unlock()

		s.mu.Lock()
		if !s.dead {
			return s, nil
		}
		s.mu.Unlock()
	}
}

// ensure returns a usable entry for the slot. The caller holds s.mu.
func (p *Pool[H]) ensure(ctx context.Context, s *slot[H], roomID string) (*Entry[H], error) {
	now := p.clock.Now()
	if s.entry != nil {
		if !p.stale(s.entry, now) {
			return s.entry, nil
		}
		p.discard(s)
	}

	h, err := p.provision(ctx)
	if err != nil {
		return nil, fmt.Errorf("provision sandbox for room %s: %w", roomID, err)
	}
	now = p.clock.Now()
	s.entry = &Entry[H]{
		RoomID:     roomID,
		Handle:     h,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	log.Printf("pool: room %s: provisioned sandbox", roomID)
	return s.entry, nil
}

func (p *Pool[H]) stale(e *Entry[H], now time.Time) bool {
	if now.Sub(e.LastUsedAt) > p.idle {
		return true
	}
	return now.Sub(e.CreatedAt) >= p.lifetime-p.margin
}

// discard tears down the slot's handle. The caller holds s.mu.
func (p *Pool[H]) discard(s *slot[H]) {
	if s.entry == nil {
		return
	}
	stopHandle(s.entry)
	s.entry = nil
}

// drop removes an empty slot from the map. The caller holds s.mu.
func (p *Pool[H]) drop(roomID string, s *slot[H]) {
	s.dead = true
	p.mu.Lock()
	if p.slots[roomID] == s {
		delete(p.slots, roomID)
	}
	p.mu.Unlock()
}

func stopHandle[H Handle](e *Entry[H]) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := e.Handle.Stop(ctx); err != nil {
		log.Printf("pool: room %s: stop sandbox: %v", e.RoomID, err)
	}
}

// Sweep tears down entries that are idle or near their lifetime cap and
// returns how many were removed. Entries in use are skipped.
func (p *Pool[H]) Sweep(ctx context.Context) int {
	now := p.clock.Now()

	var victims []*Entry[H]
	p.mu.Lock()
	for id, s := range p.slots {
		if !s.mu.TryLock() {
			continue
		}
		if s.entry == nil || p.stale(s.entry, now) {
			if s.entry != nil {
				victims = append(victims, s.entry)
			}
			s.entry = nil
			s.dead = true
			delete(p.slots, id)
		}
		s.mu.Unlock()
	}
	p.mu.Unlock()

	for _, e := range victims {
		log.Printf("pool: room %s: evicting idle sandbox", e.RoomID)
		stopHandle(e)
	}
	return len(victims)
}

// Evict tears down the room's handle, waiting for a run in progress.
func (p *Pool[H]) Evict(ctx context.Context, roomID string) {
	p.mu.Lock()
	s, ok := p.slots[roomID]
	p.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return
	}
	p.discard(s)
	p.drop(roomID, s)
}

// Len returns the number of rooms holding a handle.
func (p *Pool[H]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Close evicts every entry and rejects further use.
func (p *Pool[H]) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	ids := make([]string, 0, len(p.slots))
	for id := range p.slots {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Evict(ctx, id)
	}
}
