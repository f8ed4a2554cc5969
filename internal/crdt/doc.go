// Package crdt implements the replicated document shared by every participant
// of a room.
//
// A Doc holds any number of named surfaces (a code buffer, notebook cells, the
// run history). Each surface is a sequence of items ordered by the RGA rule: an
// inserted item is placed directly after its left origin, skipping neighbours
// with a higher (lamport, client) priority. Deletions mark items as tombstones,
// they are never removed. Every mutation is an op identified by
// (client, counter) and recorded in an append-only log, so a peer's state
// vector is enough to compute exactly the ops it is missing.
//
// Merge law: two docs that integrate the same set of ops, in any order that
// respects causality, expose identical surface contents. Ops that arrive before
// their dependencies are held pending and integrated once the dependencies are
// known; ops already integrated are ignored.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ClientID identifies a replica.
type ClientID uint64

// ID identifies one op: the counter is the number of ops the client issued
// before it.
type ID struct {
	Client ClientID
	Clock  uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

type opKind uint8

const (
	opInsert opKind = 0
	opDelete opKind = 1
)

// Op is a single replicated mutation.
type Op struct {
	ID      ID
	Lamport uint64
	Kind    opKind
	Surface string

	// Insert only. Origin is the item the new item was inserted after;
	// HasOrigin is false for an insert at the head of the surface.
	HasOrigin bool
	Origin    ID
	Content   []byte

	// Delete only.
	Target ID
}

// IsInsert reports whether op inserts an item.
func (op Op) IsInsert() bool { return op.Kind == opInsert }

var (
	// ErrSurfaceMismatch is returned when an op references an item that
	// lives on a different surface.
	ErrSurfaceMismatch = errors.New("crdt: origin belongs to another surface")
)

type item struct {
	id      ID
	lamport uint64
	surface string
	content []byte
	deleted bool
}

// outranks reports whether it takes precedence over an op being integrated
// at the same position.
func (it *item) outranks(op Op) bool {
	if it.lamport != op.Lamport {
		return it.lamport > op.Lamport
	}
	return it.id.Client > op.ID.Client
}

type sequence struct {
	items []*item
}

func (s *sequence) indexOf(it *item) int {
	for i, x := range s.items {
		if x == it {
			return i
		}
	}
	return -1
}

// visibleAt returns the index in items of the n-th (0-based) live item, or
// -1 when there are fewer live items.
func (s *sequence) visibleAt(n int) int {
	seen := 0
	for i, it := range s.items {
		if it.deleted {
			continue
		}
		if seen == n {
			return i
		}
		seen++
	}
	return -1
}

// Doc is a replicated document. All methods are safe for concurrent use.
type Doc struct {
	mu      sync.Mutex
	client  ClientID
	lamport uint64
	sv      StateVector
	log     []Op
	items   map[ID]*item
	seqs    map[string]*sequence
	pending []Op
}

// New creates an empty document whose local edits are attributed to client.
func New(client ClientID) *Doc {
	return &Doc{
		client: client,
		sv:     make(StateVector),
		items:  make(map[ID]*item),
		seqs:   make(map[string]*sequence),
	}
}

// ClientID returns the id local edits are attributed to.
func (d *Doc) ClientID() ClientID {
	return d.client
}

// StateVector returns a copy of the current state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sv.Clone()
}

// EncodeStateVector returns the wire form of the current state vector.
func (d *Doc) EncodeStateVector() []byte {
	return d.StateVector().Encode()
}

// Len returns the number of ops in the log.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.log)
}

// Pending returns the number of received ops waiting for their dependencies.
func (d *Doc) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Diff returns an update holding every op the peer with state vector sv has
// not seen, in log order.
func (d *Doc) Diff(sv StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var missing []Op
	for _, op := range d.log {
		if op.ID.Clock >= sv[op.ID.Client] {
			missing = append(missing, op)
		}
	}
	return EncodeOps(missing)
}

// Apply integrates a remote update and returns an update holding only the
// ops that were new to this doc, or nil when nothing changed. Ops whose
// dependencies are missing are kept pending and reported once integrated.
func (d *Doc) Apply(update []byte) ([]byte, error) {
	ops, err := DecodeOps(update)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var applied []Op
	for _, op := range ops {
		if op.ID.Clock < d.sv[op.ID.Client] {
			continue
		}
		d.pending = append(d.pending, op)
	}
	applied = d.drainPending()
	if len(applied) == 0 {
		return nil, nil
	}
	return EncodeOps(applied), nil
}

// drainPending integrates pending ops until no more become ready.
func (d *Doc) drainPending() []Op {
	var applied []Op
	for progress := true; progress; {
		progress = false
		rest := d.pending[:0]
		for _, op := range d.pending {
			switch {
			case op.ID.Clock < d.sv[op.ID.Client]:
				// Duplicate of something integrated meanwhile.
			case d.ready(op):
				if err := d.integrate(op); err != nil {
					// An op that can never be integrated is dropped so it does not
					// block the client's later ops forever.
					d.sv[op.ID.Client] = op.ID.Clock + 1
					continue
				}
				applied = append(applied, op)
				progress = true
			default:
				rest = append(rest, op)
			}
		}
		d.pending = rest
	}
	return applied
}

func (d *Doc) ready(op Op) bool {
	if op.ID.Clock != d.sv[op.ID.Client] {
		return false
	}
	switch op.Kind {
	case opInsert:
		if op.HasOrigin {
			_, ok := d.items[op.Origin]
			return ok
		}
		return true
	case opDelete:
		_, ok := d.items[op.Target]
		return ok
	}
	return false
}

// integrate applies a ready op. The caller holds d.mu.
func (d *Doc) integrate(op Op) error {
	switch op.Kind {
	case opInsert:
		seq := d.seq(op.Surface)
		idx := 0
		if op.HasOrigin {
			origin := d.items[op.Origin]
			if origin.surface != op.Surface {
				return fmt.Errorf("%w: %s", ErrSurfaceMismatch, op.Origin)
			}
			idx = seq.indexOf(origin) + 1
		}
		for idx < len(seq.items) && seq.items[idx].outranks(op) {
			idx++
		}
		it := &item{id: op.ID, lamport: op.Lamport, surface: op.Surface, content: op.Content}
		seq.items = append(seq.items, nil)
		copy(seq.items[idx+1:], seq.items[idx:])
		seq.items[idx] = it
		d.items[op.ID] = it
	case opDelete:
		d.items[op.Target].deleted = true
	default:
		return fmt.Errorf("crdt: unknown op kind %d", op.Kind)
	}

	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	d.sv[op.ID.Client] = op.ID.Clock + 1
	d.log = append(d.log, op)
	return nil
}

// integrateLocal applies an op minted by this replica. Its origin or target
// is already integrated, so an error here is a bug in the op constructor.
func (d *Doc) integrateLocal(op Op) {
	if err := d.integrate(op); err != nil {
		panic(fmt.Sprintf("crdt: local op %s: %v", op.ID, err))
	}
}

func (d *Doc) seq(surface string) *sequence {
	s, ok := d.seqs[surface]
	if !ok {
		s = &sequence{}
		d.seqs[surface] = s
	}
	return s
}

// nextOp stamps a local op. The caller holds d.mu.
func (d *Doc) nextOp(kind opKind, surface string) Op {
	d.lamport++
	return Op{
		ID:      ID{Client: d.client, Clock: d.sv[d.client]},
		Lamport: d.lamport,
		Kind:    kind,
		Surface: surface,
	}
}

// InsertText inserts text at the visible rune position pos of surface and
// returns the resulting update. Positions past the end append.
func (d *Doc) InsertText(surface string, pos int, text string) []byte {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	seq := d.seq(surface)
	var origin *item
	if pos > 0 {
		idx := seq.visibleAt(pos - 1)
		if idx < 0 {
			idx = lastVisible(seq)
		}
		if idx >= 0 {
			origin = seq.items[idx]
		}
	}

	var ops []Op
	for _, r := range text {
		op := d.nextOp(opInsert, surface)
		if origin != nil {
			op.HasOrigin = true
			op.Origin = origin.id
		}
		op.Content = []byte(string(r))
		d.integrateLocal(op)
		ops = append(ops, op)
		origin = d.items[op.ID]
	}
	return EncodeOps(ops)
}

func lastVisible(seq *sequence) int {
	for i := len(seq.items) - 1; i >= 0; i-- {
		if !seq.items[i].deleted {
			return i
		}
	}
	return -1
}

// DeleteText removes n runes starting at visible position pos and returns
// the resulting update, or nil when nothing was deleted.
func (d *Doc) DeleteText(surface string, pos, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	seq := d.seq(surface)
	var targets []*item
	seen := 0
	for _, it := range seq.items {
		if it.deleted {
			continue
		}
		if seen >= pos && seen < pos+n {
			targets = append(targets, it)
		}
		seen++
	}
	if len(targets) == 0 {
		return nil
	}

	ops := make([]Op, 0, len(targets))
	for _, it := range targets {
		op := d.nextOp(opDelete, surface)
		op.Target = it.id
		d.integrateLocal(op)
		ops = append(ops, op)
	}
	return EncodeOps(ops)
}

// Append adds element at the end of surface and returns the resulting
// update. Appends by one replica keep their local order.
func (d *Doc) Append(surface string, element []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	seq := d.seq(surface)
	op := d.nextOp(opInsert, surface)
	if n := len(seq.items); n > 0 {
		op.HasOrigin = true
		op.Origin = seq.items[n-1].id
	}
	op.Content = append([]byte(nil), element...)
	d.integrateLocal(op)
	return EncodeOps([]Op{op})
}

// Text returns the visible content of a text surface.
func (d *Doc) Text(surface string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	seq, ok := d.seqs[surface]
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, it := range seq.items {
		if !it.deleted {
			b.Write(it.content)
		}
	}
	return b.String()
}

// Elements returns copies of the live elements of a sequence surface.
func (d *Doc) Elements(surface string) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	seq, ok := d.seqs[surface]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(seq.items))
	for _, it := range seq.items {
		if !it.deleted {
			out = append(out, append([]byte(nil), it.content...))
		}
	}
	return out
}

// Surfaces returns the names of all surfaces that have been touched.
func (d *Doc) Surfaces() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.seqs))
	for name := range d.seqs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
