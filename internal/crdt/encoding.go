package crdt

import (
	"errors"
	"fmt"
	"sort"

	"codepair/internal/codec"
)

// ErrMalformedUpdate is returned for updates and state vectors that cannot be
// decoded.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// StateVector maps each known client to the next counter expected from it,
// i.e. the number of its ops already integrated.
type StateVector map[ClientID]uint64

// Clone returns a copy of sv.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for c, n := range sv {
		out[c] = n
	}
	return out
}

// Encode returns the wire form: a varint entry count followed by
// (client, clock) varint pairs sorted by client.
func (sv StateVector) Encode() []byte {
	clients := make([]ClientID, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	enc := codec.NewEncoder(1 + len(sv)*4)
	enc.Varint(uint64(len(clients)))
	for _, c := range clients {
		enc.Varint(uint64(c))
		enc.Varint(sv[c])
	}
	return enc.Result()
}

// DecodeStateVector parses the wire form produced by StateVector.Encode. An
// empty payload is an empty state vector.
func DecodeStateVector(buf []byte) (StateVector, error) {
	sv := make(StateVector)
	if len(buf) == 0 {
		return sv, nil
	}
	dec := codec.NewDecoder(buf)
	n, err := dec.Varint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for i := uint64(0); i < n; i++ {
		c, _ := dec.Varint()
		clock, err := dec.Varint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector entry %d: %v", ErrMalformedUpdate, i, err)
		}
		sv[ClientID(c)] = clock
	}
	return sv, nil
}

// EncodeOps returns the update wire form of ops.
//
// Layout: varint op count, then per op: client, clock, lamport, kind,
// surface (length-prefixed). Inserts continue with a has-origin flag, the
// origin pair when set, and the length-prefixed content; deletes continue
// with the target pair.
func EncodeOps(ops []Op) []byte {
	enc := codec.NewEncoder(8 + len(ops)*16)
	enc.Varint(uint64(len(ops)))
	for _, op := range ops {
		enc.Varint(uint64(op.ID.Client))
		enc.Varint(op.ID.Clock)
		enc.Varint(op.Lamport)
		enc.Varint(uint64(op.Kind))
		enc.String(op.Surface)
		switch op.Kind {
		case opInsert:
			if op.HasOrigin {
				enc.Varint(1)
				enc.Varint(uint64(op.Origin.Client))
				enc.Varint(op.Origin.Clock)
			} else {
				enc.Varint(0)
			}
			enc.Bytes(op.Content)
		case opDelete:
			enc.Varint(uint64(op.Target.Client))
			enc.Varint(op.Target.Clock)
		}
	}
	return enc.Result()
}

// DecodeOps parses an update. Any decoding problem rejects the whole update.
func DecodeOps(buf []byte) ([]Op, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrMalformedUpdate)
	}
	dec := codec.NewDecoder(buf)
	n, err := dec.Varint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	// Every op takes at least six bytes, which bounds the allocation.
	if n > uint64(dec.Remaining()) {
		return nil, fmt.Errorf("%w: op count %d exceeds payload", ErrMalformedUpdate, n)
	}

	ops := make([]Op, 0, n)
	for i := uint64(0); i < n; i++ {
		var op Op
		client, _ := dec.Varint()
		op.ID = ID{Client: ClientID(client)}
		op.ID.Clock, _ = dec.Varint()
		op.Lamport, _ = dec.Varint()
		kind, _ := dec.Varint()
		op.Kind = opKind(kind)
		op.Surface, _ = dec.String()

		switch op.Kind {
		case opInsert:
			hasOrigin, _ := dec.Varint()
			if hasOrigin == 1 {
				op.HasOrigin = true
				oc, _ := dec.Varint()
				op.Origin = ID{Client: ClientID(oc)}
				op.Origin.Clock, _ = dec.Varint()
			}
			op.Content, _ = dec.Bytes()
		case opDelete:
			tc, _ := dec.Varint()
			op.Target = ID{Client: ClientID(tc)}
			op.Target.Clock, _ = dec.Varint()
		default:
			return nil, fmt.Errorf("%w: op %d has unknown kind %d", ErrMalformedUpdate, i, kind)
		}
		if err := dec.Err(); err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedUpdate, i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}
