// Package bus fans relay frames out across relay nodes over Redis pub/sub.
// Each room has its own channel; every message carries the publishing node's
// id so a node can ignore its own traffic.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"codepair/internal/codec"
)

const DefaultPrefix = "codepair:room:"

// ErrMalformed is returned for messages that are not bus envelopes.
var ErrMalformed = errors.New("bus: malformed message")

// Message is a frame received from another node.
type Message struct {
	Room  string
	Node  string
	Frame []byte
}

// Bus publishes and subscribes to per-room channels.
type Bus struct {
	rdb    *redis.Client
	node   string
	prefix string
}

// New creates a bus on rdb with a fresh node id.
func New(rdb *redis.Client, prefix string) *Bus {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Bus{rdb: rdb, node: uuid.NewString(), prefix: prefix}
}

// NodeID identifies this relay node on the bus.
func (b *Bus) NodeID() string {
	return b.node
}

func (b *Bus) channel(room string) string {
	return b.prefix + room
}

// Publish sends frame to every other node subscribed to room.
func (b *Bus) Publish(ctx context.Context, room string, frame []byte) error {
	if err := b.rdb.Publish(ctx, b.channel(room), encode(b.node, frame)).Err(); err != nil {
		return fmt.Errorf("bus: publish to room %s: %w", room, err)
	}
	return nil
}

// Subscription delivers frames published for one room by other nodes.
type Subscription struct {
	C <-chan Message

	ps   *redis.PubSub
	once sync.Once
	done chan struct{}
}

// Subscribe listens on room's channel. It returns once Redis has confirmed
// the subscription, so frames published afterwards are not missed.
func (b *Bus) Subscribe(ctx context.Context, room string) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, b.channel(room))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("bus: subscribe to room %s: %w", room, err)
	}

	out := make(chan Message, 64)
	s := &Subscription{C: out, ps: ps, done: make(chan struct{})}
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			node, frame, err := decode([]byte(msg.Payload))
			if err != nil {
				log.Printf("bus: room %s: %v", room, err)
				continue
			}
			if node == b.node {
				continue
			}
			select {
			case out <- Message{Room: room, Node: node, Frame: frame}:
			case <-s.done:
				return
			}
		}
	}()
	return s, nil
}

// Close stops the subscription and closes C.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func encode(node string, frame []byte) []byte {
	e := codec.NewEncoder(len(node) + len(frame) + 4)
	e.String(node)
	e.Raw(frame)
	return e.Result()
}

func decode(payload []byte) (string, []byte, error) {
	d := codec.NewDecoder(payload)
	node, err := d.String()
	if err != nil || node == "" {
		return "", nil, ErrMalformed
	}
	frame := payload[d.Offset():]
	if len(frame) == 0 {
		return "", nil, ErrMalformed
	}
	return node, frame, nil
}
