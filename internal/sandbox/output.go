package sandbox

import (
	"bytes"
	"sync"
)

// MaxOutputBytes caps each captured stream.
const MaxOutputBytes = 1 << 20

const truncatedNote = "\n[output truncated]\n"

// OutputBuffer collects a process stream up to a limit and silently drops
// the rest. It is safe for concurrent writes.
type OutputBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// NewOutputBuffer creates a buffer holding at most limit bytes.
func NewOutputBuffer(limit int) *OutputBuffer {
	if limit <= 0 {
		limit = MaxOutputBytes
	}
	return &OutputBuffer{limit: limit}
}

func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// String returns the captured output, noting truncation.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + truncatedNote
	}
	return b.buf.String()
}
