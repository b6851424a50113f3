// Package logbuf implements the fixed-capacity, lossy-at-head ring buffer
// that backs a process's stdout/stderr streams. One writer appends
// bytes; any number of readers can ask for everything "since offset X"
// without blocking the writer or each other.
package logbuf

import (
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
)

// DefaultCapacity is the recommended per-stream capacity (1 MiB).
const DefaultCapacity = 1 << 20

// Buffer is a single-writer, multi-reader ring buffer with an absolute,
// monotonically increasing byte offset. Oldest bytes are silently dropped
// once capacity is exceeded; the offset always reflects the number of
// bytes ever written, so callers can detect drops by comparing the offset
// they expected to read from against the buffer's current base.
type Buffer struct {
	mu      sync.RWMutex
	data    []byte // capacity-bounded ring contents, oldest-first
	cap     int
	base    int64 // absolute offset of data[0]; advances as bytes are dropped
	written int64 // total bytes ever written (== base + len(data))

	spill *flate.Writer // optional: compresses bytes evicted from the ring
}

// New creates a Buffer with the given capacity. A non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{cap: capacity}
}

// NewWithSpill is like New, but compresses every byte evicted from the
// ring into spill as it's written, so an operator who wants more than
// the in-memory window can still recover full history from a flate
// stream on disk instead of losing it outright once the ring wraps.
func NewWithSpill(capacity int, spill io.Writer) *Buffer {
	b := New(capacity)
	fw, err := flate.NewWriter(spill, flate.DefaultCompression)
	if err == nil {
		b.spill = fw
	}
	return b
}

// Close flushes and closes the spill writer, if one was configured. It is
// a no-op otherwise.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spill == nil {
		return nil
	}
	return b.spill.Close()
}

// Write appends p to the buffer, dropping the oldest bytes if necessary to
// stay within capacity. It never blocks and never returns an error.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	b.written += int64(len(p))

	if over := len(b.data) - b.cap; over > 0 {
		if b.spill != nil {
			b.spill.Write(b.data[:over])
			b.spill.Flush()
		}
		b.data = b.data[over:]
		b.base += int64(over)
	}
	return len(p), nil
}

// Offset returns the current absolute write offset (total bytes written).
func (b *Buffer) Offset() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.written
}

// ReadSince returns all bytes written at or after sinceOffset, the new
// offset to pass on the next call, and the count of bytes that were
// dropped before sinceOffset could be honored (0 if none were lost).
// sinceOffset <= 0 is treated as "from the current head" — i.e. only
// bytes written after this call are ever returned on the *next* call;
// a first call with sinceOffset == 0 from a fresh buffer returns
// everything currently retained. Callers that want to begin at the
// current head instead should capture Offset() at subscribe time and
// pass that as sinceOffset.
func (b *Buffer) ReadSince(sinceOffset int64) (data []byte, newOffset int64, droppedBefore int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if sinceOffset < b.base {
		droppedBefore = b.base - sinceOffset
		sinceOffset = b.base
	}
	start := sinceOffset - b.base
	if start < 0 {
		start = 0
	}
	if start > int64(len(b.data)) {
		start = int64(len(b.data))
	}

	out := make([]byte, len(b.data)-int(start))
	copy(out, b.data[start:])
	return out, b.written, droppedBefore
}

// Snapshot returns the entire currently retained contents (used by
// "get current logs" style reads that don't track an offset).
func (b *Buffer) Snapshot() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
