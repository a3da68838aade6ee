// Package ringbuffer implements the bounded scrollback log owned by a single
// PTY instance: an ordered sequence of byte chunks trimmed from the head once
// either the byte or line bound is exceeded.
package ringbuffer

import "strings"

// Defaults match the production constants the relay was tuned against.
const (
	DefaultMaxBytes = 5 * 1024 * 1024
	DefaultMaxLines = 4500
)

// RingBuffer holds an ordered list of chunks. It is not safe for concurrent
// use; callers must serialize access (see the owning PtyInstance's actor
// loop).
type RingBuffer struct {
	maxBytes int
	maxLines int

	chunks    []string
	size      int
	lineCount int
}

// New creates a RingBuffer bounded by maxBytes total size and maxLines total
// newline count. A non-positive bound falls back to the package default.
func New(maxBytes, maxLines int) *RingBuffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &RingBuffer{maxBytes: maxBytes, maxLines: maxLines}
}

// Append adds chunk to the buffer and evicts from the head until both bounds
// hold, while always keeping at least one chunk.
func (r *RingBuffer) Append(chunk string) {
	if chunk == "" {
		return
	}
	r.chunks = append(r.chunks, chunk)
	r.size += len(chunk)
	r.lineCount += strings.Count(chunk, "\n")

	for len(r.chunks) > 1 && (r.size > r.maxBytes || r.lineCount > r.maxLines) {
		head := r.chunks[0]
		r.chunks = r.chunks[1:]
		r.size -= len(head)
		r.lineCount -= strings.Count(head, "\n")
	}
}

// Snapshot returns the concatenation of all retained chunks in insertion
// order.
func (r *RingBuffer) Snapshot() string {
	if len(r.chunks) == 0 {
		return ""
	}
	if len(r.chunks) == 1 {
		return r.chunks[0]
	}
	var b strings.Builder
	b.Grow(r.size)
	for _, c := range r.chunks {
		b.WriteString(c)
	}
	return b.String()
}

// Chunks returns a copy of the retained chunk slice, suitable for
// serialization by BufferPersistor.
func (r *RingBuffer) Chunks() []string {
	out := make([]string, len(r.chunks))
	copy(out, r.chunks)
	return out
}

// Clear empties the buffer entirely (only ever called explicitly; Append
// never empties it on its own).
func (r *RingBuffer) Clear() {
	r.chunks = nil
	r.size = 0
	r.lineCount = 0
}

// Restore replaces the buffer contents with chunks, recomputing bounds
// bookkeeping. Used by persist.Persistor.LoadIfPresent.
func (r *RingBuffer) Restore(chunks []string) {
	r.Clear()
	for _, c := range chunks {
		r.chunks = append(r.chunks, c)
		r.size += len(c)
		r.lineCount += strings.Count(c, "\n")
	}
}

// Size returns the total byte size of retained chunks.
func (r *RingBuffer) Size() int { return r.size }

// LineCount returns the total newline count across retained chunks.
func (r *RingBuffer) LineCount() int { return r.lineCount }

// Empty reports whether the buffer currently holds no chunks.
func (r *RingBuffer) Empty() bool { return len(r.chunks) == 0 }
