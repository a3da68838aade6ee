// Package batch coalesces PTY output bytes into ~50ms frames before fan-out,
// so a burst of small PTY reads becomes a handful of WS output frames instead
// of one per read.
package batch

import (
	"strings"
	"sync"
	"time"
)

const DefaultFlushDelay = 50 * time.Millisecond

// Batcher accumulates chunks and invokes Flush on a timer or on demand. It is
// safe for concurrent use from any goroutine, but callers on the same
// PtyInstance actor typically serialize through the instance anyway.
type Batcher struct {
	mu    sync.Mutex
	delay time.Duration
	buf   strings.Builder
	timer *time.Timer
	emit  func(data string)
}

// New returns a Batcher that calls emit with the accumulated bytes whenever
// it flushes, either because delay elapsed or Flush was called explicitly.
func New(delay time.Duration, emit func(data string)) *Batcher {
	if delay <= 0 {
		delay = DefaultFlushDelay
	}
	return &Batcher{delay: delay, emit: emit}
}

// Queue appends chunk to the pending buffer and arms the flush timer if one
// is not already armed.
func (b *Batcher) Queue(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(chunk)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.delay, b.fire)
	}
}

func (b *Batcher) fire() {
	b.mu.Lock()
	b.timer = nil
	if b.buf.Len() == 0 {
		b.mu.Unlock()
		return
	}
	data := b.buf.String()
	b.buf.Reset()
	b.mu.Unlock()

	b.emit(data)
}

// Flush emits any pending bytes immediately and cancels a pending timer. It
// is a no-op if nothing is queued. Called on instance stop and on server
// shutdown so no bytes are lost mid-batch.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.buf.Len() == 0 {
		b.mu.Unlock()
		return
	}
	data := b.buf.String()
	b.buf.Reset()
	b.mu.Unlock()

	b.emit(data)
}
