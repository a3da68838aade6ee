package prompt

import (
	"sync"
	"time"
)

// Config bundles the Tracker's tunable thresholds.
type Config struct {
	IdleThreshold       time.Duration
	BufferLookback      int
	ConfidenceThreshold int
	ExpiryMs            time.Duration
	MinSubstantiveChars int
	LongTaskThreshold   time.Duration
}

// WithDefaults fills any zero-valued fields with package defaults.
func (c Config) WithDefaults() Config {
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.BufferLookback <= 0 {
		c.BufferLookback = DefaultBufferLookback
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.ExpiryMs <= 0 {
		c.ExpiryMs = DefaultExpiryMs
	}
	if c.MinSubstantiveChars <= 0 {
		c.MinSubstantiveChars = DefaultMinSubstantiveChars
	}
	if c.LongTaskThreshold <= 0 {
		c.LongTaskThreshold = DefaultLongTaskThreshold
	}
	return c
}

// Tracker drives the idle-detection and long-task timers for one
// PtyInstance. It is safe for concurrent use: timers fire on their own
// goroutines and are serialized against method calls by an internal mutex,
// matching the per-instance-serialization model the owning PtyInstance actor
// otherwise provides for the RingBuffer and OutputBatcher.
type Tracker struct {
	cfg Config

	snapshot func() string

	onDetected func(Detection)
	onExpired  func()
	onTask     func(elapsed time.Duration)

	mu                 sync.Mutex
	idleTimer          *time.Timer
	expiryTimer        *time.Timer
	last               *Detection
	processingStart    time.Time
	hasProcessingStart bool
}

// NewTracker builds a Tracker. snapshot returns the owning instance's current
// RingBuffer contents (called from the idle timer's goroutine). onDetected
// fires with a new, distinct detection; onExpired fires when an active
// detection's expiry timer lapses or user input clears it; onTask fires when
// a long-running task completes.
func NewTracker(cfg Config, snapshot func() string, onDetected func(Detection), onExpired func(), onTask func(elapsed time.Duration)) *Tracker {
	return &Tracker{
		cfg:        cfg.WithDefaults(),
		snapshot:   snapshot,
		onDetected: onDetected,
		onExpired:  onExpired,
		onTask:     onTask,
	}
}

// OnOutput is called with every PTY output chunk. Cosmetic chunks (smaller
// than MinSubstantiveChars once ANSI-stripped) while a detection is active
// are ignored so spinners/cursor-blink bytes don't eagerly clear an active
// prompt; anything else marks the instance non-idle and (re)arms the idle
// timer.
func (t *Tracker) OnOutput(chunk string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last != nil && len(StripANSI(chunk)) < t.cfg.MinSubstantiveChars {
		return
	}

	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.cfg.IdleThreshold, t.onIdle)
}

// OnInput is called whenever the user writes to the PTY: it starts the
// long-task clock and immediately clears any active detection.
func (t *Tracker) OnInput() {
	t.mu.Lock()
	t.processingStart = time.Now()
	t.hasProcessingStart = true
	hadActive := t.last != nil
	t.last = nil
	if t.expiryTimer != nil {
		t.expiryTimer.Stop()
		t.expiryTimer = nil
	}
	t.mu.Unlock()

	if hadActive && t.onExpired != nil {
		t.onExpired()
	}
}

func (t *Tracker) onIdle() {
	t.checkLongTask()
	t.runDetection()
}

func (t *Tracker) checkLongTask() {
	t.mu.Lock()
	if !t.hasProcessingStart {
		t.mu.Unlock()
		return
	}
	elapsed := time.Since(t.processingStart)
	t.hasProcessingStart = false
	t.mu.Unlock()

	if elapsed >= t.cfg.LongTaskThreshold && t.onTask != nil {
		t.onTask(elapsed)
	}
}

func (t *Tracker) runDetection() {
	tail := t.snapshot()
	det, ok := Detect(tail, t.cfg.BufferLookback, t.cfg.ConfidenceThreshold)

	t.mu.Lock()
	if !ok {
		t.mu.Unlock()
		return
	}
	if t.last != nil && t.last.Equal(det) {
		t.mu.Unlock()
		return
	}
	t.last = &det
	if t.expiryTimer != nil {
		t.expiryTimer.Stop()
	}
	t.expiryTimer = time.AfterFunc(t.cfg.ExpiryMs, t.onExpiry)
	t.mu.Unlock()

	if t.onDetected != nil {
		t.onDetected(det)
	}
}

func (t *Tracker) onExpiry() {
	t.mu.Lock()
	t.last = nil
	t.expiryTimer = nil
	t.mu.Unlock()

	if t.onExpired != nil {
		t.onExpired()
	}
}

// Stop cancels all pending timers; called when the owning instance stops.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	if t.expiryTimer != nil {
		t.expiryTimer.Stop()
		t.expiryTimer = nil
	}
	t.last = nil
	t.hasProcessingStart = false
}
