// Package persist implements debounced disk spill/restore of a RingBuffer,
// tolerant of missing or corrupt files on load: a missing file is not an
// error, only the absence of prior state.
package persist

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pocketrelay/pocket/internal/ringbuffer"
)

const DefaultSaveDebounce = 500 * time.Millisecond

// persistedBuffer is the on-disk JSON shape, one file per instance.
type persistedBuffer struct {
	Timestamp int64    `json:"timestamp"`
	PID       *int     `json:"pid"`
	Buffer    []string `json:"buffer"`
}

// Persistor debounces writes of a RingBuffer snapshot to a JSON file keyed by
// instance ID, and loads it back tolerantly on restart.
type Persistor struct {
	mu       sync.Mutex
	path     string
	debounce time.Duration
	timer    *time.Timer
	ring     *ringbuffer.RingBuffer
	pid      func() *int
	log      *slog.Logger
}

// New returns a Persistor that spills ring to
// <workingDir>/.claude-pocket/output-buffer-<instanceID>.json. pid is called
// at save time to record the instance's current PID (nil if not running).
func New(workingDir, instanceID string, ring *ringbuffer.RingBuffer, pid func() *int, debounce time.Duration, log *slog.Logger) *Persistor {
	if debounce <= 0 {
		debounce = DefaultSaveDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	path := filepath.Join(workingDir, ".claude-pocket", "output-buffer-"+instanceID+".json")
	return &Persistor{path: path, debounce: debounce, ring: ring, pid: pid, log: log}
}

// Path returns the backing file path, for diagnostics.
func (p *Persistor) Path() string { return p.path }

// Schedule arms a one-shot debounce timer if one is not already armed; a
// Schedule call while a timer is already pending is a no-op, per the
// at-most-once-per-debounce-window guarantee.
func (p *Persistor) Schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(p.debounce, p.fire)
}

// Cancel stops any pending debounce timer without writing.
func (p *Persistor) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Persistor) fire() {
	p.mu.Lock()
	p.timer = nil
	p.mu.Unlock()

	if err := p.save(); err != nil {
		p.log.Warn("buffer persist failed", "path", p.path, "err", err)
	}
}

// Save writes the current snapshot immediately, bypassing the debounce timer.
// Used on instance stop/shutdown where a flush must happen synchronously.
func (p *Persistor) Save() error {
	p.Cancel()
	return p.save()
}

func (p *Persistor) save() error {
	rec := persistedBuffer{
		Timestamp: time.Now().UnixMilli(),
		PID:       p.pid(),
		Buffer:    p.ring.Chunks(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	// A write-to-temp-then-rename swap would make this atomic; a direct
	// write is used instead, matching the buffer file's best-effort nature.
	return os.WriteFile(p.path, data, 0o644)
}

// LoadIfPresent reads the backing file and restores ring's contents. A
// missing file is not an error: ring is simply left as-is. A corrupt or
// malformed file is logged and also leaves ring untouched — never fatal.
func (p *Persistor) LoadIfPresent() {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warn("buffer read failed", "path", p.path, "err", err)
		}
		return
	}

	var rec persistedBuffer
	if err := json.Unmarshal(data, &rec); err != nil {
		p.log.Warn("buffer parse failed, starting empty", "path", p.path, "err", err)
		return
	}
	if rec.Buffer == nil {
		p.log.Warn("buffer file missing buffer field, starting empty", "path", p.path)
		return
	}
	p.ring.Restore(rec.Buffer)
}

// Delete removes the backing file if present.
func (p *Persistor) Delete() error {
	p.Cancel()
	err := os.Remove(p.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
