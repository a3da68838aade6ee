// Package registry implements PtyRegistry: a keyed set of PtyInstance values
// with idle eviction and a hard cap on concurrent instances: a
// mutex-protected map plus a periodic sweep.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pocketrelay/pocket/internal/pty"
)

const (
	DefaultMaxInstances = 10
	DefaultIdleTimeout  = 30 * time.Minute
	sweepInterval       = 60 * time.Second
	DefaultInstanceID   = "default"
)

// ErrCapacityExceeded is returned by Get when the registry is full and no
// instance is evictable.
var ErrCapacityExceeded = errors.New("registry: maximum instances reached")

// ErrNotFound is returned when an operation references an unknown instance.
var ErrNotFound = errors.New("registry: instance not found")

// entry pairs an instance with its last-access bookkeeping.
type entry struct {
	inst       *pty.Instance
	lastAccess time.Time
}

// Registry is the PtyRegistry: instanceId -> PtyInstance, plus a secondary
// last-access map and a periodic idle-eviction sweep.
type Registry struct {
	mu           sync.Mutex
	entries      map[string]*entry
	maxInstances int
	idleTimeout  time.Duration
	newInstance  func(id, workingDir string) *pty.Instance
	log          *slog.Logger

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New builds a Registry. newInstance is the factory the registry uses to
// lazily create a PtyInstance for an id it has not seen before (the caller
// owns PtyInstance.Config, e.g. the CLAUDE_COMMAND binding).
func New(maxInstances int, idleTimeout time.Duration, newInstance func(id, workingDir string) *pty.Instance, log *slog.Logger) *Registry {
	if maxInstances <= 0 {
		maxInstances = DefaultMaxInstances
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		entries:      make(map[string]*entry),
		maxInstances: maxInstances,
		idleTimeout:  idleTimeout,
		newInstance:  newInstance,
		log:          log,
		stopSweep:    make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Get returns the instance for id, creating it if absent and capacity
// allows. If workingDir differs from the existing (already resolved)
// instance's current working directory, it is recorded as a pending working
// directory to apply on the instance's next start, rather than mutating a
// live process's directory.
func (r *Registry) Get(id, workingDir string) (*pty.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.lastAccess = time.Now()
		if workingDir != "" {
			if cur, _ := e.inst.CurrentAndPendingWorkingDir(); cur != "" && cur != workingDir {
				e.inst.SetPendingWorkingDir(workingDir)
				r.log.Info("pending working dir recorded", "instance", id, "workingDir", workingDir)
			}
		}
		return e.inst, nil
	}

	if len(r.entries) >= r.maxInstances {
		if !r.evictOldestLocked() {
			return nil, ErrCapacityExceeded
		}
	}

	inst := r.newInstance(id, workingDir)
	r.entries[id] = &entry{inst: inst, lastAccess: time.Now()}
	return inst, nil
}

// Has reports whether id currently exists in the registry.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Remove stops and deletes the instance for id, if present.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	e.inst.Shutdown()
	return nil
}

// ListEntry is one row of Registry.List's result.
type ListEntry struct {
	InstanceID string
	Status     pty.Status
	LastAccess time.Time
	IdleFor    time.Duration
}

// List returns a status snapshot for every registered instance.
func (r *Registry) List() []ListEntry {
	r.mu.Lock()
	snapshot := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		snapshot[id] = e
	}
	r.mu.Unlock()

	now := time.Now()
	out := make([]ListEntry, 0, len(snapshot))
	for id, e := range snapshot {
		out = append(out, ListEntry{
			InstanceID: id,
			Status:     e.inst.GetStatus(),
			LastAccess: e.lastAccess,
			IdleFor:    now.Sub(e.lastAccess),
		})
	}
	return out
}

// GetDefault returns the "default" instance, or nil if it has never been
// created.
func (r *Registry) GetDefault() *pty.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[DefaultInstanceID]; ok {
		return e.inst
	}
	return nil
}

// Count reports the current registry size.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// evictOldestLocked removes the oldest stopped, listener-less instance. The
// caller must hold r.mu. Candidacy checks use ListenerCount/IsRunning, not
// GetStatus, since GetStatus's git-branch probe can block for up to
// GitProbeTimeout and must never run while r.mu is held. Returns false if
// nothing was evictable.
func (r *Registry) evictOldestLocked() bool {
	var oldestID string
	var oldestAccess time.Time
	found := false

	for id, e := range r.entries {
		if e.inst.ListenerCount() > 0 {
			continue
		}
		if e.inst.IsRunning() {
			continue
		}
		if !found || e.lastAccess.Before(oldestAccess) {
			oldestID = id
			oldestAccess = e.lastAccess
			found = true
		}
	}
	if !found {
		return false
	}
	r.entries[oldestID].inst.Shutdown()
	delete(r.entries, oldestID)
	return true
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepIdle()
		case <-r.stopSweep:
			return
		}
	}
}

// sweepIdle removes stopped, listener-less, long-untouched instances.
// Candidacy checks use ListenerCount/IsRunning rather than GetStatus, whose
// git-branch probe must never run while r.mu is held (it would block every
// concurrent Get/Has/List/Remove for up to GitProbeTimeout per instance).
func (r *Registry) sweepIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, e := range r.entries {
		if e.inst.ListenerCount() > 0 {
			continue
		}
		if e.inst.IsRunning() {
			continue
		}
		if now.Sub(e.lastAccess) < r.idleTimeout {
			continue
		}
		r.log.Info("idle instance evicted", "instance", id, "idleFor", humanize.Time(e.lastAccess))
		e.inst.Shutdown()
		delete(r.entries, id)
	}
}

// Shutdown stops the idle sweep, saves and stops every instance, and clears
// the registry.
func (r *Registry) Shutdown() {
	r.sweepOnce.Do(func() { close(r.stopSweep) })

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		e.inst.Shutdown()
		delete(r.entries, id)
	}
}
