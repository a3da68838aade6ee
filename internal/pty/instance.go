// Package pty implements PtyInstance: a single actor-style goroutine owning
// one spawned PTY child process, its scrollback RingBuffer, OutputBatcher,
// and PromptDetector tracker, plus the crash-supervision state machine that
// restarts it within a bounded budget.
package pty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	ptylib "github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/pocketrelay/pocket/internal/batch"
	"github.com/pocketrelay/pocket/internal/frame"
	"github.com/pocketrelay/pocket/internal/persist"
	"github.com/pocketrelay/pocket/internal/prompt"
	"github.com/pocketrelay/pocket/internal/ringbuffer"
)

// Sentinel errors callers branch on.
var (
	ErrAlreadyRunning = errors.New("pty: instance already running")
	ErrNotRunning     = errors.New("pty: instance not running")
)

const (
	DefaultRestartWindow      = 30 * time.Second
	DefaultMaxRestartAttempts = 3
	DefaultAutoRestartDelay   = 1 * time.Second
	DefaultGitProbeTimeout    = 1 * time.Second
	DefaultCols               = 80
	DefaultRows               = 24
	crashDiagnosticLines      = 10
	crashDiagnosticLineCap    = 200
)

// Config bundles every tunable the instance and its sub-components need.
type Config struct {
	Command string
	Args    []string
	Cols    uint16
	Rows    uint16

	MaxBytes     int
	MaxLines     int
	SaveDebounce time.Duration
	BatchDelay   time.Duration
	Prompt       prompt.Config

	RestartWindow      time.Duration
	MaxRestartAttempts int
	AutoRestartDelay   time.Duration
	GitProbeTimeout    time.Duration
}

// WithDefaults fills zero-valued fields with package defaults.
func (c Config) WithDefaults() Config {
	if c.Command == "" {
		c.Command = "claude"
	}
	if c.Cols == 0 {
		c.Cols = DefaultCols
	}
	if c.Rows == 0 {
		c.Rows = DefaultRows
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = DefaultRestartWindow
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if c.AutoRestartDelay <= 0 {
		c.AutoRestartDelay = DefaultAutoRestartDelay
	}
	if c.GitProbeTimeout <= 0 {
		c.GitProbeTimeout = DefaultGitProbeTimeout
	}
	return c
}

// Status is the read-only snapshot returned by Instance.Status.
type Status struct {
	InstanceID          string
	Running             bool
	PID                 *int
	BufferSize          int
	BufferLines         int
	WorkingDir          string
	GitBranch           *string
	ProcessingStartTime *time.Time
}

// Instance is one PTY actor. All exported methods are safe to call from any
// goroutine: they marshal onto the instance's own goroutine, which is the
// only place RingBuffer, OutputBatcher, and PromptDetector state are
// mutated, satisfying the per-instance-serialization requirement.
type Instance struct {
	id  string
	cfg Config
	log *slog.Logger

	mailbox chan func()
	closed  chan struct{}
	once    sync.Once

	// actor-owned state; touched only inside closures run on the mailbox.
	workingDir         string
	pendingWorkingDir  string
	cmd                *exec.Cmd
	ptmx               *os.File
	pid                *int
	isRunning          bool
	processStartTime   time.Time
	restartAttempts    int
	lastRestartTime    time.Time
	intentionalStop    bool
	lastOutputLines    []string
	lastUserInputTime  time.Time
	processingStart    *time.Time
	generation         uint64
	restartTimer       *time.Timer

	ring      *ringbuffer.RingBuffer
	persistor *persist.Persistor
	batcher   *batch.Batcher
	tracker   *prompt.Tracker

	listenersMu sync.RWMutex
	listeners   map[int]func(frame.Outbound)
	nextListen  int
}

// New constructs an Instance and starts its actor goroutine. The instance is
// idle (not running a child) until Start is called.
func New(id, workingDir string, cfg Config, log *slog.Logger) *Instance {
	cfg = cfg.WithDefaults()
	if log == nil {
		log = slog.Default()
	}
	inst := &Instance{
		id:         id,
		cfg:        cfg,
		log:        log,
		mailbox:    make(chan func(), 64),
		closed:     make(chan struct{}),
		workingDir: workingDir,
		listeners:  make(map[int]func(frame.Outbound)),
	}
	inst.ring = ringbuffer.New(cfg.MaxBytes, cfg.MaxLines)
	inst.batcher = batch.New(cfg.BatchDelay, func(data string) {
		inst.broadcast(frame.Output(data))
	})
	inst.tracker = prompt.NewTracker(cfg.Prompt, inst.snapshotForDetector,
		func(d prompt.Detection) {
			inst.broadcast(frame.OptionsDetected(d.Options, d.Confidence, string(d.Context), d.TriggerPhrase))
		},
		func() {
			inst.broadcast(frame.OptionsDetected(nil, 0, "", ""))
		},
		func(elapsed time.Duration) {
			inst.broadcast(frame.TaskComplete(elapsed.Milliseconds()))
		},
	)
	inst.persistor = persist.New(workingDir, id, inst.ring, func() *int { return inst.pid }, cfg.SaveDebounce, log)
	go inst.loop()
	return inst
}

func (inst *Instance) loop() {
	for fn := range inst.mailbox {
		fn()
	}
	close(inst.closed)
}

// enqueue submits fn to run on the actor goroutine without waiting for it to
// finish.
func (inst *Instance) enqueue(fn func()) {
	select {
	case inst.mailbox <- fn:
	case <-inst.closed:
	}
}

// call submits fn and blocks until it has run, for operations that need a
// return value (GetStatus, GetBufferedOutput).
func (inst *Instance) call(fn func()) {
	done := make(chan struct{})
	inst.enqueue(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-inst.closed:
	}
}

func (inst *Instance) snapshotForDetector() string {
	var s string
	inst.call(func() { s = inst.ring.Snapshot() })
	return s
}

// ID returns the instance's stable identifier.
func (inst *Instance) ID() string { return inst.id }

// AddListener registers cb to receive every outbound frame this instance
// produces and returns a token for RemoveListener.
func (inst *Instance) AddListener(cb func(frame.Outbound)) int {
	inst.listenersMu.Lock()
	defer inst.listenersMu.Unlock()
	id := inst.nextListen
	inst.nextListen++
	inst.listeners[id] = cb
	return id
}

// RemoveListener unregisters a previously added listener.
func (inst *Instance) RemoveListener(token int) {
	inst.listenersMu.Lock()
	defer inst.listenersMu.Unlock()
	delete(inst.listeners, token)
}

// ListenerCount reports how many listeners are currently subscribed, used by
// the registry to decide whether an instance is evictable.
func (inst *Instance) ListenerCount() int {
	inst.listenersMu.RLock()
	defer inst.listenersMu.RUnlock()
	return len(inst.listeners)
}

func (inst *Instance) broadcast(f frame.Outbound) {
	inst.listenersMu.RLock()
	defer inst.listenersMu.RUnlock()
	for _, cb := range inst.listeners {
		cb(f)
	}
}

// Start spawns the configured child command under a PTY. It fails if the
// instance is already running. A set pendingWorkingDir overrides the
// argument, per the registry's "changes land in pendingWorkingDir" rule.
func (inst *Instance) Start(workingDir string) error {
	var startErr error
	inst.call(func() {
		startErr = inst.start(workingDir)
	})
	return startErr
}

func (inst *Instance) start(workingDir string) error {
	if inst.isRunning {
		return ErrAlreadyRunning
	}
	if inst.pendingWorkingDir != "" {
		workingDir = inst.pendingWorkingDir
		inst.pendingWorkingDir = ""
	}
	inst.workingDir = workingDir
	inst.intentionalStop = false

	args := inst.cfg.Args
	cmd := exec.Command(inst.cfg.Command, args...)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"PWD="+workingDir,
	)

	ptmx, err := ptylib.StartWithSize(cmd, &ptylib.Winsize{Cols: inst.cfg.Cols, Rows: inst.cfg.Rows})
	if err != nil {
		return fmt.Errorf("pty: spawn %s: %w", inst.cfg.Command, err)
	}

	inst.generation++
	gen := inst.generation
	inst.cmd = cmd
	inst.ptmx = ptmx
	pid := cmd.Process.Pid
	inst.pid = &pid
	inst.isRunning = true
	inst.processStartTime = time.Now()

	inst.persistor.LoadIfPresent()

	go inst.readLoop(ptmx, gen)
	go inst.waitLoop(cmd, gen)

	inst.broadcastStatusLocked()
	return nil
}

// readLoop copies PTY bytes into the instance's pipeline. It runs on its own
// goroutine (blocking file reads cannot live on the actor loop) and
// re-enters the actor via enqueue for every chunk.
func (inst *Instance) readLoop(ptmx *os.File, gen uint64) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			inst.enqueue(func() {
				if inst.generation != gen {
					return
				}
				inst.ring.Append(chunk)
				inst.persistor.Schedule()
				inst.recordDiagnosticLines(chunk)
				inst.batcher.Queue(chunk)
				inst.tracker.OnOutput(chunk)
			})
		}
		if err != nil {
			return
		}
	}
}

// waitLoop blocks on the child's exit and hands classification back to the
// actor loop. It runs on its own goroutine since cmd.Wait blocks
// indefinitely.
func (inst *Instance) waitLoop(cmd *exec.Cmd, gen uint64) {
	err := cmd.Wait()
	inst.enqueue(func() {
		inst.handleExit(err, gen)
	})
}

// handleExit classifies a child exit and either logs it quietly or broadcasts
// pty-crash and schedules a restart. The generation guard ensures a stale
// exit notification for a since-replaced process never clobbers fresh state
// (the race called out in the crash-supervision state machine).
func (inst *Instance) handleExit(waitErr error, gen uint64) {
	if inst.generation != gen {
		return
	}

	uptime := time.Since(inst.processStartTime)
	exitCode := 0
	signalName := ""
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
			signalName = signalNameOf(exitErr)
		} else {
			exitCode = -1
		}
	}

	inst.isRunning = false
	inst.pid = nil
	inst.batcher.Flush()
	if err := inst.persistor.Save(); err != nil {
		inst.log.Warn("buffer save on exit failed", "instance", inst.id, "err", err)
	}

	switch {
	case inst.intentionalStop:
		inst.log.Info("pty stopped intentionally", "instance", inst.id)
		inst.broadcastStatusLocked()
		return
	case exitCode == 0:
		inst.log.Info("pty exited normally", "instance", inst.id)
		inst.broadcastStatusLocked()
		return
	default:
		inst.log.Error("pty crashed", "instance", inst.id, "exitCode", exitCode, "signal", signalName, "lastOutput", inst.lastOutputLines)
		inst.broadcast(frame.PtyCrash(exitCode, signalName, uptime.Milliseconds(), append([]string(nil), inst.lastOutputLines...)))
		inst.broadcastStatusLocked()
		inst.scheduleRestart()
	}
}

// scheduleRestart implements the crash-supervision budget: up to
// MaxRestartAttempts within RestartWindow, after which the instance gives up
// until an explicit manual restart.
func (inst *Instance) scheduleRestart() {
	now := time.Now()
	if !inst.lastRestartTime.IsZero() && now.Sub(inst.lastRestartTime) > inst.cfg.RestartWindow {
		inst.restartAttempts = 0
	}

	if inst.restartAttempts >= inst.cfg.MaxRestartAttempts {
		inst.broadcast(frame.PtyError("Claude Code crashed repeatedly. Use restart button to try again."))
		return
	}

	inst.restartAttempts++
	inst.lastRestartTime = now
	attempt := inst.restartAttempts
	inst.broadcast(frame.PtyRestarting(attempt))

	gen := inst.generation
	inst.restartTimer = time.AfterFunc(inst.cfg.AutoRestartDelay, func() {
		inst.enqueue(func() {
			if inst.generation != gen || inst.isRunning {
				return
			}
			if err := inst.start(inst.workingDir); err != nil {
				inst.log.Error("auto-restart failed", "instance", inst.id, "err", err)
			}
		})
	})
}

// Stop terminates the child (if running), suppressing auto-restart, flushes
// the batcher, and persists the final buffer. Idempotent.
func (inst *Instance) Stop() error {
	var stopErr error
	inst.call(func() {
		stopErr = inst.stop()
	})
	return stopErr
}

func (inst *Instance) stop() error {
	inst.intentionalStop = true
	if inst.restartTimer != nil {
		inst.restartTimer.Stop()
		inst.restartTimer = nil
	}
	inst.tracker.Stop()
	inst.batcher.Flush()
	if err := inst.persistor.Save(); err != nil {
		inst.log.Warn("buffer save on stop failed", "instance", inst.id, "err", err)
	}

	if !inst.isRunning {
		return nil
	}
	if inst.cmd != nil && inst.cmd.Process != nil {
		_ = inst.cmd.Process.Signal(unix.SIGTERM)
	}
	if inst.ptmx != nil {
		_ = inst.ptmx.Close()
	}
	inst.isRunning = false
	inst.pid = nil
	inst.broadcastStatusLocked()
	return nil
}

// Write forwards bytes to the PTY, marks the instance as having received
// user input (arming the long-task clock and clearing active detection), and
// returns ErrNotRunning if there is no live child.
func (inst *Instance) Write(data []byte) error {
	var err error
	inst.call(func() {
		if !inst.isRunning || inst.ptmx == nil {
			err = ErrNotRunning
			return
		}
		inst.lastUserInputTime = time.Now()
		now := time.Now()
		inst.processingStart = &now
		inst.tracker.OnInput()
		_, werr := inst.ptmx.Write(data)
		err = werr
	})
	return err
}

// Resize forwards a resize ioctl to the PTY.
func (inst *Instance) Resize(cols, rows uint16) error {
	var err error
	inst.call(func() {
		if !inst.isRunning || inst.ptmx == nil {
			err = ErrNotRunning
			return
		}
		inst.cfg.Cols = cols
		inst.cfg.Rows = rows
		err = ptylib.Setsize(inst.ptmx, &ptylib.Winsize{Cols: cols, Rows: rows})
	})
	return err
}

// Interrupt writes Ctrl-C to the PTY.
func (inst *Instance) Interrupt() error {
	return inst.Write([]byte{0x03})
}

// SetPendingWorkingDir records a working directory to apply on the next
// Start, without disturbing a currently-running process.
func (inst *Instance) SetPendingWorkingDir(dir string) {
	inst.call(func() {
		inst.pendingWorkingDir = dir
	})
}

// CurrentAndPendingWorkingDir returns (currentWorkingDir, pendingWorkingDir).
func (inst *Instance) CurrentAndPendingWorkingDir() (string, string) {
	var cur, pending string
	inst.call(func() {
		cur, pending = inst.workingDir, inst.pendingWorkingDir
	})
	return cur, pending
}

// GetBufferedOutput returns the current RingBuffer snapshot.
func (inst *Instance) GetBufferedOutput() string {
	var s string
	inst.call(func() { s = inst.ring.Snapshot() })
	return s
}

// ClearBuffer empties the RingBuffer and deletes the persisted file.
func (inst *Instance) ClearBuffer() error {
	var err error
	inst.call(func() {
		inst.ring.Clear()
		err = inst.persistor.Delete()
	})
	return err
}

// IsRunning reports whether the instance currently has a live child, without
// the git-branch probe GetStatus performs. Cheap enough to call while
// holding a registry-wide lock (eviction/idle-sweep candidacy checks).
func (inst *Instance) IsRunning() bool {
	var running bool
	inst.call(func() { running = inst.isRunning })
	return running
}

// GetStatus returns a point-in-time snapshot of the instance's public state,
// including a best-effort git branch probe.
func (inst *Instance) GetStatus() Status {
	var st Status
	var workingDir string
	inst.call(func() {
		st = Status{
			InstanceID:          inst.id,
			Running:             inst.isRunning,
			PID:                 inst.pid,
			BufferSize:          inst.ring.Size(),
			BufferLines:         inst.ring.LineCount(),
			WorkingDir:          inst.workingDir,
			ProcessingStartTime: inst.processingStart,
		}
		workingDir = inst.workingDir
	})
	st.GitBranch = probeGitBranch(workingDir, inst.cfg.GitProbeTimeout)
	return st
}

func (inst *Instance) broadcastStatusLocked() {
	var pid *int
	var procStart *int64
	if inst.processingStart != nil {
		ms := inst.processingStart.UnixMilli()
		procStart = &ms
	}
	pid = inst.pid
	inst.broadcast(frame.PtyStatus(inst.id, inst.isRunning, pid, inst.ring.Size(), inst.ring.LineCount(), inst.workingDir, nil, procStart))
}

// recordDiagnosticLines maintains a ring of the last crashDiagnosticLines
// output lines, ANSI-stripped, for pty-crash's lastOutput field. The cap is
// applied post-split: each chunk is split into lines first, then each
// resulting line is truncated to crashDiagnosticLineCap characters.
func (inst *Instance) recordDiagnosticLines(chunk string) {
	stripped := prompt.StripANSI(chunk)
	for _, line := range strings.Split(stripped, "\n") {
		if line == "" {
			continue
		}
		if len(line) > crashDiagnosticLineCap {
			line = line[:crashDiagnosticLineCap]
		}
		inst.lastOutputLines = append(inst.lastOutputLines, line)
		if len(inst.lastOutputLines) > crashDiagnosticLines {
			inst.lastOutputLines = inst.lastOutputLines[len(inst.lastOutputLines)-crashDiagnosticLines:]
		}
	}
}

// Shutdown stops the instance and tears down its actor goroutine. Called by
// the registry during server shutdown.
func (inst *Instance) Shutdown() {
	_ = inst.Stop()
	inst.once.Do(func() { close(inst.mailbox) })
}

func signalNameOf(exitErr *exec.ExitError) string {
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return ws.Signal().String()
}

func probeGitBranch(workingDir string, timeout time.Duration) *string {
	if workingDir == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "branch", "--show-current")
	cmd.Dir = workingDir
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	branch := strings.TrimSpace(string(out))
	if branch == "" {
		return nil
	}
	return &branch
}
