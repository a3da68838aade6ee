// Package wsrelay implements WsSession: one client WebSocket connection,
// its heartbeat, inbound frame routing, and the replay-gate subscription
// protocol that binds it to a PtyInstance. Outbound frames go through a
// buffered per-session send channel.
package wsrelay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/pocketrelay/pocket/internal/frame"
	"github.com/pocketrelay/pocket/internal/pty"
)

const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second
	DefaultOpenTimeout       = 10 * time.Second
	sendBuffer               = 256

	closeHeartbeatTimeout = websocket.StatusCode(4000)
	closeOpenTimeout      = websocket.StatusCode(4001)
)

// InstanceBinder is the subset of PtyRegistry a session needs: looking up or
// lazily creating an instance by id.
type InstanceBinder interface {
	Get(id, workingDir string) (*pty.Instance, error)
}

// Config bundles a session's tunable timeouts.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	OpenTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	return c
}

// Session is one client WebSocket connection.
type Session struct {
	clientID string
	conn     *websocket.Conn
	registry InstanceBinder
	cfg      Config
	log      *slog.Logger

	sendCh    chan frame.Outbound
	closed    chan struct{}
	closeOnce sync.Once

	boundInstance   *pty.Instance
	listenerToken   int
	skipUntilReplay atomic.Bool
	awaitingPong    atomic.Bool
	onClose         func()
}

// New wraps conn in a Session bound to no instance yet; call Run to drive it.
func New(conn *websocket.Conn, registry InstanceBinder, cfg Config, log *slog.Logger, onClose func()) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		clientID: uuid.NewString(),
		conn:     conn,
		registry: registry,
		cfg:      cfg.withDefaults(),
		log:      log,
		sendCh:   make(chan frame.Outbound, sendBuffer),
		closed:   make(chan struct{}),
		onClose:  onClose,
	}
}

// ClientID returns the session's unique client identifier.
func (s *Session) ClientID() string { return s.clientID }

// Run drives the session until the connection closes: it starts the write
// pump and heartbeat, binds to the default instance, and reads inbound
// frames until error or close.
func (s *Session) Run(ctx context.Context, defaultInstanceID, defaultWorkingDir string) {
	defer s.teardown()

	go s.writePump(ctx)
	go s.heartbeatLoop(ctx)

	s.enqueue(frame.Status(true, s.clientID))

	if err := s.bindInstance(defaultInstanceID, defaultWorkingDir, false); err != nil {
		s.log.Warn("initial bind failed", "clientId", s.clientID, "err", err)
	}

	openCtx, cancelOpen := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	firstFrame := true

	for {
		readCtx := ctx
		if firstFrame {
			readCtx = openCtx
		}
		_, data, err := s.conn.Read(readCtx)
		if firstFrame {
			cancelOpen()
			firstFrame = false
			if openCtx.Err() != nil && ctx.Err() == nil {
				s.conn.Close(closeOpenTimeout, "open timeout")
				return
			}
		}
		if err != nil {
			return
		}

		var in frame.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			s.log.Warn("malformed inbound frame", "clientId", s.clientID, "err", err)
			continue
		}
		s.handleInbound(ctx, in)
	}
}

func (s *Session) handleInbound(ctx context.Context, in frame.Inbound) {
	switch in.Type {
	case frame.TypeInput:
		if s.boundInstance != nil {
			if err := s.boundInstance.Write([]byte(in.Data)); err != nil {
				s.log.Warn("write failed", "clientId", s.clientID, "err", err)
			}
		}
	case frame.TypeResize:
		if s.boundInstance != nil {
			_ = s.boundInstance.Resize(uint16(in.Cols), uint16(in.Rows))
		}
	case frame.TypeInterrupt:
		if s.boundInstance != nil {
			_ = s.boundInstance.Interrupt()
		}
	case frame.TypeRestart:
		s.handleRestart()
	case frame.TypeReplayReq:
		if s.boundInstance != nil {
			s.enqueue(frame.Replay(s.boundInstance.GetBufferedOutput()))
		}
	case frame.TypeSubmit:
		s.handleSubmit(in.Data)
	case frame.TypeSetInstance:
		id := in.InstanceID
		if id == "" {
			id = "default"
		}
		if err := s.bindInstance(id, in.WorkingDir, in.AutoStart); err != nil {
			s.log.Warn("set-instance failed", "clientId", s.clientID, "instance", id, "err", err)
		}
	case frame.TypePing:
		s.enqueue(frame.Pong())
	case frame.TypePong:
		s.awaitingPong.Store(false)
	default:
		s.log.Info("unknown inbound frame type", "clientId", s.clientID, "type", in.Type)
	}
}

func (s *Session) handleRestart() {
	if s.boundInstance == nil {
		return
	}
	inst := s.boundInstance
	_ = inst.Stop()
	_ = inst.ClearBuffer()

	cur, pending := inst.CurrentAndPendingWorkingDir()
	dir := cur
	if pending != "" {
		dir = pending
	}
	if err := inst.Start(dir); err != nil {
		s.log.Warn("restart failed", "clientId", s.clientID, "err", err)
	}
}

func (s *Session) handleSubmit(data string) {
	if s.boundInstance == nil {
		return
	}
	inst := s.boundInstance
	if err := inst.Write([]byte(data)); err != nil {
		s.log.Warn("submit write failed", "clientId", s.clientID, "err", err)
		return
	}
	time.AfterFunc(50*time.Millisecond, func() {
		_ = inst.Write([]byte("\r"))
	})
}

// bindInstance implements the replay protocol exactly as specified:
// subscribe first (gated), snapshot + replay frame, lower the gate, then
// pty-status.
func (s *Session) bindInstance(id, workingDir string, autoStart bool) error {
	inst, err := s.registry.Get(id, workingDir)
	if err != nil {
		return err
	}

	if s.boundInstance != nil {
		s.boundInstance.RemoveListener(s.listenerToken)
	}

	s.skipUntilReplay.Store(true)
	s.boundInstance = inst
	s.listenerToken = inst.AddListener(func(f frame.Outbound) {
		if f.Type == frame.TypeOutput && s.skipUntilReplay.Load() {
			return
		}
		s.enqueue(f)
	})

	snapshot := inst.GetBufferedOutput()
	if snapshot != "" {
		s.enqueue(frame.Replay(snapshot))
	}
	s.skipUntilReplay.Store(false)

	st := inst.GetStatus()
	var procStart *int64
	if st.ProcessingStartTime != nil {
		ms := st.ProcessingStartTime.UnixMilli()
		procStart = &ms
	}
	s.enqueue(frame.PtyStatus(st.InstanceID, st.Running, st.PID, st.BufferSize, st.BufferLines, st.WorkingDir, st.GitBranch, procStart))

	if autoStart && !st.Running {
		if err := inst.Start(workingDir); err != nil {
			s.log.Warn("auto-start failed", "clientId", s.clientID, "err", err)
		}
	}
	return nil
}

// enqueue queues f for delivery; a full buffer indicates a wedged client, so
// the session is torn down rather than silently dropping a frame that would
// break the replay-plus-output-is-a-prefix invariant.
func (s *Session) enqueue(f frame.Outbound) {
	select {
	case s.sendCh <- f:
	case <-s.closed:
	default:
		s.log.Warn("session send buffer full, closing", "clientId", s.clientID)
		s.signalClose()
	}
}

func (s *Session) writePump(ctx context.Context) {
	for {
		select {
		case f := <-s.sendCh:
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				s.signalClose()
				return
			}
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.awaitingPong.Load() {
				s.conn.Close(closeHeartbeatTimeout, "heartbeat timeout")
				s.signalClose()
				return
			}
			s.awaitingPong.Store(true)
			s.enqueue(frame.Outbound{Type: frame.TypePing})
			time.AfterFunc(s.cfg.HeartbeatTimeout, func() {
				if s.awaitingPong.Load() {
					s.conn.Close(closeHeartbeatTimeout, "heartbeat timeout")
					s.signalClose()
				}
			})
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) signalClose() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Session) teardown() {
	s.signalClose()
	if s.boundInstance != nil {
		s.boundInstance.RemoveListener(s.listenerToken)
	}
	if s.onClose != nil {
		s.onClose()
	}
}
