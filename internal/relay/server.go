// Package relay composes PtyRegistry and WsSession behind an HTTP server: the
// /ws upgrade endpoint and a thin REST surface for instance lifecycle
// control.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/dustin/go-humanize"

	"github.com/pocketrelay/pocket/internal/pty"
	"github.com/pocketrelay/pocket/internal/registry"
	"github.com/pocketrelay/pocket/internal/wsrelay"
)

// Version is the build-reported server version, overridable at link time.
var Version = "dev"

// Config bundles everything the server needs beyond the registry itself.
type Config struct {
	AllowedOrigins []string
	Session        wsrelay.Config
}

// Server is the RelayServer: a registry, a WebSocket upgrade endpoint, and a
// REST surface over the same registry.
type Server struct {
	registry *registry.Registry
	cfg      Config
	log      *slog.Logger
	mux      *http.ServeMux

	sessionsMu sync.Mutex
	sessions   map[string]struct{}
}

// New builds a Server wired to reg. The caller owns reg's lifecycle
// (Shutdown); Server.Shutdown delegates to it.
func New(reg *registry.Registry, cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		registry: reg,
		cfg:      cfg,
		log:      log,
		mux:      http.NewServeMux(),
		sessions: make(map[string]struct{}),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /ws", s.handleWS)

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/instances", s.handleListInstances)
	s.mux.HandleFunc("POST /api/instances", s.handleCreateInstance)
	s.mux.HandleFunc("GET /api/instances/{id}", s.handleGetInstance)
	s.mux.HandleFunc("DELETE /api/instances/{id}", s.handleDeleteInstance)
	s.mux.HandleFunc("DELETE /api/instances", s.handleDeleteAllInstances)

	s.mux.HandleFunc("GET /api/pty/status", s.handlePtyStatus)
	s.mux.HandleFunc("GET /api/pty/buffer", s.handlePtyBuffer)
	s.mux.HandleFunc("POST /api/pty/start", s.handlePtyStart)
	s.mux.HandleFunc("POST /api/pty/stop", s.handlePtyStop)
	s.mux.HandleFunc("POST /api/pty/restart", s.handlePtyRestart)
}

// ServeHTTP satisfies http.Handler, delegating to the internal mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// originOptions builds the websocket.AcceptOptions honoring the configured
// allow-list; "*" (the default) disables origin checking entirely.
func (s *Server) originOptions() *websocket.AcceptOptions {
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.originOptions())
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	sess := wsrelay.New(conn, s.registry, s.cfg.Session, s.log, nil)
	s.trackSession(sess.ClientID())
	defer s.untrackSession(sess.ClientID())

	instanceID := r.URL.Query().Get("instanceId")
	if instanceID == "" {
		instanceID = registry.DefaultInstanceID
	}
	workingDir := r.URL.Query().Get("workingDir")

	sess.Run(r.Context(), instanceID, workingDir)
}

func (s *Server) trackSession(id string) {
	s.sessionsMu.Lock()
	s.sessions[id] = struct{}{}
	s.sessionsMu.Unlock()
}

func (s *Server) untrackSession(id string) {
	s.sessionsMu.Lock()
	delete(s.sessions, id)
	s.sessionsMu.Unlock()
}

func (s *Server) clientCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	def := s.registry.GetDefault()
	resp := map[string]any{
		"status":        "ok",
		"version":       Version,
		"instanceCount": s.registry.Count(),
		"clients":       s.clientCount(),
	}
	if def != nil {
		st := def.GetStatus()
		resp["pty"] = st.Running
		resp["workingDir"] = st.WorkingDir
		resp["bufferSizeHuman"] = humanize.Bytes(uint64(st.BufferSize))
	}
	writeJSON(w, http.StatusOK, resp)
}

type instanceView struct {
	InstanceID  string `json:"instanceId"`
	Running     bool   `json:"running"`
	PID         *int   `json:"pid"`
	BufferSize  int    `json:"bufferSize"`
	BufferLines int    `json:"bufferLines"`
	WorkingDir  string `json:"workingDir"`
	IdleForMs   int64  `json:"idleForMs"`
}

func viewFromEntry(e registry.ListEntry) instanceView {
	return instanceView{
		InstanceID:  e.InstanceID,
		Running:     e.Status.Running,
		PID:         e.Status.PID,
		BufferSize:  e.Status.BufferSize,
		BufferLines: e.Status.BufferLines,
		WorkingDir:  e.Status.WorkingDir,
		IdleForMs:   e.IdleFor.Milliseconds(),
	}
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	views := make([]instanceView, 0, len(list))
	for _, e := range list {
		views = append(views, viewFromEntry(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": views,
		"count":     len(views),
		"clients":   s.clientCount(),
	})
}

type createInstanceRequest struct {
	InstanceID string `json:"instanceId"`
	WorkingDir string `json:"workingDir"`
	AutoStart  bool   `json:"autoStart"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "instanceId is required")
		return
	}

	inst, err := s.registry.Get(req.InstanceID, req.WorkingDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.AutoStart {
		if !inst.GetStatus().Running {
			if err := inst.Start(req.WorkingDir); err != nil && err != pty.ErrAlreadyRunning {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, viewFromStatus(inst.GetStatus()))
}

func viewFromStatus(st pty.Status) instanceView {
	return instanceView{
		InstanceID:  st.InstanceID,
		Running:     st.Running,
		PID:         st.PID,
		BufferSize:  st.BufferSize,
		BufferLines: st.BufferLines,
		WorkingDir:  st.WorkingDir,
	}
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.registry.Has(id) {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	inst, err := s.registry.Get(id, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := viewFromStatus(inst.GetStatus())
	writeJSON(w, http.StatusOK, map[string]any{"instance": resp, "clients": s.clientCount()})
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Remove(id); err != nil {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "instanceId": id})
}

func (s *Server) handleDeleteAllInstances(w http.ResponseWriter, r *http.Request) {
	var removed []string
	for _, e := range s.registry.List() {
		if err := s.registry.Remove(e.InstanceID); err == nil {
			removed = append(removed, e.InstanceID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed, "count": len(removed)})
}

func (s *Server) resolveInstance(r *http.Request) (*pty.Instance, string, error) {
	id := r.URL.Query().Get("instanceId")
	if id == "" {
		id = registry.DefaultInstanceID
	}
	inst, err := s.registry.Get(id, "")
	return inst, id, err
}

func (s *Server) handlePtyStatus(w http.ResponseWriter, r *http.Request) {
	inst, _, err := s.resolveInstance(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewFromStatus(inst.GetStatus()))
}

func (s *Server) handlePtyBuffer(w http.ResponseWriter, r *http.Request) {
	inst, _, err := s.resolveInstance(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"buffer": inst.GetBufferedOutput()})
}

type ptyActionRequest struct {
	WorkingDir  string `json:"workingDir"`
	InstanceID  string `json:"instanceId"`
	ClearBuffer bool   `json:"clearBuffer"`
}

func (req *ptyActionRequest) instanceID() string {
	if req.InstanceID == "" {
		return registry.DefaultInstanceID
	}
	return req.InstanceID
}

func decodePtyAction(r *http.Request) ptyActionRequest {
	var req ptyActionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	return req
}

func (s *Server) handlePtyStart(w http.ResponseWriter, r *http.Request) {
	req := decodePtyAction(r)
	inst, err := s.registry.Get(req.instanceID(), req.WorkingDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := inst.Start(req.WorkingDir); err != nil && err != pty.ErrAlreadyRunning {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewFromStatus(inst.GetStatus()))
}

func (s *Server) handlePtyStop(w http.ResponseWriter, r *http.Request) {
	req := decodePtyAction(r)
	if !s.registry.Has(req.instanceID()) {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	inst, err := s.registry.Get(req.instanceID(), "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := inst.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.ClearBuffer {
		_ = inst.ClearBuffer()
	}
	writeJSON(w, http.StatusOK, viewFromStatus(inst.GetStatus()))
}

func (s *Server) handlePtyRestart(w http.ResponseWriter, r *http.Request) {
	req := decodePtyAction(r)
	if !s.registry.Has(req.instanceID()) {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	inst, err := s.registry.Get(req.instanceID(), "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = inst.Stop()
	if req.ClearBuffer {
		_ = inst.ClearBuffer()
	}
	cur, pending := inst.CurrentAndPendingWorkingDir()
	dir := cur
	if pending != "" {
		dir = pending
	}
	if req.WorkingDir != "" {
		dir = req.WorkingDir
	}
	if err := inst.Start(dir); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewFromStatus(inst.GetStatus()))
}

// Shutdown tears down the registry: every instance is saved and stopped.
// WsSession's own heartbeat/read-loop unwinds once the HTTP server's
// listener closes.
func (s *Server) Shutdown(ctx context.Context) {
	s.registry.Shutdown()
}
