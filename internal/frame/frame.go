// Package frame defines the wire-level JSON frame catalog exchanged on the
// /ws endpoint: an Envelope{Type} discriminator plus one typed struct per
// frame kind.
package frame

// Server -> client frame type discriminators.
const (
	TypeStatus          = "status"
	TypeReady           = "ready"
	TypeReplay          = "replay"
	TypeOutput          = "output"
	TypePtyStatus       = "pty-status"
	TypePtyCrash        = "pty-crash"
	TypePtyRestarting   = "pty-restarting"
	TypePtyError        = "pty-error"
	TypeOptionsDetected = "options-detected"
	TypeTaskComplete    = "task-complete"
	TypePong            = "pong"
)

// Client -> server frame type discriminators.
const (
	TypeInput       = "input"
	TypeResize      = "resize"
	TypeInterrupt   = "interrupt"
	TypeRestart     = "restart"
	TypeReplayReq   = "replay"
	TypeSubmit      = "submit"
	TypeSetInstance = "set-instance"
	TypePing        = "ping"
)

// Outbound is the union of every server->client frame shape. Frame producers
// (PtyInstance, WsSession) always set Type; callers marshal the frame
// directly since unused fields carry `omitempty` and disappear from the
// encoded JSON.
type Outbound struct {
	Type string `json:"type"`

	// status
	Connected bool   `json:"connected,omitempty"`
	ClientID  string `json:"clientId,omitempty"`

	// replay, output
	Data string `json:"data,omitempty"`

	// pty-status
	Running             bool    `json:"running,omitempty"`
	PID                 *int    `json:"pid,omitempty"`
	BufferSize          int     `json:"bufferSize,omitempty"`
	BufferLines         int     `json:"bufferLines,omitempty"`
	WorkingDir          string  `json:"workingDir,omitempty"`
	GitBranch           *string `json:"gitBranch,omitempty"`
	ProcessingStartTime *int64  `json:"processingStartTime,omitempty"`
	InstanceID          string  `json:"instanceId,omitempty"`

	// pty-crash
	ExitCode   *int     `json:"exitCode,omitempty"`
	Signal     string   `json:"signal,omitempty"`
	UptimeMs   int64    `json:"uptime,omitempty"`
	LastOutput []string `json:"lastOutput,omitempty"`

	// pty-restarting
	Attempt int `json:"attempt,omitempty"`

	// pty-error
	Message string `json:"message,omitempty"`

	// options-detected
	Options       []int  `json:"options,omitempty"`
	Confidence    int    `json:"confidence,omitempty"`
	Context       string `json:"context,omitempty"`
	TriggerPhrase string `json:"triggerPhrase,omitempty"`

	// task-complete
	DurationMs int64 `json:"duration,omitempty"`
}

// Status builds the connection-acknowledgment frame.
func Status(connected bool, clientID string) Outbound {
	return Outbound{Type: TypeStatus, Connected: connected, ClientID: clientID}
}

// Replay builds the full-scrollback-snapshot frame.
func Replay(data string) Outbound {
	return Outbound{Type: TypeReplay, Data: data}
}

// Output builds an incremental post-replay bytes frame.
func Output(data string) Outbound {
	return Outbound{Type: TypeOutput, Data: data}
}

// PtyCrash builds an unexpected-exit notification frame.
func PtyCrash(exitCode int, signal string, uptime int64, lastOutput []string) Outbound {
	ec := exitCode
	return Outbound{Type: TypePtyCrash, ExitCode: &ec, Signal: signal, UptimeMs: uptime, LastOutput: lastOutput}
}

// PtyRestarting builds the auto-restart-scheduled notification frame.
func PtyRestarting(attempt int) Outbound {
	return Outbound{Type: TypePtyRestarting, Attempt: attempt}
}

// PtyError builds a terminal-error notification frame.
func PtyError(message string) Outbound {
	return Outbound{Type: TypePtyError, Message: message}
}

// OptionsDetected builds a heuristic-prompt-detected frame; an empty Options
// slice represents the "no longer active" clear signal.
func OptionsDetected(options []int, confidence int, context, triggerPhrase string) Outbound {
	return Outbound{Type: TypeOptionsDetected, Options: options, Confidence: confidence, Context: context, TriggerPhrase: triggerPhrase}
}

// TaskComplete builds a long-task-finished frame.
func TaskComplete(duration int64) Outbound {
	return Outbound{Type: TypeTaskComplete, DurationMs: duration}
}

// Pong builds the heartbeat-response frame.
func Pong() Outbound {
	return Outbound{Type: TypePong}
}

// PtyStatus builds the current-state frame.
func PtyStatus(instanceID string, running bool, pid *int, bufferSize, bufferLines int, workingDir string, gitBranch *string, processingStartTime *int64) Outbound {
	return Outbound{
		Type:                TypePtyStatus,
		InstanceID:          instanceID,
		Running:             running,
		PID:                 pid,
		BufferSize:          bufferSize,
		BufferLines:         bufferLines,
		WorkingDir:          workingDir,
		GitBranch:           gitBranch,
		ProcessingStartTime: processingStartTime,
	}
}

// Inbound is the union of every client->server frame shape.
type Inbound struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	InstanceID string `json:"instanceId,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	AutoStart  bool   `json:"autoStart,omitempty"`
}
