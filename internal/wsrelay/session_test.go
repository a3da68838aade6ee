package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/pocketrelay/pocket/internal/frame"
	"github.com/pocketrelay/pocket/internal/pty"
)

var errNoSuchInstance = errors.New("wsrelay: no such test instance")

func testInstance(id, workingDir, command string, args ...string) *pty.Instance {
	cfg := pty.Config{
		Command:      command,
		Args:         args,
		MaxBytes:     4096,
		MaxLines:     500,
		SaveDebounce: 10 * time.Millisecond,
		BatchDelay:   10 * time.Millisecond,
	}
	return pty.New(id, workingDir, cfg, nil)
}

// fakeBinder implements InstanceBinder over a fixed, pre-populated set of
// instances, standing in for the registry in tests.
type fakeBinder struct {
	instances map[string]*pty.Instance
}

func (f *fakeBinder) Get(id, workingDir string) (*pty.Instance, error) {
	if inst, ok := f.instances[id]; ok {
		return inst, nil
	}
	return nil, errNoSuchInstance
}

func startTestServer(t *testing.T, binder InstanceBinder, cfg Config) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		sess := New(conn, binder, cfg, nil, nil)
		sess.Run(r.Context(), "default", "")
	}))
	t.Cleanup(srv.Close)
	return "ws" + srv.URL[len("http"):] + "/ws"
}

func dialClient(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, ctx context.Context) frame.Outbound {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame.Outbound
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return f
}

func readFrames(t *testing.T, conn *websocket.Conn, timeout time.Duration, n int) []frame.Outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	out := make([]frame.Outbound, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, readFrame(t, conn, ctx))
	}
	return out
}

func TestBindEmitsStatusReplayThenPtyStatus(t *testing.T) {
	dir := t.TempDir()
	inst := testInstance("default", dir, "sh", "-c", "printf hello; sleep 2")
	defer inst.Shutdown()

	if err := inst.Start(dir); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && inst.GetBufferedOutput() == "" {
		time.Sleep(10 * time.Millisecond)
	}
	if inst.GetBufferedOutput() == "" {
		t.Fatal("timed out waiting for buffered output before connecting")
	}

	binder := &fakeBinder{instances: map[string]*pty.Instance{"default": inst}}
	url := startTestServer(t, binder, Config{})
	conn := dialClient(t, url)

	frames := readFrames(t, conn, 2*time.Second, 3)
	if frames[0].Type != frame.TypeStatus || !frames[0].Connected {
		t.Errorf("frame 0 = %+v, want connected status", frames[0])
	}
	if frames[1].Type != frame.TypeReplay || frames[1].Data != "hello" {
		t.Errorf("frame 1 = %+v, want replay with %q", frames[1], "hello")
	}
	if frames[2].Type != frame.TypePtyStatus || !frames[2].Running {
		t.Errorf("frame 2 = %+v, want running pty-status", frames[2])
	}
}

// TestReplayIsNotDuplicatedByOutput exercises the replay-gate: output
// produced before the snapshot is taken must appear exactly once, in the
// replay frame, never again as a separate output frame.
func TestReplayIsNotDuplicatedByOutput(t *testing.T) {
	dir := t.TempDir()
	inst := testInstance("default", dir, "sh", "-c", "printf hello; sleep 2")
	defer inst.Shutdown()

	if err := inst.Start(dir); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && inst.GetBufferedOutput() == "" {
		time.Sleep(10 * time.Millisecond)
	}

	binder := &fakeBinder{instances: map[string]*pty.Instance{"default": inst}}
	url := startTestServer(t, binder, Config{})
	conn := dialClient(t, url)

	frames := readFrames(t, conn, 2*time.Second, 3)
	var replayData string
	for _, f := range frames {
		if f.Type == frame.TypeReplay {
			replayData = f.Data
		}
		if f.Type == frame.TypeOutput {
			t.Errorf("unexpected output frame before replay gate lowered: %+v", f)
		}
	}
	if replayData != "hello" {
		t.Errorf("replay data = %q, want %q", replayData, "hello")
	}
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	dir := t.TempDir()
	inst := testInstance("default", dir, "sh", "-c", "sleep 2")
	defer inst.Shutdown()
	if err := inst.Start(dir); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	binder := &fakeBinder{instances: map[string]*pty.Instance{"default": inst}}
	cfg := Config{HeartbeatInterval: 30 * time.Millisecond, HeartbeatTimeout: 30 * time.Millisecond, OpenTimeout: time.Second}
	url := startTestServer(t, binder, cfg)
	conn := dialClient(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Drain frames without ever answering the ping; the server should close
	// the connection once its pong-timeout elapses.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if status := websocket.CloseStatus(err); status != closeHeartbeatTimeout {
				t.Errorf("closed with status %v, want %v (err: %v)", status, closeHeartbeatTimeout, err)
			}
			return
		}
	}
}

func TestSetInstanceRebindsToNewInstance(t *testing.T) {
	dir := t.TempDir()
	first := testInstance("default", dir, "sh", "-c", "printf first; sleep 2")
	second := testInstance("second", dir, "sh", "-c", "printf second; sleep 2")
	defer first.Shutdown()
	defer second.Shutdown()

	if err := first.Start(dir); err != nil {
		t.Fatalf("start first: %v", err)
	}
	if err := second.Start(dir); err != nil {
		t.Fatalf("start second: %v", err)
	}
	for _, inst := range []*pty.Instance{first, second} {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) && inst.GetBufferedOutput() == "" {
			time.Sleep(10 * time.Millisecond)
		}
	}

	binder := &fakeBinder{instances: map[string]*pty.Instance{"default": first, "second": second}}
	url := startTestServer(t, binder, Config{})
	conn := dialClient(t, url)

	// Drain the initial bind-to-default frames (status, replay, pty-status).
	readFrames(t, conn, 2*time.Second, 3)

	req := frame.Inbound{Type: frame.TypeSetInstance, InstanceID: "second"}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write set-instance: %v", err)
	}

	frames := readFrames(t, conn, 2*time.Second, 2)
	var gotReplay, gotStatus bool
	for _, f := range frames {
		switch f.Type {
		case frame.TypeReplay:
			gotReplay = true
			if f.Data != "second" {
				t.Errorf("replay after rebind = %q, want %q", f.Data, "second")
			}
		case frame.TypePtyStatus:
			gotStatus = true
			if f.InstanceID != "second" {
				t.Errorf("pty-status after rebind instanceId = %q, want %q", f.InstanceID, "second")
			}
		}
	}
	if !gotReplay || !gotStatus {
		t.Errorf("expected both a replay and a pty-status frame after rebind, got: %+v", frames)
	}
}

func TestUnknownFrameTypeDoesNotCloseConnection(t *testing.T) {
	dir := t.TempDir()
	inst := testInstance("default", dir, "sh", "-c", "sleep 2")
	defer inst.Shutdown()
	if err := inst.Start(dir); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	binder := &fakeBinder{instances: map[string]*pty.Instance{"default": inst}}
	url := startTestServer(t, binder, Config{})
	conn := dialClient(t, url)

	readFrames(t, conn, 2*time.Second, 3)

	bogus := []byte(`{"type":"not-a-real-type"}`)
	if err := conn.Write(context.Background(), websocket.MessageText, bogus); err != nil {
		t.Fatalf("write bogus frame: %v", err)
	}

	// A subsequent ping should still be answered with a pong, proving the
	// session survived the unknown frame.
	ping := []byte(`{"type":"ping"}`)
	if err := conn.Write(context.Background(), websocket.MessageText, ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		f := readFrame(t, conn, ctx)
		if f.Type == frame.TypePong {
			return
		}
	}
}

func TestTwoPhaseSubmitWritesDataThenCarriageReturn(t *testing.T) {
	dir := t.TempDir()
	inst := testInstance("default", dir, "cat")
	defer inst.Shutdown()
	if err := inst.Start(dir); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	binder := &fakeBinder{instances: map[string]*pty.Instance{"default": inst}}
	url := startTestServer(t, binder, Config{})
	conn := dialClient(t, url)
	readFrames(t, conn, 2*time.Second, 3)

	submit := frame.Inbound{Type: frame.TypeSubmit, Data: "do the thing"}
	data, err := json.Marshal(submit)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if out := inst.GetBufferedOutput(); len(out) > len("do the thing") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("buffered output = %q, expected submitted data echoed back plus a carriage return", inst.GetBufferedOutput())
}
