package pty

import (
	"sync"
	"testing"
	"time"

	"github.com/pocketrelay/pocket/internal/frame"
)

func testConfig(command string, args ...string) Config {
	return Config{
		Command:          command,
		Args:             args,
		MaxBytes:         1024,
		MaxLines:         100,
		SaveDebounce:     10 * time.Millisecond,
		BatchDelay:       10 * time.Millisecond,
		AutoRestartDelay: 20 * time.Millisecond,
		RestartWindow:    200 * time.Millisecond,
	}
}

func collectFrames(inst *Instance) (*[]frame.Outbound, func()) {
	var mu sync.Mutex
	var got []frame.Outbound
	token := inst.AddListener(func(f frame.Outbound) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})
	return &got, func() { inst.RemoveListener(token) }
}

func TestStartAndStopLifecycle(t *testing.T) {
	dir := t.TempDir()
	inst := New("t1", dir, testConfig("sh", "-c", "sleep 2"), nil)
	defer inst.Shutdown()

	if err := inst.Start(dir); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	st := inst.GetStatus()
	if !st.Running {
		t.Error("expected Running true after Start")
	}
	if st.PID == nil {
		t.Error("expected a PID after Start")
	}

	if err := inst.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	st = inst.GetStatus()
	if st.Running {
		t.Error("expected Running false after Stop")
	}
}

func TestStartTwiceFails(t *testing.T) {
	dir := t.TempDir()
	inst := New("t2", dir, testConfig("sh", "-c", "sleep 2"), nil)
	defer inst.Shutdown()

	if err := inst.Start(dir); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := inst.Start(dir); err != ErrAlreadyRunning {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}
	inst.Stop()
}

func TestWriteWithoutRunningFails(t *testing.T) {
	dir := t.TempDir()
	inst := New("t3", dir, testConfig("sh"), nil)
	defer inst.Shutdown()

	if err := inst.Write([]byte("hi")); err != ErrNotRunning {
		t.Errorf("Write() on a stopped instance = %v, want ErrNotRunning", err)
	}
}

func TestOutputReachesBuffer(t *testing.T) {
	dir := t.TempDir()
	inst := New("t4", dir, testConfig("sh", "-c", "printf hello; sleep 2"), nil)
	defer inst.Shutdown()

	if err := inst.Start(dir); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := inst.GetBufferedOutput(); len(got) > 0 {
			if got != "hello" {
				t.Errorf("buffered output = %q, want %q", got, "hello")
			}
			inst.Stop()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	inst.Stop()
	t.Fatal("timed out waiting for buffered output")
}

func TestClearBufferEmptiesRingAndDeletesFile(t *testing.T) {
	dir := t.TempDir()
	inst := New("t5", dir, testConfig("sh", "-c", "printf data; sleep 2"), nil)
	defer inst.Shutdown()

	if err := inst.Start(dir); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && inst.GetBufferedOutput() == "" {
		time.Sleep(20 * time.Millisecond)
	}

	if err := inst.ClearBuffer(); err != nil {
		t.Fatalf("ClearBuffer() error: %v", err)
	}
	if got := inst.GetBufferedOutput(); got != "" {
		t.Errorf("buffer after ClearBuffer() = %q, want empty", got)
	}
	inst.Stop()
}

func TestCrashTriggersRestartBudget(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("sh", "-c", "exit 1")
	cfg.MaxRestartAttempts = 2
	inst := New("t6", dir, cfg, nil)
	defer inst.Shutdown()

	got, cleanup := collectFrames(inst)
	defer cleanup()

	if err := inst.Start(dir); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		found := false
		for _, f := range *got {
			if f.Type == frame.TypePtyError {
				found = true
				break
			}
		}
		if found {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	var crashes, restarting, gaveUp int
	for _, f := range *got {
		switch f.Type {
		case frame.TypePtyCrash:
			crashes++
		case frame.TypePtyRestarting:
			restarting++
		case frame.TypePtyError:
			gaveUp++
		}
	}
	if gaveUp == 0 {
		t.Fatalf("expected a pty-error (gave up) frame after exhausting the restart budget, got frames: %+v", *got)
	}
	if restarting > cfg.MaxRestartAttempts {
		t.Errorf("restart attempts = %d, want <= %d", restarting, cfg.MaxRestartAttempts)
	}
	if crashes == 0 {
		t.Error("expected at least one pty-crash frame")
	}
}
