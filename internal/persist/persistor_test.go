package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pocketrelay/pocket/internal/ringbuffer"
)

func noPID() *int { return nil }

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rb := ringbuffer.New(1024, 100)
	rb.Append("hello ")
	rb.Append("world")

	p := New(dir, "inst-1", rb, noPID, 10*time.Millisecond, nil)
	if err := p.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	rb2 := ringbuffer.New(1024, 100)
	p2 := New(dir, "inst-1", rb2, noPID, 10*time.Millisecond, nil)
	p2.LoadIfPresent()

	if got := rb2.Snapshot(); got != "hello world" {
		t.Errorf("Snapshot() after load = %q, want %q", got, "hello world")
	}
}

func TestLoadIfPresentMissingFileIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	rb := ringbuffer.New(1024, 100)
	p := New(dir, "missing", rb, noPID, 10*time.Millisecond, nil)

	p.LoadIfPresent()

	if !rb.Empty() {
		t.Error("loading a missing file should leave the buffer empty, not error")
	}
}

func TestLoadIfPresentCorruptFileIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	rb := ringbuffer.New(1024, 100)
	p := New(dir, "corrupt", rb, noPID, 10*time.Millisecond, nil)

	if err := os.MkdirAll(filepath.Dir(p.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	p.LoadIfPresent()

	if !rb.Empty() {
		t.Error("loading a corrupt file should leave the buffer empty, not error")
	}
}

func TestScheduleDebouncesMultipleCalls(t *testing.T) {
	dir := t.TempDir()
	rb := ringbuffer.New(1024, 100)
	rb.Append("x")
	p := New(dir, "debounced", rb, noPID, 30*time.Millisecond, nil)

	p.Schedule()
	p.Schedule()
	p.Schedule()

	time.Sleep(60 * time.Millisecond)

	if _, err := os.Stat(p.Path()); err != nil {
		t.Fatalf("expected file to exist after debounce fired: %v", err)
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	rb := ringbuffer.New(1024, 100)
	rb.Append("x")
	p := New(dir, "to-delete", rb, noPID, 10*time.Millisecond, nil)
	if err := p.Save(); err != nil {
		t.Fatal(err)
	}

	if err := p.Delete(); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := os.Stat(p.Path()); !os.IsNotExist(err) {
		t.Error("file should no longer exist after Delete()")
	}
}

func TestDeleteOfMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	rb := ringbuffer.New(1024, 100)
	p := New(dir, "never-saved", rb, noPID, 10*time.Millisecond, nil)

	if err := p.Delete(); err != nil {
		t.Fatalf("Delete() of a never-saved buffer should be a no-op, got: %v", err)
	}
}
