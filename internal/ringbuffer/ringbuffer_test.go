package ringbuffer

import "testing"

func TestAppendWithinBounds(t *testing.T) {
	rb := New(1024, 100)
	rb.Append("A")
	rb.Append("B")
	rb.Append("C")

	if got := rb.Snapshot(); got != "ABC" {
		t.Errorf("Snapshot() = %q, want %q", got, "ABC")
	}
	if rb.Size() != 3 {
		t.Errorf("Size() = %d, want 3", rb.Size())
	}
}

func TestAppendEvictsFromHeadOnByteBound(t *testing.T) {
	rb := New(5, 100)
	rb.Append("aaa")
	rb.Append("bbb")

	if rb.Size() > 5 {
		t.Errorf("Size() = %d, want <= 5", rb.Size())
	}
	if rb.Empty() {
		t.Error("buffer must never be fully emptied by trimming")
	}
	if got := rb.Snapshot(); got != "bbb" {
		t.Errorf("Snapshot() = %q, want %q", got, "bbb")
	}
}

func TestAppendEvictsFromHeadOnLineBound(t *testing.T) {
	rb := New(1024, 2)
	rb.Append("1\n")
	rb.Append("2\n")
	rb.Append("3\n")

	if rb.LineCount() > 2 {
		t.Errorf("LineCount() = %d, want <= 2", rb.LineCount())
	}
	if got := rb.Snapshot(); got != "2\n3\n" {
		t.Errorf("Snapshot() = %q, want %q", got, "2\n3\n")
	}
}

func TestAppendNeverEmptiesBuffer(t *testing.T) {
	rb := New(1, 1)
	rb.Append("this-single-chunk-exceeds-both-bounds\n\n\n")

	if rb.Empty() {
		t.Error("a single oversized chunk must still be retained")
	}
}

func TestClearEmptiesBuffer(t *testing.T) {
	rb := New(1024, 100)
	rb.Append("hello")
	rb.Clear()

	if !rb.Empty() {
		t.Error("Clear() should empty the buffer")
	}
	if rb.Size() != 0 || rb.LineCount() != 0 {
		t.Errorf("Size()/LineCount() not reset after Clear(): %d/%d", rb.Size(), rb.LineCount())
	}
}

func TestRestoreReplacesContents(t *testing.T) {
	rb := New(1024, 100)
	rb.Append("stale")
	rb.Restore([]string{"A", "B", "C"})

	if got := rb.Snapshot(); got != "ABC" {
		t.Errorf("Snapshot() = %q, want %q", got, "ABC")
	}
	if len(rb.Chunks()) != 3 {
		t.Errorf("Chunks() len = %d, want 3", len(rb.Chunks()))
	}
}

func TestAppendIgnoresEmptyChunk(t *testing.T) {
	rb := New(1024, 100)
	rb.Append("")

	if !rb.Empty() {
		t.Error("appending an empty chunk must not create a retained chunk")
	}
}
