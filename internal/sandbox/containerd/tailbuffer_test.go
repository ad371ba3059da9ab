package containerd

import (
	"bytes"
	"testing"
)

func TestTailBufferKeepsMostRecentBytes(t *testing.T) {
	buf := newTailBuffer(8)
	if _, err := buf.Write([]byte("abcd")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := buf.Write([]byte("efghij")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := buf.Snapshot(); !bytes.Equal(got, []byte("cdefghij")) {
		t.Fatalf("expected cdefghij, got %q", got)
	}
}

func TestTailBufferOversizedWrite(t *testing.T) {
	buf := newTailBuffer(4)
	if _, err := buf.Write([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := buf.Snapshot(); !bytes.Equal(got, []byte("6789")) {
		t.Fatalf("expected 6789, got %q", got)
	}
}

func TestTailBufferZeroCapacityDiscards(t *testing.T) {
	buf := newTailBuffer(0)
	n, err := buf.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if got := buf.Snapshot(); got != nil {
		t.Fatalf("expected nil snapshot, got %q", got)
	}
}

func TestTailLines(t *testing.T) {
	data := []byte("one\ntwo\nthree\nfour\n")
	lines := tailLines(data, 2)
	if len(lines) != 2 || lines[0] != "three" || lines[1] != "four" {
		t.Fatalf("unexpected lines: %v", lines)
	}
	if tailLines(nil, 2) != nil {
		t.Fatalf("expected nil for empty data")
	}
}
