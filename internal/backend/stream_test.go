package backend

import (
	"strings"
	"testing"
)

func TestStreamWriterLines(t *testing.T) {
	var lines []string
	w := NewStreamWriter(func(l string) { lines = append(lines, l) })

	w.Write([]byte("one\ntw"))
	w.Write([]byte("o\r\nthree"))
	if len(lines) != 2 {
		t.Fatalf("lines before flush = %q, want 2", lines)
	}
	w.Flush()

	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
	if got := w.String(); got != "one\ntwo\r\nthree" {
		t.Errorf("String() = %q", got)
	}
}

func TestStreamWriterNilCallback(t *testing.T) {
	w := NewStreamWriter(nil)
	n, err := w.Write([]byte("hello\n"))
	if err != nil || n != 6 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	w.Flush()
	if w.String() != "hello\n" {
		t.Errorf("String() = %q", w.String())
	}
}

func TestStreamWriterTruncates(t *testing.T) {
	w := NewStreamWriter(nil)
	chunk := []byte(strings.Repeat("x", 1<<20))
	for i := 0; i < 10; i++ {
		w.Write(chunk)
	}
	out := w.String()
	if len(out) != MaxCapturedOutput+len(truncatedMarker) {
		t.Errorf("captured %d bytes, want %d", len(out), MaxCapturedOutput+len(truncatedMarker))
	}
	if !strings.HasSuffix(out, truncatedMarker) {
		t.Error("missing truncation marker")
	}
}
