//go:build unix

package console

import (
	"os"
	"testing"
)

func TestHostTryReadByte(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	h, err := OpenHost(r, true)
	if err != nil {
		t.Fatalf("OpenHost: %v", err)
	}
	defer h.Close()

	if _, ok := h.TryReadByte(); ok {
		t.Fatal("read from empty pipe")
	}

	escaped := false
	h.OnEscape = func() { escaped = true }
	if _, err := w.Write([]byte{'k', EscapeByte}); err != nil {
		t.Fatal(err)
	}
	if b, ok := h.TryReadByte(); !ok || b != 'k' {
		t.Fatalf("TryReadByte = %q %v, want 'k' true", b, ok)
	}
	if _, ok := h.TryReadByte(); ok {
		t.Fatal("escape byte should not reach the guest")
	}
	if !escaped {
		t.Fatal("OnEscape not called")
	}
}
