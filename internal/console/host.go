package console

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// EscapeByte (Ctrl-]) is swallowed by Host and reported through OnEscape.
const EscapeByte = 0x1d

// Host reads keystrokes from a host file without blocking, optionally
// switching a terminal into raw mode for the lifetime of the Host.
type Host struct {
	f        *os.File
	fd       int
	oldState *term.State
	reader   *hostReader

	// OnEscape runs when the escape byte is read.
	OnEscape func()
}

// OpenHost wraps f. If raw is set and f is a terminal, it is put into raw
// mode until Close.
func OpenHost(f *os.File, raw bool) (*Host, error) {
	h := &Host{f: f, fd: int(f.Fd())}
	if raw && term.IsTerminal(h.fd) {
		st, err := term.MakeRaw(h.fd)
		if err != nil {
			return nil, fmt.Errorf("enable raw mode: %w", err)
		}
		h.oldState = st
		slog.Debug("console in raw mode", "fd", h.fd)
	}
	r, err := newHostReader(f)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.reader = r
	return h, nil
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// TryReadByte implements Input. A closed Host never has input.
func (h *Host) TryReadByte() (byte, bool) {
	if h.reader == nil {
		return 0, false
	}
	b, ok := h.reader.tryRead()
	if ok && b == EscapeByte {
		if h.OnEscape != nil {
			h.OnEscape()
		}
		return 0, false
	}
	return b, ok
}

// Close stops reading and restores the terminal state. Later calls are
// no-ops.
func (h *Host) Close() error {
	if h.reader != nil {
		h.reader.close()
		h.reader = nil
	}
	if h.oldState == nil {
		return nil
	}
	err := term.Restore(h.fd, h.oldState)
	h.oldState = nil
	return err
}

var _ Input = (*Host)(nil)
