// Package fault defines the error kinds raised by the memory subsystem and
// the policy applied to conditions the emulator cannot recover from.
package fault

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Kind sentinels. A *Fault matches exactly one of them with errors.Is.
var (
	ErrIO     = errors.New("io fault")
	ErrBounds = errors.New("bounds fault")
	ErrDevice = errors.New("device fault")
)

// Kind classifies a Fault.
type Kind uint8

const (
	KindIO Kind = iota + 1
	KindBounds
	KindDevice
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindBounds:
		return "bounds"
	case KindDevice:
		return "device"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindIO:
		return ErrIO
	case KindBounds:
		return ErrBounds
	case KindDevice:
		return ErrDevice
	default:
		return nil
	}
}

// Fault describes a failed access to guest memory, the backing store or an
// emulated device.
type Fault struct {
	Kind Kind
	Op   string
	Addr uint64
	Len  int
	Err  error
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("%s fault: %s addr=0x%x len=%d", f.Kind, f.Op, f.Addr, f.Len)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error { return f.Err }

// Is reports whether target is the sentinel for the fault's kind.
func (f *Fault) Is(target error) bool {
	return target != nil && target == f.Kind.sentinel()
}

// IO returns an IO fault wrapping err.
func IO(op string, addr uint64, n int, err error) error {
	return &Fault{Kind: KindIO, Op: op, Addr: addr, Len: n, Err: err}
}

// Bounds returns a bounds fault for an access of n bytes at addr.
func Bounds(op string, addr uint64, n int) error {
	return &Fault{Kind: KindBounds, Op: op, Addr: addr, Len: n}
}

// Device returns a device fault for an unhandled address or register.
func Device(op string, addr uint64, n int) error {
	return &Fault{Kind: KindDevice, Op: op, Addr: addr, Len: n}
}

// KindOf returns the kind of the first Fault in err's chain, or 0.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

// Reporter receives every fault that is not returned to a caller.
type Reporter interface {
	Report(err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(err error)

func (f ReporterFunc) Report(err error) { f(err) }

// LogReporter reports faults to a slog.Logger.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(err error) {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	if KindOf(err) == KindIO {
		log.Error("fault", "kind", KindOf(err).String(), "error", err)
		return
	}
	log.Warn("fault", "kind", KindOf(err).String(), "error", err)
}

// FatalHandler is invoked for unrecoverable conditions such as a backing
// store that cannot be opened. It may return; callers then return err.
type FatalHandler func(err error)

// Halt logs err and terminates the process.
func Halt(err error) {
	slog.Error("fatal", "error", err)
	os.Exit(1)
}
