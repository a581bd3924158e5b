// Package machine wires the backing store, cache, bus, console and core
// into a bootable system and runs it.
package machine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tinyrange/ucrv32/internal/backing"
	"github.com/tinyrange/ucrv32/internal/bus"
	"github.com/tinyrange/ucrv32/internal/cache"
	"github.com/tinyrange/ucrv32/internal/config"
	"github.com/tinyrange/ucrv32/internal/console"
	"github.com/tinyrange/ucrv32/internal/fault"
	"github.com/tinyrange/ucrv32/internal/rv32"
)

// Core is the processor the run loop drives.
type Core interface {
	// Reset loads the boot register convention: pc, hart id in a0 and the
	// device tree pointer in a1, machine mode.
	Reset(pc, hartID, dtb uint32)
	Step(elapsedUs uint32, count int) rv32.Result
	Cycles() uint64
	AddCycles(n uint64)
	// Err returns the fault behind the last rv32.ResultFault.
	Err() error
	DumpState() string
}

var _ Core = (*rv32.CPU)(nil)

// Machine is a single-hart RV32 system.
type Machine struct {
	cfg config.Config

	store   *backing.Store
	cache   *cache.Cache
	bus     *bus.Bus
	console *console.Device
	core    Core

	logger   *slog.Logger
	faults   fault.Reporter
	onFatal  fault.FatalHandler
	progress io.Writer

	device  backing.Device
	out     io.Writer
	in      console.Input
	newCore func(b *bus.Bus) Core
	sleep   func(d time.Duration) <-chan time.Time

	lastTime uint64
	boots    int
	closed   bool
}

type Option interface {
	apply(m *Machine) error
}

type funcOption func(m *Machine) error

// apply implements Option.
func (f funcOption) apply(m *Machine) error {
	return f(m)
}

var (
	_ Option = funcOption(nil)
)

// WithConsole sets where guest output goes and where keystrokes come from.
func WithConsole(out io.Writer, in console.Input) Option {
	return funcOption(func(m *Machine) error {
		m.out = out
		m.in = in
		return nil
	})
}

func WithLogger(logger *slog.Logger) Option {
	return funcOption(func(m *Machine) error {
		if logger == nil {
			return errors.New("nil logger")
		}
		m.logger = logger
		return nil
	})
}

// WithFaultReporter replaces the default log reporter.
func WithFaultReporter(r fault.Reporter) Option {
	return funcOption(func(m *Machine) error {
		m.faults = r
		return nil
	})
}

// WithFatalHandler sets the policy for unrecoverable conditions. The
// default, fault.Halt, exits the process.
func WithFatalHandler(h fault.FatalHandler) Option {
	return funcOption(func(m *Machine) error {
		m.onFatal = h
		return nil
	})
}

// WithProgress shows bulk load progress bars on w.
func WithProgress(w io.Writer) Option {
	return funcOption(func(m *Machine) error {
		m.progress = w
		return nil
	})
}

// WithDevice backs guest RAM with dev instead of the configured file.
func WithDevice(dev backing.Device) Option {
	return funcOption(func(m *Machine) error {
		m.device = dev
		return nil
	})
}

// WithCore replaces the built-in RV32 core.
func WithCore(newCore func(b *bus.Bus) Core) Option {
	return funcOption(func(m *Machine) error {
		m.newCore = newCore
		return nil
	})
}

// New builds a machine from cfg. If the backing store cannot be opened the
// fatal handler is invoked before the error is returned.
func New(cfg config.Config, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m := &Machine{
		cfg:     cfg,
		logger:  slog.Default(),
		onFatal: fault.Halt,
		sleep:   time.After,
	}
	for _, opt := range opts {
		if err := opt.apply(m); err != nil {
			return nil, err
		}
	}
	if m.faults == nil {
		m.faults = fault.LogReporter{Logger: m.logger}
	}

	size := uint32(cfg.RAMSize)
	if m.device != nil {
		m.store = backing.New(m.device, size)
	} else {
		store, err := backing.OpenFile(cfg.BackingPath, size)
		if err != nil {
			m.onFatal(err)
			return nil, err
		}
		m.store = store
	}
	m.store.Logger = m.logger
	m.store.Progress = m.progress

	c, err := cache.New(m.store, uint32(cfg.Cache.LineSize), cfg.Cache.Lines)
	if err != nil {
		m.store.Close()
		return nil, err
	}
	c.Logger = m.logger
	m.cache = c

	m.console = console.New(m.out, m.in)
	m.console.Logger = m.logger

	m.bus = bus.New(m.cache, m.console, size)
	m.bus.Faults = m.faults
	m.bus.Logger = m.logger

	if m.newCore != nil {
		m.core = m.newCore(m.bus)
	} else {
		cpu := rv32.NewCPU(m.bus, bus.RAMBase, size)
		cpu.StopOnTrap = cfg.Run.StopOnTrap
		m.core = cpu
	}

	m.logger.Debug("machine created",
		"ram", cfg.RAMSize.String(),
		"line_size", cfg.Cache.LineSize.String(),
		"lines", cfg.Cache.Lines)
	return m, nil
}

// Bus returns the memory bus.
func (m *Machine) Bus() *bus.Bus { return m.bus }

// Core returns the processor.
func (m *Machine) Core() Core { return m.core }

// Console returns the console device.
func (m *Machine) Console() *console.Device { return m.console }

// Boots returns how many times the machine has been booted.
func (m *Machine) Boots() int { return m.boots }

// Stats returns the cache counters.
func (m *Machine) Stats() cache.Stats { return m.cache.Stats() }

// State is a snapshot for debugging dumps.
type State struct {
	CPU           *rv32.CPU
	Cache         cache.Stats
	BackingReads  uint64
	BackingWrites uint64
	Boots         int
	DroppedInput  uint64
}

// State captures the core registers and counters. CPU is nil when a
// custom core is installed.
func (m *Machine) State() State {
	s := State{
		Cache:        m.cache.Stats(),
		Boots:        m.boots,
		DroppedInput: m.console.Dropped(),
	}
	s.BackingReads, s.BackingWrites = m.store.Counters()
	if cpu, ok := m.core.(*rv32.CPU); ok {
		snap := *cpu
		snap.Bus = nil
		s.CPU = &snap
	}
	return s
}

// Shutdown writes back every dirty cache line, then syncs and closes the
// backing store. Calling it again is a no-op.
func (m *Machine) Shutdown() error {
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	if err := m.cache.FlushAll(); err != nil {
		errs = append(errs, err)
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		m.faults.Report(err)
	}
	return err
}
