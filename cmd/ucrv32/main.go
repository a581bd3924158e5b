package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bradleyjkemp/memviz"
	"github.com/tinyrange/ucrv32/internal/config"
	"github.com/tinyrange/ucrv32/internal/console"
	"github.com/tinyrange/ucrv32/internal/fault"
	"github.com/tinyrange/ucrv32/internal/machine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ucrv32: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML configuration file")
	kernel := flag.String("kernel", "", "Kernel image (raw or gzip)")
	dtb := flag.String("dtb", "", "Device tree blob (default: generated)")
	backingPath := flag.String("backing", "", "Backing image file for guest RAM")
	bootArgs := flag.String("append", "", "Kernel command line for the generated device tree")
	var ramSize, lineSize config.Size
	flag.Var(&ramSize, "ram", "Guest RAM size (e.g. 16M)")
	flag.Var(&lineSize, "line-size", "Cache line size")
	lines := flag.Int("lines", 0, "Number of cache lines")
	ips := flag.Int("ips", 0, "Instructions per step")
	var idleSleep config.Duration
	flag.Var(&idleSleep, "idle-sleep", "Host sleep while the guest waits for an interrupt")
	raw := flag.Bool("raw", true, "Put the terminal in raw mode (Ctrl-] exits)")
	stopOnTrap := flag.Bool("stop-on-trap", false, "Report every guest trap instead of delivering it")
	progress := flag.Bool("progress", true, "Show progress while loading boot images")
	dumpState := flag.String("dump-state", "", "Write a graphviz dump of the machine state here on exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [-kernel Image]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a kernel on an emulated RV32IMA machine whose RAM lives in a file.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	// Flags given on the command line win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "kernel":
			cfg.KernelPath = *kernel
		case "dtb":
			cfg.DTBPath = *dtb
		case "backing":
			cfg.BackingPath = *backingPath
		case "append":
			cfg.BootArgs = *bootArgs
		case "ram":
			cfg.RAMSize = ramSize
		case "line-size":
			cfg.Cache.LineSize = lineSize
		case "lines":
			cfg.Cache.Lines = *lines
		case "ips":
			cfg.Run.InstructionsPerStep = *ips
		case "idle-sleep":
			cfg.Run.IdleSleep = idleSleep
		case "raw":
			cfg.Console.Raw = raw
		case "stop-on-trap":
			cfg.Run.StopOnTrap = *stopOnTrap
		}
	})
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.KernelPath == "" {
		flag.Usage()
		return fmt.Errorf("kernel image required")
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	host, err := console.OpenHost(os.Stdin, cfg.RawConsole(console.IsTerminal(os.Stdin)))
	if err != nil {
		return err
	}
	defer host.Close()
	host.OnEscape = cancel

	var progressOut io.Writer
	if *progress {
		progressOut = os.Stderr
	}

	m, err := machine.New(cfg,
		machine.WithConsole(os.Stdout, host),
		machine.WithLogger(logger),
		machine.WithProgress(progressOut),
		machine.WithFatalHandler(func(err error) {
			host.Close()
			fault.Halt(err)
		}),
	)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer func() {
		if err := m.Shutdown(); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}()

	if err := m.Boot(); err != nil {
		return err
	}

	err = m.Run(ctx)
	if *dumpState != "" {
		if derr := writeStateDump(*dumpState, m.State()); derr != nil {
			slog.Warn("state dump failed", "path", *dumpState, "error", derr)
		}
	}
	if errors.Is(err, context.Canceled) {
		slog.Info("stopped", "boots", m.Boots())
		return nil
	}
	return err
}

func writeStateDump(path string, st machine.State) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	memviz.Map(f, &st)
	return f.Close()
}
