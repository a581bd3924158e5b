// Package config loads the emulator configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxRAMSize keeps the RAM window below the top of the 32-bit address space.
const MaxRAMSize = 0x7fff_ffff

// Config is the complete emulator configuration.
type Config struct {
	RAMSize     Size   `yaml:"ram_size"`
	BackingPath string `yaml:"backing_path"`
	KernelPath  string `yaml:"kernel_path"`

	// DTBPath selects a device tree blob. When empty the built-in tree is
	// generated with BootArgs.
	DTBPath  string `yaml:"dtb_path"`
	BootArgs string `yaml:"boot_args"`

	Cache   CacheConfig   `yaml:"cache"`
	Run     RunConfig     `yaml:"run"`
	Console ConsoleConfig `yaml:"console"`

	LogLevel string `yaml:"log_level"`
}

// CacheConfig sets the cache geometry.
type CacheConfig struct {
	LineSize Size `yaml:"line_size"`
	Lines    int  `yaml:"lines"`
}

// RunConfig tunes the run loop.
type RunConfig struct {
	InstructionsPerStep int      `yaml:"instructions_per_step"`
	TimeDivisor         uint64   `yaml:"time_divisor"`
	IdleSleep           Duration `yaml:"idle_sleep"`
	StopOnTrap          bool     `yaml:"stop_on_trap"`
}

// ConsoleConfig controls the host terminal.
type ConsoleConfig struct {
	Raw *bool `yaml:"raw"` // pointer to distinguish unset vs false
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		RAMSize:     16 << 20,
		BackingPath: "ramdisk.bin",
		BootArgs:    "earlycon=uart8250,mmio,0x10000000,1000000 console=hvc0",
		Cache: CacheConfig{
			LineSize: 512,
			Lines:    128,
		},
		Run: RunConfig{
			InstructionsPerStep: 1024,
			TimeDivisor:         1024,
			IdleSleep:           Duration(10 * time.Millisecond),
		},
		LogLevel: "info",
	}
}

// Load reads path on top of Default. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the RAM and cache geometry and the run loop settings.
func (c Config) Validate() error {
	var errs []error
	lineSize := uint32(c.Cache.LineSize)

	if c.RAMSize == 0 || c.RAMSize > MaxRAMSize {
		errs = append(errs, fmt.Errorf("ram_size %d out of range (1..0x%x)", c.RAMSize, MaxRAMSize))
	}
	if bits.OnesCount32(lineSize) != 1 || lineSize < 64 || lineSize > 65536 {
		errs = append(errs, fmt.Errorf("cache.line_size %d must be a power of two in 64..65536", lineSize))
	} else if uint32(c.RAMSize)%lineSize != 0 {
		errs = append(errs, fmt.Errorf("ram_size %d is not a multiple of cache.line_size %d", c.RAMSize, lineSize))
	}
	if c.Cache.Lines <= 0 {
		errs = append(errs, fmt.Errorf("cache.lines must be positive, got %d", c.Cache.Lines))
	} else if lineSize != 0 && uint64(c.Cache.Lines) > uint64(c.RAMSize)/uint64(lineSize) {
		errs = append(errs, fmt.Errorf("cache of %d lines of %d bytes is larger than ram_size %d", c.Cache.Lines, lineSize, c.RAMSize))
	}
	if c.Run.InstructionsPerStep <= 0 {
		errs = append(errs, fmt.Errorf("run.instructions_per_step must be positive, got %d", c.Run.InstructionsPerStep))
	}
	if c.Run.TimeDivisor == 0 {
		errs = append(errs, errors.New("run.time_divisor must be positive"))
	}
	if c.Run.IdleSleep < 0 {
		errs = append(errs, fmt.Errorf("run.idle_sleep %v is negative", c.Run.IdleSleep.Duration()))
	}
	if c.BackingPath == "" {
		errs = append(errs, errors.New("backing_path is required"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel. An empty level means info.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// RawConsole reports whether the host terminal should be put in raw mode.
// Unset means raw when stdin is a terminal.
func (c Config) RawConsole(isTerminal bool) bool {
	if c.Console.Raw != nil {
		return *c.Console.Raw
	}
	return isTerminal
}
