package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	return d.Set(s)
}

// Set implements flag.Value.
func (d *Duration) Set(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Size is a byte count that accepts K, M and G suffixes (powers of 1024)
// and 0x prefixed hex.
type Size uint32

var sizeSuffixes = []struct {
	suffix string
	mult   uint64
}{
	{"kib", 1 << 10},
	{"mib", 1 << 20},
	{"gib", 1 << 30},
	{"k", 1 << 10},
	{"m", 1 << 20},
	{"g", 1 << 30},
}

// ParseSize parses a size such as "16M", "512" or "0x1000".
func ParseSize(s string) (Size, error) {
	str := strings.ToLower(strings.TrimSpace(s))
	mult := uint64(1)
	for _, sfx := range sizeSuffixes {
		if rest, ok := strings.CutSuffix(str, sfx.suffix); ok {
			str, mult = strings.TrimSpace(rest), sfx.mult
			break
		}
	}
	n, err := strconv.ParseUint(str, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > math.MaxUint32/mult {
		return 0, fmt.Errorf("size %q does not fit in 32 bits", s)
	}
	return Size(n * mult), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (sz *Size) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return sz.Set(s)
}

// Set implements flag.Value.
func (sz *Size) Set(s string) error {
	v, err := ParseSize(s)
	if err != nil {
		return err
	}
	*sz = v
	return nil
}

func (sz Size) String() string {
	switch v := uint32(sz); {
	case v != 0 && v%(1<<20) == 0:
		return fmt.Sprintf("%dM", v>>20)
	case v != 0 && v%(1<<10) == 0:
		return fmt.Sprintf("%dK", v>>10)
	default:
		return strconv.FormatUint(uint64(v), 10)
	}
}
