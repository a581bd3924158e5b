package machine

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/ucrv32/internal/bus"
	"github.com/tinyrange/ucrv32/internal/fdt"
)

var (
	ErrNoKernel       = errors.New("no kernel image configured")
	ErrKernelTooLarge = errors.New("kernel image does not fit in RAM")
)

// Boot loads the kernel at the start of RAM and the device tree at the
// top, then resets the core. It runs again on every guest restart.
func (m *Machine) Boot() error {
	size := uint32(m.cfg.RAMSize)

	// Boot data is written straight to the backing store, so nothing may
	// stay resident in the cache.
	if err := m.cache.Invalidate(); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	m.console.Reset()

	dtb, err := m.deviceTree()
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	limit := size
	var dtbOff uint32
	if len(dtb) > 0 {
		if uint64(len(dtb)) > uint64(size) {
			return fmt.Errorf("boot: device tree of %d bytes does not fit in RAM", len(dtb))
		}
		dtbOff = (size - uint32(len(dtb))) &^ 7
		limit = dtbOff
	}

	kernelLen, err := m.loadKernel(limit)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	var dtbPtr uint32
	if len(dtb) > 0 {
		if _, err := fdt.PatchMemoryTop(dtb, dtbOff); err != nil {
			if !errors.Is(err, fdt.ErrNotFound) {
				return fmt.Errorf("boot: device tree: %w", err)
			}
			m.logger.Warn("device tree has no memory node, loading unpatched")
		}
		if err := m.store.BulkLoad(bytes.NewReader(dtb), dtbOff, int64(len(dtb)), "dtb"); err != nil {
			return fmt.Errorf("boot: %w", err)
		}
		dtbPtr = bus.RAMBase + dtbOff
	}

	m.core.Reset(bus.RAMBase, 0, dtbPtr)
	m.lastTime = 0
	m.boots++

	m.logger.Info("boot",
		"kernel", m.cfg.KernelPath,
		"kernel_size", kernelLen,
		"dtb", fmt.Sprintf("0x%08x", dtbPtr),
		"boots", m.boots)
	return nil
}

// deviceTree returns the configured blob, or the generated one when no
// path is set. The result is a private copy that Boot may patch.
func (m *Machine) deviceTree() ([]byte, error) {
	if m.cfg.DTBPath == "" {
		return fdt.DefaultMachine(uint32(m.cfg.RAMSize), m.cfg.BootArgs), nil
	}
	data, err := os.ReadFile(m.cfg.DTBPath)
	if err != nil {
		return nil, fmt.Errorf("reading device tree: %w", err)
	}
	if _, err := fdt.ParseHeader(data); err != nil {
		return nil, fmt.Errorf("device tree %q: %w", m.cfg.DTBPath, err)
	}
	return data, nil
}

// loadKernel copies the kernel image, gunzipping it if needed, into RAM at
// offset 0. It may use at most limit bytes.
func (m *Machine) loadKernel(limit uint32) (int64, error) {
	if m.cfg.KernelPath == "" {
		return 0, ErrNoKernel
	}
	f, err := os.Open(m.cfg.KernelPath)
	if err != nil {
		return 0, fmt.Errorf("open kernel: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return 0, fmt.Errorf("kernel gzip header: %w", err)
		}
		defer zr.Close()

		// The decompressed size is only known after inflating.
		var buf bytes.Buffer
		n, err := io.Copy(&buf, io.LimitReader(zr, int64(limit)+1))
		if err != nil {
			return 0, fmt.Errorf("inflate kernel: %w", err)
		}
		if n > int64(limit) {
			return 0, fmt.Errorf("%w: more than %d bytes after inflating", ErrKernelTooLarge, limit)
		}
		return n, m.store.BulkLoad(&buf, 0, n, "kernel")
	}

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat kernel: %w", err)
	}
	if info.Size() > int64(limit) {
		return 0, fmt.Errorf("%w: %d bytes, %d available", ErrKernelTooLarge, info.Size(), limit)
	}
	return info.Size(), m.store.BulkLoad(br, 0, info.Size(), "kernel")
}
