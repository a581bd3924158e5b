// Package backing implements the slow, block-addressable store that holds
// the full guest RAM image. Byte N of the image is guest physical offset N;
// there is no header. Nothing is cached here: every call reaches the medium.
package backing

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/ucrv32/internal/fault"
)

// bulkChunk is the transfer size used while populating the image.
const bulkChunk = 32 * 1024

// Device is the raw medium under a Store.
type Device interface {
	io.ReaderAt
	io.WriterAt
}

// Store is a bounds-checked view of a Device sized to guest RAM.
// It performs no locking; callers serialize access.
type Store struct {
	dev  Device
	size uint32
	file *os.File

	// Progress receives a progress bar during BulkLoad. Nil disables it.
	Progress io.Writer

	Logger *slog.Logger

	reads  uint64
	writes uint64
}

// New wraps dev as a store of size bytes.
func New(dev Device, size uint32) *Store {
	return &Store{dev: dev, size: size, Logger: slog.Default()}
}

// OpenFile creates (or truncates) the image file at path and sizes it to
// size bytes. The previous contents are discarded.
func OpenFile(path string, size uint32) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open backing image %q: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("size backing image %q: %w", path, err)
	}
	s := New(f, size)
	s.file = f
	s.Logger.Info("backing image ready", "path", path, "size", size)
	return s, nil
}

// Size returns the size of the image in bytes.
func (s *Store) Size() uint32 { return s.size }

// Counters returns the number of Read and Write calls that reached the device.
func (s *Store) Counters() (reads, writes uint64) { return s.reads, s.writes }

func (s *Store) check(op string, off uint32, n int) error {
	if uint64(off)+uint64(n) > uint64(s.size) {
		return fault.Bounds(op, uint64(off), n)
	}
	return nil
}

// Read fills p from image offset off. A short read is an IO fault.
func (s *Store) Read(off uint32, p []byte) error {
	if err := s.check("backing read", off, len(p)); err != nil {
		return err
	}
	s.reads++
	n, err := s.dev.ReadAt(p, int64(off))
	if n == len(p) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return fault.IO("backing read", uint64(off), len(p), err)
}

// Write stores p at image offset off. A short write is an IO fault.
func (s *Store) Write(off uint32, p []byte) error {
	if err := s.check("backing write", off, len(p)); err != nil {
		return err
	}
	s.writes++
	n, err := s.dev.WriteAt(p, int64(off))
	if n == len(p) && err == nil {
		return nil
	}
	if err == nil {
		err = io.ErrShortWrite
	}
	return fault.IO("backing write", uint64(off), len(p), err)
}

// BulkLoad copies exactly length bytes from r into the image at dest.
func (s *Store) BulkLoad(r io.Reader, dest uint32, length int64, desc string) error {
	if length < 0 || length > int64(s.size) {
		return fault.Bounds("bulk load", uint64(dest), int(length))
	}
	if err := s.check("bulk load", dest, int(length)); err != nil {
		return err
	}

	src := io.LimitReader(r, length)
	if s.Progress != nil {
		bar := progressbar.NewOptions64(length,
			progressbar.OptionSetWriter(s.Progress),
			progressbar.OptionSetDescription(desc),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		src = io.TeeReader(src, bar)
	}

	buf := make([]byte, bulkChunk)
	off := dest
	remaining := length
	for remaining > 0 {
		chunk := buf
		if remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		n, err := io.ReadFull(src, chunk)
		if n > 0 {
			if werr := s.Write(off, chunk[:n]); werr != nil {
				return werr
			}
			off += uint32(n)
			remaining -= int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fault.IO("bulk load", uint64(off), int(remaining), fmt.Errorf("%s: source ended early: %w", desc, io.ErrUnexpectedEOF))
			}
			return fault.IO("bulk load", uint64(off), int(remaining), fmt.Errorf("%s: %w", desc, err))
		}
	}

	s.Logger.Debug("bulk load complete", "what", desc, "dest", dest, "length", length)
	return nil
}

// Sync forces written data to stable storage when the device is a file.
func (s *Store) Sync() error {
	if s.file == nil {
		return nil
	}
	if err := syncFile(s.file); err != nil {
		return fault.IO("backing sync", 0, 0, err)
	}
	return nil
}

// Close syncs and releases the underlying file, if any.
func (s *Store) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}
