// Package cache fronts the backing store with a fixed set of line buffers
// held in fast host memory.
//
// The cache is fully associative with least-recently-used replacement. Each
// slot remembers the value of a counter that is bumped on every access; on a
// miss the first empty slot (lowest index) is used, otherwise the slot with
// the smallest counter. Dirty lines are written back before their slot is
// reused, so a read always observes the latest write to an address no matter
// how many evictions happened in between.
package cache

import (
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/tinyrange/ucrv32/internal/fault"
)

// Backing is the slow store the cache reads through to.
type Backing interface {
	Read(off uint32, p []byte) error
	Write(off uint32, p []byte) error
	Size() uint32
}

// Stats is a snapshot of the cache counters. Accesses counts every line
// touched by Read or Write; Hits counts the ones that were already resident.
type Stats struct {
	Hits     uint64
	Accesses uint64
}

// HitRate returns Hits/Accesses, or 0 before the first access.
func (s Stats) HitRate() float64 {
	if s.Accesses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Accesses)
}

// line is one cache slot.
type line struct {
	data  []byte
	tag   uint32 // aligned offset of the region held in data
	valid bool
	dirty bool
	used  uint64
}

// Cache is not safe for concurrent use.
type Cache struct {
	store    Backing
	lineSize uint32
	mask     uint32
	lines    []line
	index    map[uint32]int

	clock    uint64
	hits     uint64
	accesses uint64

	Logger *slog.Logger
}

// New creates a cache of count lines of lineSize bytes over store.
// lineSize must be a power of two and divide the store size, and the
// cache may not hold more than the store.
func New(store Backing, lineSize uint32, count int) (*Cache, error) {
	if lineSize == 0 || bits.OnesCount32(lineSize) != 1 {
		return nil, fmt.Errorf("cache: line size %d is not a power of two", lineSize)
	}
	if count <= 0 {
		return nil, fmt.Errorf("cache: need at least one line, got %d", count)
	}
	if store.Size()%lineSize != 0 {
		return nil, fmt.Errorf("cache: store size %d is not a multiple of line size %d", store.Size(), lineSize)
	}
	if uint64(count) > uint64(store.Size()/lineSize) {
		return nil, fmt.Errorf("cache: %d lines of %d bytes exceed store size %d", count, lineSize, store.Size())
	}

	c := &Cache{
		store:    store,
		lineSize: lineSize,
		mask:     lineSize - 1,
		lines:    make([]line, count),
		index:    make(map[uint32]int, count),
		Logger:   slog.Default(),
	}
	// One allocation for all line buffers.
	buf := make([]byte, int(lineSize)*count)
	for i := range c.lines {
		c.lines[i].data = buf[i*int(lineSize) : (i+1)*int(lineSize) : (i+1)*int(lineSize)]
	}
	return c, nil
}

// LineSize returns the size of one line in bytes.
func (c *Cache) LineSize() uint32 { return c.lineSize }

// Lines returns the number of slots.
func (c *Cache) Lines() int { return len(c.lines) }

// Stats returns a snapshot of the hit and access counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits, Accesses: c.accesses}
}

func (c *Cache) checkRange(op string, off uint32, n int) error {
	if uint64(off)+uint64(n) > uint64(c.store.Size()) {
		return fault.Bounds(op, uint64(off), n)
	}
	return nil
}

// Read copies len(p) bytes starting at guest offset off into p.
func (c *Cache) Read(off uint32, p []byte) error {
	if err := c.checkRange("cache read", off, len(p)); err != nil {
		return err
	}
	for done := 0; done < len(p); {
		addr := off + uint32(done)
		l, err := c.lookup(addr &^ c.mask)
		if err != nil {
			return err
		}
		done += copy(p[done:], l.data[addr&c.mask:])
	}
	return nil
}

// Write copies p into the cache at guest offset off. The backing store is
// only updated when the touched lines are evicted or flushed.
func (c *Cache) Write(off uint32, p []byte) error {
	if err := c.checkRange("cache write", off, len(p)); err != nil {
		return err
	}
	for done := 0; done < len(p); {
		addr := off + uint32(done)
		l, err := c.lookup(addr &^ c.mask)
		if err != nil {
			return err
		}
		done += copy(l.data[addr&c.mask:], p[done:])
		l.dirty = true
	}
	return nil
}

// lookup returns the resident line for tag, filling a victim slot on a miss.
func (c *Cache) lookup(tag uint32) (*line, error) {
	c.accesses++
	c.clock++

	if i, ok := c.index[tag]; ok {
		c.hits++
		l := &c.lines[i]
		l.used = c.clock
		return l, nil
	}

	i := c.victim()
	l := &c.lines[i]
	if l.valid {
		if l.dirty {
			if err := c.store.Write(l.tag, l.data); err != nil {
				return nil, fmt.Errorf("cache write back 0x%x: %w", l.tag, err)
			}
			l.dirty = false
		}
		delete(c.index, l.tag)
		l.valid = false
	}

	if err := c.store.Read(tag, l.data); err != nil {
		return nil, fmt.Errorf("cache fill 0x%x: %w", tag, err)
	}
	l.tag = tag
	l.valid = true
	l.used = c.clock
	c.index[tag] = i
	return l, nil
}

func (c *Cache) victim() int {
	best := 0
	for i := range c.lines {
		l := &c.lines[i]
		if !l.valid {
			return i
		}
		if l.used < c.lines[best].used {
			best = i
		}
	}
	return best
}

// FlushAll writes every dirty line back to the store. Lines stay resident.
func (c *Cache) FlushAll() error {
	flushed := 0
	for i := range c.lines {
		l := &c.lines[i]
		if !l.valid || !l.dirty {
			continue
		}
		if err := c.store.Write(l.tag, l.data); err != nil {
			return fmt.Errorf("cache flush 0x%x: %w", l.tag, err)
		}
		l.dirty = false
		flushed++
	}
	c.Logger.Debug("cache flushed", "lines", flushed)
	return nil
}

// Invalidate flushes dirty lines and then empties every slot.
func (c *Cache) Invalidate() error {
	if err := c.FlushAll(); err != nil {
		return err
	}
	for i := range c.lines {
		c.lines[i].valid = false
		c.lines[i].used = 0
	}
	clear(c.index)
	return nil
}
