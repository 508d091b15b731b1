// Package cache maps guest instruction addresses to compiled entry points.
// Guest memory is divided into pages; each page owns one executable code
// buffer and one open-addressing map bucket.
package cache

import (
	"fmt"
	"math/bits"

	"github.com/colorfulnotion/mipsjit/log"
	"github.com/colorfulnotion/mipsjit/recerrors"
)

// MinPageSize is the smallest accepted page size.
const MinPageSize = 4096

// Buffer is the code buffer of one page. Code is appended at Length.
type Buffer struct {
	Mem    []byte
	Length int
}

// Free reports the number of unused bytes.
func (b *Buffer) Free() int { return len(b.Mem) - b.Length }

type slot struct {
	addr  uint64
	entry uintptr
	used  bool
}

// Cache is not safe for concurrent use.
type Cache struct {
	pageShift uint
	pageSize  int
	mapSize   int
	region    *region
	buffers   []Buffer
	slots     []slot // pageCount buckets of mapSize slots
}

// New allocates pageCount code buffers of bufferSize bytes in one executable
// region, and pageCount map buckets of mapSize slots.
func New(pageSize, pageCount, bufferSize, mapSize int) (*Cache, error) {
	if pageSize < MinPageSize || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("%w: %d", recerrors.ErrBadPageSize, pageSize)
	}
	if pageCount <= 0 || bufferSize <= 0 || mapSize <= 0 {
		return nil, fmt.Errorf("%w: page_count=%d buffer_size=%d map_size=%d",
			recerrors.ErrBadCapacity, pageCount, bufferSize, mapSize)
	}
	r, err := allocRegion(pageCount * bufferSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", recerrors.ErrAllocFailed, err)
	}
	c := &Cache{
		pageShift: uint(bits.TrailingZeros(uint(pageSize))),
		pageSize:  pageSize,
		mapSize:   mapSize,
		region:    r,
		buffers:   make([]Buffer, pageCount),
		slots:     make([]slot, pageCount*mapSize),
	}
	for i := range c.buffers {
		c.buffers[i].Mem = r.mem[i*bufferSize : (i+1)*bufferSize : (i+1)*bufferSize]
	}
	log.Debug(log.CacheMonitoring, "code cache allocated", "pageSize", pageSize,
		"pages", pageCount, "bufferSize", bufferSize, "mapSize", mapSize, "executable", r.exec)
	return c, nil
}

func (c *Cache) PageSize() int  { return c.pageSize }
func (c *Cache) PageCount() int { return len(c.buffers) }

// Executable reports whether the code buffers are mapped executable.
func (c *Cache) Executable() bool { return c.region.exec }

func (c *Cache) page(addr uint64) (int, bool) {
	p := addr >> c.pageShift
	if p >= uint64(len(c.buffers)) {
		return 0, false
	}
	return int(p), true
}

func (c *Cache) bucket(page int) []slot {
	return c.slots[page*c.mapSize : (page+1)*c.mapSize]
}

// probe visits the bucket slots in probe order for addr until fn returns true.
func (c *Cache) probe(bucket []slot, addr uint64, fn func(s *slot) bool) {
	start := int((addr >> 2) % uint64(c.mapSize))
	for i := 0; i < c.mapSize; i++ {
		if fn(&bucket[(start+i)%c.mapSize]) {
			return
		}
	}
}

// Update inserts or overwrites the entry point for addr.
func (c *Cache) Update(addr uint64, entry uintptr) error {
	page, ok := c.page(addr)
	if !ok {
		return fmt.Errorf("%w: 0x%x", recerrors.ErrAddressOutOfRange, addr)
	}
	done := false
	c.probe(c.bucket(page), addr, func(s *slot) bool {
		if s.used && s.addr != addr {
			return false
		}
		*s = slot{addr: addr, entry: entry, used: true}
		done = true
		return true
	})
	if !done {
		return fmt.Errorf("%w: page %d, address 0x%x", recerrors.ErrMapFull, page, addr)
	}
	return nil
}

// Query returns the entry point for addr, or 0, together with the code
// buffer of addr's page. The buffer is nil when addr is outside the cache.
func (c *Cache) Query(addr uint64) (uintptr, *Buffer) {
	page, ok := c.page(addr)
	if !ok {
		return 0, nil
	}
	var entry uintptr
	c.probe(c.bucket(page), addr, func(s *slot) bool {
		if !s.used {
			return true
		}
		if s.addr == addr {
			entry = s.entry
			return true
		}
		return false
	})
	return entry, &c.buffers[page]
}

// Invalidate drops every code buffer and map slot of the pages overlapping
// [start, end). The end is rounded up to a page boundary. It returns the
// number of pages cleared.
func (c *Cache) Invalidate(start, end uint64) int {
	if end <= start {
		return 0
	}
	first := start >> c.pageShift
	last := (end-1)>>c.pageShift + 1
	if last > uint64(len(c.buffers)) {
		last = uint64(len(c.buffers))
	}
	n := 0
	for p := first; p < last; p++ {
		c.buffers[p].Length = 0
		bucket := c.bucket(int(p))
		for i := range bucket {
			bucket[i] = slot{}
		}
		n++
	}
	log.Trace(log.CacheMonitoring, "invalidate", "start", fmt.Sprintf("0x%x", start),
		"end", fmt.Sprintf("0x%x", end), "pages", n)
	return n
}

// Entries returns the number of occupied map slots.
func (c *Cache) Entries() int {
	n := 0
	for _, s := range c.slots {
		if s.used {
			n++
		}
	}
	return n
}

// Close releases the code region. The cache must not be used afterwards.
func (c *Cache) Close() error {
	if c.region == nil {
		return nil
	}
	err := c.region.free()
	c.region = nil
	c.buffers = nil
	return err
}
