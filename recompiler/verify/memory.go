package verify

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Access is one recorded guest memory access.
type Access struct {
	Write bool
	Addr  uint64 // offset into the window
	Size  int
	Value uint64
}

func (a Access) String() string {
	op := "load"
	if a.Write {
		op = "store"
	}
	return fmt.Sprintf("%s%d [0x%04x] 0x%x", op, 8*a.Size, a.Addr, a.Value)
}

// memorySlack keeps wide accesses near the end of the window inside the
// allocation when native code runs them unchecked.
const memorySlack = 8

// Memory is a little-endian byte window served at its own host address,
// which is also the address native code dereferences.
type Memory struct {
	data  []byte
	size  int
	trace []Access
	Trace bool
}

// NewMemory allocates a zeroed window of size bytes.
func NewMemory(size int) *Memory {
	return &Memory{data: make([]byte, size+memorySlack), size: size}
}

// Base is the host address of the first byte.
func (m *Memory) Base() uint64 { return uint64(uintptr(unsafe.Pointer(&m.data[0]))) }

func (m *Memory) Size() int { return m.size }

// Bytes returns the window contents. The slice aliases the window.
func (m *Memory) Bytes() []byte { return m.data[:m.size] }

// Reset loads contents into the window, zeroes the rest and clears the trace.
func (m *Memory) Reset(contents []byte) {
	n := copy(m.data[:m.size], contents)
	clear(m.data[n:])
	m.trace = m.trace[:0]
}

// Accesses returns the trace recorded since the last Reset.
func (m *Memory) Accesses() []Access { return m.trace }

func (m *Memory) slice(addr uint64, n int) []byte {
	base := m.Base()
	if addr < base || addr-base+uint64(n) > uint64(m.size) {
		return nil
	}
	off := addr - base
	return m.data[off : off+uint64(n)]
}

func (m *Memory) record(write bool, addr uint64, n int, v uint64) {
	if m.Trace {
		m.trace = append(m.trace, Access{Write: write, Addr: addr - m.Base(), Size: n, Value: v})
	}
}

func (m *Memory) Load8(addr uint64) (uint8, bool) {
	s := m.slice(addr, 1)
	if s == nil {
		return 0, false
	}
	m.record(false, addr, 1, uint64(s[0]))
	return s[0], true
}

func (m *Memory) Load16(addr uint64) (uint16, bool) {
	s := m.slice(addr, 2)
	if s == nil {
		return 0, false
	}
	v := binary.LittleEndian.Uint16(s)
	m.record(false, addr, 2, uint64(v))
	return v, true
}

func (m *Memory) Load32(addr uint64) (uint32, bool) {
	s := m.slice(addr, 4)
	if s == nil {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(s)
	m.record(false, addr, 4, uint64(v))
	return v, true
}

func (m *Memory) Load64(addr uint64) (uint64, bool) {
	s := m.slice(addr, 8)
	if s == nil {
		return 0, false
	}
	v := binary.LittleEndian.Uint64(s)
	m.record(false, addr, 8, v)
	return v, true
}

func (m *Memory) Store8(addr uint64, v uint8) bool {
	s := m.slice(addr, 1)
	if s == nil {
		return false
	}
	s[0] = v
	m.record(true, addr, 1, uint64(v))
	return true
}

func (m *Memory) Store16(addr uint64, v uint16) bool {
	s := m.slice(addr, 2)
	if s == nil {
		return false
	}
	binary.LittleEndian.PutUint16(s, v)
	m.record(true, addr, 2, uint64(v))
	return true
}

func (m *Memory) Store32(addr uint64, v uint32) bool {
	s := m.slice(addr, 4)
	if s == nil {
		return false
	}
	binary.LittleEndian.PutUint32(s, v)
	m.record(true, addr, 4, uint64(v))
	return true
}

func (m *Memory) Store64(addr uint64, v uint64) bool {
	s := m.slice(addr, 8)
	if s == nil {
		return false
	}
	binary.LittleEndian.PutUint64(s, v)
	m.record(true, addr, 8, v)
	return true
}
