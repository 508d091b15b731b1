package ir

import (
	"fmt"
	"unsafe"

	"github.com/colorfulnotion/mipsjit/recerrors"
)

// Memory is the guest bus seen by Run. Each access reports whether it
// succeeded.
type Memory interface {
	Load8(addr uint64) (uint8, bool)
	Load16(addr uint64) (uint16, bool)
	Load32(addr uint64) (uint32, bool)
	Load64(addr uint64) (uint64, bool)
	Store8(addr uint64, v uint8) bool
	Store16(addr uint64, v uint16) bool
	Store32(addr uint64, v uint32) bool
	Store64(addr uint64, v uint64) bool
}

// Binding ties an abstract register to a host memory location.
type Binding struct {
	Type Type
	Name string
	Ptr  unsafe.Pointer
}

// Bound reports whether the register can be read and written.
func (b Binding) Bound() bool { return b.Type != Void && b.Ptr != nil }

// Backend owns the register bindings, the memory bus and the fixed-capacity
// arenas used by one compilation. It is not safe for concurrent use.
type Backend struct {
	Memory Memory

	registers []Binding
	blocks    []Block
	instrs    []Instr
	params    []Value

	nrBlocks int
	nrInstrs int
	nrParams int
}

// NewBackend allocates a backend with the given arena capacities.
func NewBackend(mem Memory, nrRegisters, nrBlocks, nrInstrs, nrParams int) (*Backend, error) {
	if nrRegisters <= 0 || nrBlocks <= 0 || nrInstrs <= 0 || nrParams < 0 {
		return nil, fmt.Errorf("registers=%d blocks=%d instrs=%d params=%d: %w",
			nrRegisters, nrBlocks, nrInstrs, nrParams, recerrors.ErrBadCapacity)
	}
	return &Backend{
		Memory:    mem,
		registers: make([]Binding, nrRegisters),
		blocks:    make([]Block, nrBlocks),
		instrs:    make([]Instr, nrInstrs),
		params:    make([]Value, nrParams),
	}, nil
}

// BindRegister binds register id to a host location of the given width.
// A zero width leaves the register unbound: it reads as zero and ignores writes.
func (b *Backend) BindRegister(id Register, t Type, name string, ptr unsafe.Pointer) error {
	if int(id) < 0 || int(id) >= len(b.registers) {
		return fmt.Errorf("register %d of %d: %w", id, len(b.registers), recerrors.ErrBadRegister)
	}
	switch t {
	case Void, I8, I16, I32, I64:
	default:
		return fmt.Errorf("register %d width %d: %w", id, t, recerrors.ErrBadRegister)
	}
	if t != Void && ptr == nil {
		return fmt.Errorf("register %d has no host location: %w", id, recerrors.ErrBadRegister)
	}
	b.registers[id] = Binding{Type: t, Name: name, Ptr: ptr}
	return nil
}

// Register returns the binding of id. Out of range ids are unbound.
func (b *Backend) Register(id Register) Binding {
	if int(id) < 0 || int(id) >= len(b.registers) {
		return Binding{}
	}
	return b.registers[id]
}

func (b *Backend) NrRegisters() int { return len(b.registers) }

// RegisterName returns the bound name of id, or $id when it has none.
func (b *Backend) RegisterName(id Register) string {
	if n := b.Register(id).Name; n != "" {
		return "$" + n
	}
	return fmt.Sprintf("$%d", id)
}

// Reset discards every graph built since the last reset.
func (b *Backend) Reset() {
	b.nrBlocks = 0
	b.nrInstrs = 0
	b.nrParams = 0
}

// Usage reports how much of each arena is in use.
func (b *Backend) Usage() (blocks, instrs, params int) {
	return b.nrBlocks, b.nrInstrs, b.nrParams
}

func (b *Backend) allocBlock() (*Block, error) {
	if b.nrBlocks >= len(b.blocks) {
		return nil, fmt.Errorf("%d blocks: %w", len(b.blocks), recerrors.ErrCapacityExceeded)
	}
	blk := &b.blocks[b.nrBlocks]
	*blk = Block{Label: -1}
	b.nrBlocks++
	return blk, nil
}

func (b *Backend) allocInstr() (*Instr, error) {
	if b.nrInstrs >= len(b.instrs) {
		return nil, fmt.Errorf("%d instructions: %w", len(b.instrs), recerrors.ErrCapacityExceeded)
	}
	i := &b.instrs[b.nrInstrs]
	*i = Instr{}
	b.nrInstrs++
	return i, nil
}

func (b *Backend) allocParams(n int) ([]Value, error) {
	if b.nrParams+n > len(b.params) {
		return nil, fmt.Errorf("%d call parameters: %w", len(b.params), recerrors.ErrCapacityExceeded)
	}
	p := b.params[b.nrParams : b.nrParams+n : b.nrParams+n]
	b.nrParams += n
	return p, nil
}
