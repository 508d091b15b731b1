// Package mips lowers MIPS III (R4300) machine code to IR.
package mips

import (
	"fmt"
	"unsafe"

	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/colorfulnotion/mipsjit/recompiler/ir"
)

// Register ids of the architectural state.
const (
	RegHI  ir.Register = 32
	RegLO  ir.Register = 33
	RegPC  ir.Register = 34
	RegCP0 ir.Register = 35

	NumRegisters = 67
)

// COP0 register numbers used by the front end.
const (
	CP0Status   = 12
	CP0Cause    = 13
	CP0EPC      = 14
	CP0ErrorEPC = 30
)

// Status register bits.
const (
	StatusEXL = 1 << 1
	StatusERL = 1 << 2
)

// Exception codes passed to the exception handler.
const (
	ExcSyscall = 8
	ExcBreak   = 9
)

// ExceptionVector is the general exception entry point (KSEG0 base + 0x180).
const ExceptionVector = 0xffffffff80000180

const causeExcCode = 0x7c

func GPR(n int) ir.Register { return ir.Register(n) }
func CP0(n int) ir.Register { return RegCP0 + ir.Register(n) }

var GPRNames = [32]string{
	"zero", "at", "v0", "v1", "a0", "a1", "a2", "a3",
	"t0", "t1", "t2", "t3", "t4", "t5", "t6", "t7",
	"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7",
	"t8", "t9", "k0", "k1", "gp", "sp", "fp", "ra",
}

var CP0Names = [32]string{
	"index", "random", "entrylo0", "entrylo1", "context", "pagemask", "wired", "cp0r7",
	"badvaddr", "count", "entryhi", "compare", "status", "cause", "epc", "prid",
	"config", "lladdr", "watchlo", "watchhi", "xcontext", "cp0r21", "cp0r22", "cp0r23",
	"cp0r24", "cp0r25", "parityerror", "cacheerror", "taglo", "taghi", "errorepc", "cp0r31",
}

// State is the guest register file the front end binds to a backend.
type State struct {
	GPR [32]uint64
	HI  uint64
	LO  uint64
	PC  uint64
	CP0 [32]uint64
}

// Bind binds every register of s to b at width w (i32 or i64). In 32-bit
// mode only the low half of each field is read or written. $zero stays
// unbound so it reads as zero and drops writes.
func (s *State) Bind(b *ir.Backend, w ir.Type) error {
	if w != ir.I32 && w != ir.I64 {
		return fmt.Errorf("gpr width %s: %w", w, recerrors.ErrUnknownConfig)
	}
	if b.NrRegisters() < NumRegisters {
		return fmt.Errorf("backend has %d registers, need %d: %w", b.NrRegisters(), NumRegisters, recerrors.ErrBadRegister)
	}
	bind := func(id ir.Register, t ir.Type, name string, p *uint64) error {
		return b.BindRegister(id, t, name, unsafe.Pointer(p))
	}
	if err := b.BindRegister(GPR(0), ir.Void, GPRNames[0], nil); err != nil {
		return err
	}
	for n := 1; n < 32; n++ {
		if err := bind(GPR(n), w, GPRNames[n], &s.GPR[n]); err != nil {
			return err
		}
	}
	for _, r := range []struct {
		id   ir.Register
		name string
		p    *uint64
	}{{RegHI, "hi", &s.HI}, {RegLO, "lo", &s.LO}, {RegPC, "pc", &s.PC}} {
		if err := bind(r.id, w, r.name, r.p); err != nil {
			return err
		}
	}
	for n := 0; n < 32; n++ {
		if err := bind(CP0(n), w, CP0Names[n], &s.CP0[n]); err != nil {
			return err
		}
	}
	return nil
}

// Raise enters the general exception handler: Cause.ExcCode is set, EPC
// receives pc unless Status.EXL is already set, EXL is raised and the PC
// moves to the exception vector.
func (s *State) Raise(cause, pc uint64) {
	s.CP0[CP0Cause] = s.CP0[CP0Cause]&^causeExcCode | cause<<2&causeExcCode
	if s.CP0[CP0Status]&StatusEXL == 0 {
		s.CP0[CP0EPC] = pc
	}
	s.CP0[CP0Status] |= StatusEXL
	s.PC = ExceptionVector
}

func (s *State) field(id ir.Register) *uint64 {
	switch {
	case id < 32:
		return &s.GPR[id]
	case id == RegHI:
		return &s.HI
	case id == RegLO:
		return &s.LO
	case id == RegPC:
		return &s.PC
	case id >= RegCP0 && id < RegCP0+32:
		return &s.CP0[id-RegCP0]
	}
	return nil
}

// Get returns register id; unknown ids read as zero.
func (s *State) Get(id ir.Register) uint64 {
	if p := s.field(id); p != nil {
		return *p
	}
	return 0
}

// Set writes register id. Writes to $zero and unknown ids are dropped.
func (s *State) Set(id ir.Register, v uint64) {
	if p := s.field(id); p != nil && id != 0 {
		*p = v
	}
}

// Registers flattens s in register id order, truncated to width w.
func (s *State) Registers(w ir.Type) []uint64 {
	out := make([]uint64, NumRegisters)
	for n := 0; n < 32; n++ {
		out[GPR(n)] = s.GPR[n] & w.Mask()
		out[CP0(n)] = s.CP0[n] & w.Mask()
	}
	out[RegHI] = s.HI & w.Mask()
	out[RegLO] = s.LO & w.Mask()
	out[RegPC] = s.PC & w.Mask()
	return out
}

// RegisterName returns the assembler name of a register id.
func RegisterName(id ir.Register) string {
	switch {
	case id < 32:
		return GPRNames[id]
	case id == RegHI:
		return "hi"
	case id == RegLO:
		return "lo"
	case id == RegPC:
		return "pc"
	case id >= RegCP0 && id < RegCP0+32:
		return CP0Names[id-RegCP0]
	}
	return fmt.Sprintf("r%d", id)
}

// LookupRegister resolves an assembler name ("v0", "r2", "$2", "hi", "status").
func LookupRegister(name string) (ir.Register, bool) {
	if len(name) > 0 && name[0] == '$' {
		name = name[1:]
	}
	var n int
	if _, err := fmt.Sscanf(name, "r%d", &n); err == nil && n >= 0 && n < 32 && fmt.Sprintf("r%d", n) == name {
		return GPR(n), true
	}
	if _, err := fmt.Sscanf(name, "%d", &n); err == nil && n >= 0 && n < 32 && fmt.Sprintf("%d", n) == name {
		return GPR(n), true
	}
	for id := ir.Register(0); id < NumRegisters; id++ {
		if RegisterName(id) == name {
			return id, true
		}
	}
	return 0, false
}
