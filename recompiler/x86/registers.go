// Package x86 encodes the subset of x86-64 machine code emitted by the
// assembler and renders listings of it with x86asm.
package x86

import "fmt"

// Reg represents an x86-64 general purpose register with encoding information.
type Reg struct {
	Name    string
	RegBits byte // 3-bit code for ModRM/SIB
	REXBit  byte // 1 if register index >= 8
}

var (
	RAX = Reg{"rax", 0, 0} // return value, mul/div low half
	RCX = Reg{"rcx", 1, 0} // shift count, register table pointer
	RDX = Reg{"rdx", 2, 0} // mul/div high half
	RBX = Reg{"rbx", 3, 0}
	RSP = Reg{"rsp", 4, 0}
	RBP = Reg{"rbp", 5, 0} // frame pointer, spill slots are [rbp-n]
	RSI = Reg{"rsi", 6, 0}
	RDI = Reg{"rdi", 7, 0}
	R8  = Reg{"r8", 0, 1}
	R9  = Reg{"r9", 1, 1}
	R10 = Reg{"r10", 2, 1}
	R11 = Reg{"r11", 3, 1}
	R12 = Reg{"r12", 4, 1}
	R13 = Reg{"r13", 5, 1}
	R14 = Reg{"r14", 6, 1}
	R15 = Reg{"r15", 7, 1}
)

// Registers lists the general purpose registers in hardware order.
var Registers = [16]Reg{RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI, R8, R9, R10, R11, R12, R13, R14, R15}

// ArgRegs are the System V integer argument registers.
var ArgRegs = [6]Reg{RDI, RSI, RDX, RCX, R8, R9}

// CalleeSaved are the System V callee-saved registers other than rbp.
var CalleeSaved = [5]Reg{RBX, R12, R13, R14, R15}

// Index returns the 4-bit register number.
func (r Reg) Index() int { return int(r.REXBit)<<3 | int(r.RegBits) }

func (r Reg) String() string { return r.Name }

// Callee reports whether the register survives a System V call.
func (r Reg) Callee() bool {
	if r == RBP || r == RSP {
		return true
	}
	for _, c := range CalleeSaved {
		if r == c {
			return true
		}
	}
	return false
}

// needs a bare REX prefix to address spl, bpl, sil or dil
func (r Reg) byteHigh() bool { return r.Name != "" && r.REXBit == 0 && r.RegBits >= 4 }

// ext is the ModRM reg field used as an opcode extension.
func ext(n byte) Reg { return Reg{RegBits: n} }

// Operand is either a Reg or a Mem.
type Operand interface {
	isOperand()
	String() string
}

// Mem is a [base+disp] memory reference.
type Mem struct {
	Base Reg
	Disp int32
}

func (Reg) isOperand() {}
func (Mem) isOperand() {}

func (m Mem) String() string {
	switch {
	case m.Disp < 0:
		return fmt.Sprintf("[%s-0x%x]", m.Base, -int64(m.Disp))
	case m.Disp > 0:
		return fmt.Sprintf("[%s+0x%x]", m.Base, m.Disp)
	}
	return "[" + m.Base.Name + "]"
}

// Cond is an x86 condition code, the low nibble of Jcc and SETcc.
type Cond byte

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2 // unsigned <
	CondAE Cond = 0x3 // unsigned >=
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6 // unsigned <=
	CondA  Cond = 0x7 // unsigned >
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondL  Cond = 0xC // signed <
	CondGE Cond = 0xD // signed >=
	CondLE Cond = 0xE // signed <=
	CondG  Cond = 0xF // signed >
)

var condNames = [16]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

func (c Cond) String() string { return condNames[c&0xF] }
