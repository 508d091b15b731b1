package x86

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/mipsjit/recerrors"
)

// AluOp selects a group 1 operation. The value is the ModRM extension used
// with the immediate forms; the register forms use opcode ext<<3|1.
type AluOp byte

const (
	AluAdd AluOp = 0
	AluOr  AluOp = 1
	AluAnd AluOp = 4
	AluSub AluOp = 5
	AluXor AluOp = 6
	AluCmp AluOp = 7
)

// UnaryOp selects a group 3 operation.
type UnaryOp byte

const (
	UnaryNot  UnaryOp = 2
	UnaryNeg  UnaryOp = 3
	UnaryDiv  UnaryOp = 6
	UnaryIdiv UnaryOp = 7
)

// ShiftOp selects a group 2 operation.
type ShiftOp byte

const (
	ShiftShl ShiftOp = 4
	ShiftShr ShiftOp = 5
	ShiftSar ShiftOp = 7
)

// Buffer writes machine code into a fixed slice. The first write that does
// not fit sets a sticky error; later writes are dropped, so a sequence of
// emits needs a single Err check at the end. An instruction that overflows
// may leave a partial encoding behind; callers Rewind past it.
type Buffer struct {
	mem []byte
	off int
	err error
}

// NewBuffer returns a Buffer emitting into mem starting at off.
func NewBuffer(mem []byte, off int) *Buffer {
	return &Buffer{mem: mem, off: off}
}

// Offset is the position of the next byte.
func (b *Buffer) Offset() int { return b.off }

// Bytes returns everything emitted so far, including bytes before the start offset.
func (b *Buffer) Bytes() []byte { return b.mem[:b.off] }

func (b *Buffer) Err() error { return b.err }

// Rewind moves the write position back to off and clears the error.
func (b *Buffer) Rewind(off int) {
	b.off = off
	b.err = nil
}

func (b *Buffer) emit(bs ...byte) {
	if b.err != nil {
		return
	}
	if b.off+len(bs) > len(b.mem) {
		b.err = fmt.Errorf("%w: %d bytes at offset %d, capacity %d",
			recerrors.ErrCodeBufferOverflow, len(bs), b.off, len(b.mem))
		return
	}
	b.off += copy(b.mem[b.off:], bs)
}

func (b *Buffer) imm16(v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	b.emit(buf[:]...)
}

func (b *Buffer) imm32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.emit(buf[:]...)
}

func (b *Buffer) imm64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	b.emit(buf[:]...)
}

func rmBase(rm Operand) Reg {
	switch o := rm.(type) {
	case Reg:
		return o
	case Mem:
		return o.Base
	}
	panic(fmt.Sprintf("x86: bad operand %T", rm))
}

// rex emits a REX prefix when any bit is needed or when force is set.
func (b *Buffer) rex(w bool, reg Reg, rm Operand, force bool) {
	rex := byte(0)
	if w {
		rex |= X86_REX_W
	}
	if reg.REXBit != 0 {
		rex |= X86_REX_R
	}
	if rmBase(rm).REXBit != 0 {
		rex |= X86_REX_B
	}
	if rex != 0 || force {
		b.emit(X86_OP_REX | rex)
	}
}

func (b *Buffer) modrm(reg Reg, rm Operand) {
	switch o := rm.(type) {
	case Reg:
		b.emit(X86_MOD_REGISTER<<6 | reg.RegBits<<3 | o.RegBits)
	case Mem:
		mod := byte(X86_MOD_INDIRECT_DISP32)
		switch {
		case o.Disp == 0 && o.Base.RegBits != 5: // rbp/r13 need an explicit displacement
			mod = X86_MOD_INDIRECT
		case o.Disp >= -128 && o.Disp <= 127:
			mod = X86_MOD_INDIRECT_DISP8
		}
		b.emit(mod<<6 | reg.RegBits<<3 | o.Base.RegBits)
		if o.Base.RegBits == 4 {
			b.emit(X86_SIB_NO_INDEX)
		}
		switch mod {
		case X86_MOD_INDIRECT_DISP8:
			b.emit(byte(int8(o.Disp)))
		case X86_MOD_INDIRECT_DISP32:
			b.imm32(uint32(o.Disp))
		}
	}
}

// instr emits [66] [REX] opcode ModRM for an operation of size bytes. For
// size 1 the opcode is decremented to its r/m8 form.
func (b *Buffer) instr(size int, reg Reg, rm Operand, opcode ...byte) {
	checkSize(size)
	force := false
	if size == 1 {
		r, isReg := rm.(Reg)
		force = reg.byteHigh() || (isReg && r.byteHigh())
		opcode[len(opcode)-1]--
	}
	if size == 2 {
		b.emit(X86_PREFIX_66)
	}
	b.rex(size == 8, reg, rm, force)
	b.emit(opcode...)
	b.modrm(reg, rm)
}

func checkSize(size int) {
	switch size {
	case 1, 2, 4, 8:
		return
	}
	panic(fmt.Sprintf("x86: bad operand size %d", size))
}

// MovRegReg emits mov dst, src. A 4-byte move clears the upper half of dst.
func (b *Buffer) MovRegReg(size int, dst, src Reg) {
	b.instr(size, src, dst, X86_OP_MOV_RM_R)
}

// MovImm loads v into dst using the shortest encoding.
func (b *Buffer) MovImm(dst Reg, v uint64) {
	switch {
	case v <= 0xffffffff:
		b.rex(false, Reg{}, dst, false)
		b.emit(X86_OP_MOV_R_IMM + dst.RegBits)
		b.imm32(uint32(v))
	case int64(v) == int64(int32(v)):
		b.rex(true, Reg{}, dst, false)
		b.emit(X86_OP_MOV_RM_IMM)
		b.modrm(ext(0), dst)
		b.imm32(uint32(v))
	default:
		b.rex(true, Reg{}, dst, false)
		b.emit(X86_OP_MOV_R_IMM + dst.RegBits)
		b.imm64(v)
	}
}

// Movzx zero-extends a size-byte source into the full 64-bit dst.
func (b *Buffer) Movzx(size int, dst Reg, src Operand) {
	switch size {
	case 1:
		r, isReg := src.(Reg)
		b.rex(false, dst, src, isReg && r.byteHigh())
		b.emit(X86_PREFIX_0F, X86_OP2_MOVZX_R_RM8)
		b.modrm(dst, src)
	case 2:
		b.rex(false, dst, src, false)
		b.emit(X86_PREFIX_0F, X86_OP2_MOVZX_R_RM16)
		b.modrm(dst, src)
	default:
		b.instr(size, dst, src, X86_OP_MOV_R_RM)
	}
}

// Movsx sign-extends a size-byte source into the 64-bit dst.
func (b *Buffer) Movsx(size int, dst Reg, src Operand) {
	switch size {
	case 1:
		r, isReg := src.(Reg)
		b.rex(true, dst, src, isReg && r.byteHigh())
		b.emit(X86_PREFIX_0F, X86_OP2_MOVSX_R_RM8)
	case 2:
		b.rex(true, dst, src, false)
		b.emit(X86_PREFIX_0F, X86_OP2_MOVSX_R_RM16)
	case 4:
		b.rex(true, dst, src, false)
		b.emit(X86_OP_MOVSXD)
	default:
		b.instr(8, dst, src, X86_OP_MOV_R_RM)
		return
	}
	b.modrm(dst, src)
}

// Load reads size bytes at src into dst, zero-extended.
func (b *Buffer) Load(size int, dst Reg, src Mem) { b.Movzx(size, dst, src) }

// Store writes the low size bytes of src to dst.
func (b *Buffer) Store(size int, dst Mem, src Reg) {
	b.instr(size, src, dst, X86_OP_MOV_RM_R)
}

// StoreImm writes the sign-extended immediate to a size-byte location.
func (b *Buffer) StoreImm(size int, dst Operand, v int32) {
	b.instr(size, ext(0), dst, X86_OP_MOV_RM_IMM)
	switch size {
	case 1:
		b.emit(byte(v))
	case 2:
		b.imm16(uint16(v))
	default:
		b.imm32(uint32(v))
	}
}

// Alu emits op dst, src using the r, r/m form.
func (b *Buffer) Alu(op AluOp, size int, dst Reg, src Operand) {
	b.instr(size, dst, src, byte(op)<<3|0x03)
}

// AluImm emits op dst, imm.
func (b *Buffer) AluImm(op AluOp, size int, dst Operand, v int32) {
	switch {
	case size == 1:
		b.instr(1, ext(byte(op)), dst, X86_OP_GROUP1_RM_IMM32)
		b.emit(byte(v))
	case v >= -128 && v <= 127:
		b.instr(size, ext(byte(op)), dst, X86_OP_GROUP1_RM_IMM8)
		b.emit(byte(int8(v)))
	default:
		b.instr(size, ext(byte(op)), dst, X86_OP_GROUP1_RM_IMM32)
		b.imm32(uint32(v))
	}
}

// Test emits test rm, reg.
func (b *Buffer) Test(size int, rm Operand, reg Reg) {
	b.instr(size, reg, rm, X86_OP_TEST_RM_R)
}

// Imul emits the two-operand signed multiply dst *= src.
func (b *Buffer) Imul(size int, dst Reg, src Operand) {
	if size < 2 {
		size = 4
	}
	if size == 2 {
		b.emit(X86_PREFIX_66)
	}
	b.rex(size == 8, dst, src, false)
	b.emit(X86_PREFIX_0F, X86_OP2_IMUL_R_RM)
	b.modrm(dst, src)
}

// Unary emits a group 3 operation on rm. Mul and div forms use rdx:rax.
func (b *Buffer) Unary(op UnaryOp, size int, rm Operand) {
	b.instr(size, ext(byte(op)), rm, X86_OP_GROUP3_RM)
}

// ShiftCL shifts rm by cl.
func (b *Buffer) ShiftCL(op ShiftOp, size int, rm Operand) {
	b.instr(size, ext(byte(op)), rm, X86_OP_GROUP2_RM_CL)
}

// ShiftImm shifts rm by n.
func (b *Buffer) ShiftImm(op ShiftOp, size int, rm Operand, n byte) {
	b.instr(size, ext(byte(op)), rm, X86_OP_GROUP2_RM_IMM8)
	b.emit(n)
}

// Setcc sets the byte rm to 1 if c holds, else 0.
func (b *Buffer) Setcc(c Cond, rm Operand) {
	r, isReg := rm.(Reg)
	b.rex(false, Reg{}, rm, isReg && r.byteHigh())
	b.emit(X86_PREFIX_0F, X86_OP2_SETCC+byte(c))
	b.modrm(ext(0), rm)
}

// Cdq sign-extends eax into edx.
func (b *Buffer) Cdq() { b.emit(X86_OP_CDQ) }

// Cqo sign-extends rax into rdx.
func (b *Buffer) Cqo() { b.emit(X86_OP_REX|X86_REX_W, X86_OP_CDQ) }

// Lea loads the address of m into dst.
func (b *Buffer) Lea(dst Reg, m Mem) {
	b.rex(true, dst, m, false)
	b.emit(X86_OP_LEA)
	b.modrm(dst, m)
}

func (b *Buffer) Push(r Reg) {
	b.rex(false, Reg{}, r, false)
	b.emit(X86_OP_PUSH_R + r.RegBits)
}

func (b *Buffer) Pop(r Reg) {
	b.rex(false, Reg{}, r, false)
	b.emit(X86_OP_POP_R + r.RegBits)
}

// CallReg emits call r.
func (b *Buffer) CallReg(r Reg) {
	b.rex(false, Reg{}, r, false)
	b.emit(X86_OP_GROUP5_RM)
	b.modrm(ext(X86_REG_CALL_RM), r)
}

func (b *Buffer) Ret() { b.emit(X86_OP_RET) }

// Ud2 emits the undefined instruction trap.
func (b *Buffer) Ud2() { b.emit(X86_PREFIX_0F, X86_OP2_UD2) }

// Jmp emits jmp rel32 with a zero displacement and returns the position of
// the displacement for Patch, or -1 if the buffer overflowed.
func (b *Buffer) Jmp() int {
	b.emit(X86_OP_JMP_REL32)
	return b.rel32()
}

// Jcc emits a conditional jump; see Jmp.
func (b *Buffer) Jcc(c Cond) int {
	b.emit(X86_PREFIX_0F, X86_OP2_JCC+byte(c))
	return b.rel32()
}

func (b *Buffer) rel32() int {
	b.imm32(0)
	if b.err != nil {
		return -1
	}
	return b.off - 4
}

// Patch points the rel32 displacement at pos to target.
func (b *Buffer) Patch(pos, target int) {
	if pos < 0 || pos+4 > len(b.mem) {
		return
	}
	binary.LittleEndian.PutUint32(b.mem[pos:], uint32(int32(target-(pos+4))))
}
