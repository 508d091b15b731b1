// Package assembler turns a type-checked IR graph into x86-64 machine code.
//
// The generated function takes no arguments and follows the System V ABI:
//
//	push rbp; mov rbp, rsp; push rbx, r12, r13, r14, r15; sub rsp, frame
//	... blocks ...
//	lea rsp, [rbp-40]; pop r15, r14, r13, r12, rbx; pop rbp; ret
//
// Guest registers are accessed through the host pointers bound in the
// backend, guest memory through the host addresses computed by the graph.
// Values are kept zero-extended to 64 bits in their home register or slot.
package assembler

import (
	"fmt"
	"unsafe"

	"github.com/colorfulnotion/mipsjit/log"
	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/colorfulnotion/mipsjit/recompiler/cache"
	"github.com/colorfulnotion/mipsjit/recompiler/ir"
	"github.com/colorfulnotion/mipsjit/recompiler/x86"
)

// Code describes one assembled function inside a code buffer.
type Code struct {
	Entry     uintptr // address of the first instruction
	Offset    int     // offset of the first instruction in the buffer
	Length    int
	FrameSize int // bytes subtracted from rsp after the register saves
	Spilled   int // variables that did not get a register
}

// Bytes returns the machine code of c inside buf.
func (c Code) Bytes(buf *cache.Buffer) []byte {
	return buf.Mem[c.Offset : c.Offset+c.Length]
}

type patch struct {
	pos    int
	target int // block label, or -1 for the epilogue
}

type assembler struct {
	backend *ir.Backend
	g       *ir.Graph
	a       *allocation
	buf     *x86.Buffer
	offsets []int
	patches []patch
	pending []int
	err     error
}

// Assemble appends the machine code for g to buf and returns its location.
// On failure buf is left unchanged. ErrCodeBufferOverflow means the graph
// may fit in a larger or emptier buffer; the other errors are final for g.
func Assemble(b *ir.Backend, buf *cache.Buffer, g *ir.Graph) (Code, error) {
	if len(g.Blocks) == 0 {
		return Code{}, fmt.Errorf("empty graph: %w", recerrors.ErrTypecheck)
	}
	alloc, err := allocate(g)
	if err != nil {
		return Code{}, err
	}
	start := buf.Length
	asm := &assembler{
		backend: b,
		g:       g,
		a:       alloc,
		buf:     x86.NewBuffer(buf.Mem, start),
		offsets: make([]int, len(g.Blocks)),
	}
	for k := range asm.offsets {
		asm.offsets[k] = -1
	}

	frame := (alloc.frame+15)&^15 + 8
	asm.prologue(frame)
	asm.blocks()
	epilogue := asm.buf.Offset()
	asm.epilogue()
	if asm.err == nil {
		asm.err = asm.buf.Err()
	}
	if asm.err != nil {
		asm.buf.Rewind(start)
		log.Debug(log.AssemblerMonitoring, "assemble failed", "err", asm.err)
		return Code{}, asm.err
	}
	for _, p := range asm.patches {
		target := epilogue
		if p.target >= 0 {
			target = asm.offsets[p.target]
		}
		asm.buf.Patch(p.pos, target)
	}

	end := asm.buf.Offset()
	buf.Length = end
	code := Code{
		Offset:    start,
		Length:    end - start,
		FrameSize: frame,
		Spilled:   alloc.spilled,
	}
	if len(buf.Mem) > 0 {
		code.Entry = uintptr(unsafe.Pointer(&buf.Mem[start]))
	}
	log.Debug(log.AssemblerMonitoring, "assembled", "blocks", len(g.Blocks), "vars", g.NrVars,
		"bytes", code.Length, "frame", frame, "spilled", alloc.spilled)
	return code, nil
}

func (s *assembler) fail(i *ir.Instr, err error, format string, args ...interface{}) {
	if s.err == nil {
		s.err = &ir.InstrError{Instr: i, Msg: fmt.Sprintf(format, args...), Err: err}
	}
}

func (s *assembler) prologue(frame int) {
	s.buf.Push(x86.RBP)
	s.buf.MovRegReg(8, x86.RBP, x86.RSP)
	for _, r := range x86.CalleeSaved {
		s.buf.Push(r)
	}
	s.buf.AluImm(x86.AluSub, 8, x86.RSP, int32(frame))
}

func (s *assembler) epilogue() {
	s.buf.Lea(x86.RSP, x86.Mem{Base: x86.RBP, Disp: -int32(savedSize)})
	for k := len(x86.CalleeSaved) - 1; k >= 0; k-- {
		s.buf.Pop(x86.CalleeSaved[k])
	}
	s.buf.Pop(x86.RBP)
	s.buf.Ret()
}

// blocks emits block 0 and then every block reachable from it. The false
// target of a branch is placed right after the branch when it has not been
// emitted yet; true targets are queued.
func (s *assembler) blocks() {
	s.pending = append(s.pending, 0)
	for len(s.pending) > 0 && s.err == nil && s.buf.Err() == nil {
		label := s.pending[0]
		s.pending = s.pending[1:]
		if s.offsets[label] >= 0 {
			continue
		}
		for label >= 0 && s.err == nil {
			if s.offsets[label] >= 0 {
				s.jumpTo(-1, label)
				break
			}
			label = s.block(label)
		}
	}
}

// jumpTo emits a jump to the block label, conditional unless c < 0.
func (s *assembler) jumpTo(c int, label int) {
	var pos int
	if c < 0 {
		pos = s.buf.Jmp()
	} else {
		pos = s.buf.Jcc(x86.Cond(c))
	}
	s.patches = append(s.patches, patch{pos: pos, target: label})
}

// block emits one block and returns the label to place next, or -1.
func (s *assembler) block(label int) int {
	s.offsets[label] = s.buf.Offset()
	blk := s.g.Blocks[label]
	for i := blk.Head; i != nil; i = i.Next {
		switch i.Kind {
		case ir.KindExit:
			s.jumpTo(-1, -1)
			return -1
		case ir.KindBr:
			return s.branch(i, label)
		default:
			s.instr(i)
		}
		if s.err != nil {
			return -1
		}
	}
	s.err = fmt.Errorf("block %d has no terminator: %w", label, recerrors.ErrTypecheck)
	return -1
}

func (s *assembler) branch(i *ir.Instr, label int) int {
	ifFalse, ifTrue := i.Targets[0], i.Targets[1]
	for _, t := range i.Targets {
		if t <= label || t >= len(s.g.Blocks) {
			s.fail(i, recerrors.ErrTypecheck, "bad branch target %d", t)
			return -1
		}
	}
	cond := i.Args[0]
	if cond.IsConst() {
		if cond.Const&1 != 0 {
			return ifTrue
		}
		return ifFalse
	}
	s.load(x86.RAX, cond)
	s.buf.Test(4, x86.RAX, x86.RAX)
	s.jumpTo(int(x86.CondNE), ifTrue)
	if s.offsets[ifTrue] < 0 {
		s.pending = append(s.pending, ifTrue)
	}
	return ifFalse
}

// load materializes v, zero-extended, in dst.
func (s *assembler) load(dst x86.Reg, v ir.Value) {
	if v.IsConst() {
		s.buf.MovImm(dst, v.Const)
		return
	}
	l := s.a.locs[v.Var]
	switch l.kind {
	case locReg:
		if l.reg != dst {
			s.buf.MovRegReg(8, dst, l.reg)
		}
	case locStack:
		s.buf.Load(l.size, dst, l.mem())
	case locAlloc:
		s.buf.Lea(dst, l.mem())
	default:
		s.err = fmt.Errorf("variable %%%d has no location: %w", v.Var, recerrors.ErrTypecheck)
	}
}

// store moves src, already masked to the result type, to the home of i's result.
func (s *assembler) store(i *ir.Instr, src x86.Reg) {
	l := s.a.locs[i.Res]
	switch l.kind {
	case locReg:
		s.buf.MovRegReg(8, l.reg, src)
	case locStack:
		s.buf.Store(l.size, l.mem(), src)
	}
}

// address returns the memory operand for a load or store through addr,
// using rax when the address is computed.
func (s *assembler) address(addr ir.Value) x86.Mem {
	if addr.IsVar() && s.a.locs[addr.Var].kind == locAlloc {
		return s.a.locs[addr.Var].mem()
	}
	s.load(x86.RAX, addr)
	return x86.Mem{Base: x86.RAX}
}

// immediate reports whether v is a constant that a size-byte mov can store
// directly. Eight-byte stores sign-extend their 32-bit immediate.
func immediate(v ir.Value, size int) (int32, bool) {
	if !v.IsConst() || size == 8 && int64(v.Const) != int64(int32(v.Const)) {
		return 0, false
	}
	return int32(v.Const), true
}

// mask clears the bits of r above the width of t.
func (s *assembler) mask(t ir.Type, r x86.Reg) {
	switch t {
	case ir.I1:
		s.buf.AluImm(x86.AluAnd, 4, r, 1)
	case ir.I8:
		s.buf.Movzx(1, r, r)
	case ir.I16:
		s.buf.Movzx(2, r, r)
	case ir.I32:
		s.buf.MovRegReg(4, r, r)
	}
}

// signExtend widens the t-typed value in r to 64 bits.
func (s *assembler) signExtend(t ir.Type, r x86.Reg) {
	switch t {
	case ir.I1:
		s.buf.Unary(x86.UnaryNeg, 8, r)
	case ir.I8:
		s.buf.Movsx(1, r, r)
	case ir.I16:
		s.buf.Movsx(2, r, r)
	case ir.I32:
		s.buf.Movsx(4, r, r)
	}
}

func fitsImm32(v uint64) bool { return int64(v) == int64(int32(v)) }

func (s *assembler) instr(i *ir.Instr) {
	switch i.Kind {
	case ir.KindAlloc:
		// the slot was reserved by the allocator
	case ir.KindAssert:
		s.load(x86.RAX, i.Args[0])
		s.buf.Test(4, x86.RAX, x86.RAX)
		pos := s.buf.Jcc(x86.CondNE)
		s.buf.Ud2()
		s.buf.Patch(pos, s.buf.Offset())
	case ir.KindNot:
		s.load(x86.RAX, i.Args[0])
		s.buf.Unary(x86.UnaryNot, 8, x86.RAX)
		s.mask(i.Type, x86.RAX)
		s.store(i, x86.RAX)
	case ir.KindBinop:
		s.binop(i)
	case ir.KindIcmp:
		s.icmp(i)
	case ir.KindCvt:
		s.load(x86.RAX, i.Args[0])
		if i.CvtOp == ir.Sext {
			s.signExtend(i.Args[0].Type, x86.RAX)
		}
		s.mask(i.Type, x86.RAX)
		s.store(i, x86.RAX)
	case ir.KindLoad:
		m := s.address(i.Args[0])
		s.buf.Load(i.Type.Bytes(), x86.RCX, m)
		if i.Type == ir.I1 {
			s.mask(i.Type, x86.RCX)
		}
		s.store(i, x86.RCX)
	case ir.KindStore:
		size := i.Args[1].Type.Bytes()
		if imm, ok := immediate(i.Args[1], size); ok {
			s.buf.StoreImm(size, s.address(i.Args[0]), imm)
			return
		}
		s.load(x86.RCX, i.Args[1])
		m := s.address(i.Args[0])
		s.buf.Store(size, m, x86.RCX)
	case ir.KindRead:
		bind := s.backend.Register(i.Reg)
		if !bind.Bound() {
			s.fail(i, recerrors.ErrUnboundRegister, "read of %s", s.backend.RegisterName(i.Reg))
			return
		}
		s.buf.MovImm(x86.RCX, uint64(uintptr(bind.Ptr)))
		s.buf.Load(bind.Type.Bytes(), x86.RAX, x86.Mem{Base: x86.RCX})
		s.mask(i.Type, x86.RAX)
		s.store(i, x86.RAX)
	case ir.KindWrite:
		bind := s.backend.Register(i.Reg)
		if !bind.Bound() {
			s.fail(i, recerrors.ErrUnboundRegister, "write of %s", s.backend.RegisterName(i.Reg))
			return
		}
		size := bind.Type.Bytes()
		if imm, ok := immediate(i.Args[0], size); ok {
			s.buf.MovImm(x86.RCX, uint64(uintptr(bind.Ptr)))
			s.buf.StoreImm(size, x86.Mem{Base: x86.RCX}, imm)
			return
		}
		s.load(x86.RAX, i.Args[0])
		s.buf.MovImm(x86.RCX, uint64(uintptr(bind.Ptr)))
		s.buf.Store(size, x86.Mem{Base: x86.RCX}, x86.RAX)
	case ir.KindCall:
		s.call(i)
	default:
		s.fail(i, recerrors.ErrTypecheck, "unexpected %s", i.Kind)
	}
}

var aluOps = map[ir.BinOp]x86.AluOp{
	ir.Add: x86.AluAdd,
	ir.Sub: x86.AluSub,
	ir.And: x86.AluAnd,
	ir.Or:  x86.AluOr,
	ir.Xor: x86.AluXor,
}

func (s *assembler) binop(i *ir.Instr) {
	x, y := i.Args[0], i.Args[1]
	switch {
	case i.BinOp.IsDivision():
		s.division(i)
		return
	case i.BinOp.IsShift():
		s.shift(i)
		return
	}
	s.load(x86.RAX, x)
	if op, ok := aluOps[i.BinOp]; ok {
		if y.IsConst() && fitsImm32(y.Const) {
			s.buf.AluImm(op, 8, x86.RAX, int32(y.Const))
		} else {
			s.load(x86.RCX, y)
			s.buf.Alu(op, 8, x86.RAX, x86.RCX)
		}
	} else {
		s.load(x86.RCX, y)
		s.buf.Imul(8, x86.RAX, x86.RCX)
	}
	switch i.BinOp {
	case ir.Add, ir.Sub, ir.Mul:
		s.mask(i.Type, x86.RAX)
	}
	s.store(i, x86.RAX)
}

var shiftOps = map[ir.BinOp]x86.ShiftOp{
	ir.Sll: x86.ShiftShl,
	ir.Srl: x86.ShiftShr,
	ir.Sra: x86.ShiftSar,
}

// shift implements the IR shift: the count is masked to 31 (63 for i64).
// Below 32 bits the shift is done on the widened value, so counts at or
// above the width produce zero or the sign fill.
func (s *assembler) shift(i *ir.Instr) {
	t, y := i.Type, i.Args[1]
	op := shiftOps[i.BinOp]
	s.load(x86.RAX, i.Args[0])
	size := 8
	switch {
	case t == ir.I32:
		size = 4
	case t < ir.I32 && i.BinOp == ir.Sra:
		s.signExtend(t, x86.RAX)
	}
	if y.IsConst() {
		s.buf.ShiftImm(op, size, x86.RAX, byte(y.Const&ir.ShiftMask(t)))
	} else {
		s.load(x86.RCX, y)
		if t < ir.I32 {
			s.buf.AluImm(x86.AluAnd, 4, x86.RCX, int32(ir.ShiftMask(t)))
		}
		s.buf.ShiftCL(op, size, x86.RAX)
	}
	if t < ir.I32 {
		s.mask(t, x86.RAX)
	}
	s.store(i, x86.RAX)
}

// division routes through rdx:rax and guards the divisor so that the
// hardware never traps: x/0 and x/-1 are handled before div/idiv.
func (s *assembler) division(i *ir.Instr) {
	t := i.Type
	var size int
	switch t {
	case ir.I32:
		size = 4
	case ir.I64:
		size = 8
	default:
		s.fail(i, recerrors.ErrUnsupportedDivision, "%s division", t)
		return
	}
	op := i.BinOp
	signed := op == ir.Sdiv || op == ir.Srem
	rem := op == ir.Urem || op == ir.Srem

	var done []int
	s.load(x86.RAX, i.Args[0])
	s.load(x86.RCX, i.Args[1])
	s.buf.Test(size, x86.RCX, x86.RCX)
	nonzero := s.buf.Jcc(x86.CondNE)
	switch op {
	case ir.Udiv:
		s.buf.MovImm(x86.RAX, t.Mask())
	case ir.Sdiv:
		s.buf.Test(size, x86.RAX, x86.RAX)
		s.buf.MovImm(x86.RAX, t.Mask())
		done = append(done, s.buf.Jcc(x86.CondNS))
		s.buf.MovImm(x86.RAX, 1)
	}
	// remainders by zero leave the dividend in rax
	done = append(done, s.buf.Jmp())
	s.buf.Patch(nonzero, s.buf.Offset())

	if signed {
		s.buf.AluImm(x86.AluCmp, size, x86.RCX, -1)
		divide := s.buf.Jcc(x86.CondNE)
		if rem {
			s.buf.Alu(x86.AluXor, 4, x86.RAX, x86.RAX)
		} else {
			s.buf.Unary(x86.UnaryNeg, size, x86.RAX)
		}
		done = append(done, s.buf.Jmp())
		s.buf.Patch(divide, s.buf.Offset())
		if size == 8 {
			s.buf.Cqo()
		} else {
			s.buf.Cdq()
		}
		s.buf.Unary(x86.UnaryIdiv, size, x86.RCX)
	} else {
		s.buf.Alu(x86.AluXor, 4, x86.RDX, x86.RDX)
		s.buf.Unary(x86.UnaryDiv, size, x86.RCX)
	}
	if rem {
		s.buf.MovRegReg(size, x86.RAX, x86.RDX)
	}
	for _, pos := range done {
		s.buf.Patch(pos, s.buf.Offset())
	}
	s.mask(t, x86.RAX)
	s.store(i, x86.RAX)
}

var conds = map[ir.CmpOp]x86.Cond{
	ir.Eq:  x86.CondE,
	ir.Ne:  x86.CondNE,
	ir.Ugt: x86.CondA,
	ir.Uge: x86.CondAE,
	ir.Ult: x86.CondB,
	ir.Ule: x86.CondBE,
	ir.Sgt: x86.CondG,
	ir.Sge: x86.CondGE,
	ir.Slt: x86.CondL,
	ir.Sle: x86.CondLE,
}

func (s *assembler) icmp(i *ir.Instr) {
	t := i.Args[0].Type
	s.load(x86.RAX, i.Args[0])
	s.load(x86.RCX, i.Args[1])
	if i.CmpOp.Signed() {
		s.signExtend(t, x86.RAX)
		s.signExtend(t, x86.RCX)
	}
	s.buf.Alu(x86.AluCmp, 8, x86.RAX, x86.RCX)
	s.buf.Setcc(conds[i.CmpOp], x86.RAX)
	s.buf.Movzx(1, x86.RAX, x86.RAX)
	s.store(i, x86.RAX)
}

// call follows the System V convention. Caller-saved pool registers that
// stay live are pushed around the call; arguments beyond the sixth go on
// the stack, which is kept 16-byte aligned at the call.
func (s *assembler) call(i *ir.Instr) {
	if i.Func == nil || i.Func.Addr == 0 {
		s.fail(i, recerrors.ErrUnsupportedCall, "no native entry point")
		return
	}
	saved := s.a.liveAcross(s.a.index[i])
	for _, r := range saved {
		s.buf.Push(r)
	}
	nregs := len(i.Params)
	if nregs > len(x86.ArgRegs) {
		nregs = len(x86.ArgRegs)
	}
	nstack := len(i.Params) - nregs
	pad := 0
	if (len(saved)+nstack)%2 != 0 {
		pad = 8
		s.buf.AluImm(x86.AluSub, 8, x86.RSP, 8)
	}
	for k := len(i.Params) - 1; k >= nregs; k-- {
		s.load(x86.RAX, i.Params[k])
		s.buf.Push(x86.RAX)
	}
	// arguments pass through the stack so that no argument register is
	// overwritten while it still holds another parameter's value
	for k := 0; k < nregs; k++ {
		s.load(x86.RAX, i.Params[k])
		s.buf.Push(x86.RAX)
	}
	for k := nregs - 1; k >= 0; k-- {
		s.buf.Pop(x86.ArgRegs[k])
	}
	s.buf.MovImm(x86.RAX, uint64(i.Func.Addr))
	s.buf.CallReg(x86.RAX)
	if n := 8*nstack + pad; n > 0 {
		s.buf.AluImm(x86.AluAdd, 8, x86.RSP, int32(n))
	}
	for k := len(saved) - 1; k >= 0; k-- {
		s.buf.Pop(saved[k])
	}
	if i.HasResult() {
		s.mask(i.Type, x86.RAX)
		s.store(i, x86.RAX)
	}
}
