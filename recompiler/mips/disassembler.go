package mips

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/mipsjit/log"
	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/colorfulnotion/mipsjit/recompiler/ir"
)

const DefaultMaxInstructions = 256

// Disassembler lowers a window of big-endian MIPS words to an IR graph. Guest
// memory accesses use host address (vaddr & AddressMask) + AddressBase.
type Disassembler struct {
	Backend         *ir.Backend
	AddressBase     uint64
	AddressMask     uint64
	MaxInstructions int

	// Exception is called with (cause, pc) for SYSCALL and BREAK. When nil
	// those instructions are not lowered.
	Exception *ir.Func
}

// NewDisassembler returns a disassembler with an identity address mapping.
func NewDisassembler(b *ir.Backend) *Disassembler {
	return &Disassembler{Backend: b, AddressMask: ^uint64(0), MaxInstructions: DefaultMaxInstructions}
}

// Disassemble is shorthand for NewDisassembler(b).Disassemble(addr, code).
func Disassemble(b *ir.Backend, addr uint64, code []byte) (*ir.Graph, error) {
	return NewDisassembler(b).Disassemble(addr, code)
}

// path is a pending block: optionally a likely-branch delay slot at slot,
// then straight-line code from addr.
type path struct {
	label int
	addr  uint64
	delay bool
	slot  uint64
}

type lowering struct {
	d      *Disassembler
	b      *ir.Builder
	w      ir.Type
	start  uint64
	code   []byte
	budget int
	count  int
	work   []path
}

// Disassemble builds a graph whose entry block starts executing at addr.
// code holds the bytes of [addr, addr+len(code)). Every path ends by writing
// the next guest PC and exiting. A path stops before an instruction that
// cannot be lowered; if that is the very first instruction the result is
// ErrUnsupportedInstruction.
func (d *Disassembler) Disassemble(addr uint64, code []byte) (*ir.Graph, error) {
	w := d.Backend.Register(GPR(1)).Type
	if w != ir.I32 && w != ir.I64 {
		return nil, fmt.Errorf("gpr binding %s: %w", w, recerrors.ErrUnboundRegister)
	}
	budget := d.MaxInstructions
	if budget <= 0 {
		budget = DefaultMaxInstructions
	}
	l := &lowering{
		d:      d,
		b:      ir.NewBuilder(d.Backend),
		w:      w,
		start:  addr & w.Mask(),
		code:   code,
		budget: budget,
	}
	l.work = append(l.work, path{label: 0, addr: l.start})
	for len(l.work) > 0 && l.b.Err() == nil {
		p := l.work[len(l.work)-1]
		l.work = l.work[:len(l.work)-1]
		l.b.SetBlock(p.label)
		if p.delay {
			slot, _ := l.fetch(p.slot)
			l.lowerDelay(slot)
		}
		l.path(p.addr)
	}
	g, err := l.b.Graph()
	if err != nil {
		return nil, err
	}
	if l.count == 0 {
		word, _ := l.fetch(l.start)
		return nil, fmt.Errorf("0x%x: word 0x%08x: %w", l.start, word.word, recerrors.ErrUnsupportedInstruction)
	}
	log.Trace(log.MipsMonitoring, "disassembled", "addr", fmt.Sprintf("0x%x", l.start),
		"instructions", l.count, "blocks", len(g.Blocks), "vars", g.NrVars)
	return g, nil
}

func (l *lowering) fetch(addr uint64) (inst, bool) {
	off := addr - l.start
	if addr&3 != 0 || off >= uint64(len(l.code)) || off+4 > uint64(len(l.code)) {
		return inst{addr: addr}, false
	}
	return inst{addr: addr, word: binary.BigEndian.Uint32(l.code[off:])}, true
}

func (l *lowering) supported(op *opcode) bool {
	if op == nil || op.is64 && l.w != ir.I64 {
		return false
	}
	return op.class != classException || l.d.Exception != nil
}

// delaySlot fetches the instruction after a branch and reports whether it can
// be lowered there.
func (l *lowering) delaySlot(addr uint64) (inst, bool) {
	in, ok := l.fetch(addr + 4)
	if !ok {
		return in, false
	}
	op := decode(in.word)
	return in, l.supported(op) && op.class == classSimple
}

func (l *lowering) pc(v uint64) uint64 { return v & l.w.Mask() }

// exit ends the current path, resuming the guest at addr.
func (l *lowering) exit(addr uint64) {
	l.b.Write(RegPC, ir.Const(l.w, addr))
	l.b.Exit()
}

func (l *lowering) path(addr uint64) {
	for l.b.Err() == nil {
		in, ok := l.fetch(addr)
		if !ok || l.budget <= 0 {
			l.exit(addr)
			return
		}
		op := decode(in.word)
		if !l.supported(op) {
			log.Trace(log.MipsMonitoring, "unsupported instruction", "addr", fmt.Sprintf("0x%x", addr), "word", fmt.Sprintf("0x%08x", in.word))
			l.exit(addr)
			return
		}
		if op.class == classSimple {
			l.lowerSimple(in)
			addr = l.pc(addr + 4)
			continue
		}
		next, cont := l.control(op, in)
		if !cont {
			return
		}
		addr = next
	}
}

func (l *lowering) lowerSimple(in inst) {
	decode(in.word).lower(l, in)
	l.budget--
	l.count++
}

// control lowers a control-transfer instruction. It returns the address to
// continue at in the current block, or false when the path has ended.
func (l *lowering) control(op *opcode, in inst) (uint64, bool) {
	switch op.class {
	case classEret:
		l.eret()
		l.budget--
		l.count++
		return 0, false
	case classException:
		l.b.Write(RegPC, ir.Const(l.w, in.addr))
		l.b.Call(l.d.Exception, ir.Void, ir.Const(ir.I64, op.cause), ir.Const(ir.I64, in.addr))
		l.b.Exit()
		l.budget--
		l.count++
		return 0, false
	}

	slot, ok := l.delaySlot(in.addr)
	if !ok || l.budget < 2 {
		l.exit(in.addr)
		return 0, false
	}
	l.budget -= 2
	l.count += 2
	link := l.pc(in.addr + 8)

	switch op.class {
	case classJump:
		target := l.pc((in.addr+4)&^0x0fffffff | in.target())
		if op.link {
			l.setGPR(31, ir.Const(l.w, link))
		}
		l.lowerDelay(slot)
		return target, true

	case classJumpReg:
		target := l.gpr(in.rs())
		if op.link {
			l.setGPR(in.rd(), ir.Const(l.w, link))
		}
		l.lowerDelay(slot)
		l.b.Write(RegPC, target)
		l.b.Exit()
		return 0, false
	}

	// conditional branch
	cond := op.cond(l, in)
	if op.link {
		l.setGPR(31, ir.Const(l.w, link))
	}
	target := l.pc(in.addr + 4 + in.simm()<<2)
	if !op.likely {
		l.lowerDelay(slot)
	}
	notTaken, taken := l.b.NewBlock(), l.b.NewBlock()
	l.b.Br(cond, notTaken, taken)
	if l.b.Err() != nil {
		return 0, false
	}
	l.work = append(l.work,
		path{label: notTaken, addr: link},
		path{label: taken, addr: target, delay: op.likely, slot: slot.addr})
	return 0, false
}

// lowerDelay lowers a delay slot without counting it a second time.
func (l *lowering) lowerDelay(in inst) {
	decode(in.word).lower(l, in)
}

func (l *lowering) eret() {
	status := l.b.Read(CP0(CP0Status), l.w)
	erl := l.b.Icmp(ir.Ne, l.b.And(status, ir.Const(l.w, StatusERL)), ir.Const(l.w, 0))
	toEPC, toErrorEPC := l.b.NewBlock(), l.b.NewBlock()
	l.b.Br(erl, toEPC, toErrorEPC)

	l.b.SetBlock(toErrorEPC)
	l.b.Write(RegPC, l.b.Read(CP0(CP0ErrorEPC), l.w))
	l.b.Write(CP0(CP0Status), l.b.And(status, ir.Const(l.w, ^uint64(StatusERL))))
	l.b.Exit()

	l.b.SetBlock(toEPC)
	l.b.Write(RegPC, l.b.Read(CP0(CP0EPC), l.w))
	l.b.Write(CP0(CP0Status), l.b.And(status, ir.Const(l.w, ^uint64(StatusEXL))))
	l.b.Exit()
}
