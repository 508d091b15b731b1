package ir

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/colorfulnotion/mipsjit/recerrors"
)

// InstrError reports a failure attributed to one instruction.
type InstrError struct {
	Instr *Instr
	Msg   string
	Err   error
}

func (e *InstrError) Error() string {
	if e.Instr == nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Instr, e.Msg, e.Err)
}

func (e *InstrError) Unwrap() error { return e.Err }

func runError(i *Instr, err error, format string, args ...interface{}) *InstrError {
	return &InstrError{Instr: i, Msg: fmt.Sprintf(format, args...), Err: err}
}

// AllocBase is the address of the first alloc slot during Run. Slots live
// outside the guest memory bus.
const AllocBase uint64 = 0xffff_8000_0000_0000

type frame struct {
	backend *Backend
	vars    []uint64
	slots   []byte
}

func (f *frame) value(v Value) uint64 {
	if v.Kind == ConstKind {
		return v.Const
	}
	return f.vars[v.Var]
}

func (f *frame) slot(addr uint64, size int) []byte {
	if addr < AllocBase || addr-AllocBase+uint64(size) > uint64(len(f.slots)) {
		return nil
	}
	off := addr - AllocBase
	return f.slots[off : off+uint64(size)]
}

func (f *frame) load(t Type, addr uint64) (uint64, bool) {
	if s := f.slot(addr, t.Bytes()); s != nil {
		var buf [8]byte
		copy(buf[:], s)
		return binary.LittleEndian.Uint64(buf[:]) & t.Mask(), true
	}
	mem := f.backend.Memory
	if mem == nil {
		return 0, false
	}
	switch t.Bytes() {
	case 1:
		v, ok := mem.Load8(addr)
		return uint64(v) & t.Mask(), ok
	case 2:
		v, ok := mem.Load16(addr)
		return uint64(v), ok
	case 4:
		v, ok := mem.Load32(addr)
		return uint64(v), ok
	default:
		return mem.Load64(addr)
	}
}

func (f *frame) store(t Type, addr, v uint64) bool {
	if s := f.slot(addr, t.Bytes()); s != nil {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		copy(s, buf[:])
		return true
	}
	mem := f.backend.Memory
	if mem == nil {
		return false
	}
	switch t.Bytes() {
	case 1:
		return mem.Store8(addr, uint8(v))
	case 2:
		return mem.Store16(addr, uint16(v))
	case 4:
		return mem.Store32(addr, uint32(v))
	default:
		return mem.Store64(addr, v)
	}
}

func readHost(t Type, p unsafe.Pointer) uint64 {
	switch t.Bytes() {
	case 1:
		return uint64(*(*uint8)(p))
	case 2:
		return uint64(*(*uint16)(p))
	case 4:
		return uint64(*(*uint32)(p))
	default:
		return *(*uint64)(p)
	}
}

func writeHost(t Type, p unsafe.Pointer, v uint64) {
	switch t.Bytes() {
	case 1:
		*(*uint8)(p) = uint8(v)
	case 2:
		*(*uint16)(p) = uint16(v)
	case 4:
		*(*uint32)(p) = uint32(v)
	default:
		*(*uint64)(p) = v
	}
}

// Run interprets g against the backend's register bindings and memory bus.
// It stops at the first exit, or returns an *InstrError wrapping ErrRuntime
// (or a more specific class) on the first failure.
func Run(b *Backend, g *Graph) error {
	if len(g.Blocks) == 0 {
		return fmt.Errorf("empty graph: %w", recerrors.ErrRuntime)
	}
	f := &frame{backend: b, vars: make([]uint64, g.NrVars)}
	label := 0
	for {
		blk := g.Blocks[label]
		next := -1
		for i := blk.Head; i != nil && next < 0; i = i.Next {
			var res uint64
			switch i.Kind {
			case KindExit:
				return nil
			case KindAssert:
				if f.value(i.Args[0]) == 0 {
					return runError(i, recerrors.ErrRuntime, "assertion failed")
				}
			case KindBr:
				next = i.Targets[f.value(i.Args[0])&1]
				if next <= label || next >= len(g.Blocks) {
					return runError(i, recerrors.ErrRuntime, "bad branch target %d", next)
				}
			case KindCall:
				if i.Func == nil || i.Func.Impl == nil {
					return runError(i, recerrors.ErrUnsupportedCall, "no implementation")
				}
				args := make([]uint64, len(i.Params))
				for k, p := range i.Params {
					args[k] = f.value(p)
				}
				res = i.Func.Impl(args)
			case KindAlloc:
				off := len(f.slots)
				size := i.AllocType.Bytes()
				off = (off + size - 1) &^ (size - 1)
				f.slots = append(f.slots, make([]byte, off+size-len(f.slots))...)
				res = AllocBase + uint64(off)
			case KindNot:
				res = ^f.value(i.Args[0])
			case KindBinop:
				res = EvalBinop(i.BinOp, i.Type, f.value(i.Args[0]), f.value(i.Args[1]))
			case KindIcmp:
				res = boolValue(EvalIcmp(i.CmpOp, i.Args[0].Type, f.value(i.Args[0]), f.value(i.Args[1])))
			case KindLoad:
				addr := f.value(i.Args[0])
				v, ok := f.load(i.Type, addr)
				if !ok {
					return runError(i, recerrors.ErrRuntime, "load fault at 0x%x", addr)
				}
				res = v
			case KindStore:
				addr := f.value(i.Args[0])
				if !f.store(i.Args[1].Type, addr, f.value(i.Args[1])) {
					return runError(i, recerrors.ErrRuntime, "store fault at 0x%x", addr)
				}
			case KindRead:
				bind := b.Register(i.Reg)
				if !bind.Bound() {
					return runError(i, recerrors.ErrUnboundRegister, "read")
				}
				res = readHost(bind.Type, bind.Ptr)
			case KindWrite:
				bind := b.Register(i.Reg)
				if !bind.Bound() {
					return runError(i, recerrors.ErrUnboundRegister, "write")
				}
				writeHost(bind.Type, bind.Ptr, f.value(i.Args[0]))
			case KindCvt:
				res = EvalCvt(i.CvtOp, i.Args[0].Type, i.Type, f.value(i.Args[0]))
			default:
				return runError(i, recerrors.ErrRuntime, "unknown instruction")
			}
			if i.HasResult() {
				f.vars[i.Res] = res & i.Type.Mask()
			}
		}
		if next < 0 {
			return fmt.Errorf("block %d has no terminator: %w", label, recerrors.ErrRuntime)
		}
		label = next
	}
}
