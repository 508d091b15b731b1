package assembler

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/colorfulnotion/mipsjit/recompiler/cache"
	"github.com/colorfulnotion/mipsjit/recompiler/ir"
	"github.com/colorfulnotion/mipsjit/recompiler/x86"
)

// hostMemory serves ir.Run loads and stores at the host addresses of data,
// the same addresses native code dereferences.
type hostMemory struct {
	data []byte
}

func (m *hostMemory) base() uint64 { return uint64(uintptr(unsafe.Pointer(&m.data[0]))) }

func (m *hostMemory) slice(addr uint64, n int) []byte {
	if addr < m.base() || addr-m.base()+uint64(n) > uint64(len(m.data)) {
		return nil
	}
	off := addr - m.base()
	return m.data[off : off+uint64(n)]
}

func (m *hostMemory) Load8(addr uint64) (uint8, bool) {
	if s := m.slice(addr, 1); s != nil {
		return s[0], true
	}
	return 0, false
}

func (m *hostMemory) Load16(addr uint64) (uint16, bool) {
	if s := m.slice(addr, 2); s != nil {
		return binary.LittleEndian.Uint16(s), true
	}
	return 0, false
}

func (m *hostMemory) Load32(addr uint64) (uint32, bool) {
	if s := m.slice(addr, 4); s != nil {
		return binary.LittleEndian.Uint32(s), true
	}
	return 0, false
}

func (m *hostMemory) Load64(addr uint64) (uint64, bool) {
	if s := m.slice(addr, 8); s != nil {
		return binary.LittleEndian.Uint64(s), true
	}
	return 0, false
}

func (m *hostMemory) Store8(addr uint64, v uint8) bool {
	if s := m.slice(addr, 1); s != nil {
		s[0] = v
		return true
	}
	return false
}

func (m *hostMemory) Store16(addr uint64, v uint16) bool {
	if s := m.slice(addr, 2); s != nil {
		binary.LittleEndian.PutUint16(s, v)
		return true
	}
	return false
}

func (m *hostMemory) Store32(addr uint64, v uint32) bool {
	if s := m.slice(addr, 4); s != nil {
		binary.LittleEndian.PutUint32(s, v)
		return true
	}
	return false
}

func (m *hostMemory) Store64(addr uint64, v uint64) bool {
	if s := m.slice(addr, 8); s != nil {
		binary.LittleEndian.PutUint64(s, v)
		return true
	}
	return false
}

type env struct {
	backend *ir.Backend
	regs    *[8]uint64
	mem     *hostMemory
	buf     *cache.Buffer
}

func newEnv(t *testing.T, bufferSize int) *env {
	t.Helper()
	e := &env{regs: new([8]uint64), mem: &hostMemory{data: make([]byte, 256)}}
	var err error
	e.backend, err = ir.NewBackend(e.mem, 8, 64, 1024, 64)
	require.NoError(t, err)
	for r := 1; r < 8; r++ {
		require.NoError(t, e.backend.BindRegister(ir.Register(r), ir.I64, fmt.Sprintf("r%d", r), unsafe.Pointer(&e.regs[r])))
	}
	c, err := cache.New(4096, 1, bufferSize, 4)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	_, e.buf = c.Query(0)
	return e
}

func (e *env) build(t *testing.T, fn func(b *ir.Builder)) *ir.Graph {
	t.Helper()
	e.backend.Reset()
	b := ir.NewBuilder(e.backend)
	fn(b)
	g, err := b.Graph()
	require.NoError(t, err)
	require.NoError(t, ir.Typecheck(g))
	return g
}

func (e *env) assemble(t *testing.T, g *ir.Graph) Code {
	t.Helper()
	code, err := Assemble(e.backend, e.buf, g)
	require.NoError(t, err)
	return code
}

func decode(t *testing.T, code []byte) []x86asm.Inst {
	t.Helper()
	var out []x86asm.Inst
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		require.NoError(t, err, "offset %d", off)
		out = append(out, inst)
		off += inst.Len
	}
	return out
}

func ops(insts []x86asm.Inst) []x86asm.Op {
	out := make([]x86asm.Op, len(insts))
	for k, inst := range insts {
		out[k] = inst.Op
	}
	return out
}

func countOp(insts []x86asm.Inst, op x86asm.Op) int {
	n := 0
	for _, inst := range insts {
		if inst.Op == op {
			n++
		}
	}
	return n
}

var (
	prologueOps = []x86asm.Op{x86asm.PUSH, x86asm.MOV, x86asm.PUSH, x86asm.PUSH, x86asm.PUSH, x86asm.PUSH, x86asm.PUSH, x86asm.SUB}
	epilogueOps = []x86asm.Op{x86asm.LEA, x86asm.POP, x86asm.POP, x86asm.POP, x86asm.POP, x86asm.POP, x86asm.POP, x86asm.RET}
)

func TestAssembleExitOnly(t *testing.T) {
	e := newEnv(t, 4096)
	g := e.build(t, func(b *ir.Builder) { b.Exit() })
	code := e.assemble(t, g)

	assert.Equal(t, 0, code.Offset)
	assert.Equal(t, e.buf.Length, code.Length)
	assert.Equal(t, 8, code.FrameSize)
	assert.Equal(t, uintptr(unsafe.Pointer(&e.buf.Mem[0])), code.Entry)

	insts := decode(t, code.Bytes(e.buf))
	want := append(append(append([]x86asm.Op{}, prologueOps...), x86asm.JMP), epilogueOps...)
	assert.Equal(t, want, ops(insts))
	assert.Equal(t, x86asm.Rel(0), insts[len(prologueOps)].Args[0])
	assert.Equal(t, x86asm.Imm(8), insts[len(prologueOps)-1].Args[1])
}

func TestAssembleAppendsToBuffer(t *testing.T) {
	e := newEnv(t, 4096)
	g := e.build(t, func(b *ir.Builder) { b.Exit() })
	first := e.assemble(t, g)
	second := e.assemble(t, g)
	assert.Equal(t, first.Length, second.Offset)
	assert.Equal(t, first.Length+second.Length, e.buf.Length)
	assert.Equal(t, first.Bytes(e.buf), second.Bytes(e.buf))
}

func TestAssembleWriteConstant(t *testing.T) {
	e := newEnv(t, 4096)
	g := e.build(t, func(b *ir.Builder) {
		b.Write(2, ir.Const(ir.I64, 5))
		b.Exit()
	})
	insts := decode(t, e.assemble(t, g).Bytes(e.buf))
	body := insts[len(prologueOps) : len(insts)-len(epilogueOps)]
	require.Len(t, body, 3)
	assert.Equal(t, x86asm.RCX, body[0].Args[0])
	assert.Equal(t, x86asm.Imm(int64(uintptr(unsafe.Pointer(&e.regs[2])))), body[0].Args[1])
	assert.Equal(t, x86asm.MOV, body[1].Op)
	assert.Equal(t, x86asm.Mem{Base: x86asm.RCX}, body[1].Args[0])
	assert.Equal(t, x86asm.Imm(5), body[1].Args[1])
	assert.Equal(t, x86asm.JMP, body[2].Op)
}

func TestAssembleWriteWideConstant(t *testing.T) {
	e := newEnv(t, 4096)
	g := e.build(t, func(b *ir.Builder) {
		b.Write(2, ir.Const(ir.I64, 0x1_0000_0000))
		b.Exit()
	})
	insts := decode(t, e.assemble(t, g).Bytes(e.buf))
	body := insts[len(prologueOps) : len(insts)-len(epilogueOps)]
	require.Len(t, body, 4)
	assert.Equal(t, x86asm.Imm(0x1_0000_0000), body[0].Args[1])
	assert.Equal(t, x86asm.RAX, body[2].Args[1])
}

func TestOverflowRollsBack(t *testing.T) {
	e := newEnv(t, 4096)
	g := e.build(t, func(b *ir.Builder) {
		x := b.Read(1, ir.I64)
		for k := 0; k < 40; k++ {
			x = b.Add(x, ir.Const(ir.I64, uint64(k)))
		}
		b.Write(2, x)
		b.Exit()
	})
	e.buf.Length = len(e.buf.Mem) - 64
	_, err := Assemble(e.backend, e.buf, g)
	require.ErrorIs(t, err, recerrors.ErrCodeBufferOverflow)
	assert.True(t, recerrors.IsFallback(err))
	assert.Equal(t, len(e.buf.Mem)-64, e.buf.Length)

	e.buf.Length = 0
	_, err = Assemble(e.backend, e.buf, g)
	require.NoError(t, err)
}

func TestUnsupportedDivisionWidth(t *testing.T) {
	e := newEnv(t, 4096)
	g := e.build(t, func(b *ir.Builder) {
		x := b.Trunc(ir.I16, b.Read(1, ir.I64))
		b.Write(2, b.Zext(ir.I64, b.Udiv(x, ir.Const(ir.I16, 3))))
		b.Exit()
	})
	_, err := Assemble(e.backend, e.buf, g)
	require.ErrorIs(t, err, recerrors.ErrUnsupportedDivision)
	var ie *ir.InstrError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, ir.KindBinop, ie.Instr.Kind)
	assert.Zero(t, e.buf.Length)
}

func TestUnboundRegisterAborts(t *testing.T) {
	e := newEnv(t, 4096)
	g := e.build(t, func(b *ir.Builder) {
		b.Write(2, b.Read(1, ir.I64))
		b.Exit()
	})
	require.NoError(t, e.backend.BindRegister(1, ir.Void, "", nil))
	_, err := Assemble(e.backend, e.buf, g)
	require.ErrorIs(t, err, recerrors.ErrUnboundRegister)
}

func TestCallWithoutEntryPoint(t *testing.T) {
	e := newEnv(t, 4096)
	fn := &ir.Func{Name: "interp", Impl: func([]uint64) uint64 { return 0 }}
	g := e.build(t, func(b *ir.Builder) {
		b.Call(fn, ir.Void)
		b.Exit()
	})
	_, err := Assemble(e.backend, e.buf, g)
	require.ErrorIs(t, err, recerrors.ErrUnsupportedCall)
}

func TestCallPassesStackArguments(t *testing.T) {
	e := newEnv(t, 4096)
	fn := &ir.Func{Name: "eight", Addr: 0x1000}
	g := e.build(t, func(b *ir.Builder) {
		var params []ir.Value
		for k := 0; k < 8; k++ {
			params = append(params, ir.Const(ir.I64, uint64(k)))
		}
		b.Write(2, b.Call(fn, ir.I64, params...))
		b.Exit()
	})
	insts := decode(t, e.assemble(t, g).Bytes(e.buf))
	assert.Equal(t, 1, countOp(insts, x86asm.CALL))
	// prologue pushes, two stack arguments and six staged register arguments
	assert.Equal(t, 6+2+6, countOp(insts, x86asm.PUSH))
	var add *x86asm.Inst
	for k := range insts {
		if insts[k].Op == x86asm.ADD && insts[k].Args[0] == x86asm.RSP {
			add = &insts[k]
		}
	}
	require.NotNil(t, add)
	assert.Equal(t, x86asm.Imm(16), add.Args[1])
}

func TestSpillWhenPoolExhausted(t *testing.T) {
	e := newEnv(t, 8192)
	const live = 20
	g := e.build(t, func(b *ir.Builder) {
		x := b.Read(1, ir.I64)
		var vs []ir.Value
		for k := 0; k < live; k++ {
			vs = append(vs, b.Add(x, ir.Const(ir.I64, uint64(k))))
		}
		sum := vs[0]
		for _, v := range vs[1:] {
			sum = b.Add(sum, v)
		}
		b.Write(2, sum)
		b.Exit()
	})
	code := e.assemble(t, g)
	assert.Greater(t, code.Spilled, 0)
	assert.Equal(t, 0, (code.FrameSize-8)%16)

	homes, err := Homes(g)
	require.NoError(t, err)
	assert.Equal(t, "rbx", homes[0])
	var stack int
	for _, h := range homes {
		if strings.HasPrefix(h, "[rbp-") {
			stack++
		}
	}
	assert.Equal(t, code.Spilled, stack)
}

func TestAllocIsPhantom(t *testing.T) {
	e := newEnv(t, 4096)
	g := e.build(t, func(b *ir.Builder) {
		p := b.Alloc(ir.I32)
		b.Store(p, b.Trunc(ir.I32, b.Read(1, ir.I64)))
		b.Write(2, b.Zext(ir.I64, b.Load(ir.I32, p)))
		b.Exit()
	})
	homes, err := Homes(g)
	require.NoError(t, err)
	assert.Equal(t, "&[rbp-0x2c]", homes[0])

	insts := decode(t, e.assemble(t, g).Bytes(e.buf))
	slot := x86asm.Mem{Base: x86asm.RBP, Disp: -0x2c}
	var stores, loads int
	for _, inst := range insts {
		if inst.Op == x86asm.MOV && inst.Args[0] == slot {
			stores++
		}
		if inst.Op == x86asm.MOV && inst.Args[1] == slot {
			loads++
		}
	}
	assert.Equal(t, 1, stores)
	assert.Equal(t, 1, loads)
	assert.Zero(t, countOp(insts, x86asm.LEA)-1, "only the epilogue uses lea")
}

func TestBranchLayout(t *testing.T) {
	e := newEnv(t, 4096)
	g := e.build(t, func(b *ir.Builder) {
		c := b.Icmp(ir.Eq, b.Read(1, ir.I64), ir.Const(ir.I64, 0))
		f, tr := b.NewBlock(), b.NewBlock()
		b.Br(c, f, tr)
		b.SetBlock(f)
		b.Write(2, ir.Const(ir.I64, 1))
		b.Exit()
		b.SetBlock(tr)
		b.Write(2, ir.Const(ir.I64, 2))
		b.Exit()
	})
	insts := decode(t, e.assemble(t, g).Bytes(e.buf))
	assert.Equal(t, 1, countOp(insts, x86asm.JNE))
	assert.Equal(t, 2, countOp(insts, x86asm.JMP))
	assert.Equal(t, 1, countOp(insts, x86asm.SETE))
}

func TestAllocationReusesRegisters(t *testing.T) {
	e := newEnv(t, 4096)
	g := e.build(t, func(b *ir.Builder) {
		x := b.Read(1, ir.I64)
		for k := 0; k < 30; k++ {
			x = b.Add(x, ir.Const(ir.I64, 1))
		}
		b.Write(2, x)
		b.Exit()
	})
	a, err := allocate(g)
	require.NoError(t, err)
	assert.Zero(t, a.spilled)
	for _, l := range a.locs {
		assert.Contains(t, []x86.Reg{x86.RBX, x86.R12}, l.reg)
	}
}
