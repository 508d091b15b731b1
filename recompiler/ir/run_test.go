package ir

import (
	"errors"
	"testing"

	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunArithmetic(t *testing.T) {
	b, regs, _ := newTestBackend(t)
	regs.r[0] = 10
	bld := NewBuilder(b)
	x := bld.Read(1, I64)
	y := bld.Add(x, Const(I64, 5))
	bld.Write(2, y)
	lo := bld.Trunc(I32, y)
	bld.Write(6, bld.Mul(lo, Const(I32, 3)))
	bld.Exit()
	g, err := bld.Graph()
	require.NoError(t, err)
	require.NoError(t, Typecheck(g))
	require.NoError(t, Run(b, g))
	assert.Equal(t, uint64(15), regs.r[1])
	assert.Equal(t, uint32(45), regs.w)
}

func TestRunBranch(t *testing.T) {
	for _, in := range []uint64{3, 7} {
		b, regs, _ := newTestBackend(t)
		regs.r[0] = in
		bld := NewBuilder(b)
		x := bld.Read(1, I64)
		c := bld.Icmp(Ugt, x, Const(I64, 5))
		f, tr := bld.NewBlock(), bld.NewBlock()
		bld.Br(c, f, tr)
		bld.SetBlock(f)
		bld.Write(2, Const(I64, 100))
		bld.Exit()
		bld.SetBlock(tr)
		bld.Write(2, bld.Sub(x, Const(I64, 5)))
		bld.Exit()
		g, err := bld.Graph()
		require.NoError(t, err)
		require.NoError(t, Typecheck(g))
		require.NoError(t, Run(b, g))
		if in > 5 {
			assert.Equal(t, in-5, regs.r[1])
		} else {
			assert.Equal(t, uint64(100), regs.r[1])
		}
	}
}

func TestRunMemory(t *testing.T) {
	b, regs, mem := newTestBackend(t)
	bld := NewBuilder(b)
	bld.Store(Const(I64, 8), Const(I32, 0xdeadbeef))
	v := bld.Load(I16, Const(I64, 10))
	bld.Write(1, bld.Zext(I64, v))
	slot := bld.Alloc(I64)
	bld.Store(slot, Const(I64, 42))
	bld.Write(2, bld.Load(I64, slot))
	bld.Exit()
	g, err := bld.Graph()
	require.NoError(t, err)
	require.NoError(t, Run(b, g))
	assert.Equal(t, uint64(0xdead), regs.r[0])
	assert.Equal(t, uint64(42), regs.r[1])
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, mem.data[8:12])
}

func TestRunLoadFault(t *testing.T) {
	b, _, _ := newTestBackend(t)
	bld := NewBuilder(b)
	bld.Write(1, bld.Load(I64, Const(I64, 4096)))
	bld.Exit()
	g, err := bld.Graph()
	require.NoError(t, err)
	err = Run(b, g)
	var ie *InstrError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, KindLoad, ie.Instr.Kind)
	assert.True(t, errors.Is(err, recerrors.ErrRuntime))
}

func TestRunCallAndAssert(t *testing.T) {
	b, regs, _ := newTestBackend(t)
	regs.r[0] = 4
	var got []uint64
	fn := &Func{Name: "twice", Impl: func(args []uint64) uint64 {
		got = append(got, args...)
		return args[0] * 2
	}}
	bld := NewBuilder(b)
	x := bld.Read(1, I64)
	r := bld.Call(fn, I64, x, Const(I64, 9))
	bld.Write(2, r)
	bld.Assert(bld.Icmp(Eq, r, Const(I64, 9)))
	bld.Exit()
	g, err := bld.Graph()
	require.NoError(t, err)
	err = Run(b, g)
	assert.Equal(t, []uint64{4, 9}, got)
	assert.Equal(t, uint64(8), regs.r[1])
	var ie *InstrError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, KindAssert, ie.Instr.Kind)

	b.Reset()
	bld = NewBuilder(b)
	bld.Call(&Func{Name: "native-only", Addr: 0x1000}, Void)
	bld.Exit()
	g, err = bld.Graph()
	require.NoError(t, err)
	assert.True(t, errors.Is(Run(b, g), recerrors.ErrUnsupportedCall))
}
