package ir

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"unsafe"

	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMemory is a little-endian byte window starting at address 0.
type testMemory struct {
	data []byte
}

func (m *testMemory) get(addr uint64, n int) []byte {
	if addr+uint64(n) > uint64(len(m.data)) {
		return nil
	}
	return m.data[addr : addr+uint64(n)]
}

func (m *testMemory) Load8(addr uint64) (uint8, bool) {
	if b := m.get(addr, 1); b != nil {
		return b[0], true
	}
	return 0, false
}
func (m *testMemory) Load16(addr uint64) (uint16, bool) {
	if b := m.get(addr, 2); b != nil {
		return binary.LittleEndian.Uint16(b), true
	}
	return 0, false
}
func (m *testMemory) Load32(addr uint64) (uint32, bool) {
	if b := m.get(addr, 4); b != nil {
		return binary.LittleEndian.Uint32(b), true
	}
	return 0, false
}
func (m *testMemory) Load64(addr uint64) (uint64, bool) {
	if b := m.get(addr, 8); b != nil {
		return binary.LittleEndian.Uint64(b), true
	}
	return 0, false
}
func (m *testMemory) Store8(addr uint64, v uint8) bool {
	if b := m.get(addr, 1); b != nil {
		b[0] = v
		return true
	}
	return false
}
func (m *testMemory) Store16(addr uint64, v uint16) bool {
	if b := m.get(addr, 2); b != nil {
		binary.LittleEndian.PutUint16(b, v)
		return true
	}
	return false
}
func (m *testMemory) Store32(addr uint64, v uint32) bool {
	if b := m.get(addr, 4); b != nil {
		binary.LittleEndian.PutUint32(b, v)
		return true
	}
	return false
}
func (m *testMemory) Store64(addr uint64, v uint64) bool {
	if b := m.get(addr, 8); b != nil {
		binary.LittleEndian.PutUint64(b, v)
		return true
	}
	return false
}

type testRegs struct {
	r [4]uint64
	w uint32
}

func newTestBackend(t *testing.T) (*Backend, *testRegs, *testMemory) {
	mem := &testMemory{data: make([]byte, 64)}
	b, err := NewBackend(mem, 8, 16, 128, 16)
	require.NoError(t, err)
	regs := &testRegs{}
	for k := range regs.r {
		require.NoError(t, b.BindRegister(Register(k+1), I64, "r"+string(rune('1'+k)), unsafe.Pointer(&regs.r[k])))
	}
	require.NoError(t, b.BindRegister(6, I32, "w", unsafe.Pointer(&regs.w)))
	return b, regs, mem
}

func TestTypeSizes(t *testing.T) {
	assert.Equal(t, 8, I1.Rounded())
	assert.Equal(t, 8, I8.Rounded())
	assert.Equal(t, 32, Type(17).Rounded())
	assert.Equal(t, 8, I64.Bytes())
	assert.Equal(t, uint64(1), I1.Mask())
	assert.Equal(t, uint64(0xffff), I16.Mask())
	assert.Equal(t, ^uint64(0), I64.Mask())
	assert.Equal(t, "i32", I32.String())
	assert.Equal(t, "void", Void.String())
	assert.Equal(t, uint64(0xff), Const(I8, 0x1ff).Const)
}

func TestNewBackendRejectsZeroCapacity(t *testing.T) {
	_, err := NewBackend(nil, 0, 1, 1, 1)
	assert.True(t, errors.Is(err, recerrors.ErrBadCapacity))
}

func TestBindRegister(t *testing.T) {
	b, err := NewBackend(nil, 2, 1, 1, 0)
	require.NoError(t, err)
	var x uint64
	assert.True(t, errors.Is(b.BindRegister(2, I64, "x", unsafe.Pointer(&x)), recerrors.ErrBadRegister))
	assert.True(t, errors.Is(b.BindRegister(1, Type(12), "x", unsafe.Pointer(&x)), recerrors.ErrBadRegister))
	assert.True(t, errors.Is(b.BindRegister(1, I64, "x", nil), recerrors.ErrBadRegister))
	require.NoError(t, b.BindRegister(1, I64, "x", unsafe.Pointer(&x)))
	assert.Equal(t, "$x", b.RegisterName(1))
	assert.Equal(t, "$0", b.RegisterName(0))
	assert.False(t, b.Register(0).Bound())
	assert.False(t, b.Register(99).Bound())
}

func TestBuilderCapacityExceeded(t *testing.T) {
	b, err := NewBackend(nil, 1, 1, 2, 0)
	require.NoError(t, err)
	bld := NewBuilder(b)
	bld.Add(Const(I32, 1), Const(I32, 2))
	bld.Add(Const(I32, 1), Const(I32, 2))
	bld.Exit()
	_, err = bld.Graph()
	assert.True(t, errors.Is(err, recerrors.ErrCapacityExceeded))

	b.Reset()
	bld = NewBuilder(b)
	assert.Equal(t, -1, bld.NewBlock())
	_, err = bld.Graph()
	assert.True(t, errors.Is(err, recerrors.ErrCapacityExceeded))
}

func TestBuilderBlockTerminated(t *testing.T) {
	b, _, _ := newTestBackend(t)
	bld := NewBuilder(b)
	bld.Exit()
	bld.Exit()
	_, err := bld.Graph()
	assert.True(t, errors.Is(err, recerrors.ErrBlockTerminated))
}

func TestBuilderUnboundRegister(t *testing.T) {
	b, _, _ := newTestBackend(t)
	bld := NewBuilder(b)
	v := bld.Read(0, I64)
	assert.True(t, v.IsZero())
	bld.Write(0, Const(I64, 3))
	bld.Exit()
	g, err := bld.Graph()
	require.NoError(t, err)
	assert.Equal(t, 1, g.NrInstrs())
}

func TestBuilderRegisterWidthMismatch(t *testing.T) {
	b, _, _ := newTestBackend(t)
	bld := NewBuilder(b)
	bld.Write(6, Const(I64, 1))
	_, err := bld.Graph()
	assert.True(t, errors.Is(err, recerrors.ErrTypecheck))
}

func TestFormat(t *testing.T) {
	b, _, _ := newTestBackend(t)
	bld := NewBuilder(b)
	x := bld.Read(1, I64)
	sum := bld.Add(x, Const(I64, 5))
	c := bld.Icmp(Ult, sum, Const(I64, 100))
	f, tr := bld.NewBlock(), bld.NewBlock()
	bld.Br(c, f, tr)
	bld.SetBlock(f)
	bld.Exit()
	bld.SetBlock(tr)
	bld.Write(2, sum)
	bld.Exit()
	g, err := bld.Graph()
	require.NoError(t, err)

	listing := Format(b, g)
	assert.Contains(t, listing, "%0 = read.i64 $r1")
	assert.Contains(t, listing, "%1 = add.i64 %0, 5")
	assert.Contains(t, listing, "%2 = icmp.ult.i64 %1, 0x64")
	assert.Contains(t, listing, "br %2, block1, block2")
	assert.Contains(t, listing, "write.i64 $r2, %1")

	tree := Tree(b, g).String()
	assert.True(t, strings.Contains(tree, "true: block2"))
	assert.True(t, strings.Contains(tree, "false: block1"))
}
