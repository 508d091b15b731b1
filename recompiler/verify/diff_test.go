package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/mipsjit/recompiler/mips"
)

func TestDiffStates(t *testing.T) {
	a := make([]uint64, mips.NumRegisters)
	b := make([]uint64, mips.NumRegisters)
	d, err := DiffStates(a, b)
	require.NoError(t, err)
	assert.Empty(t, d)

	b[2] = 0x10
	b[mips.RegPC] = 0x400
	d, err = DiffStates(a, b)
	require.NoError(t, err)
	assert.Contains(t, d, `"v0"`)
	assert.Contains(t, d, "0x10")
	assert.Contains(t, d, `"pc"`)
	assert.NotContains(t, d, `"sp"`)
}

func TestDiffMemory(t *testing.T) {
	a := make([]byte, 64)
	b := make([]byte, 64)
	d, err := DiffMemory(a, b)
	require.NoError(t, err)
	assert.Empty(t, d)

	b[0x31] = 0xff
	d, err = DiffMemory(a, b)
	require.NoError(t, err)
	assert.Contains(t, d, "0x0030")
	assert.NotContains(t, d, "0x0000")
}

func TestMemoryBounds(t *testing.T) {
	m := NewMemory(32)
	m.Trace = true
	assert.True(t, m.Store32(m.Base()+28, 0xdeadbeef))
	assert.False(t, m.Store64(m.Base()+28, 1))
	_, ok := m.Load8(m.Base() - 1)
	assert.False(t, ok)
	v, ok := m.Load16(m.Base() + 30)
	assert.True(t, ok)
	assert.Equal(t, uint16(0xdead), v)
	assert.Len(t, m.Accesses(), 2)
	assert.Equal(t, "store32 [0x001c] 0xdeadbeef", m.Accesses()[0].String())

	m.Reset([]byte{1, 2})
	assert.Empty(t, m.Accesses())
	assert.Equal(t, byte(2), m.Bytes()[1])
	assert.Zero(t, m.Bytes()[28])
}
