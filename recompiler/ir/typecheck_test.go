package ir

import (
	"errors"
	"testing"

	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkFails(t *testing.T, g *Graph, kind Kind) {
	t.Helper()
	err := Typecheck(g)
	require.Error(t, err)
	assert.True(t, errors.Is(err, recerrors.ErrTypecheck))
	var ie *InstrError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, kind, ie.Instr.Kind)
}

func TestTypecheckOperandMismatch(t *testing.T) {
	b, _, _ := newTestBackend(t)
	bld := NewBuilder(b)
	x := bld.Read(1, I64)
	bld.Add(x, Const(I32, 1))
	bld.Exit()
	g, err := bld.Graph()
	require.NoError(t, err)
	checkFails(t, g, KindBinop)
}

func TestTypecheckConditionWidth(t *testing.T) {
	b, _, _ := newTestBackend(t)
	bld := NewBuilder(b)
	f, tr := bld.NewBlock(), bld.NewBlock()
	bld.Br(Const(I32, 1), f, tr)
	bld.SetBlock(f)
	bld.Exit()
	bld.SetBlock(tr)
	bld.Exit()
	g, err := bld.Graph()
	require.NoError(t, err)
	checkFails(t, g, KindBr)
}

func TestTypecheckUseBeforeDefinition(t *testing.T) {
	b, _, _ := newTestBackend(t)
	bld := NewBuilder(b)
	x := bld.Read(1, I64)
	bld.Write(2, x)
	bld.Exit()
	g, err := bld.Graph()
	require.NoError(t, err)
	// swap the read and the write
	read := g.Blocks[0].Head
	write := read.Next
	read.Next = write.Next
	write.Next = read
	g.Blocks[0].Head = write
	checkFails(t, g, KindWrite)
}

func TestTypecheckDoubleDefinition(t *testing.T) {
	b, _, _ := newTestBackend(t)
	bld := NewBuilder(b)
	bld.Read(1, I64)
	bld.Read(2, I64)
	bld.Exit()
	g, err := bld.Graph()
	require.NoError(t, err)
	g.Blocks[0].Head.Next.Res = 0
	checkFails(t, g, KindRead)
}

func TestTypecheckDominance(t *testing.T) {
	b, _, _ := newTestBackend(t)
	bld := NewBuilder(b)
	c := bld.Icmp(Eq, bld.Read(1, I64), Const(I64, 0))
	f, tr := bld.NewBlock(), bld.NewBlock()
	bld.Br(c, f, tr)
	bld.SetBlock(f)
	y := bld.Read(2, I64)
	bld.Exit()
	bld.SetBlock(tr)
	bld.Write(3, y)
	bld.Exit()
	g, err := bld.Graph()
	require.NoError(t, err)
	checkFails(t, g, KindWrite)
}

func TestTypecheckMergeDominance(t *testing.T) {
	b, _, _ := newTestBackend(t)
	bld := NewBuilder(b)
	x := bld.Read(1, I64)
	c := bld.Icmp(Eq, x, Const(I64, 0))
	l1, join := bld.NewBlock(), bld.NewBlock()
	bld.Br(c, l1, join)
	bld.SetBlock(l1)
	bld.Br(c, join, join)
	bld.SetBlock(join)
	bld.Write(2, x)
	bld.Exit()
	g, err := bld.Graph()
	require.NoError(t, err)
	assert.NoError(t, Typecheck(g))
}

func TestTypecheckStructure(t *testing.T) {
	b, _, _ := newTestBackend(t)
	bld := NewBuilder(b)
	bld.Read(1, I64)
	g, err := bld.Graph()
	require.NoError(t, err)
	checkFails(t, g, KindRead)

	b.Reset()
	bld = NewBuilder(b)
	bld.NewBlock()
	bld.Exit()
	g, err = bld.Graph()
	require.NoError(t, err)
	assert.True(t, errors.Is(Typecheck(g), recerrors.ErrTypecheck))

	b.Reset()
	bld = NewBuilder(b)
	bld.Trunc(I64, Const(I32, 1))
	bld.Exit()
	g, err = bld.Graph()
	require.NoError(t, err)
	checkFails(t, g, KindCvt)
}
