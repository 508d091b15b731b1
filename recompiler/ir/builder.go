package ir

import (
	"fmt"

	"github.com/colorfulnotion/mipsjit/recerrors"
)

// Builder appends instructions to a graph allocated from a Backend. The first
// failure is sticky: later calls are no-ops returning zero values, and Graph
// reports the error.
type Builder struct {
	backend *Backend
	graph   *Graph
	cur     *Block
	err     error
}

// NewBuilder starts a graph whose entry block (label 0) is current.
func NewBuilder(b *Backend) *Builder {
	bld := &Builder{backend: b, graph: &Graph{}}
	if l := bld.NewBlock(); l >= 0 {
		bld.SetBlock(l)
	}
	return bld
}

func (b *Builder) Backend() *Backend { return b.backend }

// Err returns the first error recorded by the builder.
func (b *Builder) Err() error { return b.err }

// Fail records err unless an earlier error is already set.
func (b *Builder) Fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Graph returns the built graph or the first error encountered.
func (b *Builder) Graph() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.graph, nil
}

// NewBlock allocates an empty block and returns its label, or -1 on failure.
func (b *Builder) NewBlock() int {
	if b.err != nil {
		return -1
	}
	blk, err := b.backend.allocBlock()
	if err != nil {
		b.Fail(err)
		return -1
	}
	blk.Label = len(b.graph.Blocks)
	b.graph.Blocks = append(b.graph.Blocks, blk)
	return blk.Label
}

// SetBlock makes label the insertion block.
func (b *Builder) SetBlock(label int) {
	if b.err != nil {
		return
	}
	if label < 0 || label >= len(b.graph.Blocks) {
		b.Fail(fmt.Errorf("set block %d of %d: %w", label, len(b.graph.Blocks), recerrors.ErrTypecheck))
		return
	}
	b.cur = b.graph.Blocks[label]
}

// Block returns the label of the insertion block.
func (b *Builder) Block() int {
	if b.cur == nil {
		return -1
	}
	return b.cur.Label
}

// Terminated reports whether the insertion block already ends in exit or br.
func (b *Builder) Terminated() bool {
	if b.cur == nil {
		return true
	}
	t := b.cur.Tail()
	return t != nil && t.IsTerminator()
}

func (b *Builder) emit(kind Kind, t Type) *Instr {
	if b.err != nil {
		return nil
	}
	if b.Terminated() {
		b.Fail(fmt.Errorf("block %d: %w", b.Block(), recerrors.ErrBlockTerminated))
		return nil
	}
	i, err := b.backend.allocInstr()
	if err != nil {
		b.Fail(err)
		return nil
	}
	i.Kind = kind
	i.Type = t
	if i.HasResult() {
		i.Res = b.graph.NrVars
		b.graph.NrVars++
	}
	b.cur.append(i)
	return i
}

func (b *Builder) Binop(op BinOp, x, y Value) Value {
	i := b.emit(KindBinop, x.Type)
	if i == nil {
		return Value{}
	}
	i.BinOp = op
	i.Args = [2]Value{x, y}
	return i.Result()
}

func (b *Builder) Add(x, y Value) Value  { return b.Binop(Add, x, y) }
func (b *Builder) Sub(x, y Value) Value  { return b.Binop(Sub, x, y) }
func (b *Builder) Mul(x, y Value) Value  { return b.Binop(Mul, x, y) }
func (b *Builder) Udiv(x, y Value) Value { return b.Binop(Udiv, x, y) }
func (b *Builder) Sdiv(x, y Value) Value { return b.Binop(Sdiv, x, y) }
func (b *Builder) Urem(x, y Value) Value { return b.Binop(Urem, x, y) }
func (b *Builder) Srem(x, y Value) Value { return b.Binop(Srem, x, y) }
func (b *Builder) Sll(x, y Value) Value  { return b.Binop(Sll, x, y) }
func (b *Builder) Srl(x, y Value) Value  { return b.Binop(Srl, x, y) }
func (b *Builder) Sra(x, y Value) Value  { return b.Binop(Sra, x, y) }
func (b *Builder) And(x, y Value) Value  { return b.Binop(And, x, y) }
func (b *Builder) Or(x, y Value) Value   { return b.Binop(Or, x, y) }
func (b *Builder) Xor(x, y Value) Value  { return b.Binop(Xor, x, y) }

func (b *Builder) Icmp(op CmpOp, x, y Value) Value {
	i := b.emit(KindIcmp, I1)
	if i == nil {
		return Value{}
	}
	i.CmpOp = op
	i.Args = [2]Value{x, y}
	return i.Result()
}

func (b *Builder) Not(x Value) Value {
	i := b.emit(KindNot, x.Type)
	if i == nil {
		return Value{}
	}
	i.Args[0] = x
	return i.Result()
}

func (b *Builder) cvt(op CvtOp, t Type, x Value) Value {
	if x.Type == t {
		return x
	}
	i := b.emit(KindCvt, t)
	if i == nil {
		return Value{}
	}
	i.CvtOp = op
	i.Args[0] = x
	return i.Result()
}

// Trunc, Sext and Zext return x unchanged when it already has type t.
func (b *Builder) Trunc(t Type, x Value) Value { return b.cvt(Trunc, t, x) }
func (b *Builder) Sext(t Type, x Value) Value  { return b.cvt(Sext, t, x) }
func (b *Builder) Zext(t Type, x Value) Value  { return b.cvt(Zext, t, x) }

// Load reads a value of type t from host address addr (i64).
func (b *Builder) Load(t Type, addr Value) Value {
	i := b.emit(KindLoad, t)
	if i == nil {
		return Value{}
	}
	i.Args[0] = addr
	return i.Result()
}

func (b *Builder) Store(addr, v Value) {
	if i := b.emit(KindStore, Void); i != nil {
		i.Args = [2]Value{addr, v}
	}
}

// Read loads a register of type t. Unbound registers read as a zero
// constant without emitting anything.
func (b *Builder) Read(reg Register, t Type) Value {
	bind := b.backend.Register(reg)
	if !bind.Bound() {
		return Const(t, 0)
	}
	if bind.Type != t {
		b.Fail(fmt.Errorf("read %s as %s from %s register: %w", b.backend.RegisterName(reg), t, bind.Type, recerrors.ErrTypecheck))
		return Value{}
	}
	i := b.emit(KindRead, t)
	if i == nil {
		return Value{}
	}
	i.Reg = reg
	return i.Result()
}

// Write stores v to a register. Writes to unbound registers are dropped.
func (b *Builder) Write(reg Register, v Value) {
	bind := b.backend.Register(reg)
	if !bind.Bound() {
		return
	}
	if v.Type != bind.Type {
		b.Fail(fmt.Errorf("write %s of %s to %s register: %w", b.backend.RegisterName(reg), v.Type, bind.Type, recerrors.ErrTypecheck))
		return
	}
	if i := b.emit(KindWrite, Void); i != nil {
		i.Reg = reg
		i.Args[0] = v
	}
}

// Alloc reserves a private stack slot of type t and returns its i64 address.
func (b *Builder) Alloc(t Type) Value {
	i := b.emit(KindAlloc, I64)
	if i == nil {
		return Value{}
	}
	i.AllocType = t
	return i.Result()
}

// Call invokes fn with params. The result has type t (void for none).
func (b *Builder) Call(fn *Func, t Type, params ...Value) Value {
	if b.err != nil {
		return Value{}
	}
	p, err := b.backend.allocParams(len(params))
	if err != nil {
		b.Fail(err)
		return Value{}
	}
	copy(p, params)
	i := b.emit(KindCall, t)
	if i == nil {
		return Value{}
	}
	i.Func = fn
	i.Params = p
	if t == Void {
		return Value{}
	}
	return i.Result()
}

func (b *Builder) Assert(cond Value) {
	if i := b.emit(KindAssert, Void); i != nil {
		i.Args[0] = cond
	}
}

// Br terminates the insertion block with a conditional branch.
func (b *Builder) Br(cond Value, ifFalse, ifTrue int) {
	if i := b.emit(KindBr, Void); i != nil {
		i.Args[0] = cond
		i.Targets = [2]int{ifFalse, ifTrue}
	}
}

func (b *Builder) Exit() {
	b.emit(KindExit, Void)
}
