package ir

import (
	"fmt"

	"github.com/colorfulnotion/mipsjit/recerrors"
)

type checker struct {
	g        *Graph
	idom     []int
	defBlock []int
	defType  []Type
}

func typeError(i *Instr, format string, args ...interface{}) error {
	return &InstrError{Instr: i, Msg: fmt.Sprintf(format, args...), Err: recerrors.ErrTypecheck}
}

// Typecheck verifies that g is well formed: every variable is defined once,
// before its uses and in a dominating block; operand and result types agree;
// comparisons produce i1; blocks end in exactly one terminator and branches
// only go forward. The first violation is returned as an *InstrError.
func Typecheck(g *Graph) error {
	if len(g.Blocks) == 0 {
		return fmt.Errorf("empty graph: %w", recerrors.ErrTypecheck)
	}
	c := &checker{
		g:        g,
		defBlock: make([]int, g.NrVars),
		defType:  make([]Type, g.NrVars),
	}
	for k := range c.defBlock {
		c.defBlock[k] = -1
	}
	if err := c.dominators(); err != nil {
		return err
	}
	for label, blk := range g.Blocks {
		if blk.Label != label {
			return fmt.Errorf("block %d carries label %d: %w", label, blk.Label, recerrors.ErrTypecheck)
		}
		if blk.Head == nil {
			return fmt.Errorf("block %d is empty: %w", label, recerrors.ErrTypecheck)
		}
		for i := blk.Head; i != nil; i = i.Next {
			if i.IsTerminator() != (i.Next == nil) {
				if i.Next == nil {
					return typeError(i, "block %d does not end in a terminator", label)
				}
				return typeError(i, "terminator in the middle of block %d", label)
			}
			if err := c.instr(label, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// dominators computes immediate dominators. Forward-only branches make label
// order a topological order of the graph.
func (c *checker) dominators() error {
	n := len(c.g.Blocks)
	c.idom = make([]int, n)
	for k := range c.idom {
		c.idom[k] = -1
	}
	c.idom[0] = 0
	for label, blk := range c.g.Blocks {
		t := blk.Tail()
		if t == nil || t.Kind != KindBr {
			continue
		}
		for _, target := range t.Targets {
			if target <= label || target >= n {
				return typeError(t, "branch target %d out of range", target)
			}
			if c.idom[label] < 0 {
				continue
			}
			if c.idom[target] < 0 {
				c.idom[target] = label
			} else {
				c.idom[target] = c.intersect(c.idom[target], label)
			}
		}
	}
	for label := 1; label < n; label++ {
		if c.idom[label] < 0 {
			return fmt.Errorf("block %d is unreachable: %w", label, recerrors.ErrTypecheck)
		}
	}
	return nil
}

func (c *checker) intersect(a, b int) int {
	for a != b {
		for a > b {
			a = c.idom[a]
		}
		for b > a {
			b = c.idom[b]
		}
	}
	return a
}

func (c *checker) dominates(a, b int) bool {
	for b > a {
		b = c.idom[b]
	}
	return a == b
}

func (c *checker) use(label int, i *Instr, v Value) error {
	if !v.Type.Valid() || v.Type == Void {
		return typeError(i, "operand %s has type %s", v, v.Type)
	}
	if v.Kind == ConstKind {
		if v.Const&^v.Type.Mask() != 0 {
			return typeError(i, "constant 0x%x does not fit %s", v.Const, v.Type)
		}
		return nil
	}
	if v.Var < 0 || v.Var >= c.g.NrVars || c.defBlock[v.Var] < 0 {
		return typeError(i, "use of undefined variable %s", v)
	}
	if !c.dominates(c.defBlock[v.Var], label) {
		return typeError(i, "definition of %s does not dominate block %d", v, label)
	}
	if c.defType[v.Var] != v.Type {
		return typeError(i, "%s used as %s but defined as %s", v, v.Type, c.defType[v.Var])
	}
	return nil
}

func (c *checker) instr(label int, i *Instr) error {
	var err error
	i.Operands(func(v *Value) {
		if err == nil {
			err = c.use(label, i, *v)
		}
	})
	if err != nil {
		return err
	}
	x, y := i.Args[0], i.Args[1]
	switch i.Kind {
	case KindExit:
	case KindAssert, KindBr:
		if x.Type != I1 {
			return typeError(i, "condition has type %s, want i1", x.Type)
		}
	case KindCall:
		if i.Func == nil {
			return typeError(i, "call without target")
		}
		if !i.Type.Valid() {
			return typeError(i, "call result type %s", i.Type)
		}
	case KindAlloc:
		if i.Type != I64 || i.AllocType == Void || !i.AllocType.Valid() {
			return typeError(i, "alloc of %s yields %s", i.AllocType, i.Type)
		}
	case KindNot:
		if x.Type != i.Type {
			return typeError(i, "operand %s, result %s", x.Type, i.Type)
		}
	case KindBinop:
		if x.Type != y.Type || x.Type != i.Type {
			return typeError(i, "operands %s and %s, result %s", x.Type, y.Type, i.Type)
		}
	case KindIcmp:
		if x.Type != y.Type {
			return typeError(i, "compared operands %s and %s", x.Type, y.Type)
		}
		if i.Type != I1 {
			return typeError(i, "comparison yields %s, want i1", i.Type)
		}
	case KindLoad:
		if x.Type != I64 {
			return typeError(i, "address has type %s, want i64", x.Type)
		}
	case KindStore:
		if x.Type != I64 {
			return typeError(i, "address has type %s, want i64", x.Type)
		}
	case KindRead, KindWrite:
	case KindCvt:
		from, to := x.Type, i.Type
		if i.CvtOp == Trunc && to >= from || i.CvtOp != Trunc && to <= from {
			return typeError(i, "%s from %s to %s", i.CvtOp, from, to)
		}
	default:
		return typeError(i, "unknown instruction kind %d", i.Kind)
	}
	if i.HasResult() {
		if i.Type == Void || !i.Type.Valid() {
			return typeError(i, "result has type %s", i.Type)
		}
		if i.Res < 0 || i.Res >= c.g.NrVars {
			return typeError(i, "result %%%d out of range", i.Res)
		}
		if c.defBlock[i.Res] >= 0 {
			return typeError(i, "%%%d defined twice", i.Res)
		}
		c.defBlock[i.Res] = label
		c.defType[i.Res] = i.Type
	}
	return nil
}
