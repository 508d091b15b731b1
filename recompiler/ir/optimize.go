package ir

// optimizer carries the per-invocation state of Optimize.
type optimizer struct {
	vars    []Value
	globals map[Register]Value
	nextVar int
}

// Optimize folds constants, applies zero identities, removes redundant
// register reads and renumbers the surviving variables densely. The sweep is
// per block in label order: variable substitutions carry across blocks while
// known register values are forgotten at block boundaries and calls.
func Optimize(g *Graph) {
	o := &optimizer{vars: make([]Value, g.NrVars)}
	for _, blk := range g.Blocks {
		o.globals = make(map[Register]Value)
		var prev *Instr
		for i := blk.Head; i != nil; i = i.Next {
			i.Operands(o.substitute)
			if o.fold(i) {
				if prev == nil {
					blk.Head = i.Next
				} else {
					prev.Next = i.Next
				}
				continue
			}
			if i.HasResult() {
				o.vars[i.Res] = Var(i.Type, o.nextVar)
				i.Res = o.nextVar
				o.nextVar++
			}
			switch i.Kind {
			case KindRead:
				o.globals[i.Reg] = i.Result()
			case KindWrite:
				o.globals[i.Reg] = i.Args[0]
			case KindCall:
				o.globals = make(map[Register]Value)
			}
			prev = i
		}
		blk.tail = prev
	}
	g.NrVars = o.nextVar
}

func (o *optimizer) substitute(v *Value) {
	if v.Kind == VarKind {
		*v = o.vars[v.Var]
	}
}

// fold records the value of i and reports whether i can be removed.
func (o *optimizer) fold(i *Instr) bool {
	x, y := i.Args[0], i.Args[1]
	var r Value
	switch i.Kind {
	case KindNot:
		if !x.IsConst() {
			return false
		}
		r = Const(i.Type, ^x.Const)
	case KindBinop:
		var ok bool
		if r, ok = foldBinop(i.BinOp, i.Type, x, y); !ok {
			return false
		}
	case KindIcmp:
		if !x.IsConst() || !y.IsConst() {
			return false
		}
		r = Const(I1, boolValue(EvalIcmp(i.CmpOp, x.Type, x.Const, y.Const)))
	case KindCvt:
		switch {
		case x.IsConst():
			r = Const(i.Type, EvalCvt(i.CvtOp, x.Type, i.Type, x.Const))
		case x.Type == i.Type:
			r = x
		default:
			return false
		}
	case KindRead:
		v, ok := o.globals[i.Reg]
		if !ok || v.Type != i.Type {
			return false
		}
		r = v
	default:
		return false
	}
	o.vars[i.Res] = r
	return true
}

func foldBinop(op BinOp, t Type, x, y Value) (Value, bool) {
	if x.IsConst() && y.IsConst() {
		return Const(t, EvalBinop(op, t, x.Const, y.Const)), true
	}
	if y.IsZero() {
		switch op {
		case Add, Sub, Or, Xor, Sll, Srl, Sra:
			return x, true
		case Mul, And:
			return Const(t, 0), true
		}
	}
	if x.IsZero() {
		switch op {
		case Add, Or, Xor:
			return y, true
		case Mul, And, Sll, Srl, Sra:
			return Const(t, 0), true
		}
	}
	return Value{}, false
}
