package ir

import (
	"fmt"
	"strings"
)

// Kind selects the variant of an instruction.
type Kind uint8

const (
	KindExit Kind = iota
	KindAssert
	KindBr
	KindCall
	KindAlloc
	KindNot
	KindBinop
	KindIcmp
	KindLoad
	KindStore
	KindRead
	KindWrite
	KindCvt
)

var kindNames = [...]string{
	KindExit:   "exit",
	KindAssert: "assert",
	KindBr:     "br",
	KindCall:   "call",
	KindAlloc:  "alloc",
	KindNot:    "not",
	KindBinop:  "binop",
	KindIcmp:   "icmp",
	KindLoad:   "load",
	KindStore:  "store",
	KindRead:   "read",
	KindWrite:  "write",
	KindCvt:    "cvt",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

type BinOp uint8

const (
	Add BinOp = iota
	Sub
	Mul
	Udiv
	Sdiv
	Urem
	Srem
	Sll
	Srl
	Sra
	And
	Or
	Xor
)

var binOpNames = [...]string{"add", "sub", "mul", "udiv", "sdiv", "urem", "srem", "sll", "srl", "sra", "and", "or", "xor"}

func (op BinOp) String() string { return binOpNames[op] }

// IsShift reports whether op is sll, srl or sra.
func (op BinOp) IsShift() bool { return op == Sll || op == Srl || op == Sra }

// IsDivision reports whether op is one of the division or remainder ops.
func (op BinOp) IsDivision() bool { return op >= Udiv && op <= Srem }

type CmpOp uint8

const (
	Eq CmpOp = iota
	Ne
	Ugt
	Uge
	Ult
	Ule
	Sgt
	Sge
	Slt
	Sle
)

var cmpOpNames = [...]string{"eq", "ne", "ugt", "uge", "ult", "ule", "sgt", "sge", "slt", "sle"}

func (op CmpOp) String() string { return cmpOpNames[op] }

// Signed reports whether the comparison interprets operands as signed.
func (op CmpOp) Signed() bool { return op >= Sgt }

type CvtOp uint8

const (
	Trunc CvtOp = iota
	Sext
	Zext
)

var cvtOpNames = [...]string{"trunc", "sext", "zext"}

func (op CvtOp) String() string { return cvtOpNames[op] }

// Register is the abstract id of an architectural state field.
type Register int

// Func is the target of a call instruction. Run invokes Impl, native code
// calls Addr with the System V calling convention.
type Func struct {
	Name string
	Addr uintptr
	Impl func(args []uint64) uint64
}

// Instr is one IR instruction. Which fields are meaningful depends on Kind:
//
//	exit                     -
//	assert                   Args[0] (i1)
//	br                       Args[0] (i1), Targets[0] (false), Targets[1] (true)
//	call                     Func, Params, Type (result, may be void)
//	alloc                    AllocType, Type is i64
//	not                      Args[0]
//	binop                    BinOp, Args[0], Args[1]
//	icmp                     CmpOp, Args[0], Args[1], Type is i1
//	load                     Args[0] (address), Type
//	store                    Args[0] (address), Args[1] (value)
//	read                     Reg, Type
//	write                    Reg, Args[0]
//	cvt                      CvtOp, Args[0], Type
type Instr struct {
	Kind Kind
	Type Type
	Res  int
	Next *Instr

	BinOp BinOp
	CmpOp CmpOp
	CvtOp CvtOp

	Args      [2]Value
	Reg       Register
	Targets   [2]int
	Func      *Func
	Params    []Value
	AllocType Type
}

// HasResult reports whether the instruction defines an SSA variable.
func (i *Instr) HasResult() bool {
	switch i.Kind {
	case KindCall:
		return i.Type != Void
	case KindAlloc, KindNot, KindBinop, KindIcmp, KindLoad, KindRead, KindCvt:
		return true
	}
	return false
}

// IsTerminator reports whether the instruction ends a block.
func (i *Instr) IsTerminator() bool {
	return i.Kind == KindExit || i.Kind == KindBr
}

// Result returns the value defined by the instruction.
func (i *Instr) Result() Value { return Var(i.Type, i.Res) }

func (i *Instr) nrArgs() int {
	switch i.Kind {
	case KindAssert, KindBr, KindNot, KindLoad, KindWrite, KindCvt:
		return 1
	case KindBinop, KindIcmp, KindStore:
		return 2
	}
	return 0
}

// Operands calls fn with a pointer to every value operand, in order.
func (i *Instr) Operands(fn func(v *Value)) {
	n := i.nrArgs()
	for k := 0; k < n; k++ {
		fn(&i.Args[k])
	}
	if i.Kind == KindCall {
		for k := range i.Params {
			fn(&i.Params[k])
		}
	}
}

func (i *Instr) String() string {
	return i.Format(func(r Register) string { return fmt.Sprintf("$%d", r) })
}

// Format renders the instruction, naming registers with regName.
func (i *Instr) Format(regName func(Register) string) string {
	var sb strings.Builder
	if i.HasResult() {
		fmt.Fprintf(&sb, "%%%d = ", i.Res)
	}
	switch i.Kind {
	case KindExit:
		sb.WriteString("exit")
	case KindAssert:
		fmt.Fprintf(&sb, "assert %s", i.Args[0])
	case KindBr:
		fmt.Fprintf(&sb, "br %s, block%d, block%d", i.Args[0], i.Targets[0], i.Targets[1])
	case KindCall:
		name := "<nil>"
		if i.Func != nil {
			name = i.Func.Name
		}
		fmt.Fprintf(&sb, "call.%s %s(", i.Type, name)
		for k, p := range i.Params {
			if k > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(p.String())
		}
		sb.WriteString(")")
	case KindAlloc:
		fmt.Fprintf(&sb, "alloc.%s", i.AllocType)
	case KindNot:
		fmt.Fprintf(&sb, "not.%s %s", i.Type, i.Args[0])
	case KindBinop:
		fmt.Fprintf(&sb, "%s.%s %s, %s", i.BinOp, i.Type, i.Args[0], i.Args[1])
	case KindIcmp:
		fmt.Fprintf(&sb, "icmp.%s.%s %s, %s", i.CmpOp, i.Args[0].Type, i.Args[0], i.Args[1])
	case KindLoad:
		fmt.Fprintf(&sb, "load.%s %s", i.Type, i.Args[0])
	case KindStore:
		fmt.Fprintf(&sb, "store.%s %s, %s", i.Args[1].Type, i.Args[0], i.Args[1])
	case KindRead:
		fmt.Fprintf(&sb, "read.%s %s", i.Type, regName(i.Reg))
	case KindWrite:
		fmt.Fprintf(&sb, "write.%s %s, %s", i.Args[0].Type, regName(i.Reg), i.Args[0])
	case KindCvt:
		fmt.Fprintf(&sb, "%s.%s.%s %s", i.CvtOp, i.Args[0].Type, i.Type, i.Args[0])
	default:
		sb.WriteString(i.Kind.String())
	}
	return sb.String()
}

// Block is a straight-line list of instructions ending in a terminator.
type Block struct {
	Label int
	Head  *Instr
	tail  *Instr
}

// Instrs returns the instructions of the block as a slice.
func (b *Block) Instrs() []*Instr {
	var out []*Instr
	for i := b.Head; i != nil; i = i.Next {
		out = append(out, i)
	}
	return out
}

// Tail returns the last instruction of the block.
func (b *Block) Tail() *Instr {
	if b.tail == nil {
		for i := b.Head; i != nil; i = i.Next {
			b.tail = i
		}
	}
	return b.tail
}

func (b *Block) append(i *Instr) {
	if b.Head == nil {
		b.Head = i
	} else {
		b.Tail().Next = i
	}
	b.tail = i
}

// Graph is a control-flow graph rooted at block 0. Branch targets always
// carry a greater label than the branching block.
type Graph struct {
	Blocks []*Block
	NrVars int
}

// NrInstrs counts the instructions in the graph.
func (g *Graph) NrInstrs() int {
	n := 0
	for _, b := range g.Blocks {
		for i := b.Head; i != nil; i = i.Next {
			n++
		}
	}
	return n
}
