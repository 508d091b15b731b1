// Package ir defines the typed SSA intermediate representation shared by the
// MIPS front end, the optimizer, the type checker, the IR interpreter and the
// x86-64 assembler.
package ir

import "fmt"

// Type is the bit width of a scalar integer value. Zero is void.
type Type uint8

const (
	Void Type = 0
	I1   Type = 1
	I8   Type = 8
	I16  Type = 16
	I32  Type = 32
	I64  Type = 64
)

// Valid reports whether t is one of the supported widths.
func (t Type) Valid() bool {
	switch t {
	case Void, I1, I8, I16, I32, I64:
		return true
	}
	return false
}

func (t Type) Width() int { return int(t) }

// Rounded returns the width rounded up to the next power of two, minimum 8.
func (t Type) Rounded() int {
	w := 8
	for w < int(t) {
		w <<= 1
	}
	return w
}

// Bytes is the storage size of a value of type t.
func (t Type) Bytes() int { return t.Rounded() / 8 }

// Mask returns the bit mask of the significant bits of t.
func (t Type) Mask() uint64 {
	if t >= I64 {
		return ^uint64(0)
	}
	return (uint64(1) << t) - 1
}

func (t Type) String() string {
	if t == Void {
		return "void"
	}
	return fmt.Sprintf("i%d", t)
}

type ValueKind uint8

const (
	ConstKind ValueKind = iota
	VarKind
)

// Value is either a literal bit pattern or a reference to an SSA variable.
type Value struct {
	Kind  ValueKind
	Type  Type
	Const uint64
	Var   int
}

// Const builds a constant of type t, truncating v to the width of t.
func Const(t Type, v uint64) Value {
	return Value{Kind: ConstKind, Type: t, Const: v & t.Mask()}
}

func Var(t Type, id int) Value {
	return Value{Kind: VarKind, Type: t, Var: id}
}

func (v Value) IsConst() bool { return v.Kind == ConstKind }
func (v Value) IsVar() bool   { return v.Kind == VarKind }

// IsZero reports whether v is the constant zero.
func (v Value) IsZero() bool { return v.Kind == ConstKind && v.Const == 0 }

func (v Value) String() string {
	if v.Kind == VarKind {
		return fmt.Sprintf("%%%d", v.Var)
	}
	if v.Const < 10 {
		return fmt.Sprintf("%d", v.Const)
	}
	return fmt.Sprintf("0x%x", v.Const)
}
