package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvalBinop(t *testing.T) {
	tests := []struct {
		name string
		op   BinOp
		t    Type
		x, y uint64
		want uint64
	}{
		{"add wraps", Add, I8, 0xff, 2, 1},
		{"sub wraps", Sub, I32, 0, 1, 0xffffffff},
		{"mul", Mul, I16, 300, 300, (300 * 300) & 0xffff},
		{"udiv", Udiv, I32, 7, 2, 3},
		{"udiv by zero", Udiv, I32, 7, 0, 0xffffffff},
		{"urem by zero", Urem, I64, 7, 0, 7},
		{"sdiv", Sdiv, I32, 0xfffffff9, 2, 0xfffffffd},
		{"sdiv by zero positive", Sdiv, I32, 7, 0, 0xffffffff},
		{"sdiv by zero negative", Sdiv, I32, 0xfffffff9, 0, 1},
		{"sdiv overflow", Sdiv, I32, 0x80000000, 0xffffffff, 0x80000000},
		{"srem", Srem, I32, 0xfffffff9, 2, 0xffffffff},
		{"srem by zero", Srem, I64, 0x8000000000000005, 0, 0x8000000000000005},
		{"srem overflow", Srem, I64, 0x8000000000000000, ^uint64(0), 0},
		{"sll", Sll, I32, 1, 31, 0x80000000},
		{"sll masks count", Sll, I32, 1, 33, 2},
		{"sll narrow overflow", Sll, I8, 1, 9, 0},
		{"srl", Srl, I64, 0x8000000000000000, 63, 1},
		{"sra", Sra, I32, 0x80000000, 4, 0xf8000000},
		{"sra narrow fill", Sra, I8, 0x80, 12, 0xff},
		{"sra narrow positive", Sra, I16, 0x4000, 20, 0},
		{"and", And, I64, 0xf0f0, 0xff00, 0xf000},
		{"or", Or, I1, 0, 1, 1},
		{"xor", Xor, I32, 0xffffffff, 0x0f0f0f0f, 0xf0f0f0f0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvalBinop(tc.op, tc.t, tc.x, tc.y))
		})
	}
}

func TestEvalIcmp(t *testing.T) {
	assert.True(t, EvalIcmp(Slt, I32, 0xffffffff, 0))
	assert.False(t, EvalIcmp(Ult, I32, 0xffffffff, 0))
	assert.True(t, EvalIcmp(Sge, I8, 0x7f, 0x80))
	assert.True(t, EvalIcmp(Ule, I64, 3, 3))
	assert.True(t, EvalIcmp(Ne, I16, 1, 2))
	assert.True(t, EvalIcmp(Sgt, I64, 1, ^uint64(0)))
}

func TestEvalCvt(t *testing.T) {
	assert.Equal(t, uint64(0xffffffffffffff80), EvalCvt(Sext, I8, I64, 0x80))
	assert.Equal(t, uint64(0x80), EvalCvt(Zext, I8, I64, 0x80))
	assert.Equal(t, uint64(0x5678), EvalCvt(Trunc, I32, I16, 0x12345678))
	assert.Equal(t, uint64(0xffffffff), EvalCvt(Sext, I1, I32, 1))
	assert.Equal(t, int64(-1), SignExtend(I32, 0xffffffff))
}
