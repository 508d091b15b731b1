package ir

// SignExtend widens the t-typed bit pattern x to a signed 64-bit integer.
func SignExtend(t Type, x uint64) int64 {
	if t >= I64 || t == Void {
		return int64(x)
	}
	shift := 64 - uint(t)
	return int64(x<<shift) >> shift
}

func minSigned(t Type) uint64 {
	return uint64(1) << (uint(t) - 1)
}

// EvalBinop computes op on t-typed operands. Operands and result are kept
// zero-extended to the width of t.
func EvalBinop(op BinOp, t Type, x, y uint64) uint64 {
	mask := t.Mask()
	x &= mask
	y &= mask
	var r uint64
	switch op {
	case Add:
		r = x + y
	case Sub:
		r = x - y
	case Mul:
		r = x * y
	case Udiv:
		if y == 0 {
			r = mask
		} else {
			r = x / y
		}
	case Urem:
		if y == 0 {
			r = x
		} else {
			r = x % y
		}
	case Sdiv:
		sx, sy := SignExtend(t, x), SignExtend(t, y)
		switch {
		case y == 0:
			if sx < 0 {
				r = 1
			} else {
				r = mask
			}
		case x == minSigned(t) && sy == -1:
			r = x
		default:
			r = uint64(sx / sy)
		}
	case Srem:
		sx, sy := SignExtend(t, x), SignExtend(t, y)
		switch {
		case y == 0:
			r = x
		case x == minSigned(t) && sy == -1:
			r = 0
		default:
			r = uint64(sx % sy)
		}
	case Sll, Srl, Sra:
		r = evalShift(op, t, x, y)
	case And:
		r = x & y
	case Or:
		r = x | y
	case Xor:
		r = x ^ y
	}
	return r & mask
}

// ShiftMask is the mask applied to shift counts for type t.
func ShiftMask(t Type) uint64 {
	if t > I32 {
		return 63
	}
	return 31
}

func evalShift(op BinOp, t Type, x, y uint64) uint64 {
	cnt := y & ShiftMask(t)
	if cnt >= uint64(t) {
		if op == Sra && SignExtend(t, x) < 0 {
			return t.Mask()
		}
		return 0
	}
	switch op {
	case Sll:
		return x << cnt
	case Srl:
		return x >> cnt
	default:
		return uint64(SignExtend(t, x) >> cnt)
	}
}

// EvalIcmp compares two t-typed operands.
func EvalIcmp(op CmpOp, t Type, x, y uint64) bool {
	x &= t.Mask()
	y &= t.Mask()
	sx, sy := SignExtend(t, x), SignExtend(t, y)
	switch op {
	case Eq:
		return x == y
	case Ne:
		return x != y
	case Ugt:
		return x > y
	case Uge:
		return x >= y
	case Ult:
		return x < y
	case Ule:
		return x <= y
	case Sgt:
		return sx > sy
	case Sge:
		return sx >= sy
	case Slt:
		return sx < sy
	default:
		return sx <= sy
	}
}

// EvalCvt converts x from type from to type to.
func EvalCvt(op CvtOp, from, to Type, x uint64) uint64 {
	x &= from.Mask()
	if op == Sext {
		x = uint64(SignExtend(from, x))
	}
	return x & to.Mask()
}

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
