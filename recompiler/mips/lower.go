package mips

import "github.com/colorfulnotion/mipsjit/recompiler/ir"

func (l *lowering) gpr(n int) ir.Value { return l.b.Read(GPR(n), l.w) }

func (l *lowering) setGPR(n int, v ir.Value) {
	if n != 0 {
		l.b.Write(GPR(n), v)
	}
}

// lo32 and sext32 are identities when GPRs are 32 bits wide.
func (l *lowering) lo32(v ir.Value) ir.Value   { return l.b.Trunc(ir.I32, v) }
func (l *lowering) sext32(v ir.Value) ir.Value { return l.b.Sext(l.w, v) }

func (l *lowering) simm(in inst) ir.Value { return ir.Const(l.w, in.simm()) }

func (l *lowering) constShift(sa uint64) ir.Value { return ir.Const(ir.I32, sa) }

func (l *lowering) alu(rd int, op ir.BinOp, x, y ir.Value) {
	if rd != 0 {
		l.setGPR(rd, l.b.Binop(op, x, y))
	}
}

// alu32 computes op on the low words and sign-extends the result.
func (l *lowering) alu32(rd int, op ir.BinOp, x, y ir.Value) {
	if rd != 0 {
		l.setGPR(rd, l.sext32(l.b.Binop(op, l.lo32(x), l.lo32(y))))
	}
}

func (l *lowering) shift32(in inst, op ir.BinOp, count ir.Value) {
	if in.rd() != 0 {
		l.setGPR(in.rd(), l.sext32(l.b.Binop(op, l.lo32(l.gpr(in.rt())), count)))
	}
}

// sra32 shifts the full register right and keeps the sign-extended low word.
func (l *lowering) sra32(in inst, count ir.Value) {
	if in.rd() != 0 {
		l.setGPR(in.rd(), l.sext32(l.lo32(l.b.Sra(l.gpr(in.rt()), count))))
	}
}

func (l *lowering) set(rd int, op ir.CmpOp, x, y ir.Value) {
	if rd != 0 {
		l.setGPR(rd, l.b.Zext(l.w, l.b.Icmp(op, x, y)))
	}
}

func (l *lowering) mult(in inst, ext ir.CvtOp) {
	widen := l.b.Sext
	if ext == ir.Zext {
		widen = l.b.Zext
	}
	x := widen(ir.I64, l.lo32(l.gpr(in.rs())))
	y := widen(ir.I64, l.lo32(l.gpr(in.rt())))
	p := l.b.Mul(x, y)
	l.b.Write(RegLO, l.sext32(l.b.Trunc(ir.I32, p)))
	l.b.Write(RegHI, l.sext32(l.b.Trunc(ir.I32, l.b.Srl(p, ir.Const(ir.I64, 32)))))
}

func (l *lowering) div32(in inst, quo, rem ir.BinOp) {
	x, y := l.lo32(l.gpr(in.rs())), l.lo32(l.gpr(in.rt()))
	l.b.Write(RegLO, l.sext32(l.b.Binop(quo, x, y)))
	l.b.Write(RegHI, l.sext32(l.b.Binop(rem, x, y)))
}

func (l *lowering) div64(in inst, quo, rem ir.BinOp) {
	x, y := l.gpr(in.rs()), l.gpr(in.rt())
	l.b.Write(RegLO, l.b.Binop(quo, x, y))
	l.b.Write(RegHI, l.b.Binop(rem, x, y))
}

// address computes the host address of base+offset.
func (l *lowering) address(in inst) ir.Value {
	ea := l.gpr(in.rs())
	if in.imm() != 0 {
		ea = l.b.Add(ea, l.simm(in))
	}
	host := l.b.Zext(ir.I64, ea)
	if m := l.d.AddressMask; m != ^uint64(0) {
		host = l.b.And(host, ir.Const(ir.I64, m))
	}
	if l.d.AddressBase != 0 {
		host = l.b.Add(host, ir.Const(ir.I64, l.d.AddressBase))
	}
	return host
}

func (l *lowering) load(in inst, t ir.Type, ext ir.CvtOp) {
	v := l.b.Load(t, l.address(in))
	if in.rt() == 0 {
		return
	}
	if ext == ir.Sext {
		v = l.b.Sext(l.w, v)
	} else {
		v = l.b.Zext(l.w, v)
	}
	l.setGPR(in.rt(), v)
}

func (l *lowering) store(in inst, t ir.Type) {
	addr := l.address(in)
	l.b.Store(addr, l.b.Trunc(t, l.gpr(in.rt())))
}
