package mips

import "github.com/colorfulnotion/mipsjit/recompiler/ir"

// inst is one fetched instruction word.
type inst struct {
	addr uint64
	word uint32
}

func (in inst) op() uint32     { return in.word >> 26 }
func (in inst) rs() int        { return int(in.word>>21) & 31 }
func (in inst) rt() int        { return int(in.word>>16) & 31 }
func (in inst) rd() int        { return int(in.word>>11) & 31 }
func (in inst) sa() uint64     { return uint64(in.word>>6) & 31 }
func (in inst) funct() uint32  { return in.word & 63 }
func (in inst) imm() uint64    { return uint64(in.word & 0xffff) }
func (in inst) simm() uint64   { return uint64(int64(int16(in.word))) }
func (in inst) target() uint64 { return uint64(in.word&0x3ffffff) << 2 }

type class uint8

const (
	classSimple class = iota
	classBranch
	classJump
	classJumpReg
	classEret
	classException
)

// opcode describes how one instruction is lowered.
type opcode struct {
	name   string
	class  class
	is64   bool
	likely bool
	link   bool

	lower func(l *lowering, in inst)          // classSimple
	cond  func(l *lowering, in inst) ir.Value // classBranch
	cause uint64                              // classException
}

var (
	specialOps [64]*opcode
	regimmOps  [32]*opcode
	primaryOps [64]*opcode
	cop0Ops    = map[uint32]*opcode{}
	eretOp     = &opcode{name: "eret", class: classEret}
)

func simple(name string, lower func(l *lowering, in inst)) *opcode {
	return &opcode{name: name, class: classSimple, lower: lower}
}

func simple64(name string, lower func(l *lowering, in inst)) *opcode {
	return &opcode{name: name, class: classSimple, is64: true, lower: lower}
}

func branch(name string, likely, link bool, cond func(l *lowering, in inst) ir.Value) *opcode {
	return &opcode{name: name, class: classBranch, likely: likely, link: link, cond: cond}
}

func init() {
	nop := func(l *lowering, in inst) {}

	specialOps[0] = simple("sll", func(l *lowering, in inst) { l.shift32(in, ir.Sll, l.constShift(in.sa())) })
	specialOps[2] = simple("srl", func(l *lowering, in inst) { l.shift32(in, ir.Srl, l.constShift(in.sa())) })
	specialOps[3] = simple("sra", func(l *lowering, in inst) { l.sra32(in, ir.Const(l.w, in.sa())) })
	specialOps[4] = simple("sllv", func(l *lowering, in inst) { l.shift32(in, ir.Sll, l.lo32(l.gpr(in.rs()))) })
	specialOps[6] = simple("srlv", func(l *lowering, in inst) { l.shift32(in, ir.Srl, l.lo32(l.gpr(in.rs()))) })
	specialOps[7] = simple("srav", func(l *lowering, in inst) { l.sra32(in, l.b.And(l.gpr(in.rs()), ir.Const(l.w, 31))) })
	specialOps[8] = &opcode{name: "jr", class: classJumpReg}
	specialOps[9] = &opcode{name: "jalr", class: classJumpReg, link: true}
	specialOps[12] = &opcode{name: "syscall", class: classException, cause: ExcSyscall}
	specialOps[13] = &opcode{name: "break", class: classException, cause: ExcBreak}
	specialOps[15] = simple("sync", nop)
	specialOps[16] = simple("mfhi", func(l *lowering, in inst) { l.setGPR(in.rd(), l.b.Read(RegHI, l.w)) })
	specialOps[17] = simple("mthi", func(l *lowering, in inst) { l.b.Write(RegHI, l.gpr(in.rs())) })
	specialOps[18] = simple("mflo", func(l *lowering, in inst) { l.setGPR(in.rd(), l.b.Read(RegLO, l.w)) })
	specialOps[19] = simple("mtlo", func(l *lowering, in inst) { l.b.Write(RegLO, l.gpr(in.rs())) })
	specialOps[20] = simple64("dsllv", func(l *lowering, in inst) { l.alu(in.rd(), ir.Sll, l.gpr(in.rt()), l.gpr(in.rs())) })
	specialOps[22] = simple64("dsrlv", func(l *lowering, in inst) { l.alu(in.rd(), ir.Srl, l.gpr(in.rt()), l.gpr(in.rs())) })
	specialOps[23] = simple64("dsrav", func(l *lowering, in inst) { l.alu(in.rd(), ir.Sra, l.gpr(in.rt()), l.gpr(in.rs())) })
	specialOps[24] = simple("mult", func(l *lowering, in inst) { l.mult(in, ir.Sext) })
	specialOps[25] = simple("multu", func(l *lowering, in inst) { l.mult(in, ir.Zext) })
	specialOps[26] = simple("div", func(l *lowering, in inst) { l.div32(in, ir.Sdiv, ir.Srem) })
	specialOps[27] = simple("divu", func(l *lowering, in inst) { l.div32(in, ir.Udiv, ir.Urem) })
	specialOps[30] = simple64("ddiv", func(l *lowering, in inst) { l.div64(in, ir.Sdiv, ir.Srem) })
	specialOps[31] = simple64("ddivu", func(l *lowering, in inst) { l.div64(in, ir.Udiv, ir.Urem) })
	specialOps[32] = simple("add", func(l *lowering, in inst) { l.alu32(in.rd(), ir.Add, l.gpr(in.rs()), l.gpr(in.rt())) })
	specialOps[33] = simple("addu", func(l *lowering, in inst) { l.alu32(in.rd(), ir.Add, l.gpr(in.rs()), l.gpr(in.rt())) })
	specialOps[34] = simple("sub", func(l *lowering, in inst) { l.alu32(in.rd(), ir.Sub, l.gpr(in.rs()), l.gpr(in.rt())) })
	specialOps[35] = simple("subu", func(l *lowering, in inst) { l.alu32(in.rd(), ir.Sub, l.gpr(in.rs()), l.gpr(in.rt())) })
	specialOps[36] = simple("and", func(l *lowering, in inst) { l.alu(in.rd(), ir.And, l.gpr(in.rs()), l.gpr(in.rt())) })
	specialOps[37] = simple("or", func(l *lowering, in inst) { l.alu(in.rd(), ir.Or, l.gpr(in.rs()), l.gpr(in.rt())) })
	specialOps[38] = simple("xor", func(l *lowering, in inst) { l.alu(in.rd(), ir.Xor, l.gpr(in.rs()), l.gpr(in.rt())) })
	specialOps[39] = simple("nor", func(l *lowering, in inst) {
		if in.rd() != 0 {
			l.setGPR(in.rd(), l.b.Not(l.b.Or(l.gpr(in.rs()), l.gpr(in.rt()))))
		}
	})
	specialOps[42] = simple("slt", func(l *lowering, in inst) { l.set(in.rd(), ir.Slt, l.gpr(in.rs()), l.gpr(in.rt())) })
	specialOps[43] = simple("sltu", func(l *lowering, in inst) { l.set(in.rd(), ir.Ult, l.gpr(in.rs()), l.gpr(in.rt())) })
	specialOps[44] = simple64("dadd", func(l *lowering, in inst) { l.alu(in.rd(), ir.Add, l.gpr(in.rs()), l.gpr(in.rt())) })
	specialOps[45] = simple64("daddu", func(l *lowering, in inst) { l.alu(in.rd(), ir.Add, l.gpr(in.rs()), l.gpr(in.rt())) })
	specialOps[46] = simple64("dsub", func(l *lowering, in inst) { l.alu(in.rd(), ir.Sub, l.gpr(in.rs()), l.gpr(in.rt())) })
	specialOps[47] = simple64("dsubu", func(l *lowering, in inst) { l.alu(in.rd(), ir.Sub, l.gpr(in.rs()), l.gpr(in.rt())) })
	specialOps[56] = simple64("dsll", func(l *lowering, in inst) { l.alu(in.rd(), ir.Sll, l.gpr(in.rt()), ir.Const(l.w, in.sa())) })
	specialOps[58] = simple64("dsrl", func(l *lowering, in inst) { l.alu(in.rd(), ir.Srl, l.gpr(in.rt()), ir.Const(l.w, in.sa())) })
	specialOps[59] = simple64("dsra", func(l *lowering, in inst) { l.alu(in.rd(), ir.Sra, l.gpr(in.rt()), ir.Const(l.w, in.sa())) })
	specialOps[60] = simple64("dsll32", func(l *lowering, in inst) { l.alu(in.rd(), ir.Sll, l.gpr(in.rt()), ir.Const(l.w, in.sa()+32)) })
	specialOps[62] = simple64("dsrl32", func(l *lowering, in inst) { l.alu(in.rd(), ir.Srl, l.gpr(in.rt()), ir.Const(l.w, in.sa()+32)) })
	specialOps[63] = simple64("dsra32", func(l *lowering, in inst) { l.alu(in.rd(), ir.Sra, l.gpr(in.rt()), ir.Const(l.w, in.sa()+32)) })

	ltz := func(l *lowering, in inst) ir.Value { return l.b.Icmp(ir.Slt, l.gpr(in.rs()), ir.Const(l.w, 0)) }
	gez := func(l *lowering, in inst) ir.Value { return l.b.Icmp(ir.Sge, l.gpr(in.rs()), ir.Const(l.w, 0)) }
	regimmOps[0] = branch("bltz", false, false, ltz)
	regimmOps[1] = branch("bgez", false, false, gez)
	regimmOps[2] = branch("bltzl", true, false, ltz)
	regimmOps[3] = branch("bgezl", true, false, gez)
	regimmOps[16] = branch("bltzal", false, true, ltz)
	regimmOps[17] = branch("bgezal", false, true, gez)
	regimmOps[18] = branch("bltzall", true, true, ltz)
	regimmOps[19] = branch("bgezall", true, true, gez)

	eq := func(l *lowering, in inst) ir.Value { return l.b.Icmp(ir.Eq, l.gpr(in.rs()), l.gpr(in.rt())) }
	ne := func(l *lowering, in inst) ir.Value { return l.b.Icmp(ir.Ne, l.gpr(in.rs()), l.gpr(in.rt())) }
	lez := func(l *lowering, in inst) ir.Value { return l.b.Icmp(ir.Sle, l.gpr(in.rs()), ir.Const(l.w, 0)) }
	gtz := func(l *lowering, in inst) ir.Value { return l.b.Icmp(ir.Sgt, l.gpr(in.rs()), ir.Const(l.w, 0)) }
	primaryOps[2] = &opcode{name: "j", class: classJump}
	primaryOps[3] = &opcode{name: "jal", class: classJump, link: true}
	primaryOps[4] = branch("beq", false, false, eq)
	primaryOps[5] = branch("bne", false, false, ne)
	primaryOps[6] = branch("blez", false, false, lez)
	primaryOps[7] = branch("bgtz", false, false, gtz)
	primaryOps[8] = simple("addi", func(l *lowering, in inst) { l.alu32(in.rt(), ir.Add, l.gpr(in.rs()), l.simm(in)) })
	primaryOps[9] = simple("addiu", func(l *lowering, in inst) { l.alu32(in.rt(), ir.Add, l.gpr(in.rs()), l.simm(in)) })
	primaryOps[10] = simple("slti", func(l *lowering, in inst) { l.set(in.rt(), ir.Slt, l.gpr(in.rs()), l.simm(in)) })
	primaryOps[11] = simple("sltiu", func(l *lowering, in inst) { l.set(in.rt(), ir.Ult, l.gpr(in.rs()), l.simm(in)) })
	primaryOps[12] = simple("andi", func(l *lowering, in inst) { l.alu(in.rt(), ir.And, l.gpr(in.rs()), ir.Const(l.w, in.imm())) })
	primaryOps[13] = simple("ori", func(l *lowering, in inst) { l.alu(in.rt(), ir.Or, l.gpr(in.rs()), ir.Const(l.w, in.imm())) })
	primaryOps[14] = simple("xori", func(l *lowering, in inst) { l.alu(in.rt(), ir.Xor, l.gpr(in.rs()), ir.Const(l.w, in.imm())) })
	primaryOps[15] = simple("lui", func(l *lowering, in inst) {
		l.setGPR(in.rt(), ir.Const(l.w, uint64(int64(int32(uint32(in.imm())<<16)))))
	})
	primaryOps[20] = branch("beql", true, false, eq)
	primaryOps[21] = branch("bnel", true, false, ne)
	primaryOps[22] = branch("blezl", true, false, lez)
	primaryOps[23] = branch("bgtzl", true, false, gtz)
	primaryOps[24] = simple64("daddi", func(l *lowering, in inst) { l.alu(in.rt(), ir.Add, l.gpr(in.rs()), l.simm(in)) })
	primaryOps[25] = simple64("daddiu", func(l *lowering, in inst) { l.alu(in.rt(), ir.Add, l.gpr(in.rs()), l.simm(in)) })
	primaryOps[32] = simple("lb", func(l *lowering, in inst) { l.load(in, ir.I8, ir.Sext) })
	primaryOps[33] = simple("lh", func(l *lowering, in inst) { l.load(in, ir.I16, ir.Sext) })
	primaryOps[35] = simple("lw", func(l *lowering, in inst) { l.load(in, ir.I32, ir.Sext) })
	primaryOps[36] = simple("lbu", func(l *lowering, in inst) { l.load(in, ir.I8, ir.Zext) })
	primaryOps[37] = simple("lhu", func(l *lowering, in inst) { l.load(in, ir.I16, ir.Zext) })
	primaryOps[39] = simple64("lwu", func(l *lowering, in inst) { l.load(in, ir.I32, ir.Zext) })
	primaryOps[40] = simple("sb", func(l *lowering, in inst) { l.store(in, ir.I8) })
	primaryOps[41] = simple("sh", func(l *lowering, in inst) { l.store(in, ir.I16) })
	primaryOps[43] = simple("sw", func(l *lowering, in inst) { l.store(in, ir.I32) })
	primaryOps[47] = simple("cache", nop)
	primaryOps[55] = simple64("ld", func(l *lowering, in inst) { l.load(in, ir.I64, ir.Zext) })
	primaryOps[63] = simple64("sd", func(l *lowering, in inst) { l.store(in, ir.I64) })

	cop0Ops[0] = simple("mfc0", func(l *lowering, in inst) {
		if in.rt() != 0 {
			l.setGPR(in.rt(), l.sext32(l.lo32(l.b.Read(CP0(in.rd()), l.w))))
		}
	})
	cop0Ops[1] = simple64("dmfc0", func(l *lowering, in inst) { l.setGPR(in.rt(), l.b.Read(CP0(in.rd()), l.w)) })
}

// decode returns the lowering of word, or nil when it is not supported.
func decode(word uint32) *opcode {
	in := inst{word: word}
	switch in.op() {
	case 0:
		return specialOps[in.funct()]
	case 1:
		return regimmOps[in.rt()]
	case 16:
		if in.rs() == 16 {
			if in.funct() == 24 {
				return eretOp
			}
			return nil
		}
		return cop0Ops[uint32(in.rs())]
	}
	return primaryOps[in.op()]
}

// Mnemonic returns the name of the instruction encoded by word, or "" when
// the front end cannot lower it.
func Mnemonic(word uint32) string {
	if op := decode(word); op != nil {
		return op.name
	}
	return ""
}
