package x86

// REX Prefix Constants
const (
	X86_REX_W = 0x08 // REX.W - 64-bit operand size
	X86_REX_R = 0x04 // REX.R - Extension of ModRM reg field
	X86_REX_X = 0x02 // REX.X - Extension of SIB index field
	X86_REX_B = 0x01 // REX.B - Extension of ModRM r/m, SIB base, or opcode reg field
)

// ModRM Mode Constants
const (
	X86_MOD_INDIRECT        = 0x00 // [reg]
	X86_MOD_INDIRECT_DISP8  = 0x01 // [reg + disp8]
	X86_MOD_INDIRECT_DISP32 = 0x02 // [reg + disp32]
	X86_MOD_REGISTER        = 0x03 // reg
)

// SIB byte selecting no index and the rsp/r12 base
const X86_SIB_NO_INDEX = 0x24

// Primary Opcodes. The r/m8 variant of an opcode is the opcode minus one.
const (
	X86_OP_REX             = 0x40 // REX prefix base
	X86_OP_PUSH_R          = 0x50 // PUSH r64 (+ reg)
	X86_OP_POP_R           = 0x58 // POP r64 (+ reg)
	X86_OP_MOVSXD          = 0x63 // MOVSXD r64, r/m32
	X86_OP_GROUP1_RM_IMM32 = 0x81 // Group 1 operations with imm32
	X86_OP_GROUP1_RM_IMM8  = 0x83 // Group 1 operations with imm8
	X86_OP_TEST_RM_R       = 0x85 // TEST r/m, r
	X86_OP_MOV_RM_R        = 0x89 // MOV r/m, r
	X86_OP_MOV_R_RM        = 0x8B // MOV r, r/m
	X86_OP_LEA             = 0x8D // LEA r, m
	X86_OP_CDQ             = 0x99 // CDQ, CQO with REX.W
	X86_OP_MOV_R_IMM       = 0xB8 // MOV r, imm (+ reg)
	X86_OP_GROUP2_RM_IMM8  = 0xC1 // Group 2 shift operations with imm8
	X86_OP_RET             = 0xC3 // RET
	X86_OP_MOV_RM_IMM      = 0xC7 // MOV r/m, imm32
	X86_OP_GROUP2_RM_CL    = 0xD3 // Group 2 shift operations by CL
	X86_OP_JMP_REL32       = 0xE9 // JMP rel32
	X86_OP_GROUP3_RM       = 0xF7 // Group 3 unary operations
	X86_OP_GROUP5_RM       = 0xFF // Group 5 operations (INC, DEC, CALL, JMP, PUSH)
)

// Two-byte Opcodes (0x0F prefix)
const (
	X86_OP2_UD2          = 0x0B // UD2
	X86_OP2_JCC          = 0x80 // Jcc rel32 (+ cond)
	X86_OP2_SETCC        = 0x90 // SETcc r/m8 (+ cond)
	X86_OP2_IMUL_R_RM    = 0xAF // IMUL r, r/m
	X86_OP2_MOVZX_R_RM8  = 0xB6 // MOVZX r, r/m8
	X86_OP2_MOVZX_R_RM16 = 0xB7 // MOVZX r, r/m16
	X86_OP2_MOVSX_R_RM8  = 0xBE // MOVSX r, r/m8
	X86_OP2_MOVSX_R_RM16 = 0xBF // MOVSX r, r/m16
)

// Prefixes
const (
	X86_PREFIX_0F = 0x0F // Two-byte opcode prefix
	X86_PREFIX_66 = 0x66 // Operand-size override prefix
)

// Jump operation reg field constants (for 0xFF opcode)
const (
	X86_REG_CALL_RM = 2 // CALL r/m (for 0xFF opcode)
)
