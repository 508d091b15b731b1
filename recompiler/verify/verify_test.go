package verify

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/colorfulnotion/mipsjit/recompiler/ir"
	"github.com/colorfulnotion/mipsjit/recompiler/mips"
)

func addiu(rt, rs uint32, imm int16) uint32 { return mips.EncodeI(9, rs, rt, uint16(imm)) }
func sw(rt, base uint32, off int16) uint32  { return mips.EncodeI(43, base, rt, uint16(off)) }
func lw(rt, base uint32, off int16) uint32  { return mips.EncodeI(35, base, rt, uint16(off)) }
func addu(rd, rs, rt uint32) uint32         { return mips.EncodeR(0, rs, rt, rd, 0, 0x21) }
func jr(rs uint32) uint32                   { return mips.EncodeR(0, rs, 0, 0, 0, 8) }
func bne(rs, rt uint32, off int16) uint32   { return mips.EncodeI(5, rs, rt, uint16(off)) }

const syscall = 12

func newHarness(t *testing.T, mut func(o *Options)) *Harness {
	t.Helper()
	opts := DefaultOptions()
	opts.Sandbox = false
	if mut != nil {
		mut(&opts)
	}
	h, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestNewRejectsMemorySize(t *testing.T) {
	_, err := New(Options{Width: ir.I64, MemorySize: 3000})
	assert.ErrorIs(t, err, recerrors.ErrBadCapacity)
}

func TestCheckStraightLine(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Trace = true })
	var m Machine
	m.State.GPR[31] = 0x2000
	code := mips.Words(
		addiu(2, 0, 0x100),
		addiu(3, 0, 0x55),
		sw(3, 0, 0x10),
		lw(4, 0, 0x10),
		addu(5, 2, 4),
		jr(31),
		0,
	)
	r, mismatch, err := h.Check(code, 0x1000, m)
	require.NoError(t, err)
	require.Nil(t, mismatch)
	assert.Equal(t, uint64(0x155), r.Final.State.GPR[5])
	assert.Equal(t, uint64(0x2000), r.Final.State.PC)
	assert.Equal(t, byte(0x55), r.Final.Memory[0x10])
	assert.Contains(t, r.Stages, StageOptimized)
	assert.NotEmpty(t, r.Raw)
	assert.NotEmpty(t, r.Optimized)
	assert.Equal(t, []Access{
		{Write: true, Addr: 0x10, Size: 4, Value: 0x55},
		{Addr: 0x10, Size: 4, Value: 0x55},
	}, r.Accesses)
}

func TestCheckBranchesAndWraps(t *testing.T) {
	h := newHarness(t, nil)
	var m Machine
	m.State.GPR[4] = 1
	m.State.GPR[6] = 0x1008 // wraps to 0x8 in a 4 KiB window
	m.State.GPR[31] = 0x3000
	m.Memory = make([]byte, 16)
	m.Memory[8] = 0x7f
	code := mips.Words(
		bne(4, 0, 3),
		lw(5, 6, 0),
		addiu(2, 0, 1),
		0,
		addiu(2, 0, 2),
		jr(31),
		0,
	)
	r, mismatch, err := h.Check(code, 0x400, m)
	require.NoError(t, err)
	require.Nil(t, mismatch)
	assert.Equal(t, uint64(0x7f), r.Final.State.GPR[5])
	assert.Equal(t, uint64(0x3000), r.Final.State.PC)
	assert.Equal(t, uint64(2), r.Final.State.GPR[2])
}

func TestCheckSyscallRaises(t *testing.T) {
	h := newHarness(t, nil)
	r, mismatch, err := h.Check(mips.Words(addiu(2, 0, 4), mips.EncodeR(0, 0, 0, 0, 0, syscall)), 0x100, Machine{})
	require.NoError(t, err)
	require.Nil(t, mismatch)
	s := r.Final.State
	assert.Equal(t, uint64(4), s.GPR[2])
	assert.Equal(t, uint64(0x104), s.CP0[mips.CP0EPC])
	assert.Equal(t, uint64(mips.ExcSyscall<<2), s.CP0[mips.CP0Cause])
	assert.Equal(t, uint64(mips.ExceptionVector), s.PC)
}

func TestCheckUnsupportedFirstInstruction(t *testing.T) {
	h := newHarness(t, nil)
	_, _, err := h.Check(mips.Words(0xc4000000), 0, Machine{})
	assert.ErrorIs(t, err, recerrors.ErrUnsupportedInstruction)
}

func TestCompareReportsDifferences(t *testing.T) {
	h := newHarness(t, nil)
	var want Machine
	want.State.GPR[2] = 1
	want.Memory = make([]byte, h.mem.Size())
	want.Memory[0x20] = 0xaa
	h.reset(&Machine{})
	r := &Report{}
	m, err := h.compare(StageNative, want, r)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, StageNative, m.Stage)
	assert.Contains(t, m.States, "v0")
	assert.Contains(t, m.Memory, "0x0020")
	assert.Contains(t, m.Error(), "native run differs")
	assert.Equal(t, []string{StageNative}, r.Stages)
}

func TestCheckFunction(t *testing.T) {
	_, mismatch, err := Check(mips.Words(addiu(7, 0, -1), jr(31), 0), 0, Machine{})
	require.NoError(t, err)
	assert.Nil(t, mismatch)
}

// randomWord returns an instruction the front end lowers, with memory
// accesses based on $zero so they stay inside the window.
func randomWord(r *rand.Rand) uint32 {
	reg := func() uint32 { return uint32(r.Intn(32)) }
	special := []uint32{0, 2, 3, 4, 6, 7, 8, 12, 13, 16, 17, 18, 19, 20, 22, 23, 24, 25, 26, 27, 30, 31,
		32, 33, 34, 35, 36, 37, 38, 39, 42, 43, 44, 45, 46, 47, 56, 58, 59, 60, 62, 63}
	switch r.Intn(6) {
	case 0, 1:
		return mips.EncodeR(0, reg(), reg(), reg(), uint32(r.Intn(32)), special[r.Intn(len(special))])
	case 2:
		ops := []uint32{8, 9, 10, 11, 12, 13, 14, 15, 24, 25}
		return mips.EncodeI(ops[r.Intn(len(ops))], reg(), reg(), uint16(r.Uint32()))
	case 3:
		ops := []uint32{32, 33, 35, 36, 37, 39, 55, 40, 41, 43, 63}
		return mips.EncodeI(ops[r.Intn(len(ops))], 0, reg(), uint16(r.Intn(64)*8))
	case 4:
		ops := []uint32{4, 5, 6, 7, 20, 21, 22, 23}
		return mips.EncodeI(ops[r.Intn(len(ops))], reg(), reg(), uint16(1+r.Intn(4)))
	default:
		rts := []uint32{0, 1, 2, 3, 16, 17, 18, 19}
		return mips.EncodeI(1, reg(), rts[r.Intn(len(rts))], uint16(1+r.Intn(4)))
	}
}

func TestCheckRandomPrograms(t *testing.T) {
	for _, width := range []ir.Type{ir.I32, ir.I64} {
		t.Run(width.String(), func(t *testing.T) {
			h := newHarness(t, func(o *Options) {
				o.Width = width
				o.Sandbox = true
			})
			r := rand.New(rand.NewSource(int64(width.Bytes())))
			for n := 0; n < 300; n++ {
				words := make([]uint32, 4+r.Intn(16))
				for k := range words {
					words[k] = randomWord(r)
				}
				words[0] = addiu(uint32(r.Intn(32)), uint32(r.Intn(32)), int16(r.Uint32()))

				var m Machine
				for k := range m.State.GPR {
					m.State.GPR[k] = r.Uint64() & width.Mask()
				}
				m.State.GPR[0] = 0
				m.State.HI, m.State.LO = r.Uint64()&width.Mask(), r.Uint64()&width.Mask()
				m.Memory = make([]byte, 512)
				r.Read(m.Memory)

				_, mismatch, err := h.Check(mips.Words(words...), 0x1000, m)
				require.NoError(t, err, "program %d: %08x", n, words)
				require.Nil(t, mismatch, "program %d: %08x", n, words)
			}
		})
	}
}
