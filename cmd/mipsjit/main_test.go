package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/mipsjit/recompiler/mips"
)

// addiu v0, zero, 7 ; jr ra ; nop
const program = "24020007 03e00008 00000000"

func TestParseRegs(t *testing.T) {
	regs, err := parseRegs([]string{"v0=10", "$sp=0x8000", "hi = 3"})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), regs[mips.GPR(2)])
	assert.Equal(t, uint64(0x8000), regs[mips.GPR(29)])
	assert.Equal(t, uint64(3), regs[mips.RegHI])

	for _, bad := range []string{"v0", "q9=1", "v0=zz"} {
		_, err := parseRegs([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestParseCode(t *testing.T) {
	code, err := parseCode([]string{"0x24020007,03e00008"})
	require.NoError(t, err)
	assert.Equal(t, mips.Words(0x24020007, 0x03e00008), code)

	_, err = parseCode([]string{" "})
	assert.Error(t, err)
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestIRCommand(t *testing.T) {
	out := execute(t, "ir", program)
	assert.Contains(t, out, "0x1000: 24020007  addiu\n")
	assert.Contains(t, out, "0x1004: 03e00008  jr\n")
	assert.Contains(t, out, "; raw")
	assert.Contains(t, out, "; optimized")
	assert.Contains(t, out, "$v0")
}

func TestAsmCommand(t *testing.T) {
	out := execute(t, "asm", "--homes", program)
	assert.Contains(t, out, "push rbp")
}

func TestRunCommand(t *testing.T) {
	out := execute(t, "run", "--native=false", "--reg", "ra=0x400", program)
	assert.Contains(t, out, "v0       0x0000000000000007")
	assert.Contains(t, out, "pc       0x0000000000000400")

	out = execute(t, "run", "--width", "32", "--native=false", "--reg", "ra=0x400", program)
	assert.Contains(t, out, "v0       0x00000007")
}

func TestVerifyCommand(t *testing.T) {
	out := execute(t, "verify", "--reg", "ra=0x400", program)
	assert.Contains(t, out, "ok: optimized")
}

func TestConsole(t *testing.T) {
	o := &options{addr: 0x1000, memorySize: 1 << 16}
	s, err := newSession(o)
	require.NoError(t, err)
	defer s.Close()
	var out bytes.Buffer
	c, err := newConsole(context.Background(), s, o.addr, &out)
	require.NoError(t, err)

	_, err = c.eval(`setreg("ra", 0x400)`)
	require.NoError(t, err)
	res, err := c.eval(program)
	require.NoError(t, err)
	assert.Contains(t, res, "v0")

	res, err = c.eval(`reg("v0")`)
	require.NoError(t, err)
	assert.Equal(t, "7", res)

	res, err = c.eval(`at(0x3000); run("24030009 03e00008 00000000").v1`)
	require.NoError(t, err)
	assert.Equal(t, "0x9", res)

	_, err = c.eval(`at(0x2000); print(ir("24020001 03e00008 00000000").length > 0)`)
	require.NoError(t, err)
	assert.Equal(t, "true\n", out.String())
	assert.Equal(t, uint64(0x2000), c.addr)

	_, err = c.eval(`reg("nope")`)
	assert.Error(t, err)
}
