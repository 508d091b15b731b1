package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/mipsjit/recerrors"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[cache]
page_size = 8192
page_count = 16

[mips]
gpr_width = 32
address_base = 0x10000000

[log]
level = "debug"
modules = "cache,assembler"
`))
	require.NoError(t, err)
	assert.Equal(t, 8192, cfg.Cache.PageSize)
	assert.Equal(t, 16, cfg.Cache.PageCount)
	assert.Equal(t, Default().Cache.BufferSize, cfg.Cache.BufferSize)
	assert.Equal(t, 32, cfg.Mips.GPRWidth)
	assert.Equal(t, uint64(0x10000000), cfg.Mips.AddressBase)
	assert.Equal(t, Default().Mips.AddressMask, cfg.Mips.AddressMask)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestParseRejects(t *testing.T) {
	for name, tc := range map[string]struct {
		text string
		err  error
	}{
		"unknown key":     {"[cache]\npages = 3\n", recerrors.ErrUnknownConfig},
		"page size":       {"[cache]\npage_size = 6000\n", recerrors.ErrBadPageSize},
		"small page":      {"[cache]\npage_size = 1024\n", recerrors.ErrBadPageSize},
		"zero map":        {"[cache]\nmap_size = 0\n", recerrors.ErrBadCapacity},
		"few registers":   {"[backend]\nregisters = 8\n", recerrors.ErrBadCapacity},
		"width":           {"[mips]\ngpr_width = 16\n", recerrors.ErrUnknownConfig},
		"level":           {"[log]\nlevel = \"loud\"\n", recerrors.ErrUnknownConfig},
		"module":          {"[log]\nmodules = \"gpu\"\n", recerrors.ErrUnknownConfig},
		"malformed input": {"[cache\n", recerrors.ErrUnknownConfig},
	} {
		_, err := Parse([]byte(tc.text))
		assert.ErrorIs(t, err, tc.err, name)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	cfg := Default()
	cfg.Cache.PageCount = 7
	cfg.Mips.GPRWidth = 32
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
