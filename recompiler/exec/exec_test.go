package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/colorfulnotion/mipsjit/recompiler/ir"
)

func TestNewHostFuncArgumentLimit(t *testing.T) {
	_, err := NewHostFunc("wide", MaxHostArgs+1, func([]uint64) uint64 { return 0 })
	require.ErrorIs(t, err, recerrors.ErrUnsupportedCall)
}

func TestHostFuncSlots(t *testing.T) {
	var fns []*ir.Func
	t.Cleanup(func() {
		for _, fn := range fns {
			Release(fn)
		}
	})
	for k := 0; k < MaxHostFuncs; k++ {
		fn, err := NewHostFunc("f", 1, func(args []uint64) uint64 { return args[0] + 1 })
		require.NoError(t, err)
		fns = append(fns, fn)
	}
	_, err := NewHostFunc("overflow", 0, func([]uint64) uint64 { return 0 })
	require.ErrorIs(t, err, recerrors.ErrCapacityExceeded)

	Release(fns[3])
	fn, err := NewHostFunc("again", 2, func(args []uint64) uint64 { return args[0] * args[1] })
	require.NoError(t, err)
	fns[3] = fn
	assert.Equal(t, "again", fn.Name)
	assert.Equal(t, uint64(12), fn.Impl([]uint64{3, 4}))
	assert.Equal(t, Supported(), fn.Addr != 0)
}

func TestDispatchTruncatesArguments(t *testing.T) {
	var got []uint64
	fn, err := NewHostFunc("record", 2, func(args []uint64) uint64 {
		got = append([]uint64(nil), args...)
		return 7
	})
	require.NoError(t, err)
	defer Release(fn)

	slot := -1
	for k := range hostFuncs {
		if hostFuncs[k].fn == fn {
			slot = k
		}
	}
	require.GreaterOrEqual(t, slot, 0)
	assert.Equal(t, uint64(7), dispatch(slot, [MaxHostArgs]uint64{1, 2, 3, 4, 5, 6}))
	assert.Equal(t, []uint64{1, 2}, got)
}
