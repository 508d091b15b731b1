package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpansMergeAdjacentPages(t *testing.T) {
	got := spans([]span{
		{0x5010, 0x5020},
		{0x1000, 0x1001},
		{0x1ff0, 0x2010},
		{0x3000, 0x3000},
		{0x5ff0, 0x6008},
	})
	assert.Equal(t, []span{{0x1000, 0x3000}, {0x5000, 0x7000}}, got)
}

func TestStackBaseAvoidsMappedSpans(t *testing.T) {
	base, ok := stackBase(nil)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x10_0000), base)

	base, ok = stackBase([]span{{0x10_0000, 0x10_1000}, {0x20_0000, 0x20_1000}})
	assert.True(t, ok)
	assert.Equal(t, uint64(0x40_0000), base)
}
