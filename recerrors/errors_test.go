package recerrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorParts(t *testing.T) {
	assert.Equal(t, "MapFull", GetErrorName(ErrMapFull))
	assert.Equal(t, "K3", GetErrorCode(ErrMapFull))
	assert.Equal(t, "Code cache map bucket has no free slot.", GetErrorDesc(ErrMapFull))
	assert.Equal(t, "No Error", GetErrorName(nil))

	wrapped := fmt.Errorf("update 0x1000: %w", ErrMapFull)
	assert.Equal(t, "K3", GetErrorCode(wrapped))
	assert.Equal(t, "MapFull", GetErrorName(wrapped))
}

func TestIsFallback(t *testing.T) {
	assert.False(t, IsFallback(nil))
	assert.False(t, IsFallback(ErrBadPageSize))
	assert.False(t, IsFallback(fmt.Errorf("cache: %w", ErrAllocFailed)))
	assert.True(t, IsFallback(ErrCodeBufferOverflow))
	assert.True(t, IsFallback(fmt.Errorf("lw at 0x80: %w", ErrUnsupportedInstruction)))
}
