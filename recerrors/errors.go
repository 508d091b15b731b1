package recerrors

import (
	"errors"
	"strings"
)

// Construction (C) Errors
var (
	ErrBadPageSize   = errors.New("C1|BadPageSize: Code cache page size must be a power of two of at least 4096 bytes.")
	ErrBadCapacity   = errors.New("C2|BadCapacity: Backend and cache capacities must be positive.")
	ErrNotSupported  = errors.New("C3|NotSupported: Native execution is not available on this platform.")
	ErrAllocFailed   = errors.New("C4|AllocFailed: Executable memory could not be allocated.")
	ErrUnknownConfig = errors.New("C5|UnknownConfig: Configuration value is out of range.")
)

// Capacity (K) Errors
var (
	ErrCapacityExceeded   = errors.New("K1|CapacityExceeded: Backend block, instruction or parameter arena is full.")
	ErrCodeBufferOverflow = errors.New("K2|CodeBufferOverflow: Code buffer has insufficient capacity for the assembled graph.")
	ErrMapFull            = errors.New("K3|MapFull: Code cache map bucket has no free slot.")
	ErrAddressOutOfRange  = errors.New("K4|AddressOutOfRange: Address is outside the pages covered by the code cache.")
)

// Graph (G) Errors
var (
	ErrBlockTerminated = errors.New("G1|BlockTerminated: Instruction appended after the block terminator.")
	ErrTypecheck       = errors.New("G2|Typecheck: IR graph failed type checking.")
	ErrRuntime         = errors.New("G3|Runtime: IR execution failed.")
	ErrBadRegister     = errors.New("G4|BadRegister: Register id is outside the backend register table.")
)

// Unsupported (U) Errors
var (
	ErrUnsupportedInstruction = errors.New("U1|UnsupportedInstruction: Guest instruction cannot be recompiled.")
	ErrUnsupportedDivision    = errors.New("U2|UnsupportedDivision: Division is only supported at 32 and 64 bits.")
	ErrUnsupportedCall        = errors.New("U3|UnsupportedCall: Call target has no native entry point.")
	ErrUnboundRegister        = errors.New("U4|UnboundRegister: Register has no host binding.")
)

// IsFallback reports whether err means the block should be left to the
// interpreter rather than treated as a broken recompiler setup.
func IsFallback(err error) bool {
	if err == nil {
		return false
	}
	for _, e := range []error{ErrBadPageSize, ErrBadCapacity, ErrNotSupported, ErrAllocFailed, ErrUnknownConfig} {
		if errors.Is(err, e) {
			return false
		}
	}
	return true
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	code := strings.TrimSpace(parts[0])
	// wrapped errors carry a prefix; the code is the last word before '|'
	if i := strings.LastIndexAny(code, " :"); i >= 0 {
		code = code[i+1:]
	}
	return code
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if i := strings.Index(errStr, "|"); i >= 0 {
		errStr = errStr[i+1:]
	}
	parts := strings.SplitN(errStr, ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}
