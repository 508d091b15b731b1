// Package exec invokes assembled code and exposes Go functions to it as
// System V callable thunks. Native execution needs linux/amd64 with cgo;
// elsewhere Call reports ErrNotSupported and host functions only carry
// their Go implementation, which is enough for ir.Run.
package exec

import (
	"fmt"
	"sync"

	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/colorfulnotion/mipsjit/recompiler/ir"
)

// MaxHostFuncs is the number of thunk slots.
const MaxHostFuncs = 16

// MaxHostArgs is the number of integer arguments a thunk forwards.
const MaxHostArgs = 6

type hostFunc struct {
	fn    *ir.Func
	nargs int
}

var (
	hostMu    sync.RWMutex
	hostFuncs [MaxHostFuncs]hostFunc
)

// NewHostFunc registers impl in a free thunk slot and returns a call target
// usable both by ir.Run and, where supported, by native code.
func NewHostFunc(name string, nargs int, impl func(args []uint64) uint64) (*ir.Func, error) {
	if nargs < 0 || nargs > MaxHostArgs {
		return nil, fmt.Errorf("%s takes %d arguments, at most %d are forwarded: %w",
			name, nargs, MaxHostArgs, recerrors.ErrUnsupportedCall)
	}
	hostMu.Lock()
	defer hostMu.Unlock()
	for slot := range hostFuncs {
		if hostFuncs[slot].fn != nil {
			continue
		}
		fn := &ir.Func{Name: name, Addr: thunkAddr(slot), Impl: impl}
		hostFuncs[slot] = hostFunc{fn: fn, nargs: nargs}
		return fn, nil
	}
	return nil, fmt.Errorf("%d host functions: %w", MaxHostFuncs, recerrors.ErrCapacityExceeded)
}

// Release frees the thunk slot of a function returned by NewHostFunc.
// Code calling it must not run afterwards.
func Release(fn *ir.Func) {
	hostMu.Lock()
	defer hostMu.Unlock()
	for slot := range hostFuncs {
		if hostFuncs[slot].fn == fn {
			hostFuncs[slot] = hostFunc{}
		}
	}
}

func dispatch(slot int, args [MaxHostArgs]uint64) uint64 {
	hostMu.RLock()
	f := hostFuncs[slot]
	hostMu.RUnlock()
	if f.fn == nil {
		return 0
	}
	return f.fn.Impl(args[:f.nargs])
}
