//go:build linux && amd64 && cgo

package exec

/*
#cgo CFLAGS: -Wall
#include <stdint.h>

extern uint64_t goHostCall(int, uint64_t, uint64_t, uint64_t, uint64_t, uint64_t, uint64_t);

#define HOST_THUNK(n) \
	static uint64_t host_thunk_##n(uint64_t a0, uint64_t a1, uint64_t a2, \
	                               uint64_t a3, uint64_t a4, uint64_t a5) { \
		return goHostCall(n, a0, a1, a2, a3, a4, a5); \
	}

HOST_THUNK(0)  HOST_THUNK(1)  HOST_THUNK(2)  HOST_THUNK(3)
HOST_THUNK(4)  HOST_THUNK(5)  HOST_THUNK(6)  HOST_THUNK(7)
HOST_THUNK(8)  HOST_THUNK(9)  HOST_THUNK(10) HOST_THUNK(11)
HOST_THUNK(12) HOST_THUNK(13) HOST_THUNK(14) HOST_THUNK(15)

static uintptr_t host_thunks[16] = {
	(uintptr_t)host_thunk_0,  (uintptr_t)host_thunk_1,  (uintptr_t)host_thunk_2,  (uintptr_t)host_thunk_3,
	(uintptr_t)host_thunk_4,  (uintptr_t)host_thunk_5,  (uintptr_t)host_thunk_6,  (uintptr_t)host_thunk_7,
	(uintptr_t)host_thunk_8,  (uintptr_t)host_thunk_9,  (uintptr_t)host_thunk_10, (uintptr_t)host_thunk_11,
	(uintptr_t)host_thunk_12, (uintptr_t)host_thunk_13, (uintptr_t)host_thunk_14, (uintptr_t)host_thunk_15,
};

static uintptr_t thunk_addr(int n) { return host_thunks[n]; }

static void call_entry(uintptr_t entry) { ((void (*)(void))entry)(); }
*/
import "C"
import (
	"fmt"
	"runtime"

	"github.com/colorfulnotion/mipsjit/recerrors"
)

// Supported reports whether Call can run native code.
func Supported() bool { return true }

func thunkAddr(slot int) uintptr { return uintptr(C.thunk_addr(C.int(slot))) }

// Call runs the assembled function at entry on the current thread.
func Call(entry uintptr) error {
	if entry == 0 {
		return fmt.Errorf("nil entry point: %w", recerrors.ErrRuntime)
	}
	runtime.LockOSThread()
	C.call_entry(C.uintptr_t(entry))
	runtime.UnlockOSThread()
	return nil
}
