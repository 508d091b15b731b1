//go:build linux && amd64 && cgo

package exec

/*
#include <stdint.h>
*/
import "C"

//export goHostCall
func goHostCall(slot C.int, a0, a1, a2, a3, a4, a5 C.uint64_t) C.uint64_t {
	args := [MaxHostArgs]uint64{uint64(a0), uint64(a1), uint64(a2), uint64(a3), uint64(a4), uint64(a5)}
	return C.uint64_t(dispatch(int(slot), args))
}
