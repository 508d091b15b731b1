//go:build !linux || !amd64 || !cgo

package exec

import (
	"github.com/colorfulnotion/mipsjit/log"
	"github.com/colorfulnotion/mipsjit/recerrors"
)

func Supported() bool { return false }

func thunkAddr(int) uintptr { return 0 }

func Call(entry uintptr) error {
	log.Error(log.RecompilerMonitoring, "native execution is not supported on this platform")
	return recerrors.ErrNotSupported
}
