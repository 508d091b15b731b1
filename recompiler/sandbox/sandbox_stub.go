//go:build !unicorn
// +build !unicorn

package sandbox

import (
	"fmt"

	"github.com/colorfulnotion/mipsjit/log"
	"github.com/colorfulnotion/mipsjit/recerrors"
)

// Available reports whether emulated execution is compiled in.
const Available = false

// Run is unavailable without the unicorn build tag.
func Run(code []byte, entry uint64, opts Options) (Result, error) {
	log.Error(log.VerifyMonitoring, "sandbox requires the unicorn build tag", "entry", fmt.Sprintf("0x%x", entry))
	return Result{}, fmt.Errorf("sandbox: %w", recerrors.ErrNotSupported)
}
