//go:build unicorn
// +build unicorn

package sandbox

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/colorfulnotion/mipsjit/log"
	"github.com/colorfulnotion/mipsjit/recerrors"
)

// Available reports whether emulated execution is compiled in.
const Available = true

var argRegs = [6]int{
	uc.X86_REG_RDI,
	uc.X86_REG_RSI,
	uc.X86_REG_RDX,
	uc.X86_REG_RCX,
	uc.X86_REG_R8,
	uc.X86_REG_R9,
}

// Run emulates code placed at entry until it returns. The code slice must
// hold the bytes at entry onwards; it is mapped at entry.
func Run(code []byte, entry uint64, opts Options) (Result, error) {
	var res Result
	if len(code) == 0 || entry == 0 {
		return res, fmt.Errorf("empty code at 0x%x: %w", entry, recerrors.ErrRuntime)
	}
	for _, f := range opts.Funcs {
		if f.Func == nil || f.Func.Addr == 0 || f.Func.Impl == nil {
			return res, fmt.Errorf("host function without address or implementation: %w", recerrors.ErrUnsupportedCall)
		}
		if f.Args < 0 || f.Args > len(argRegs) {
			return res, fmt.Errorf("%s takes %d arguments: %w", f.Func.Name, f.Args, recerrors.ErrUnsupportedCall)
		}
	}
	limit := opts.Limit
	if limit == 0 {
		limit = DefaultLimit
	}

	ranges := []span{{entry, entry + uint64(len(code))}}
	for _, r := range opts.Regions {
		ranges = append(ranges, span{r.Addr, r.Addr + uint64(len(r.Data))})
	}
	for _, f := range opts.Funcs {
		ranges = append(ranges, span{uint64(f.Func.Addr), uint64(f.Func.Addr) + 1})
	}
	mapped := spans(ranges)
	stack, ok := stackBase(mapped)
	if !ok {
		return res, fmt.Errorf("no room for a %d byte stack: %w", StackSize, recerrors.ErrAllocFailed)
	}
	sentinel := stack + StackSize

	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return res, fmt.Errorf("create unicorn: %w", err)
	}
	defer mu.Close()

	for _, s := range append(mapped, span{stack, sentinel + pageSize}) {
		if err := mu.MemMapProt(s.start, s.end-s.start, uc.PROT_ALL); err != nil {
			return res, fmt.Errorf("map 0x%x-0x%x: %w", s.start, s.end, err)
		}
	}
	if err := writeRegions(mu, opts.Regions); err != nil {
		return res, err
	}
	if err := mu.MemWrite(entry, code); err != nil {
		return res, fmt.Errorf("write code at 0x%x: %w", entry, err)
	}

	var fault error
	funcs := make(map[uint64]HostFunc, len(opts.Funcs))
	for _, f := range opts.Funcs {
		addr := uint64(f.Func.Addr)
		funcs[addr] = f
		// The body of every host function is a bare ret; the hook below
		// performs the call before it executes.
		if err := mu.MemWrite(addr, []byte{0xc3}); err != nil {
			return res, fmt.Errorf("write %s stub: %w", f.Func.Name, err)
		}
		_, err := mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, pc uint64, size uint32) {
			f, ok := funcs[pc]
			if !ok {
				return
			}
			args := make([]uint64, f.Args)
			for k := range args {
				v, err := mu.RegRead(argRegs[k])
				if err != nil {
					fault = err
					mu.Stop()
					return
				}
				args[k] = v
			}
			res.Calls++
			// The host function sees, and may change, the mirrored regions.
			if err := readBack(mu, opts.Regions); err != nil {
				fault = err
				mu.Stop()
				return
			}
			ret := f.Func.Impl(args)
			if err := writeRegions(mu, opts.Regions); err != nil {
				fault = err
				mu.Stop()
				return
			}
			if err := mu.RegWrite(uc.X86_REG_RAX, ret); err != nil {
				fault = err
				mu.Stop()
			}
		}, addr, addr)
		if err != nil {
			return res, fmt.Errorf("hook %s: %w", f.Func.Name, err)
		}
	}
	if _, err := mu.HookAdd(uc.HOOK_MEM_INVALID, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		fault = fmt.Errorf("invalid access (type %d) of %d bytes at 0x%x: %w", access, size, addr, recerrors.ErrRuntime)
		return false
	}, 1, 0); err != nil {
		return res, fmt.Errorf("add memory hook: %w", err)
	}
	if _, err := mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, pc uint64, size uint32) {
		res.Steps++
	}, 1, 0); err != nil {
		return res, fmt.Errorf("add code hook: %w", err)
	}

	var ret [8]byte
	for k := range ret {
		ret[k] = byte(sentinel >> (8 * k))
	}
	rsp := sentinel - 8
	if err := mu.MemWrite(rsp, ret[:]); err != nil {
		return res, fmt.Errorf("write return address: %w", err)
	}
	if err := mu.RegWrite(uc.X86_REG_RSP, rsp); err != nil {
		return res, fmt.Errorf("set RSP: %w", err)
	}

	log.Trace(log.VerifyMonitoring, "sandbox run", "entry", fmt.Sprintf("0x%x", entry), "code", len(code), "spans", len(mapped))
	err = mu.StartWithOptions(entry, sentinel, &uc.UcOptions{Count: limit})
	if fault != nil {
		return res, fault
	}
	if err != nil {
		return res, fmt.Errorf("emulation stopped after %d instructions: %v: %w", res.Steps, err, recerrors.ErrRuntime)
	}
	if pc, _ := mu.RegRead(uc.X86_REG_RIP); pc != sentinel {
		return res, fmt.Errorf("instruction limit %d reached at 0x%x: %w", limit, pc, recerrors.ErrRuntime)
	}
	res.RAX, _ = mu.RegRead(uc.X86_REG_RAX)

	return res, readBack(mu, opts.Regions)
}

func writeRegions(mu uc.Unicorn, regions []Region) error {
	for _, r := range regions {
		if err := mu.MemWrite(r.Addr, r.Data); err != nil {
			return fmt.Errorf("write %s at 0x%x: %w", r.Name, r.Addr, err)
		}
	}
	return nil
}

func readBack(mu uc.Unicorn, regions []Region) error {
	for _, r := range regions {
		data, err := mu.MemRead(r.Addr, uint64(len(r.Data)))
		if err != nil {
			return fmt.Errorf("read back %s: %w", r.Name, err)
		}
		copy(r.Data, data)
	}
	return nil
}
