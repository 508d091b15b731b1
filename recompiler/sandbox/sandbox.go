// Package sandbox runs assembled code inside an emulated x86-64 CPU.
//
// Every host address the code touches (its own buffer, the guest state,
// the memory window and any call targets) is mapped into the emulator at
// the same address, so the bytes produced by the assembler run unmodified.
// Regions are copied in before the run and copied back afterwards.
package sandbox

import (
	"sort"

	"github.com/colorfulnotion/mipsjit/recompiler/ir"
)

const (
	pageSize = uint64(0x1000)

	// StackSize is the size of the emulated stack.
	StackSize = uint64(0x40000)

	// DefaultLimit bounds the number of emulated instructions per run.
	DefaultLimit = uint64(1 << 20)
)

// Region is a block of host memory mirrored into the emulator.
type Region struct {
	Name string
	Addr uint64
	Data []byte
}

// Result summarizes one emulated run.
type Result struct {
	Steps uint64
	Calls int
	RAX   uint64
}

// Options configures Run.
type Options struct {
	// Regions are mapped read-write and copied back after the run.
	Regions []Region
	// Funcs are host functions reachable through call instructions.
	// Their Impl runs in place of the code at Addr.
	Funcs []HostFunc
	// Limit caps the number of emulated instructions; zero uses DefaultLimit.
	Limit uint64
}

// HostFunc is a call target together with its argument count.
type HostFunc struct {
	Func *ir.Func
	Args int
}

type span struct{ start, end uint64 }

func pageDown(a uint64) uint64 { return a &^ (pageSize - 1) }
func pageUp(a uint64) uint64   { return (a + pageSize - 1) &^ (pageSize - 1) }

// spans returns the page-aligned union of the given ranges.
func spans(ranges []span) []span {
	rs := make([]span, 0, len(ranges))
	for _, r := range ranges {
		if r.end <= r.start {
			continue
		}
		rs = append(rs, span{pageDown(r.start), pageUp(r.end)})
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].start < rs[j].start })
	var out []span
	for _, r := range rs {
		if n := len(out); n > 0 && r.start <= out[n-1].end {
			if r.end > out[n-1].end {
				out[n-1].end = r.end
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// stackBase picks a stack placement that overlaps none of the mapped spans.
func stackBase(mapped []span) (uint64, bool) {
	for base := uint64(0x10_0000); base < 1<<46; base <<= 1 {
		free := true
		for _, s := range mapped {
			if base < s.end && s.start < base+StackSize+pageSize {
				free = false
				break
			}
		}
		if free {
			return base, true
		}
	}
	return 0, false
}
