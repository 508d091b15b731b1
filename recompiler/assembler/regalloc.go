package assembler

import (
	"fmt"

	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/colorfulnotion/mipsjit/recompiler/ir"
	"github.com/colorfulnotion/mipsjit/recompiler/x86"
)

// Pool is the set of host registers available to SSA variables, in
// allocation order. rax, rcx and rdx are reserved as scratch.
var Pool = []x86.Reg{
	x86.RBX, x86.R12, x86.R13, x86.R14, x86.R15,
	x86.RSI, x86.RDI, x86.R8, x86.R9, x86.R10, x86.R11,
}

type locKind uint8

const (
	locNone locKind = iota
	locReg
	locStack // spilled value
	locAlloc // address of a stack slot
)

type location struct {
	kind locKind
	reg  x86.Reg
	disp int32 // rbp-relative
	size int
}

func (l location) String() string {
	switch l.kind {
	case locReg:
		return l.reg.Name
	case locStack:
		return x86.Mem{Base: x86.RBP, Disp: l.disp}.String()
	case locAlloc:
		return "&" + x86.Mem{Base: x86.RBP, Disp: l.disp}.String()
	}
	return "-"
}

func (l location) mem() x86.Mem { return x86.Mem{Base: x86.RBP, Disp: l.disp} }

// savedSize is the space below rbp taken by the pushed callee-saved registers.
const savedSize = 8 * len(x86.CalleeSaved)

// allocation is the result of linear-scan allocation over a graph.
type allocation struct {
	locs    []location
	def     []int // instruction index defining each variable
	end     []int // index of the last use, or the definition when unused
	index   map[*ir.Instr]int
	frame   int // bytes of spill and alloc slots
	spilled int
}

// stack reserves a slot of size bytes aligned to its size.
func (a *allocation) stack(size int) int32 {
	off := (a.frame + size - 1) &^ (size - 1)
	a.frame = off + size
	return -int32(savedSize + off + size)
}

// liveAcross lists the caller-saved registers holding variables defined
// before instruction k and used after it.
func (a *allocation) liveAcross(k int) []x86.Reg {
	var regs []x86.Reg
	seen := map[x86.Reg]bool{}
	for v, l := range a.locs {
		if l.kind != locReg || l.reg.Callee() || seen[l.reg] {
			continue
		}
		if a.def[v] < k && a.end[v] > k {
			seen[l.reg] = true
			regs = append(regs, l.reg)
		}
	}
	return regs
}

// allocate numbers the instructions in block label order, computes the last
// use of every variable and assigns each one a register from Pool, a spill
// slot when the pool is exhausted, or a stack slot for alloc results.
// Branches only go forward, so label order covers every path between a
// definition and its uses and intervals can be compared by index.
func allocate(g *ir.Graph) (*allocation, error) {
	a := &allocation{
		locs:  make([]location, g.NrVars),
		def:   make([]int, g.NrVars),
		end:   make([]int, g.NrVars),
		index: make(map[*ir.Instr]int),
	}
	for v := range a.def {
		a.def[v] = -1
	}
	var order []*ir.Instr
	for _, blk := range g.Blocks {
		for i := blk.Head; i != nil; i = i.Next {
			k := len(order)
			a.index[i] = k
			order = append(order, i)
			var bad error
			i.Operands(func(v *ir.Value) {
				if v.IsVar() {
					if v.Var < 0 || v.Var >= g.NrVars {
						bad = fmt.Errorf("%s: variable %%%d out of range: %w", i, v.Var, recerrors.ErrTypecheck)
						return
					}
					a.end[v.Var] = k
				}
			})
			if bad != nil {
				return nil, bad
			}
			if i.HasResult() {
				if i.Res < 0 || i.Res >= g.NrVars {
					return nil, fmt.Errorf("%s: result out of range: %w", i, recerrors.ErrTypecheck)
				}
				a.def[i.Res] = k
				if a.end[i.Res] < k {
					a.end[i.Res] = k
				}
			}
		}
	}

	var free uint32 = 1<<len(Pool) - 1
	owner := make([]int, len(Pool))
	for k, i := range order {
		for p := range Pool {
			if free&(1<<p) == 0 && a.end[owner[p]] <= k {
				free |= 1 << p
			}
		}
		if !i.HasResult() {
			continue
		}
		v := i.Res
		switch {
		case i.Kind == ir.KindAlloc:
			size := i.AllocType.Bytes()
			a.locs[v] = location{kind: locAlloc, disp: a.stack(size), size: size}
		case free != 0:
			p := 0
			for free&(1<<p) == 0 {
				p++
			}
			free &^= 1 << p
			owner[p] = v
			a.locs[v] = location{kind: locReg, reg: Pool[p], size: 8}
		default:
			size := i.Type.Bytes()
			a.locs[v] = location{kind: locStack, disp: a.stack(size), size: size}
			a.spilled++
		}
	}
	return a, nil
}

// Homes returns the location chosen for every variable of g, for listings.
func Homes(g *ir.Graph) ([]string, error) {
	a, err := allocate(g)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(a.locs))
	for v, l := range a.locs {
		out[v] = l.String()
	}
	return out, nil
}
