// Package verify checks the recompiler against itself: the same MIPS code
// is executed as raw IR, as optimized IR, natively, and under emulation,
// and the resulting register files and memory windows are compared.
package verify

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/colorfulnotion/mipsjit/log"
	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/colorfulnotion/mipsjit/recompiler/assembler"
	"github.com/colorfulnotion/mipsjit/recompiler/cache"
	"github.com/colorfulnotion/mipsjit/recompiler/exec"
	"github.com/colorfulnotion/mipsjit/recompiler/ir"
	"github.com/colorfulnotion/mipsjit/recompiler/mips"
	"github.com/colorfulnotion/mipsjit/recompiler/sandbox"
	"github.com/colorfulnotion/mipsjit/recompiler/x86"
)

// Stages compared against the raw IR run.
const (
	StageOptimized = "optimized"
	StageNative    = "native"
	StageSandbox   = "sandbox"
)

// Options configures a Harness.
type Options struct {
	Width           ir.Type // GPR width, i32 or i64
	MemorySize      int     // power of two; guest addresses wrap inside it
	MaxInstructions int
	CodeSize        int // bytes of executable buffer for the native stages
	Native          bool
	Sandbox         bool
	Trace           bool // record memory accesses of the raw run
}

// DefaultOptions runs every stage that is available on this build.
func DefaultOptions() Options {
	return Options{
		Width:           ir.I64,
		MemorySize:      4096,
		MaxInstructions: mips.DefaultMaxInstructions,
		CodeSize:        64 << 10,
		Native:          true,
		Sandbox:         true,
	}
}

// Machine is a guest starting point.
type Machine struct {
	State  mips.State
	Memory []byte
}

// Report describes one verified run.
type Report struct {
	Raw       string // listing of the graph as disassembled
	Optimized string // listing after Optimize
	Assembly  string // x86-64 listing, when a native stage ran
	Stages    []string
	Final     Machine
	Accesses  []Access
}

// Mismatch is a stage whose outcome differs from the raw IR run.
type Mismatch struct {
	Stage  string
	Report *Report
	States string
	Memory string
}

func (m *Mismatch) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s run differs from the raw IR run", m.Stage)
	if m.States != "" {
		fmt.Fprintf(&sb, "\nregisters:\n%s", m.States)
	}
	if m.Memory != "" {
		fmt.Fprintf(&sb, "\nmemory:\n%s", m.Memory)
	}
	return sb.String()
}

// Harness owns the backend, guest state and code buffer used by Check.
type Harness struct {
	opts      Options
	backend   *ir.Backend
	state     *mips.State
	mem       *Memory
	dis       *mips.Disassembler
	cache     *cache.Cache
	exception *ir.Func
}

// New builds a harness. Close releases its code buffer and host function.
func New(opts Options) (*Harness, error) {
	if opts.MemorySize <= 0 || opts.MemorySize&(opts.MemorySize-1) != 0 {
		return nil, fmt.Errorf("memory size %d: %w", opts.MemorySize, recerrors.ErrBadCapacity)
	}
	h := &Harness{opts: opts, state: new(mips.State), mem: NewMemory(opts.MemorySize)}
	var err error
	h.backend, err = ir.NewBackend(h.mem, mips.NumRegisters, 1024, 8192, 256)
	if err != nil {
		return nil, err
	}
	if err := h.state.Bind(h.backend, opts.Width); err != nil {
		return nil, err
	}
	h.exception, err = exec.NewHostFunc("exception", 2, func(args []uint64) uint64 {
		h.state.Raise(args[0], args[1])
		return 0
	})
	if err != nil {
		return nil, err
	}
	h.dis = mips.NewDisassembler(h.backend)
	h.dis.AddressBase = h.mem.Base()
	h.dis.AddressMask = uint64(opts.MemorySize - 1)
	h.dis.MaxInstructions = opts.MaxInstructions
	h.dis.Exception = h.exception
	if h.native() || h.emulated() {
		if h.cache, err = cache.New(cache.MinPageSize, 1, opts.CodeSize, 4); err != nil {
			exec.Release(h.exception)
			return nil, err
		}
	}
	return h, nil
}

func (h *Harness) native() bool   { return h.opts.Native && exec.Supported() }
func (h *Harness) emulated() bool { return h.opts.Sandbox && sandbox.Available }

// Close releases the harness resources.
func (h *Harness) Close() error {
	exec.Release(h.exception)
	if h.cache != nil {
		return h.cache.Close()
	}
	return nil
}

func (h *Harness) reset(m *Machine) {
	*h.state = m.State
	h.mem.Reset(m.Memory)
}

func (h *Harness) snapshot() Machine {
	return Machine{State: *h.state, Memory: append([]byte(nil), h.mem.Bytes()...)}
}

func (h *Harness) compare(stage string, want Machine, r *Report) (*Mismatch, error) {
	got := h.snapshot()
	states, err := DiffStates(want.State.Registers(h.opts.Width), got.State.Registers(h.opts.Width))
	if err != nil {
		return nil, err
	}
	memory, err := DiffMemory(want.Memory, got.Memory)
	if err != nil {
		return nil, err
	}
	r.Stages = append(r.Stages, stage)
	if states == "" && memory == "" {
		return nil, nil
	}
	log.Warn(log.VerifyMonitoring, "stage mismatch", "stage", stage)
	return &Mismatch{Stage: stage, Report: r, States: states, Memory: memory}, nil
}

// Check runs code, loaded at guest address addr, from initial through every
// enabled stage. It returns a Mismatch for the first stage that disagrees
// with the raw IR run, and an error when the code cannot be run at all.
func (h *Harness) Check(code []byte, addr uint64, initial Machine) (*Report, *Mismatch, error) {
	h.backend.Reset()
	g, err := h.dis.Disassemble(addr, code)
	if err != nil {
		return nil, nil, err
	}
	r := &Report{Raw: ir.Format(h.backend, g)}

	h.reset(&initial)
	h.mem.Trace = h.opts.Trace
	err = ir.Run(h.backend, g)
	h.mem.Trace = false
	if err != nil {
		return r, nil, fmt.Errorf("raw run: %w", err)
	}
	want := h.snapshot()
	r.Final = want
	r.Accesses = append([]Access(nil), h.mem.Accesses()...)

	ir.Optimize(g)
	r.Optimized = ir.Format(h.backend, g)
	if err := ir.Typecheck(g); err != nil {
		log.Warn(log.VerifyMonitoring, "optimized graph rejected", "err", err)
		return r, nil, err
	}
	h.reset(&initial)
	if err := ir.Run(h.backend, g); err != nil {
		return r, nil, fmt.Errorf("optimized run: %w", err)
	}
	if m, err := h.compare(StageOptimized, want, r); m != nil || err != nil {
		return r, m, err
	}

	if !h.native() && !h.emulated() {
		return r, nil, nil
	}
	buf := h.buffer()
	compiled, err := assembler.Assemble(h.backend, buf, g)
	if err != nil {
		return r, nil, fmt.Errorf("assemble: %w", err)
	}
	bytes := compiled.Bytes(buf)
	r.Assembly = x86.DisassembleAt(bytes, uint64(compiled.Entry))

	if h.native() {
		h.reset(&initial)
		if err := exec.Call(compiled.Entry); err != nil {
			return r, nil, err
		}
		if m, err := h.compare(StageNative, want, r); m != nil || err != nil {
			return r, m, err
		}
	}
	if h.emulated() {
		h.reset(&initial)
		opts := sandbox.Options{Regions: []sandbox.Region{
			{Name: "state", Addr: uint64(uintptr(unsafe.Pointer(h.state))), Data: unsafe.Slice((*byte)(unsafe.Pointer(h.state)), unsafe.Sizeof(*h.state))},
			{Name: "memory", Addr: h.mem.Base(), Data: h.mem.data},
		}}
		if h.exception.Addr != 0 {
			opts.Funcs = []sandbox.HostFunc{{Func: h.exception, Args: 2}}
		}
		if _, err := sandbox.Run(bytes, uint64(compiled.Entry), opts); err != nil {
			return r, nil, err
		}
		if m, err := h.compare(StageSandbox, want, r); m != nil || err != nil {
			return r, m, err
		}
	}
	return r, nil, nil
}

func (h *Harness) buffer() *cache.Buffer {
	_, buf := h.cache.Query(0)
	buf.Length = 0
	return buf
}

// Check runs a one-off harness with DefaultOptions.
func Check(code []byte, addr uint64, initial Machine) (*Report, *Mismatch, error) {
	h, err := New(DefaultOptions())
	if err != nil {
		return nil, nil, err
	}
	defer h.Close()
	return h.Check(code, addr, initial)
}
