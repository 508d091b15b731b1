// Package recompiler drives the MIPS to x86-64 pipeline: it looks up
// compiled code in the code cache, compiles missing regions
// (disassemble, optimize, typecheck, assemble), and runs the result.
//
// Errors for which recerrors.IsFallback is true mean the region should
// keep being interpreted.
package recompiler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/colorfulnotion/mipsjit/config"
	"github.com/colorfulnotion/mipsjit/log"
	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/colorfulnotion/mipsjit/recompiler/assembler"
	"github.com/colorfulnotion/mipsjit/recompiler/cache"
	"github.com/colorfulnotion/mipsjit/recompiler/exec"
	"github.com/colorfulnotion/mipsjit/recompiler/ir"
	"github.com/colorfulnotion/mipsjit/recompiler/mips"
	"github.com/colorfulnotion/mipsjit/recompiler/x86"
)

const tracerName = "github.com/colorfulnotion/mipsjit/recompiler"

// Stats counts pipeline events since New.
type Stats struct {
	Hits          uint64 // Lookup found compiled code
	Misses        uint64 // Lookup found nothing
	Compiles      uint64 // regions compiled and cached
	Fallbacks     uint64 // regions left to the interpreter
	Retries       uint64 // compilations repeated after clearing a full page
	Invalidations uint64 // pages cleared by Invalidate
	Executions    uint64 // native calls
	Cached        int    // regions currently in the cache
}

// Option customizes New.
type Option func(*Recompiler)

// WithTracerProvider sets the provider of pipeline spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Recompiler) { r.tracer = tp.Tracer(tracerName) }
}

// WithMemory sets the memory bus used by Interpret.
func WithMemory(mem ir.Memory) Option {
	return func(r *Recompiler) { r.backend.Memory = mem }
}

// Recompiler owns one backend and code cache. Compilations are serialized;
// native code runs on the calling goroutine.
type Recompiler struct {
	mu        sync.Mutex
	cfg       config.Config
	width     ir.Type
	backend   *ir.Backend
	cache     *cache.Cache
	dis       *mips.Disassembler
	state     *mips.State
	exception *ir.Func
	tracer    trace.Tracer
	stats     Stats
}

// New builds the backend, code cache and front end described by cfg.
func New(cfg *config.Config, opts ...Option) (*Recompiler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Recompiler{cfg: *cfg, width: ir.I64, tracer: otel.Tracer(tracerName)}
	if cfg.Mips.GPRWidth == 32 {
		r.width = ir.I32
	}
	var err error
	b := cfg.Backend
	if r.backend, err = ir.NewBackend(nil, b.Registers, b.Blocks, b.Instructions, b.Params); err != nil {
		return nil, err
	}
	c := cfg.Cache
	if r.cache, err = cache.New(c.PageSize, c.PageCount, c.BufferSize, c.MapSize); err != nil {
		return nil, err
	}
	r.exception, err = exec.NewHostFunc("exception", 2, r.raise)
	if err != nil {
		r.cache.Close()
		return nil, err
	}
	r.dis = mips.NewDisassembler(r.backend)
	r.dis.AddressBase = cfg.Mips.AddressBase
	r.dis.AddressMask = cfg.Mips.AddressMask
	r.dis.MaxInstructions = cfg.Mips.MaxInstructions
	r.dis.Exception = r.exception
	for _, o := range opts {
		o(r)
	}
	log.Debug(log.RecompilerMonitoring, "recompiler ready", "width", r.width,
		"pages", c.PageCount, "pageSize", c.PageSize, "executable", r.cache.Executable())
	return r, nil
}

func (r *Recompiler) raise(args []uint64) uint64 {
	if r.state != nil {
		r.state.Raise(args[0], args[1])
	}
	return 0
}

// BindState binds the guest register file. Code compiled before the call
// keeps the addresses of the previous state, so the cache is cleared.
func (r *Recompiler) BindState(s *mips.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := s.Bind(r.backend, r.width); err != nil {
		return err
	}
	if r.state != nil && r.state != s {
		r.invalidate(0, uint64(r.cache.PageSize())*uint64(r.cache.PageCount()))
	}
	r.state = s
	return nil
}

// State returns the bound register file, or nil.
func (r *Recompiler) State() *mips.State { return r.state }

func (r *Recompiler) key(addr uint64) uint64 { return addr & r.cfg.Mips.AddressMask }

// Lookup returns the compiled entry point for guest address addr, or 0.
func (r *Recompiler) Lookup(addr uint64) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, _ := r.cache.Query(r.key(addr))
	if entry == 0 {
		r.stats.Misses++
	} else {
		r.stats.Hits++
	}
	return entry
}

// Compile translates code, the guest bytes starting at addr, and caches the
// result. A region already in the cache is returned as is.
func (r *Recompiler) Compile(ctx context.Context, addr uint64, code []byte) (uintptr, error) {
	_, span := r.tracer.Start(ctx, "recompiler.Compile", trace.WithAttributes(
		attribute.String("mips.addr", fmt.Sprintf("0x%x", addr)),
		attribute.Int("mips.bytes", len(code)),
	))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, err := r.compile(span, addr, code)
	if err != nil {
		if recerrors.IsFallback(err) {
			r.stats.Fallbacks++
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, recerrors.GetErrorName(err))
		log.Debug(log.RecompilerMonitoring, "compile failed", "addr", fmt.Sprintf("0x%x", addr), "err", err)
		return 0, err
	}
	return entry, nil
}

func (r *Recompiler) compile(span trace.Span, addr uint64, code []byte) (uintptr, error) {
	key, buf, err := r.buffer(addr)
	if err != nil {
		return 0, err
	}
	if entry, _ := r.cache.Query(key); entry != 0 {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return entry, nil
	}
	g, err := r.translate(span, addr, code, nil)
	if err != nil {
		return 0, err
	}
	c, err := r.install(span, key, buf, g)
	if err != nil {
		return 0, err
	}
	return c.Entry, nil
}

func (r *Recompiler) buffer(addr uint64) (uint64, *cache.Buffer, error) {
	if r.state == nil {
		return 0, nil, fmt.Errorf("no guest state bound: %w", recerrors.ErrUnboundRegister)
	}
	key := r.key(addr)
	_, buf := r.cache.Query(key)
	if buf == nil {
		return 0, nil, fmt.Errorf("0x%x: %w", key, recerrors.ErrAddressOutOfRange)
	}
	return key, buf, nil
}

// pageRoom is the number of bytes from addr to the end of its cache page.
func (r *Recompiler) pageRoom(addr uint64) uint64 {
	size := uint64(r.cache.PageSize())
	return size - r.key(addr)&(size-1)
}

// translate disassembles, optimizes and typechecks a region. raw, when not
// nil, sees the graph before optimization. A region never reads past the
// cache page of addr, the page an invalidation of its code clears.
func (r *Recompiler) translate(span trace.Span, addr uint64, code []byte, raw func(g *ir.Graph)) (*ir.Graph, error) {
	if room := r.pageRoom(addr); uint64(len(code)) > room {
		code = code[:room]
	}
	r.backend.Reset()
	g, err := r.dis.Disassemble(addr, code)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		raw(g)
	}
	nrBlocks, nrVars := len(g.Blocks), g.NrVars
	ir.Optimize(g)
	span.AddEvent("optimized", trace.WithAttributes(
		attribute.Int("ir.blocks", nrBlocks),
		attribute.Int("ir.vars.before", nrVars),
		attribute.Int("ir.vars.after", g.NrVars),
	))
	if err := ir.Typecheck(g); err != nil {
		var ie *ir.InstrError
		if errors.As(err, &ie) {
			log.Warn(log.RecompilerMonitoring, "typecheck failed", "addr", fmt.Sprintf("0x%x", addr), "instr", ie.Instr, "msg", ie.Msg)
		}
		return nil, err
	}
	return g, nil
}

// install assembles g into buf and records it under key. A full buffer or
// map bucket clears the page and is retried once.
func (r *Recompiler) install(span trace.Span, key uint64, buf *cache.Buffer, g *ir.Graph) (assembler.Code, error) {
	for attempt := 0; ; attempt++ {
		c, err := assembler.Assemble(r.backend, buf, g)
		if err == nil {
			err = r.cache.Update(key, c.Entry)
		}
		if err == nil {
			r.stats.Compiles++
			span.SetAttributes(
				attribute.Int("x86.bytes", c.Length),
				attribute.Int("x86.frame", c.FrameSize),
				attribute.Int("x86.spilled", c.Spilled),
			)
			return c, nil
		}
		full := errors.Is(err, recerrors.ErrCodeBufferOverflow) || errors.Is(err, recerrors.ErrMapFull)
		if !full || attempt > 0 {
			return assembler.Code{}, err
		}
		r.stats.Retries++
		span.AddEvent("page cleared", trace.WithAttributes(attribute.String("reason", recerrors.GetErrorName(err))))
		r.invalidate(key, key+1)
	}
}

// Listing is the output of every pipeline stage for one region.
type Listing struct {
	Raw       string   // IR as disassembled
	Tree      string   // control flow of the raw IR
	Optimized string   // IR after Optimize
	Homes     []string // register or stack slot of each optimized variable
	Assembly  string   // x86-64 listing at the host address of the code
	Entry     uintptr
}

// Explain compiles a region like Compile, replacing any cached code for it,
// and renders each stage.
func (r *Recompiler) Explain(ctx context.Context, addr uint64, code []byte) (*Listing, error) {
	_, span := r.tracer.Start(ctx, "recompiler.Explain", trace.WithAttributes(
		attribute.String("mips.addr", fmt.Sprintf("0x%x", addr))))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	key, buf, err := r.buffer(addr)
	if err != nil {
		return nil, err
	}
	l := &Listing{}
	g, err := r.translate(span, addr, code, func(g *ir.Graph) {
		l.Raw = ir.Format(r.backend, g)
		l.Tree = ir.Tree(r.backend, g).String()
	})
	if err != nil {
		return l, err
	}
	l.Optimized = ir.Format(r.backend, g)
	if l.Homes, err = assembler.Homes(g); err != nil {
		return l, err
	}
	c, err := r.install(span, key, buf, g)
	if err != nil {
		return l, err
	}
	l.Entry = c.Entry
	l.Assembly = x86.DisassembleAt(c.Bytes(buf), uint64(c.Entry))
	return l, nil
}

// Execute runs the code cached for addr, compiling it from code first when
// needed.
func (r *Recompiler) Execute(ctx context.Context, addr uint64, code []byte) error {
	entry := r.Lookup(addr)
	if entry == 0 {
		var err error
		if entry, err = r.Compile(ctx, addr, code); err != nil {
			return err
		}
	}
	if !r.cache.Executable() {
		return fmt.Errorf("code buffers are not executable: %w", recerrors.ErrNotSupported)
	}
	_, span := r.tracer.Start(ctx, "recompiler.Execute", trace.WithAttributes(
		attribute.String("mips.addr", fmt.Sprintf("0x%x", addr))))
	defer span.End()
	if err := exec.Call(entry); err != nil {
		span.RecordError(err)
		return err
	}
	r.mu.Lock()
	r.stats.Executions++
	r.mu.Unlock()
	return nil
}

// Interpret runs code through the IR interpreter without producing native
// code. Memory accesses go through the memory set with WithMemory.
func (r *Recompiler) Interpret(ctx context.Context, addr uint64, code []byte) error {
	_, span := r.tracer.Start(ctx, "recompiler.Interpret", trace.WithAttributes(
		attribute.String("mips.addr", fmt.Sprintf("0x%x", addr))))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return fmt.Errorf("no guest state bound: %w", recerrors.ErrUnboundRegister)
	}
	g, err := r.translate(span, addr, code, nil)
	if err == nil {
		err = ir.Run(r.backend, g)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, recerrors.GetErrorName(err))
	}
	return err
}

// Invalidate drops compiled code for the pages overlapping the guest range
// [start, end). Stores and DMA into guest memory must call it.
func (r *Recompiler) Invalidate(start, end uint64) int {
	if end <= start {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalidate(r.key(start), r.key(start)+(end-start))
}

func (r *Recompiler) invalidate(start, end uint64) int {
	n := r.cache.Invalidate(start, end)
	r.stats.Invalidations += uint64(n)
	return n
}

// Stats returns a snapshot of the counters.
func (r *Recompiler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Cached = r.cache.Entries()
	return s
}

// Close releases the code cache and the exception host function.
func (r *Recompiler) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec.Release(r.exception)
	return r.cache.Close()
}
