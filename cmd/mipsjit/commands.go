package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/mipsjit/config"
	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/colorfulnotion/mipsjit/recompiler"
	"github.com/colorfulnotion/mipsjit/recompiler/exec"
	"github.com/colorfulnotion/mipsjit/recompiler/ir"
	"github.com/colorfulnotion/mipsjit/recompiler/mips"
	"github.com/colorfulnotion/mipsjit/recompiler/verify"
)

// session is a recompiler whose guest memory is a verify.Memory window.
type session struct {
	cfg   *config.Config
	width ir.Type
	state *mips.State
	mem   *verify.Memory
	rec   *recompiler.Recompiler
}

func newSession(o *options) (*session, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	if o.memorySize <= 0 || o.memorySize&(o.memorySize-1) != 0 {
		return nil, fmt.Errorf("memory size %d: %w", o.memorySize, recerrors.ErrBadCapacity)
	}
	s := &session{cfg: cfg, width: ir.I64, state: new(mips.State), mem: verify.NewMemory(o.memorySize)}
	if cfg.Mips.GPRWidth == 32 {
		s.width = ir.I32
	}
	cfg.Mips.AddressBase = s.mem.Base()
	cfg.Mips.AddressMask = uint64(o.memorySize - 1)
	cfg.Cache.PageCount = max(1, o.memorySize/cfg.Cache.PageSize)
	if s.rec, err = recompiler.New(cfg, recompiler.WithMemory(s.mem)); err != nil {
		return nil, err
	}
	if err := s.rec.BindState(s.state); err != nil {
		s.rec.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) Close() error { return s.rec.Close() }

func parseCode(args []string) ([]byte, error) {
	code, err := mips.ParseWords(strings.Join(args, " "))
	if err != nil {
		return nil, err
	}
	if len(code) == 0 {
		return nil, errors.New("no instruction words")
	}
	return code, nil
}

// parseRegs parses name=value assignments such as "v0=10" or "sp=0x8000".
func parseRegs(assigns []string) (map[ir.Register]uint64, error) {
	out := make(map[ir.Register]uint64, len(assigns))
	for _, a := range assigns {
		name, value, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("register assignment %q: want name=value", a)
		}
		id, ok := mips.LookupRegister(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown register %q", name)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(value), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		out[id] = v
	}
	return out, nil
}

// printState lists the non-zero registers of s.
func printState(w io.Writer, s *mips.State, width ir.Type) {
	for id, v := range s.Registers(width) {
		if v != 0 {
			fmt.Fprintf(w, "%-8s 0x%0*x\n", mips.RegisterName(ir.Register(id)), width.Bytes()*2, v)
		}
	}
}

func newIRCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ir <word>...",
		Short: "Print the IR of a region before and after optimization",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseCode(args)
			if err != nil {
				return err
			}
			s, err := newSession(o)
			if err != nil {
				return err
			}
			defer s.Close()
			l, err := s.rec.Explain(cmd.Context(), o.addr, code)
			if l == nil || l.Optimized == "" {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "; guest")
			printGuest(w, o.addr, code)
			fmt.Fprintf(w, "; raw\n%s\n%s\n; optimized\n%s", l.Raw, l.Tree, l.Optimized)
			return nil
		},
	}
}

// printGuest lists the big-endian words of code with their mnemonics. Words
// the front end cannot lower are marked "?".
func printGuest(w io.Writer, addr uint64, code []byte) {
	for off := 0; off+4 <= len(code); off += 4 {
		word := binary.BigEndian.Uint32(code[off:])
		name := mips.Mnemonic(word)
		if name == "" {
			name = "?"
		}
		fmt.Fprintf(w, "0x%04x: %08x  %s\n", addr+uint64(off), word, name)
	}
}

func newAsmCmd(o *options) *cobra.Command {
	var homes bool
	cmd := &cobra.Command{
		Use:   "asm <word>...",
		Short: "Print the x86-64 code generated for a region",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseCode(args)
			if err != nil {
				return err
			}
			s, err := newSession(o)
			if err != nil {
				return err
			}
			defer s.Close()
			l, err := s.rec.Explain(cmd.Context(), o.addr, code)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if homes {
				for v, h := range l.Homes {
					if h != "" {
						fmt.Fprintf(w, "; %%%d -> %s\n", v, h)
					}
				}
			}
			fmt.Fprint(w, l.Assembly)
			return nil
		},
	}
	cmd.Flags().BoolVar(&homes, "homes", false, "list the register or stack slot of every variable")
	return cmd
}

func newRunCmd(o *options) *cobra.Command {
	var (
		regs   []string
		native bool
	)
	cmd := &cobra.Command{
		Use:   "run <word>...",
		Short: "Run a region and print the resulting registers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseCode(args)
			if err != nil {
				return err
			}
			initial, err := parseRegs(regs)
			if err != nil {
				return err
			}
			s, err := newSession(o)
			if err != nil {
				return err
			}
			defer s.Close()
			for id, v := range initial {
				s.state.Set(id, v)
			}
			if native && exec.Supported() {
				err = s.rec.Execute(cmd.Context(), o.addr, code)
			} else {
				err = s.rec.Interpret(cmd.Context(), o.addr, code)
			}
			if err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), s.state, s.width)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&regs, "reg", nil, "initial register value, name=value (repeatable)")
	cmd.Flags().BoolVar(&native, "native", true, "run compiled code when the host supports it")
	return cmd
}

func newVerifyCmd(o *options) *cobra.Command {
	var (
		regs  []string
		trace bool
	)
	cmd := &cobra.Command{
		Use:   "verify <word>...",
		Short: "Compare raw IR, optimized IR and native runs of a region",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseCode(args)
			if err != nil {
				return err
			}
			initial, err := parseRegs(regs)
			if err != nil {
				return err
			}
			cfg, err := o.load()
			if err != nil {
				return err
			}
			vo := verify.DefaultOptions()
			vo.Width = ir.I64
			if cfg.Mips.GPRWidth == 32 {
				vo.Width = ir.I32
			}
			vo.MemorySize = o.memorySize
			vo.MaxInstructions = cfg.Mips.MaxInstructions
			vo.Trace = trace
			h, err := verify.New(vo)
			if err != nil {
				return err
			}
			defer h.Close()
			var m verify.Machine
			for id, v := range initial {
				m.State.Set(id, v)
			}
			r, mismatch, err := h.Check(code, o.addr, m)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if trace {
				for _, a := range r.Accesses {
					fmt.Fprintln(w, a)
				}
			}
			if mismatch != nil {
				fmt.Fprintf(w, "; raw\n%s; optimized\n%s", r.Raw, r.Optimized)
				if r.Assembly != "" {
					fmt.Fprintf(w, "; x86-64\n%s", r.Assembly)
				}
				return mismatch
			}
			fmt.Fprintf(w, "ok: %s\n", strings.Join(r.Stages, ", "))
			printState(w, &r.Final.State, vo.Width)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&regs, "reg", nil, "initial register value, name=value (repeatable)")
	cmd.Flags().BoolVar(&trace, "trace", false, "print the memory accesses of the reference run")
	return cmd
}
