package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/chzyer/readline"
	"github.com/dop251/goja"
	"github.com/spf13/cobra"

	"github.com/colorfulnotion/mipsjit/recompiler"
	"github.com/colorfulnotion/mipsjit/recompiler/exec"
	"github.com/colorfulnotion/mipsjit/recompiler/ir"
	"github.com/colorfulnotion/mipsjit/recompiler/mips"
)

var hexLine = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{1,8}([ ,]+(0x)?[0-9a-fA-F]{1,8})*$`)

// console evaluates repl lines: bare hex words are run, anything else is
// JavaScript with the recompiler bound as functions.
type console struct {
	ctx  context.Context
	s    *session
	vm   *goja.Runtime
	addr uint64
	out  io.Writer
}

func newConsole(ctx context.Context, s *session, addr uint64, out io.Writer) (*console, error) {
	c := &console{ctx: ctx, s: s, vm: goja.New(), addr: addr, out: out}
	vm := c.vm
	bind := map[string]interface{}{
		"ir": func(words string) (string, error) {
			l, err := c.explain(words)
			if err != nil {
				return "", err
			}
			return l.Optimized, nil
		},
		"asm": func(words string) (string, error) {
			l, err := c.explain(words)
			if err != nil {
				return "", err
			}
			return l.Assembly, nil
		},
		"run": func(words string) (map[string]string, error) {
			if err := c.run(words); err != nil {
				return nil, err
			}
			return c.registers(), nil
		},
		"reg": func(name string) (uint64, error) {
			id, ok := mips.LookupRegister(name)
			if !ok {
				return 0, fmt.Errorf("unknown register %q", name)
			}
			return c.s.state.Get(id), nil
		},
		"setreg": func(name string, v int64) error {
			id, ok := mips.LookupRegister(name)
			if !ok {
				return fmt.Errorf("unknown register %q", name)
			}
			c.s.state.Set(id, uint64(v))
			return nil
		},
		"at": func(addr int64) { c.addr = uint64(addr) },
		"invalidate": func(start, end int64) int {
			return c.s.rec.Invalidate(uint64(start), uint64(end))
		},
		"stats": func() interface{} { return c.s.rec.Stats() },
		"print": func(args ...goja.Value) {
			for _, a := range args {
				fmt.Fprintln(c.out, a.Export())
			}
		},
	}
	for name, fn := range bind {
		if err := vm.Set(name, fn); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *console) explain(words string) (*recompiler.Listing, error) {
	code, err := mips.ParseWords(words)
	if err != nil {
		return nil, err
	}
	return c.s.rec.Explain(c.ctx, c.addr, code)
}

func (c *console) run(words string) error {
	code, err := mips.ParseWords(words)
	if err != nil {
		return err
	}
	if exec.Supported() {
		return c.s.rec.Execute(c.ctx, c.addr, code)
	}
	return c.s.rec.Interpret(c.ctx, c.addr, code)
}

func (c *console) registers() map[string]string {
	out := make(map[string]string)
	for id, v := range c.s.state.Registers(c.s.width) {
		if v != 0 {
			out[mips.RegisterName(ir.Register(id))] = fmt.Sprintf("0x%x", v)
		}
	}
	return out
}

// eval handles one line and returns the text to print.
func (c *console) eval(line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	if hexLine.MatchString(line) {
		if err := c.run(line); err != nil {
			return "", err
		}
		var sb strings.Builder
		printState(&sb, c.s.state, c.s.width)
		return sb.String(), nil
	}
	v, err := c.vm.RunString(line)
	if err != nil {
		return "", err
	}
	if v == nil || goja.IsUndefined(v) {
		return "", nil
	}
	return v.String(), nil
}

func newReplCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive console: hex words run, other lines are JavaScript",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(o)
			if err != nil {
				return err
			}
			defer s.Close()
			rl, err := readline.NewEx(&readline.Config{
				Prompt:      "mipsjit> ",
				HistoryFile: filepath.Join(os.TempDir(), "mipsjit_history"),
			})
			if err != nil {
				return fmt.Errorf("failed to start readline: %w", err)
			}
			defer rl.Close()
			c, err := newConsole(cmd.Context(), s, o.addr, rl.Stdout())
			if err != nil {
				return err
			}
			fmt.Fprintln(rl.Stdout(), "functions: ir asm run reg setreg at invalidate stats print; 'exit' quits")
			for {
				line, err := rl.Readline()
				if err != nil || strings.TrimSpace(line) == "exit" {
					return nil
				}
				out, err := c.eval(line)
				if err != nil {
					fmt.Fprintln(rl.Stderr(), "error:", err)
					continue
				}
				if out != "" {
					fmt.Fprint(rl.Stdout(), strings.TrimSuffix(out, "\n")+"\n")
				}
			}
		},
	}
}
