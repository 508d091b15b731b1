// mipsjit compiles MIPS machine code to x86-64 and shows every stage.
//
// Instruction words are given as hex, e.g.
//
//	mipsjit ir 24020007 03e00008 00000000
//	mipsjit run --reg ra=0x400 24020007 03e00008 00000000
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/mipsjit/config"
	"github.com/colorfulnotion/mipsjit/log"
)

var (
	Version = "dev"
	Commit  = "none"
)

type options struct {
	configPath   string
	logLevel     string
	debug        string
	otlpEndpoint string
	width        int
	addr         uint64
	memorySize   int
}

func (o *options) load() (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.width != 0 {
		cfg.Mips.GPRWidth = o.width
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.debug != "" {
		cfg.Log.Modules = o.debug
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.InitLogger(cfg.Log.Level)
	log.EnableModules(cfg.Log.Modules)
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	o := &options{}
	var shutdown func(context.Context) error
	rootCmd := &cobra.Command{
		Use:           "mipsjit",
		Short:         "MIPS to x86-64 dynamic recompiler",
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			shutdown, err = setupTracing(cmd.Context(), o.otlpEndpoint)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if shutdown == nil {
				return nil
			}
			return shutdown(context.Background())
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "TOML configuration file")
	pf.StringVar(&o.logLevel, "log", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&o.debug, "debug", "", "comma separated modules to debug (recompiler,mips,assembler,cache,verify)")
	pf.StringVar(&o.otlpEndpoint, "otlp-endpoint", "", "export pipeline spans over OTLP/HTTP to host:port")
	pf.IntVar(&o.width, "width", 0, "GPR width, 32 or 64 (default from config)")
	pf.Uint64Var(&o.addr, "addr", 0x1000, "guest address of the first word")
	pf.IntVar(&o.memorySize, "memory", 1<<16, "guest memory window in bytes (power of two)")

	rootCmd.AddCommand(
		newIRCmd(o),
		newAsmCmd(o),
		newRunCmd(o),
		newVerifyCmd(o),
		newReplCmd(o),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
