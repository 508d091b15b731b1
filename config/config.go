// Package config holds the recompiler configuration, read from TOML.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/colorfulnotion/mipsjit/log"
	"github.com/colorfulnotion/mipsjit/recerrors"
	"github.com/colorfulnotion/mipsjit/recompiler/cache"
	"github.com/colorfulnotion/mipsjit/recompiler/mips"
)

const FileName = "mipsjit.toml"

// Backend sizes the IR arenas of one compilation.
type Backend struct {
	Registers    int `toml:"registers"`
	Blocks       int `toml:"blocks"`
	Instructions int `toml:"instructions"`
	Params       int `toml:"params"`
}

// Cache sizes the code cache.
type Cache struct {
	PageSize   int `toml:"page_size"`
	PageCount  int `toml:"page_count"`
	BufferSize int `toml:"buffer_size"`
	MapSize    int `toml:"map_size"`
}

// Mips configures the front end.
type Mips struct {
	GPRWidth        int    `toml:"gpr_width"`
	AddressBase     uint64 `toml:"address_base"`
	AddressMask     uint64 `toml:"address_mask"`
	MaxInstructions int    `toml:"max_instructions"`
}

// Log configures the logger.
type Log struct {
	Level   string `toml:"level"`
	Modules string `toml:"modules"`
}

type Config struct {
	Backend Backend `toml:"backend"`
	Cache   Cache   `toml:"cache"`
	Mips    Mips    `toml:"mips"`
	Log     Log     `toml:"log"`
}

// Default covers an 8 MiB guest address space with 4 KiB pages.
func Default() *Config {
	return &Config{
		Backend: Backend{
			Registers:    mips.NumRegisters,
			Blocks:       1024,
			Instructions: 8192,
			Params:       256,
		},
		Cache: Cache{
			PageSize:   cache.MinPageSize,
			PageCount:  2048,
			BufferSize: 16 << 10,
			MapSize:    64,
		},
		Mips: Mips{
			GPRWidth:        64,
			AddressMask:     (8 << 20) - 1,
			MaxInstructions: mips.DefaultMaxInstructions,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults. Keys not present in the file keep
// their default values; unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML text over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v: %w", err, recerrors.ErrUnknownConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	b := c.Backend
	if b.Registers < mips.NumRegisters || b.Blocks <= 0 || b.Instructions <= 0 || b.Params < 0 {
		return fmt.Errorf("backend %+v: %w", b, recerrors.ErrBadCapacity)
	}
	p := c.Cache
	if p.PageSize < cache.MinPageSize || p.PageSize&(p.PageSize-1) != 0 {
		return fmt.Errorf("page size %d: %w", p.PageSize, recerrors.ErrBadPageSize)
	}
	if p.PageCount <= 0 || p.BufferSize <= 0 || p.MapSize <= 0 {
		return fmt.Errorf("cache %+v: %w", p, recerrors.ErrBadCapacity)
	}
	if c.Mips.GPRWidth != 32 && c.Mips.GPRWidth != 64 {
		return fmt.Errorf("gpr width %d: %w", c.Mips.GPRWidth, recerrors.ErrUnknownConfig)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%v: %w", err, recerrors.ErrUnknownConfig)
	}
	for _, m := range strings.Split(c.Log.Modules, ",") {
		if m = strings.TrimSpace(m); m != "" && !log.KnownModule(m) {
			return fmt.Errorf("log module %q: %w", m, recerrors.ErrUnknownConfig)
		}
	}
	return nil
}
