// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for fakerm. Configuration is set using flags, optionally seeded from a TOML
// file given by --config.
package config

import (
	"fmt"

	"mods.dev/mods/pkg/amodel"
	"mods.dev/mods/pkg/fakerm"
	"mods.dev/mods/pkg/hostarch"
	"mods.dev/mods/pkg/log"
)

// Config holds configuration that is not part of a scenario script.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name
//  3. Register a new flag in flags.go, with name and description
//  4. Add any necessary validation into validate()
type Config struct {
	// ConfigFile is the path of a TOML file with flag values. Flags given
	// on the command line take precedence over the file.
	ConfigFile string `flag:"config"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// LogLevel is the minimum level that is emitted.
	LogLevel string `flag:"log-level"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// PageSize is the mapping granularity of the resource manager.
	PageSize uint64 `flag:"page-size"`

	// SparseVABase is the first address handed out for sparse reservations.
	SparseVABase uint64 `flag:"sparse-va-base"`

	// LocalMemorySize is the size reported for local (video) memory.
	LocalMemorySize uint64 `flag:"local-memory-size"`

	// Backing selects the backing store of the simulated chip.
	Backing Backing `flag:"backing"`

	// BackingCapacity is the size of the backing store.
	BackingCapacity uint64 `flag:"backing-capacity"`

	// VABase is the base of the GPU virtual address space.
	VABase uint64 `flag:"va-base"`
}

func (c *Config) validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	if !hostarch.IsPowerOfTwo(c.PageSize) {
		return fmt.Errorf("page-size %#x is not a power of two", c.PageSize)
	}
	for _, f := range []struct {
		name string
		val  uint64
	}{
		{"sparse-va-base", c.SparseVABase},
		{"local-memory-size", c.LocalMemorySize},
		{"backing-capacity", c.BackingCapacity},
		{"va-base", c.VABase},
	} {
		if f.val == 0 {
			return fmt.Errorf("%s must be non-zero", f.name)
		}
		if !hostarch.IsAligned(f.val, c.PageSize) {
			return fmt.Errorf("%s %#x is not aligned to page-size %#x", f.name, f.val, c.PageSize)
		}
	}
	if c.VABase >= amodel.DefaultVABase+amodel.DefaultVASize {
		return fmt.Errorf("va-base %#x is beyond the GPU address space", c.VABase)
	}
	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() log.Level {
	l, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		// validate() rejects unknown levels.
		panic(err)
	}
	return l
}

// ChipConfig returns the configuration of the simulated chip.
func (c *Config) ChipConfig() amodel.Config {
	return amodel.Config{
		PageSize:    c.PageSize,
		Host:        c.Backing == BackingHost,
		BackingSize: c.BackingCapacity,
		VABase:      c.VABase,
		VASize:      amodel.DefaultVABase + amodel.DefaultVASize - c.VABase,
	}
}

// Options returns resource manager options with chip as every collaborator.
func (c *Config) Options(chip *amodel.Chip) fakerm.Options {
	return fakerm.Options{
		Memory:          chip.Memory,
		Mapper:          chip.MMU,
		Sparse:          chip.Sparse,
		Objects:         chip.Objects,
		SparseVABase:    c.SparseVABase,
		PageSize:        c.PageSize,
		LocalMemorySize: c.LocalMemorySize,
	}
}

// Log logs important aspects of the configuration.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("\t\tConfigFile: %q", c.ConfigFile)
	log.Infof("\t\tLogLevel: %s, LogFormat: %s", c.LogLevel, c.LogFormat)
	log.Infof("\t\tPageSize: %#x, SparseVABase: %#x, LocalMemorySize: %#x", c.PageSize, c.SparseVABase, c.LocalMemorySize)
	log.Infof("\t\tBacking: %v, BackingCapacity: %#x, VABase: %#x", c.Backing, c.BackingCapacity, c.VABase)
}

// Backing is the type of backing store behind the simulated chip.
type Backing int

const (
	// BackingSim hands out synthetic addresses without any memory behind
	// them.
	BackingSim Backing = iota

	// BackingHost maps anonymous host memory for every allocation.
	BackingHost
)

func backingPtr(v Backing) *Backing {
	return &v
}

// Set implements flag.Value. Set(String()) should be idempotent.
func (b *Backing) Set(v string) error {
	switch v {
	case "sim":
		*b = BackingSim
	case "host":
		*b = BackingHost
	default:
		return fmt.Errorf("invalid backing type %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (b *Backing) Get() any {
	return *b
}

// String implements flag.Value.
func (b Backing) String() string {
	switch b {
	case BackingSim:
		return "sim"
	case BackingHost:
		return "host"
	}
	panic(fmt.Sprintf("Invalid backing type %d", b))
}
