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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"mods.dev/mods/fakerm/config"
	"mods.dev/mods/pkg/log"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// keepGoing runs every script even after a failure.
	keepGoing bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenario scripts against a fresh resource manager"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <script.yaml>... - run scenario scripts.

Each script runs against its own resource manager and simulated chip. After the
last step the resource manager is destroyed and the shutdown audit is checked
against expect_clean and expect_leaks.

EXAMPLE:
    $ fakerm --log-level=debug run testdata/device_memory.yaml

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.keepGoing, "keep-going", false, "run every script even after a failure")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if failed := r.runScripts(conf, f.Args(), os.Stdout); failed > 0 {
		return Errorf("%d script(s) failed", failed)
	}
	return subcommands.ExitSuccess
}

// runScripts runs every script in paths and returns the number of failures.
func (r *Run) runScripts(conf *config.Config, paths []string, w io.Writer) int {
	failed := 0
	for _, path := range paths {
		if err := runScript(conf, path, w); err != nil {
			fmt.Fprintf(w, "FAIL %s: %v\n", path, err)
			failed++
			if !r.keepGoing {
				break
			}
		}
	}
	return failed
}

func runScript(conf *config.Config, path string, w io.Writer) error {
	s, err := LoadScript(path)
	if err != nil {
		return err
	}
	rm, chip, err := newRM(conf)
	if err != nil {
		return err
	}
	defer chip.Close()

	log.Infof("Running script %q, %d steps", s.Name, len(s.Steps))
	report, err := s.Run(rm)
	if err != nil {
		return err
	}
	for _, l := range report.Leaks {
		fmt.Fprintf(w, "LEAK %s: %v\n", s.Name, l)
	}
	fmt.Fprintf(w, "PASS %s (%d steps)\n", s.Name, len(s.Steps))
	return nil
}
