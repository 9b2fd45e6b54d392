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

// Package cmd holds implementations of the fakerm commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"mods.dev/mods/fakerm/config"
	"mods.dev/mods/pkg/amodel"
	"mods.dev/mods/pkg/fakerm"
	"mods.dev/mods/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the user, in addition to the debug log.
var ErrorLogger io.Writer

func writeError(w io.Writer, msg string) {
	fmt.Fprintf(w, "%s fakerm: %s\n", time.Now().Format(time.RFC3339Nano), msg)
}

// Errorf logs an error to the debug log and ErrorLogger and returns
// subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "fakerm: %s\n", msg)
	if ErrorLogger != nil {
		writeError(ErrorLogger, msg)
	}
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

// newRM returns a resource manager backed by a simulated chip configured by
// conf. The caller must close the chip once done with the RM.
func newRM(conf *config.Config) (*fakerm.RM, *amodel.Chip, error) {
	chip, err := amodel.NewChip(conf.ChipConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("creating chip: %w", err)
	}
	rm, err := fakerm.New(conf.Options(chip))
	if err != nil {
		chip.Close()
		return nil, nil, fmt.Errorf("creating resource manager: %w", err)
	}
	return rm, chip, nil
}
