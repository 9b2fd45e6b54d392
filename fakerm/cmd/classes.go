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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"mods.dev/mods/pkg/abi/nvgpu"
	"mods.dev/mods/pkg/amodel"
	"mods.dev/mods/pkg/fakerm"
)

// Classes implements subcommands.Command for the "classes" command.
type Classes struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Classes) Name() string {
	return "classes"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Classes) Synopsis() string {
	return "list object classes and how the resource manager handles them"
}

// Usage implements subcommands.Command.Usage.
func (*Classes) Usage() string {
	return "classes [--format=table|json] - list known object classes.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Classes) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.format, "format", "table", "output format: table (default) or json")
}

// Execute implements subcommands.Command.Execute.
func (c *Classes) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := c.write(os.Stdout); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

type classInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Handling string `json:"handling"`
	Modeled  bool   `json:"modeled"`
}

func classInfos() []classInfo {
	var infos []classInfo
	for _, class := range nvgpu.Classes() {
		h := fakerm.HandlingOf(class)
		infos = append(infos, classInfo{
			ID:       fmt.Sprintf("%#x", uint32(class)),
			Name:     class.String(),
			Handling: h.String(),
			Modeled:  h == fakerm.Dispatched && amodel.IsModeled(class),
		})
	}
	return infos
}

func (c *Classes) write(w io.Writer) error {
	infos := classInfos()
	switch c.format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	case "table":
		tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
		fmt.Fprint(tw, "ID\tNAME\tHANDLING\tMODELED\n")
		for _, i := range infos {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", i.ID, i.Name, i.Handling, i.Modeled)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("invalid format %q", c.format)
	}
}
