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
	"bytes"
	"flag"
	"path/filepath"
	"strings"
	"testing"

	"mods.dev/mods/fakerm/config"
	"mods.dev/mods/pkg/fakerm"
)

func newTestConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(testFlags)
	if err := testFlags.Parse(args); err != nil {
		t.Fatal(err)
	}
	conf, err := config.NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	return conf
}

func newTestRM(t *testing.T) *fakerm.RM {
	t.Helper()
	rm, chip, err := newRM(newTestConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { chip.Close() })
	return rm
}

func TestScenarioFiles(t *testing.T) {
	paths, err := filepath.Glob("testdata/*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) == 0 {
		t.Fatal("no scenario files found")
	}
	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := LoadScript(path)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := s.Run(newTestRM(t)); err != nil {
				t.Errorf("Run(): %v", err)
			}
		})
	}
}

func TestRunScripts(t *testing.T) {
	paths, err := filepath.Glob("testdata/*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	for _, backing := range []string{"sim", "host"} {
		t.Run(backing, func(t *testing.T) {
			var out bytes.Buffer
			r := &Run{}
			if failed := r.runScripts(newTestConfig(t, "--backing="+backing, "--backing-capacity=0x1000000"), paths, &out); failed != 0 {
				t.Errorf("runScripts() = %d failures, output:\n%s", failed, out.String())
			}
			if got, want := strings.Count(out.String(), "PASS "), len(paths); got != want {
				t.Errorf("got %d PASS lines, want %d:\n%s", got, want, out.String())
			}
			if !strings.Contains(out.String(), "LEAK leak report: client 0x1 leaked 1 devices") {
				t.Errorf("leak not reported:\n%s", out.String())
			}
		})
	}
}

func TestRunScriptsKeepGoing(t *testing.T) {
	paths := []string{"testdata/missing.yaml", "testdata/leak.yaml"}
	for _, tc := range []struct {
		keepGoing bool
		pass      int
	}{
		{keepGoing: false, pass: 0},
		{keepGoing: true, pass: 1},
	} {
		var out bytes.Buffer
		r := &Run{keepGoing: tc.keepGoing}
		if failed := r.runScripts(newTestConfig(t), paths, &out); failed != 1 {
			t.Errorf("keepGoing=%t: runScripts() = %d failures, want 1", tc.keepGoing, failed)
		}
		if got := strings.Count(out.String(), "PASS "); got != tc.pass {
			t.Errorf("keepGoing=%t: got %d PASS lines, want %d:\n%s", tc.keepGoing, got, tc.pass, out.String())
		}
	}
}

func TestScriptFailures(t *testing.T) {
	for _, tc := range []struct {
		name   string
		script string
		err    string
	}{
		{
			name: "expected error",
			script: `
steps:
- op: alloc_root
  expect: already_exists
`,
			err: "succeeded, want error already_exists",
		},
		{
			name: "wrong error",
			script: `
steps:
- op: alloc_root
  bind: c
- op: alloc
  args: {client: $c, parent: $c, object: 0, class: NV01_DEVICE_0}
  expect: already_exists
`,
			err: "want already_exists",
		},
		{
			name: "unexpected error",
			script: `
steps:
- op: alloc_root
  bind: c
- op: alloc
  args: {client: $c, parent: $c, object: 0, class: NV01_DEVICE_0}
`,
			err: "step 1 (alloc): unexpected error",
		},
		{
			name: "want",
			script: `
steps:
- op: alloc_root
  want: 0x99
`,
			err: "got 0x1, want 0x99",
		},
		{
			name: "unbound",
			script: `
steps:
- op: alloc
  args: {client: $nope, parent: 1, object: 2, class: NV01_DEVICE_0}
`,
			err: `unbound variable "nope"`,
		},
		{
			name: "unknown arg",
			script: `
steps:
- op: alloc_root
  args: {x: 1}
`,
			err: "unknown args x",
		},
		{
			name: "overflow",
			script: `
steps:
- op: free
  args: {client: 0x100000000}
`,
			err: "overflows 32 bits",
		},
		{
			name: "counts",
			script: `
steps:
- op: alloc_root
  bind: c
- op: counts
  args: {client: $c, devices: 1}
`,
			err: "has 0 devices, want 1",
		},
		{
			name: "expect_clean",
			script: `
steps:
- op: alloc_root
  bind: c
- op: alloc
  args: {client: $c, parent: $c, object: 0x100, class: NV01_DEVICE_0}
expect_clean: true
`,
			err: "audit clean = false, want true",
		},
		{
			name: "expect_leaks",
			script: `
steps:
- op: alloc_root
  bind: c
- op: alloc
  args: {client: $c, parent: $c, object: 0x100, class: NV01_DEVICE_0}
expect_leaks:
- {client: $c, kind: devices, count: 2}
`,
			err: "audit leaks mismatch",
		},
		{
			name: "expect no leaks",
			script: `
steps:
- op: alloc_root
  bind: c
- op: alloc
  args: {client: $c, parent: $c, object: 0x100, class: NV01_DEVICE_0}
expect_leaks: []
`,
			err: "audit leaks mismatch",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := ParseScript([]byte(tc.script))
			if err != nil {
				t.Fatal(err)
			}
			_, err = s.Run(newTestRM(t))
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("Run() = %v, want error containing %q", err, tc.err)
			}
		})
	}
}

func TestParseScriptErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		script string
		err    string
	}{
		{name: "unknown op", script: "steps:\n- op: reboot\n", err: `unknown op "reboot"`},
		{name: "unknown error", script: "steps:\n- op: alloc_root\n  expect: kaboom\n", err: `unknown error "kaboom"`},
		{name: "unknown field", script: "steps:\n- op: alloc_root\n  repeat: 2\n", err: "decoding script"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseScript([]byte(tc.script))
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("ParseScript() = %v, want error containing %q", err, tc.err)
			}
		})
	}
}

func TestValue(t *testing.T) {
	e := &executor{vars: map[string]uint64{"x": 0x10}}
	for _, tc := range []struct {
		in   any
		want uint64
		ok   bool
	}{
		{in: 5, want: 5, ok: true},
		{in: uint64(1 << 63), want: 1 << 63, ok: true},
		{in: "0x10", want: 0x10, ok: true},
		{in: "NV01_DEVICE_0", want: 0x80, ok: true},
		{in: "$x | 0x1", want: 0x11, ok: true},
		{in: "NVOS32_ALLOC_FLAGS_SPARSE", want: 0x100000, ok: true},
		{in: "NVOS02_FLAGS_ALLOC_NONE", want: 0x10000, ok: true},
		{in: -1},
		{in: true},
		{in: "bogus"},
		{in: "$y"},
	} {
		got, err := e.value(tc.in)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Errorf("value(%v) = %#x, %v, want %#x, nil", tc.in, got, err, tc.want)
			}
		} else if err == nil {
			t.Errorf("value(%v) = %#x, want error", tc.in, got)
		}
	}
}
