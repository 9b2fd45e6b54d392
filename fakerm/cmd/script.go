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
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gopkg.in/yaml.v3"
	"mods.dev/mods/pkg/abi/nvgpu"
	"mods.dev/mods/pkg/errors/rmerr"
	"mods.dev/mods/pkg/fakerm"
	"mods.dev/mods/pkg/log"
)

// Script is a sequence of resource manager calls run against a fresh RM,
// followed by a shutdown audit. For example:
//
//	name: device memory
//	steps:
//	- op: alloc_root
//	  bind: client
//	- op: alloc
//	  args: {client: $client, parent: $client, object: 0x100, class: NV01_DEVICE_0}
//	- op: alloc_memory
//	  args: {client: $client, parent: 0x100, memory: 0x200, class: NV01_MEMORY_SYSTEM, limit: 0xfff}
//	- op: free
//	  args: {client: $client, parent: $client, object: $client}
//	expect_clean: true
//
// Numeric arguments are integers, "$name" references to earlier bindings,
// class names, or nvgpu flag names. Several may be combined with "|".
type Script struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`

	// ExpectClean, if set, must match the outcome of the shutdown audit.
	ExpectClean *bool `yaml:"expect_clean"`

	// ExpectLeaks, if set, must equal the leaks reported by the shutdown
	// audit, in report order.
	ExpectLeaks []ExpectedLeak `yaml:"expect_leaks"`
}

// Step is a single call.
type Step struct {
	Op   string         `yaml:"op"`
	Args map[string]any `yaml:"args"`

	// Expect names the error the call must fail with, as accepted by
	// rmerr.ByName. Empty or "ok" means the call must succeed.
	Expect string `yaml:"expect"`

	// Want, if set, is compared against the primary result of the call.
	Want any `yaml:"want"`

	// Bind names a variable that receives the primary result of the call.
	Bind string `yaml:"bind"`
}

// ExpectedLeak is a leak the shutdown audit must report.
type ExpectedLeak struct {
	Client any    `yaml:"client"`
	Kind   string `yaml:"kind"`
	Count  int    `yaml:"count"`
}

// ParseScript decodes a YAML script. Unknown fields are an error.
func ParseScript(data []byte) (*Script, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Script
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding script: %w", err)
	}
	for i, st := range s.Steps {
		if _, ok := ops[st.Op]; !ok {
			return nil, fmt.Errorf("step %d: unknown op %q", i, st.Op)
		}
		if st.Expect != "" && st.Expect != "ok" {
			if _, ok := rmerr.ByName(st.Expect); !ok {
				return nil, fmt.Errorf("step %d: unknown error %q", i, st.Expect)
			}
		}
	}
	return &s, nil
}

// LoadScript reads and decodes the script at path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := ParseScript(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return s, nil
}

// Run executes every step against rm, then destroys rm and checks the audit
// report. rm must be live and unused.
func (s *Script) Run(rm *fakerm.RM) (*fakerm.Report, error) {
	e := &executor{rm: rm, vars: make(map[string]uint64)}
	for i := range s.Steps {
		st := &s.Steps[i]
		if err := e.step(st); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}

	rm.Destroy()
	report := rm.Report()
	if s.ExpectClean != nil && report.Clean() != *s.ExpectClean {
		return report, fmt.Errorf("audit clean = %t, want %t: %v", report.Clean(), *s.ExpectClean, report.Err())
	}
	if s.ExpectLeaks != nil {
		want := make([]fakerm.Leak, 0, len(s.ExpectLeaks))
		for _, l := range s.ExpectLeaks {
			client, err := e.value(l.Client)
			if err != nil {
				return report, fmt.Errorf("expect_leaks: %w", err)
			}
			want = append(want, fakerm.Leak{Client: nvgpu.Handle(client), Kind: l.Kind, Count: l.Count})
		}
		if diff := cmp.Diff(want, report.Leaks, cmpopts.EquateEmpty()); diff != "" {
			return report, fmt.Errorf("audit leaks mismatch (-want +got):\n%s", diff)
		}
	}
	return report, nil
}

type executor struct {
	rm   *fakerm.RM
	vars map[string]uint64
}

// scriptError is a malformed step or a failed check, as opposed to an error
// returned by the RM.
type scriptError struct {
	err error
}

func (e *scriptError) Error() string {
	return e.err.Error()
}

func (e *scriptError) Unwrap() error {
	return e.err
}

func (e *executor) step(st *Step) error {
	a := &stepArgs{e: e, raw: st.Args, used: make(map[string]bool)}
	out, err := ops[st.Op](e.rm, a)
	var se *scriptError
	if errors.As(err, &se) {
		return err
	}

	if st.Expect == "" || st.Expect == "ok" {
		if err != nil {
			return fmt.Errorf("unexpected error: %w", err)
		}
	} else {
		want, _ := rmerr.ByName(st.Expect)
		if err == nil {
			return fmt.Errorf("succeeded, want error %s", st.Expect)
		}
		if !errors.Is(err, want) {
			return fmt.Errorf("got error %v, want %s", err, st.Expect)
		}
		log.Debugf("step %s failed as expected: %v", st.Op, err)
		return nil
	}

	if st.Want != nil {
		want, err := e.value(st.Want)
		if err != nil {
			return fmt.Errorf("want: %w", err)
		}
		if out != want {
			return fmt.Errorf("got %#x, want %#x", out, want)
		}
	}
	if st.Bind != "" {
		e.vars[st.Bind] = out
	}
	return nil
}

// symbols are names accepted for numeric arguments besides class names.
var symbols = map[string]uint64{
	"NVOS02_FLAGS_ALLOC_NONE":                  nvgpu.NVOS02_FLAGS_ALLOC_NONE << nvgpu.NVOS02_FLAGS_ALLOC_SHIFT,
	"NVOS32_FUNCTION_ALLOC_SIZE":               nvgpu.NVOS32_FUNCTION_ALLOC_SIZE,
	"NVOS32_FUNCTION_ALLOC_TILED_PITCH_HEIGHT": nvgpu.NVOS32_FUNCTION_ALLOC_TILED_PITCH_HEIGHT,
	"NVOS32_FUNCTION_INFO":                     nvgpu.NVOS32_FUNCTION_INFO,
	"NVOS32_ALLOC_FLAGS_VIRTUAL":               nvgpu.NVOS32_ALLOC_FLAGS_VIRTUAL,
	"NVOS32_ALLOC_FLAGS_SPARSE":                nvgpu.NVOS32_ALLOC_FLAGS_SPARSE,
	"NVOS46_FLAGS_DMA_OFFSET_FIXED":            nvgpu.NVOS46_FLAGS_DMA_OFFSET_FIXED,
	"NVOS46_FLAGS_DMA_UNICAST":                 nvgpu.NVOS46_FLAGS_DMA_UNICAST,
	"NVOS47_FLAGS_DEFER_TLB_INVALIDATION":      nvgpu.NVOS47_FLAGS_DEFER_TLB_INVALIDATION,
}

// value converts a YAML scalar to a number.
func (e *executor) value(v any) (uint64, error) {
	switch v := v.(type) {
	case int:
		if v < 0 {
			return 0, fmt.Errorf("negative value %d", v)
		}
		return uint64(v), nil
	case uint64:
		return v, nil
	case string:
		var x uint64
		for _, part := range strings.Split(v, "|") {
			y, err := e.term(strings.TrimSpace(part))
			if err != nil {
				return 0, err
			}
			x |= y
		}
		return x, nil
	default:
		return 0, fmt.Errorf("unsupported value %v (%T)", v, v)
	}
}

func (e *executor) term(s string) (uint64, error) {
	if name, ok := strings.CutPrefix(s, "$"); ok {
		x, ok := e.vars[name]
		if !ok {
			return 0, fmt.Errorf("unbound variable %q", name)
		}
		return x, nil
	}
	if x, ok := symbols[s]; ok {
		return x, nil
	}
	if c, ok := nvgpu.ClassByName(s); ok {
		return uint64(c), nil
	}
	x, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return x, nil
}

// stepArgs hands out the arguments of a step. The first conversion error is
// kept and reported by done.
type stepArgs struct {
	e    *executor
	raw  map[string]any
	used map[string]bool
	err  error
}

func (a *stepArgs) has(name string) bool {
	_, ok := a.raw[name]
	return ok
}

func (a *stepArgs) u64(name string) uint64 {
	a.used[name] = true
	v, ok := a.raw[name]
	if !ok {
		return 0
	}
	x, err := a.e.value(v)
	if err != nil && a.err == nil {
		a.err = fmt.Errorf("arg %s: %w", name, err)
	}
	return x
}

func (a *stepArgs) u32(name string) uint32 {
	x := a.u64(name)
	if x > 0xffffffff && a.err == nil {
		a.err = fmt.Errorf("arg %s: %#x overflows 32 bits", name, x)
	}
	return uint32(x)
}

func (a *stepArgs) handle(name string) nvgpu.Handle {
	return nvgpu.Handle(a.u32(name))
}

func (a *stepArgs) class(name string) nvgpu.ClassID {
	return nvgpu.ClassID(a.u32(name))
}

// done returns a *scriptError for conversion failures and unknown arguments.
func (a *stepArgs) done() error {
	if a.err != nil {
		return &scriptError{a.err}
	}
	var unknown []string
	for name := range a.raw {
		if !a.used[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &scriptError{fmt.Errorf("unknown args %s", strings.Join(unknown, ", "))}
	}
	return nil
}

type opFunc func(rm *fakerm.RM, a *stepArgs) (uint64, error)

var ops map[string]opFunc

func init() {
	ops = map[string]opFunc{
		"alloc_root":       opAllocRoot,
		"alloc":            opAlloc,
		"alloc_memory":     opAllocMemory,
		"vid_heap_control": opVidHeapControl,
		"free":             opFree,
		"dup_object":       opDupObject,
		"dup_object2":      opDupObject2,
		"map_memory_dma":   opMapMemoryDma,
		"unmap_memory_dma": opUnmapMemoryDma,
		"lookup_memory":    opLookupMemory,
		"control":          opControl,
		"counts":           opCounts,
		"audit":            opAudit,
	}
}

func opAllocRoot(rm *fakerm.RM, a *stepArgs) (uint64, error) {
	if err := a.done(); err != nil {
		return 0, err
	}
	h, err := rm.AllocRoot()
	return uint64(h), err
}

func opAlloc(rm *fakerm.RM, a *stepArgs) (uint64, error) {
	client, parent, object := a.handle("client"), a.handle("parent"), a.handle("object")
	class := a.class("class")
	if err := a.done(); err != nil {
		return 0, err
	}
	return 0, rm.Alloc(client, parent, object, class, nil)
}

// opAllocMemory returns the backing address.
func opAllocMemory(rm *fakerm.RM, a *stepArgs) (uint64, error) {
	p := fakerm.AllocMemoryParams{
		Client: a.handle("client"),
		Parent: a.handle("parent"),
		Memory: a.handle("memory"),
		Class:  a.class("class"),
		Flags:  a.u32("flags"),
		Limit:  a.u64("limit"),
	}
	if err := a.done(); err != nil {
		return 0, err
	}
	err := rm.AllocMemory(&p)
	return p.Address, err
}

// opVidHeapControl returns the GPU virtual address. function defaults to
// NVOS32_FUNCTION_ALLOC_SIZE.
func opVidHeapControl(rm *fakerm.RM, a *stepArgs) (uint64, error) {
	function := uint32(nvgpu.NVOS32_FUNCTION_ALLOC_SIZE)
	if a.has("function") {
		function = a.u32("function")
	}
	p := fakerm.VidHeapParams{
		Client:    a.handle("client"),
		Parent:    a.handle("parent"),
		Function:  function,
		Memory:    a.handle("memory"),
		Type:      a.u32("type"),
		Flags:     a.u32("flags"),
		Attr:      a.u32("attr"),
		Attr2:     a.u32("attr2"),
		Size:      a.u64("size"),
		Height:    a.u32("height"),
		Pitch:     a.u32("pitch"),
		Alignment: a.u64("alignment"),
	}
	if err := a.done(); err != nil {
		return 0, err
	}
	err := rm.VidHeapControl(&p)
	return p.Offset, err
}

func opFree(rm *fakerm.RM, a *stepArgs) (uint64, error) {
	client, parent, object := a.handle("client"), a.handle("parent"), a.handle("object")
	if err := a.done(); err != nil {
		return 0, err
	}
	return 0, rm.Free(client, parent, object)
}

func opDupObject(rm *fakerm.RM, a *stepArgs) (uint64, error) {
	client, parent, object := a.handle("client"), a.handle("parent"), a.handle("object")
	srcClient, srcObject := a.handle("src_client"), a.handle("src_object")
	if err := a.done(); err != nil {
		return 0, err
	}
	return 0, rm.DupObject(client, parent, object, srcClient, srcObject)
}

// opDupObject2 returns the new alias handle.
func opDupObject2(rm *fakerm.RM, a *stepArgs) (uint64, error) {
	client, parent := a.handle("client"), a.handle("parent")
	srcClient, srcObject := a.handle("src_client"), a.handle("src_object")
	if err := a.done(); err != nil {
		return 0, err
	}
	h, err := rm.DupObject2(client, parent, srcClient, srcObject)
	return uint64(h), err
}

// opMapMemoryDma returns the DMA offset.
func opMapMemoryDma(rm *fakerm.RM, a *stepArgs) (uint64, error) {
	p := fakerm.MapMemoryDmaParams{
		Client:    a.handle("client"),
		Device:    a.handle("device"),
		Dma:       a.handle("dma"),
		Memory:    a.handle("memory"),
		Offset:    a.u64("offset"),
		Length:    a.u64("length"),
		Flags:     a.u32("flags"),
		DmaOffset: a.u64("dma_offset"),
	}
	if err := a.done(); err != nil {
		return 0, err
	}
	err := rm.MapMemoryDma(&p)
	return p.DmaOffset, err
}

func opUnmapMemoryDma(rm *fakerm.RM, a *stepArgs) (uint64, error) {
	p := fakerm.UnmapMemoryDmaParams{
		Client:    a.handle("client"),
		Device:    a.handle("device"),
		Dma:       a.handle("dma"),
		Memory:    a.handle("memory"),
		Flags:     a.u32("flags"),
		DmaOffset: a.u64("dma_offset"),
	}
	if err := a.done(); err != nil {
		return 0, err
	}
	return 0, rm.UnmapMemoryDma(&p)
}

// opLookupMemory returns the backing address after alias resolution.
func opLookupMemory(rm *fakerm.RM, a *stepArgs) (uint64, error) {
	client, memory := a.handle("client"), a.handle("memory")
	if err := a.done(); err != nil {
		return 0, err
	}
	info, err := rm.LookupMemory(client, memory)
	return info.Address, err
}

func opControl(rm *fakerm.RM, a *stepArgs) (uint64, error) {
	client, object, cmd := a.handle("client"), a.handle("object"), a.u32("cmd")
	if err := a.done(); err != nil {
		return 0, err
	}
	return 0, rm.Control(client, object, cmd, nil)
}

// countFields are the per-collection arguments accepted by the counts op.
var countFields = []struct {
	name string
	get  func(fakerm.Counts) int
}{
	{"devices", func(c fakerm.Counts) int { return c.Devices }},
	{"memory", func(c fakerm.Counts) int { return c.MemoryAllocations }},
	{"mappings", func(c fakerm.Counts) int { return c.VirtualMappings }},
	{"dups", func(c fakerm.Counts) int { return c.DuplicateObjects }},
	{"sparse_vas", func(c fakerm.Counts) int { return c.SparseVAs }},
	{"sparse_mappings", func(c fakerm.Counts) int { return c.SparseMappings }},
}

// opCounts returns the number of resources held by the client. Any of the
// per-collection arguments that are given must match.
func opCounts(rm *fakerm.RM, a *stepArgs) (uint64, error) {
	client := a.handle("client")
	want := make(map[string]uint64)
	for _, f := range countFields {
		if a.has(f.name) {
			want[f.name] = a.u64(f.name)
		}
	}
	if err := a.done(); err != nil {
		return 0, err
	}

	counts, ok := rm.Counts(client)
	if !ok {
		return 0, fmt.Errorf("client %v: %w", client, rmerr.InvalidObject)
	}
	for _, f := range countFields {
		w, ok := want[f.name]
		if !ok {
			continue
		}
		if got := uint64(f.get(counts)); got != w {
			return 0, &scriptError{fmt.Errorf("client %v has %d %s, want %d", client, got, f.name, w)}
		}
	}
	return uint64(counts.Total()), nil
}

// opAudit returns the number of leaks found without destroying the RM.
func opAudit(rm *fakerm.RM, a *stepArgs) (uint64, error) {
	if err := a.done(); err != nil {
		return 0, err
	}
	return uint64(len(rm.Audit().Leaks)), nil
}
