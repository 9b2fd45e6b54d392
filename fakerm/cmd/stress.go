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
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/google/subcommands"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"
	"mods.dev/mods/fakerm/config"
	"mods.dev/mods/pkg/abi/nvgpu"
	"mods.dev/mods/pkg/errors/rmerr"
	"mods.dev/mods/pkg/fakerm"
	"mods.dev/mods/pkg/log"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	clients    int
	iterations int
	seed       int64
	metrics    string
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent random clients and audit the resource manager"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run concurrent random clients.

Every client allocates a device, then issues a random mix of memory
allocations, sparse reservations, DMA mappings, duplications and frees before
freeing itself. The resource manager is then destroyed and the shutdown audit
must be clean.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.clients, "clients", 8, "number of concurrent clients")
	f.IntVar(&s.iterations, "iterations", 1000, "operations issued by each client")
	f.Int64Var(&s.seed, "seed", 0, "random seed; 0 picks one from the clock")
	f.StringVar(&s.metrics, "metrics", "", "file to write metrics to in text exposition format, or - for stdout")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if s.seed == 0 {
		s.seed = time.Now().UnixNano()
	}
	log.Infof("Stress: %d clients, %d iterations, seed %d", s.clients, s.iterations, s.seed)

	var w io.Writer
	switch s.metrics {
	case "":
	case "-":
		w = os.Stdout
	default:
		out, err := os.Create(s.metrics)
		if err != nil {
			return Errorf("creating metrics file: %v", err)
		}
		defer out.Close()
		w = out
	}
	if err := s.run(ctx, conf, w); err != nil {
		return Errorf("stress (seed %d): %v", s.seed, err)
	}
	return subcommands.ExitSuccess
}

// run drives the clients, audits the RM, and writes metrics to w if it is not
// nil.
func (s *Stress) run(ctx context.Context, conf *config.Config, w io.Writer) error {
	rm, chip, err := newRM(conf)
	if err != nil {
		return err
	}
	defer chip.Close()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.clients; i++ {
		c := &stressClient{
			rm:   rm,
			rand: rand.New(rand.NewSource(s.seed + int64(i))),
		}
		g.Go(func() error {
			return c.run(gctx, s.iterations)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	rm.Destroy()
	if err := rm.Report().Err(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	mfs, err := rm.Gatherer().Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "fakerm_objects_allocated_total" {
			log.Infof("Stress: allocated %v", kindCounts(mf))
		}
		if w == nil {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}
	return nil
}

// kindCounts returns the counter values of mf by "kind" label.
func kindCounts(mf *dto.MetricFamily) map[string]float64 {
	counts := make(map[string]float64)
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "kind" {
				counts[l.GetValue()] += m.GetCounter().GetValue()
			}
		}
	}
	return counts
}

const stressDevice = nvgpu.Handle(0x100)

type stressReservation struct {
	h     nvgpu.Handle
	va    uint64
	pages int
}

type stressMapping struct {
	dma nvgpu.Handle
	va  uint64
}

type stressClient struct {
	rm   *fakerm.RM
	rand *rand.Rand

	client   nvgpu.Handle
	next     nvgpu.Handle
	memory   []nvgpu.Handle
	sparse   []stressReservation
	mappings []stressMapping
}

// tolerated returns nil for errors expected under random load.
func tolerated(err error) error {
	if errors.Is(err, rmerr.NoMemory) || errors.Is(err, rmerr.AlreadyExists) {
		return nil
	}
	return err
}

func (c *stressClient) handle() nvgpu.Handle {
	c.next++
	return c.next
}

func (c *stressClient) run(ctx context.Context, iterations int) error {
	var err error
	if c.client, err = c.rm.AllocRoot(); err != nil {
		return err
	}
	c.next = 0x1000
	if err := c.rm.Alloc(c.client, c.client, stressDevice, nvgpu.NV01_DEVICE_0, nil); err != nil {
		return err
	}

	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.op(); err != nil {
			return fmt.Errorf("client %v, iteration %d: %w", c.client, i, err)
		}
	}
	return c.rm.Free(c.client, c.client, c.client)
}

func (c *stressClient) pick(n int) int {
	return c.rand.Intn(n)
}

func (c *stressClient) op() error {
	page := c.rm.PageSize()
	switch c.pick(6) {
	case 0:
		h := c.handle()
		p := fakerm.AllocMemoryParams{
			Client: c.client,
			Parent: stressDevice,
			Memory: h,
			Class:  nvgpu.NV01_MEMORY_SYSTEM,
			Limit:  uint64(1+c.pick(16))*page - 1,
		}
		if err := c.rm.AllocMemory(&p); err != nil {
			return tolerated(err)
		}
		c.memory = append(c.memory, h)

	case 1:
		h := c.handle()
		pages := 1 + c.pick(64)
		p := fakerm.VidHeapParams{
			Client:   c.client,
			Parent:   stressDevice,
			Function: nvgpu.NVOS32_FUNCTION_ALLOC_SIZE,
			Memory:   h,
			Flags:    nvgpu.NVOS32_ALLOC_FLAGS_SPARSE,
			Size:     uint64(pages) * page,
		}
		if err := c.rm.VidHeapControl(&p); err != nil {
			return tolerated(err)
		}
		c.sparse = append(c.sparse, stressReservation{h: h, va: p.Offset, pages: pages})

	case 2:
		if len(c.memory) == 0 || len(c.sparse) == 0 {
			return nil
		}
		s := c.sparse[c.pick(len(c.sparse))]
		p := fakerm.MapMemoryDmaParams{
			Client:    c.client,
			Device:    stressDevice,
			Dma:       s.h,
			Memory:    c.memory[c.pick(len(c.memory))],
			Length:    page,
			Flags:     nvgpu.NVOS46_FLAGS_DMA_OFFSET_FIXED,
			DmaOffset: s.va + uint64(c.pick(s.pages))*page,
		}
		if err := c.rm.MapMemoryDma(&p); err != nil {
			return tolerated(err)
		}
		c.mappings = append(c.mappings, stressMapping{dma: s.h, va: p.DmaOffset})

	case 3:
		if len(c.mappings) == 0 {
			return nil
		}
		i := c.pick(len(c.mappings))
		m := c.mappings[i]
		c.mappings = append(c.mappings[:i], c.mappings[i+1:]...)
		var flags uint32
		if c.pick(2) == 0 {
			flags = nvgpu.NVOS47_FLAGS_DEFER_TLB_INVALIDATION
		}
		return c.rm.UnmapMemoryDma(&fakerm.UnmapMemoryDmaParams{
			Client:    c.client,
			Device:    stressDevice,
			Dma:       m.dma,
			Flags:     flags,
			DmaOffset: m.va,
		})

	case 4:
		if len(c.memory) == 0 {
			return nil
		}
		_, err := c.rm.DupObject2(c.client, stressDevice, c.client, c.memory[c.pick(len(c.memory))])
		return err

	case 5:
		if len(c.memory) == 0 {
			return nil
		}
		i := c.pick(len(c.memory))
		h := c.memory[i]
		c.memory = append(c.memory[:i], c.memory[i+1:]...)
		return c.rm.Free(c.client, stressDevice, h)
	}
	return nil
}
