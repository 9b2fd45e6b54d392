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
	"context"
	"testing"

	"github.com/prometheus/common/expfmt"
)

func TestStress(t *testing.T) {
	for _, backing := range []string{"sim", "host"} {
		t.Run(backing, func(t *testing.T) {
			s := &Stress{clients: 4, iterations: 300, seed: 1}
			conf := newTestConfig(t, "--backing="+backing, "--backing-capacity=0x4000000")
			var buf bytes.Buffer
			if err := s.run(context.Background(), conf, &buf); err != nil {
				t.Fatalf("run(): %v", err)
			}

			families, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
			if err != nil {
				t.Fatalf("parsing metrics: %v", err)
			}
			sum := func(name, kind string) float64 {
				mf, ok := families[name]
				if !ok {
					return 0
				}
				return kindCounts(mf)[kind]
			}
			if got := sum("fakerm_objects_allocated_total", "client"); got != 4 {
				t.Errorf("allocated clients = %v, want 4", got)
			}
			for _, kind := range []string{"device", "memory", "mapping", "sparse_va", "sparse_mapping", "duplicate"} {
				allocated := sum("fakerm_objects_allocated_total", kind)
				if freed := sum("fakerm_objects_freed_total", kind); allocated != freed {
					t.Errorf("kind %s: allocated %v, freed %v", kind, allocated, freed)
				}
			}
			if sum("fakerm_objects_allocated_total", "memory") == 0 {
				t.Errorf("no memory was allocated")
			}
		})
	}
}

func TestStressCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &Stress{clients: 2, iterations: 10, seed: 1}
	if err := s.run(ctx, newTestConfig(t), nil); err == nil {
		t.Errorf("run() with canceled context succeeded")
	}
}
