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

package fakerm

import (
	"github.com/prometheus/client_golang/prometheus"
	"mods.dev/mods/pkg/errors/rmerr"
)

// Resource kinds used as metric labels.
const (
	kindClient        = "client"
	kindDevice        = "device"
	kindMemory        = "memory"
	kindMapping       = "mapping"
	kindSparseVA      = "sparse_va"
	kindSparseMapping = "sparse_mapping"
	kindDuplicate     = "duplicate"
)

type metrics struct {
	registry *prometheus.Registry

	allocated *prometheus.CounterVec
	freed     *prometheus.CounterVec
	errors    *prometheus.CounterVec
	leaked    *prometheus.GaugeVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		allocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fakerm_objects_allocated_total",
			Help: "Resources recorded by the resource manager.",
		}, []string{"kind"}),
		freed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fakerm_objects_freed_total",
			Help: "Resources removed from the resource manager.",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fakerm_operation_errors_total",
			Help: "Failed resource manager operations by status.",
		}, []string{"op", "status"}),
		leaked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fakerm_leaked_objects",
			Help: "Resources still held at the last shutdown audit.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(m.allocated, m.freed, m.errors, m.leaked)
	return m
}

// observe counts err against op and returns it.
func (m *metrics) observe(op string, err error) error {
	if err != nil {
		m.errors.WithLabelValues(op, rmerr.ToStatus(err).String()).Inc()
	}
	return err
}

// recordFree counts the resources in r as freed.
func (m *metrics) recordFree(r *removed) {
	if r.device {
		m.freed.WithLabelValues(kindDevice).Inc()
	}
	if n := len(r.sparseMappings); n > 0 {
		m.freed.WithLabelValues(kindSparseMapping).Add(float64(n))
	}
	if r.sparseVA != nil {
		m.freed.WithLabelValues(kindSparseVA).Inc()
	}
	if r.memory != nil {
		m.freed.WithLabelValues(kindMemory).Inc()
	}
	if r.mapping != nil {
		m.freed.WithLabelValues(kindMapping).Inc()
	}
	if r.dup != nil {
		m.freed.WithLabelValues(kindDuplicate).Inc()
	}
}

// Gatherer returns the registry holding rm's metrics.
func (rm *RM) Gatherer() prometheus.Gatherer {
	return rm.metrics.registry
}
