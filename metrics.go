// Copyright 2024 The Kiln Authors.
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

package kiln

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Metric accumulates call count and total duration for one named code
// path, e.g. "node stat" or "edge evaluate".
type Metric struct {
	Name  string
	Count int
	Sum   time.Duration
}

// Metrics is a small timing-stats collector. Unlike a process-wide
// singleton, it is constructed by the front end, carried as a context
// value (WithMetrics/MetricsFromContext) and handed to the Builder's
// Metrics field, so tests and concurrent builds never share one by
// accident.
type Metrics struct {
	metrics map[string]*Metric
}

func NewMetrics() *Metrics {
	return &Metrics{metrics: map[string]*Metric{}}
}

type metricsKey struct{}

// WithMetrics returns a context carrying m, retrievable with
// MetricsFromContext.
func WithMetrics(ctx context.Context, m *Metrics) context.Context {
	return context.WithValue(ctx, metricsKey{}, m)
}

// MetricsFromContext returns the Metrics attached to ctx, or nil if
// none was attached: callers must treat a nil Metrics as "don't
// record".
func MetricsFromContext(ctx context.Context) *Metrics {
	m, _ := ctx.Value(metricsKey{}).(*Metrics)
	return m
}

func (m *Metrics) get(name string) *Metric {
	metric, ok := m.metrics[name]
	if !ok {
		metric = &Metric{Name: name}
		m.metrics[name] = metric
	}
	return metric
}

// Record returns a stop function; call it when the recorded code path
// finishes. Safe to call on a nil *Metrics (records nothing).
func (m *Metrics) Record(name string) func() {
	if m == nil {
		return func() {}
	}
	metric := m.get(name)
	start := time.Now()
	return func() {
		metric.Count++
		metric.Sum += time.Since(start)
	}
}

// Report prints a summary table to stdout.
func (m *Metrics) Report() {
	if m == nil {
		return
	}
	names := make([]string, 0, len(m.metrics))
	width := 0
	for name := range m.metrics {
		names = append(names, name)
		if len(name) > width {
			width = len(name)
		}
	}
	sort.Strings(names)
	fmt.Printf("%-*s\t%-6s\t%-9s\t%s\n", width, "metric", "count", "avg", "total")
	for _, name := range names {
		metric := m.metrics[name]
		avg := metric.Sum / time.Duration(metric.Count)
		fmt.Printf("%-*s\t%-6d\t%-10s\t%-10s\n", width, name, metric.Count, avg.Round(time.Microsecond), metric.Sum.Round(time.Microsecond))
	}
}
