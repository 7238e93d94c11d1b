// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overmetrics

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Point is one aggregated series collected from a reader
type Point struct {
	Name       string
	Attributes map[string]string
	Count      uint64  // observations (histograms) or the counter value
	Sum        float64 // histogram sum; equals Count for counters
}

func (p Point) String() string {
	keys := make([]string, 0, len(p.Attributes))
	for k := range p.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p.Attributes[k])
	}
	return fmt.Sprintf("%s{%s} count=%d sum=%g", p.Name, strings.Join(parts, ","), p.Count, p.Sum)
}

// NewInProcessProvider returns a meter provider whose data is read on demand through the reader.
// The CLI uses it to print a metrics summary after a simulation run.
func NewInProcessProvider() (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), reader
}

// Collect reads every int64 sum and float64 histogram from reader, sorted by name and attributes
func Collect(ctx context.Context, reader sdkmetric.Reader) ([]Point, error) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("failed to collect metrics: %w", err)
	}

	var points []Point
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					points = append(points, Point{
						Name:       m.Name,
						Attributes: attrMap(dp.Attributes.ToSlice()),
						Count:      uint64(dp.Value),
						Sum:        float64(dp.Value),
					})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					points = append(points, Point{
						Name:       m.Name,
						Attributes: attrMap(dp.Attributes.ToSlice()),
						Count:      dp.Count,
						Sum:        dp.Sum,
					})
				}
			}
		}
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].String() < points[j].String()
	})
	return points, nil
}

func attrMap(kvs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}
