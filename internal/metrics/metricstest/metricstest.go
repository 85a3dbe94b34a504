// Package metricstest collects the driftline counters in memory so tests can
// assert on them.
package metricstest

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"driftline/internal/metrics"
)

type Reader struct {
	t      testing.TB
	reader *sdkmetric.ManualReader
}

// Install points the counters at an in-memory provider until the test ends.
func Install(t testing.TB) *Reader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	if err := metrics.Use(mp); err != nil {
		t.Fatalf("install meter provider: %v", err)
	}
	t.Cleanup(func() {
		_ = metrics.Use(otel.GetMeterProvider())
		_ = mp.Shutdown(context.Background())
	})
	return &Reader{t: t, reader: reader}
}

// Sum totals the counter name over the data points carrying every attribute
// in attrs.
func (r *Reader) Sum(name string, attrs ...attribute.KeyValue) int64 {
	r.t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(context.Background(), &rm); err != nil {
		r.t.Fatalf("collect metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if matches(dp.Attributes, attrs) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func matches(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		v, ok := set.Value(kv.Key)
		if !ok || v.Emit() != kv.Value.Emit() {
			return false
		}
	}
	return true
}
