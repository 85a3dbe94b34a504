// Package metrics records OpenTelemetry counters for sync, LLM and generation
// outcomes. Counters bind to the global meter provider until Use or Setup
// points them at another one.
package metrics

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "driftline"

type instruments struct {
	syncItems      otelmetric.Int64Counter
	syncErrors     otelmetric.Int64Counter
	llmCalls       otelmetric.Int64Counter
	llmTokens      otelmetric.Int64Counter
	signalActions  otelmetric.Int64Counter
	versions       otelmetric.Int64Counter
	deliveries     otelmetric.Int64Counter
	cleanupDeleted otelmetric.Int64Counter
}

var (
	current     atomic.Pointer[instruments]
	defaultOnce sync.Once
)

func newInstruments(mp otelmetric.MeterProvider) (*instruments, error) {
	meter := mp.Meter(meterName)
	in := &instruments{}
	counters := []struct {
		dst  *otelmetric.Int64Counter
		name string
	}{
		{&in.syncItems, "sync_items_total"},
		{&in.syncErrors, "sync_resource_errors_total"},
		{&in.llmCalls, "llm_calls_total"},
		{&in.llmTokens, "llm_tokens_total"},
		{&in.signalActions, "signal_actions_total"},
		{&in.versions, "work_versions_total"},
		{&in.deliveries, "deliveries_total"},
		{&in.cleanupDeleted, "content_cleanup_deleted_total"},
	}
	for _, c := range counters {
		var err error
		*c.dst, err = meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
	}
	return in, nil
}

// Use points every counter at mp. Counts already recorded stay with the
// previous provider.
func Use(mp otelmetric.MeterProvider) error {
	in, err := newInstruments(mp)
	if err != nil {
		return err
	}
	current.Store(in)
	return nil
}

// Setup installs an SDK meter provider that pushes to exp every interval,
// makes it the global provider and points the counters at it. Shutdown on the
// returned provider flushes the last collection.
func Setup(exp sdkmetric.Exporter, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", meterName))),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)
	if err := Use(mp); err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, err
	}
	return mp, nil
}

// NewWriterExporter encodes each collection as one JSON document on w.
func NewWriterExporter(w io.Writer) (sdkmetric.Exporter, error) {
	return stdoutmetric.New(stdoutmetric.WithEncoder(json.NewEncoder(w)))
}

func load() *instruments {
	if in := current.Load(); in != nil {
		return in
	}
	defaultOnce.Do(func() {
		if in, err := newInstruments(otel.GetMeterProvider()); err == nil {
			current.CompareAndSwap(nil, in)
		}
	})
	return current.Load()
}

func add(ctx context.Context, pick func(*instruments) otelmetric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	in := load()
	if in == nil || n <= 0 {
		return
	}
	pick(in).Add(ctx, n, otelmetric.WithAttributes(attrs...))
}

func SyncItems(ctx context.Context, platform string, n int) {
	add(ctx, func(in *instruments) otelmetric.Int64Counter { return in.syncItems }, int64(n), attribute.String("platform", platform))
}

func SyncError(ctx context.Context, platform string) {
	add(ctx, func(in *instruments) otelmetric.Int64Counter { return in.syncErrors }, 1, attribute.String("platform", platform))
}

// LLMCall counts one model call by caller component and outcome.
func LLMCall(ctx context.Context, component, outcome string) {
	add(ctx, func(in *instruments) otelmetric.Int64Counter { return in.llmCalls }, 1, attribute.String("component", component), attribute.String("outcome", outcome))
}

func LLMTokens(ctx context.Context, component string, n int) {
	add(ctx, func(in *instruments) otelmetric.Int64Counter { return in.llmTokens }, int64(n), attribute.String("component", component))
}

func SignalAction(ctx context.Context, outcome string) {
	add(ctx, func(in *instruments) otelmetric.Int64Counter { return in.signalActions }, 1, attribute.String("outcome", outcome))
}

func Version(ctx context.Context, binding, status string) {
	add(ctx, func(in *instruments) otelmetric.Int64Counter { return in.versions }, 1, attribute.String("binding", binding), attribute.String("status", status))
}

func Delivery(ctx context.Context, kind, status string) {
	add(ctx, func(in *instruments) otelmetric.Int64Counter { return in.deliveries }, 1, attribute.String("kind", kind), attribute.String("status", status))
}

func CleanupDeleted(ctx context.Context, n int64) {
	add(ctx, func(in *instruments) otelmetric.Int64Counter { return in.cleanupDeleted }, n)
}
