package app_test

import (
	"context"
	"io"
	"log"
	"os"
	"strings"
	"testing"

	"driftline/internal/app"
	"driftline/internal/metrics"
)

func TestStartMetricsWritesToWorkspaceFile(t *testing.T) {
	ws := t.TempDir()
	a, err := app.Open(context.Background(), ws, app.Secrets{}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Config.Metrics.Exporter != "file" {
		t.Fatalf("default exporter = %q", a.Config.Metrics.Exporter)
	}

	stop, err := a.StartMetrics()
	if err != nil {
		t.Fatalf("start metrics: %v", err)
	}
	metrics.SyncItems(context.Background(), "notion", 7)
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop metrics: %v", err)
	}
	data, err := os.ReadFile(app.MetricsFile(ws))
	if err != nil {
		t.Fatalf("read metrics file: %v", err)
	}
	if !strings.Contains(string(data), "sync_items_total") {
		t.Fatalf("metrics file = %s", data)
	}
}

func TestStartMetricsNone(t *testing.T) {
	ws := t.TempDir()
	a, err := app.Open(context.Background(), ws, app.Secrets{}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	a.Config.Metrics.Exporter = "none"
	stop, err := a.StartMetrics()
	if err != nil {
		t.Fatalf("start metrics: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(app.MetricsFile(ws)); !os.IsNotExist(err) {
		t.Fatalf("exporter none must not create a file: %v", err)
	}
}
