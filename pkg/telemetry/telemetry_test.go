package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/colinrgodsey/msacache/pkg/config"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ChainOutcome("preload", "hit")
	m.ChainOutcome("preload", "hit")
	m.ChainOutcome("store", "uploaded")
	m.Transfer("upload", 2048, 150*time.Millisecond)

	if got := testutil.ToFloat64(m.chains.WithLabelValues("preload", "hit")); got != 2 {
		t.Errorf("Expected 2 preload hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.bytes.WithLabelValues("upload")); got != 2048 {
		t.Errorf("Expected 2048 upload bytes, got %v", got)
	}
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	m.ChainOutcome("store", "failed")
	m.Transfer("download", 1, time.Second)
}

func TestSetup_WritesTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msacache.prom")
	ctx := context.Background()

	reg, shutdown, err := Setup(ctx, config.TelemetryConfig{MetricsTextfile: path})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	NewMetrics(reg).ChainOutcome("store", "present")

	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected metrics textfile: %v", err)
	}
	if !strings.Contains(string(data), `msacache_chains_total{op="store",outcome="present"} 1`) {
		t.Errorf("Unexpected textfile contents:\n%s", data)
	}
}

func TestNewTracerProvider(t *testing.T) {
	ctx := context.Background()
	for _, insecure := range []bool{false, true} {
		tp, err := newTracerProvider(ctx, config.TelemetryConfig{
			TracingEndpoint: "127.0.0.1:4317",
			TracingInsecure: insecure,
		})
		if err != nil {
			t.Fatalf("newTracerProvider(insecure=%v) failed: %v", insecure, err)
		}
		// Nothing was recorded, so shutdown does not need the collector.
		if err := tp.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown(insecure=%v) failed: %v", insecure, err)
		}
	}
}

func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	if _, err := SetupLogging(&buf, "warn", "json"); err != nil {
		t.Fatalf("SetupLogging failed: %v", err)
	}
	slog.Info("hidden")
	slog.Warn("shown", "chain_id", "A")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Info record should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"chain_id":"A"`) {
		t.Errorf("Expected JSON warn record, got: %s", out)
	}

	if _, err := SetupLogging(&buf, "loud", "text"); err == nil {
		t.Error("Expected error for invalid level")
	}
	if _, err := SetupLogging(&buf, "info", "xml"); err == nil {
		t.Error("Expected error for invalid format")
	}
}
