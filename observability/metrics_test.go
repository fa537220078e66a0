package observability

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func counterValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: data is %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecordsLifecycle(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	m := NewMetricsWithMeter(provider.Meter(meterName))

	if err := m.OnConnectionOpened("app", 1); err != nil {
		t.Fatal(err)
	}
	if err := m.OnTransactionStarted("app", "readwrite", []string{"s"}); err != nil {
		t.Fatal(err)
	}
	if err := m.OnTransactionCommitted("app", "readwrite"); err != nil {
		t.Fatal(err)
	}
	if err := m.OnTransactionAborted("app", "readonly", errors.New("x")); err != nil {
		t.Fatal(err)
	}
	if err := m.OnRequestFailed("app", errors.New("x")); err != nil {
		t.Fatal(err)
	}
	if err := m.OnConnectionClosed("app"); err != nil {
		t.Fatal(err)
	}
	if err := m.OnDatabaseDeleted("app", 1); err != nil {
		t.Fatal(err)
	}

	metrics := collect(t, reader)
	counters := map[string]int64{
		"strata.connection.opens":     1,
		"strata.connection.closes":    1,
		"strata.transaction.starts":   1,
		"strata.transaction.outcomes": 2,
		"strata.request.failures":     1,
		"strata.database.deletes":     1,
	}
	for name, want := range counters {
		md, ok := metrics[name]
		if !ok {
			t.Errorf("metric %s was not recorded", name)
			continue
		}
		if got := counterValue(t, md); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestMetricsUpgradeDuration(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	m := NewMetricsWithMeter(provider.Meter(meterName))

	if err := m.OnUpgradeStarted("app", 1, 2); err != nil {
		t.Fatal(err)
	}
	if err := m.OnUpgradeCompleted("app", 1, 2, nil); err != nil {
		t.Fatal(err)
	}
	// A completion with no matching start records nothing.
	if err := m.OnUpgradeCompleted("other", 0, 1, errors.New("x")); err != nil {
		t.Fatal(err)
	}

	metrics := collect(t, reader)
	md, ok := metrics["strata.upgrade.duration"]
	if !ok {
		t.Fatal("upgrade duration was not recorded")
	}
	hist, ok := md.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data is %T, want Histogram[float64]", md.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 1 {
		t.Errorf("histogram count = %d, want 1", count)
	}
}
