package strata_test

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/strata"
	"github.com/xraph/strata/observability"
)

func TestMetricsHookIntegration(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	f := newFactory(t, strata.WithHook(
		observability.NewMetricsWithMeter(provider.Meter("test")),
	))

	db := openAt(t, f, "app", 1, "s")
	seed(t, db, "s", map[string]any{"v": "x"}, 1)
	db.Close()
	if _, err := f.DeleteDatabase("app").Await(testCtx(t)); err != nil {
		t.Fatal(err)
	}

	// Closing the factory drains the loop, so every queued hook emission
	// has run by the time we collect.
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	got := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			got[m.Name] = true
		}
	}
	for _, name := range []string{
		"strata.connection.opens",
		"strata.connection.closes",
		"strata.transaction.starts",
		"strata.transaction.outcomes",
		"strata.upgrade.duration",
		"strata.database.deletes",
	} {
		if !got[name] {
			t.Errorf("metric %s was not recorded", name)
		}
	}
}
