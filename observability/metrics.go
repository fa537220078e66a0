// Package observability provides an OpenTelemetry metrics hook for the
// engine. Register it on the factory to track connection opens,
// transaction outcomes, request failures, and upgrade durations.
package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/strata/hook"
)

// meterName is the instrumentation scope name for strata metrics.
const meterName = "github.com/xraph/strata"

// Compile-time interface checks.
var (
	_ hook.Hook                 = (*Metrics)(nil)
	_ hook.ConnectionOpened     = (*Metrics)(nil)
	_ hook.ConnectionClosed     = (*Metrics)(nil)
	_ hook.UpgradeStarted       = (*Metrics)(nil)
	_ hook.UpgradeCompleted     = (*Metrics)(nil)
	_ hook.TransactionStarted   = (*Metrics)(nil)
	_ hook.TransactionCommitted = (*Metrics)(nil)
	_ hook.TransactionAborted   = (*Metrics)(nil)
	_ hook.RequestFailed        = (*Metrics)(nil)
	_ hook.DatabaseDeleted      = (*Metrics)(nil)
)

// Metrics is a lifecycle hook that records engine metrics.
//
// Instruments:
//   - strata.connection.opens / strata.connection.closes (Int64Counter)
//   - strata.transaction.starts (Int64Counter, attribute: mode)
//   - strata.transaction.outcomes (Int64Counter, attributes: mode,
//     status "committed" or "aborted")
//   - strata.request.failures (Int64Counter)
//   - strata.upgrade.duration (Float64Histogram, seconds, attribute:
//     status "ok" or "error")
//   - strata.database.deletes (Int64Counter)
type Metrics struct {
	opens      metric.Int64Counter
	closes     metric.Int64Counter
	txStarts   metric.Int64Counter
	txOutcomes metric.Int64Counter
	reqFails   metric.Int64Counter
	upgrades   metric.Float64Histogram
	deletes    metric.Int64Counter

	mu       sync.Mutex
	upgradeT map[string]time.Time
}

// NewMetrics creates a Metrics hook using the global OTel
// MeterProvider. Without a configured provider the instruments are
// noops and the hook is a pass-through.
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates a Metrics hook with the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	// On error the OTel API returns noop instruments, so the hook
	// degrades gracefully.
	opens, _ := meter.Int64Counter(
		"strata.connection.opens",
		metric.WithDescription("Connections opened"),
		metric.WithUnit("{connection}"),
	)
	closes, _ := meter.Int64Counter(
		"strata.connection.closes",
		metric.WithDescription("Connections closed"),
		metric.WithUnit("{connection}"),
	)
	txStarts, _ := meter.Int64Counter(
		"strata.transaction.starts",
		metric.WithDescription("Transactions granted a backend transaction"),
		metric.WithUnit("{transaction}"),
	)
	txOutcomes, _ := meter.Int64Counter(
		"strata.transaction.outcomes",
		metric.WithDescription("Transactions reaching a terminal state"),
		metric.WithUnit("{transaction}"),
	)
	reqFails, _ := meter.Int64Counter(
		"strata.request.failures",
		metric.WithDescription("Requests settled with an error"),
		metric.WithUnit("{request}"),
	)
	upgrades, _ := meter.Float64Histogram(
		"strata.upgrade.duration",
		metric.WithDescription("Duration of schema upgrades in seconds"),
		metric.WithUnit("s"),
	)
	deletes, _ := meter.Int64Counter(
		"strata.database.deletes",
		metric.WithDescription("Databases deleted"),
		metric.WithUnit("{database}"),
	)

	return &Metrics{
		opens:      opens,
		closes:     closes,
		txStarts:   txStarts,
		txOutcomes: txOutcomes,
		reqFails:   reqFails,
		upgrades:   upgrades,
		deletes:    deletes,
		upgradeT:   make(map[string]time.Time),
	}
}

// Name implements hook.Hook.
func (m *Metrics) Name() string { return "observability.metrics" }

// OnConnectionOpened implements hook.ConnectionOpened.
func (m *Metrics) OnConnectionOpened(db string, version uint64) error {
	m.opens.Add(context.Background(), 1, metric.WithAttributes(attribute.String("db", db)))
	return nil
}

// OnConnectionClosed implements hook.ConnectionClosed.
func (m *Metrics) OnConnectionClosed(db string) error {
	m.closes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("db", db)))
	return nil
}

// OnUpgradeStarted implements hook.UpgradeStarted.
func (m *Metrics) OnUpgradeStarted(db string, oldVersion, newVersion uint64) error {
	m.mu.Lock()
	m.upgradeT[db] = time.Now()
	m.mu.Unlock()
	return nil
}

// OnUpgradeCompleted implements hook.UpgradeCompleted.
func (m *Metrics) OnUpgradeCompleted(db string, oldVersion, newVersion uint64, upgradeErr error) error {
	m.mu.Lock()
	start, ok := m.upgradeT[db]
	delete(m.upgradeT, db)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	status := "ok"
	if upgradeErr != nil {
		status = "error"
	}
	m.upgrades.Record(context.Background(), time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("db", db),
		attribute.String("status", status),
	))
	return nil
}

// OnTransactionStarted implements hook.TransactionStarted.
func (m *Metrics) OnTransactionStarted(db, mode string, scope []string) error {
	m.txStarts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("db", db),
		attribute.String("mode", mode),
	))
	return nil
}

// OnTransactionCommitted implements hook.TransactionCommitted.
func (m *Metrics) OnTransactionCommitted(db, mode string) error {
	m.txOutcomes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("db", db),
		attribute.String("mode", mode),
		attribute.String("status", "committed"),
	))
	return nil
}

// OnTransactionAborted implements hook.TransactionAborted.
func (m *Metrics) OnTransactionAborted(db, mode string, txErr error) error {
	m.txOutcomes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("db", db),
		attribute.String("mode", mode),
		attribute.String("status", "aborted"),
	))
	return nil
}

// OnRequestFailed implements hook.RequestFailed.
func (m *Metrics) OnRequestFailed(db string, reqErr error) error {
	m.reqFails.Add(context.Background(), 1, metric.WithAttributes(attribute.String("db", db)))
	return nil
}

// OnDatabaseDeleted implements hook.DatabaseDeleted.
func (m *Metrics) OnDatabaseDeleted(db string, version uint64) error {
	m.deletes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("db", db)))
	return nil
}
