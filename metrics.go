package qtx

import (
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/qbixus/qtx-tm"

type metrics struct {
	begun          metric.Int64Counter
	committed      metric.Int64Counter
	rolledBack     metric.Int64Counter
	heuristic      metric.Int64Counter
	timedOut       metric.Int64Counter
	active         metric.Int64UpDownCounter
	unresolved     metric.Int64UpDownCounter
	commitDuration metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &metrics{}
	var err error

	if m.begun, err = meter.Int64Counter("qtx.transactions.begun",
		metric.WithDescription("Transactions begun")); err != nil {
		return nil, err
	}
	if m.committed, err = meter.Int64Counter("qtx.transactions.committed",
		metric.WithDescription("Transactions committed")); err != nil {
		return nil, err
	}
	if m.rolledBack, err = meter.Int64Counter("qtx.transactions.rolled_back",
		metric.WithDescription("Transactions rolled back")); err != nil {
		return nil, err
	}
	if m.heuristic, err = meter.Int64Counter("qtx.transactions.heuristic",
		metric.WithDescription("Transactions with heuristic outcome")); err != nil {
		return nil, err
	}
	if m.timedOut, err = meter.Int64Counter("qtx.transactions.timed_out",
		metric.WithDescription("Transactions marked rollback-only by timeout")); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("qtx.transactions.active",
		metric.WithDescription("Transactions not yet completed")); err != nil {
		return nil, err
	}
	if m.unresolved, err = meter.Int64UpDownCounter("qtx.recovery.unresolved",
		metric.WithDescription("Recovery log records awaiting resolution")); err != nil {
		return nil, err
	}
	if m.commitDuration, err = meter.Float64Histogram("qtx.commit.duration",
		metric.WithDescription("Commit call duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}
