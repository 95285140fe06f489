package metrics

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type observedCounter struct {
	name       string
	instrument metric.Int64ObservableCounter
}

// OTelExporter publishes a Metrics snapshot on every collection cycle.
// It never owns the MeterProvider.
type OTelExporter struct {
	source       *Metrics
	registration metric.Registration
	counters     []observedCounter
}

func NewOTelExporter(meter metric.Meter, source *Metrics) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &OTelExporter{
		source:   source,
		counters: make([]observedCounter, 0, metricIDCount+1),
	}

	all := make([]string, 0, metricIDCount+1)
	for id := MetricID(0); id < metricIDCount; id++ {
		all = append(all, names[id])
	}
	all = append(all, auditDroppedName)

	observables := make([]metric.Observable, 0, len(all))
	for _, name := range all {
		ins, err := meter.Int64ObservableCounter(name)
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{name: name, instrument: ins})
		observables = append(observables, ins)
	}

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exporter.source.Snapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot[c.name]))
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
