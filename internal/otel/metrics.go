package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all clawdeck metrics instruments.
type Metrics struct {
	Reconnects       metric.Int64Counter
	FramesIngested   metric.Int64Counter
	ParserErrors     metric.Int64Counter
	StreamGaps       metric.Int64Counter
	DroppedNoisy     metric.Int64Counter
	DeltasApplied    metric.Int64Counter
	StoreApplyErrors metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Reconnects, err = meter.Int64Counter("clawdeck.conn.reconnects",
		metric.WithDescription("Reconnect attempts scheduled after abnormal closes"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesIngested, err = meter.Int64Counter("clawdeck.ingest.frames",
		metric.WithDescription("Event frames accepted by the ingestion queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ParserErrors, err = meter.Int64Counter("clawdeck.ingest.parser_errors",
		metric.WithDescription("Frames dropped because normalization failed"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamGaps, err = meter.Int64Counter("clawdeck.ingest.stream_gaps",
		metric.WithDescription("Sequence gaps observed per event kind"),
	)
	if err != nil {
		return nil, err
	}

	m.DroppedNoisy, err = meter.Int64Counter("clawdeck.ingest.dropped_noisy",
		metric.WithDescription("Noisy delta frames dropped at queue capacity"),
	)
	if err != nil {
		return nil, err
	}

	m.DeltasApplied, err = meter.Int64Counter("clawdeck.store.deltas",
		metric.WithDescription("Envelopes materialized into the local store"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreApplyErrors, err = meter.Int64Counter("clawdeck.store.apply_errors",
		metric.WithDescription("Envelope apply failures"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterQueueDepthGauge reports per-host ingestion queue depth through
// an observable gauge. observe returns the current depth per host id and
// is called on every metric collection.
func RegisterQueueDepthGauge(meter metric.Meter, observe func() map[string]int64) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge("clawdeck.ingest.depth",
		metric.WithDescription("Current ingestion queue depth"),
	)
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for host, depth := range observe() {
			o.ObserveInt64(gauge, depth, metric.WithAttributes(attribute.String("host", host)))
		}
		return nil
	}, gauge)
}
