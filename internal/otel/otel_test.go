package otel

import (
	"context"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitNoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil Meter")
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "magic"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetrics(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.Reconnects == nil || m.StreamGaps == nil || m.DroppedNoisy == nil || m.ParserErrors == nil {
		t.Error("instrument not created")
	}
	// Noop instruments accept recordings without a provider.
	m.Reconnects.Add(context.Background(), 1)
	m.FramesIngested.Add(context.Background(), 3)
}

func TestRegisterQueueDepthGauge(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	reg, err := RegisterQueueDepthGauge(p.Meter, func() map[string]int64 {
		return map[string]int64{"prod": 12}
	})
	if err != nil {
		t.Fatalf("RegisterQueueDepthGauge: %v", err)
	}
	if reg == nil {
		t.Fatal("expected a registration")
	}
	if err := reg.Unregister(); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
}
