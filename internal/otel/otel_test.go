package otel

import (
	"context"
	"testing"

	"github.com/hollis/autodev/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil || p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected providers to be wired")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Exporter: "magic-pixie-dust",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetrics(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.JobDuration == nil || m.TokensUsed == nil || m.BudgetWarnings == nil {
		t.Fatal("expected instruments to be created")
	}

	// Instruments must accept recordings without panicking.
	m.TokensUsed.Add(context.Background(), 42)
	m.JobDuration.Record(context.Background(), 1.5)
	m.ActiveJobs.Add(context.Background(), 1)
	m.ActiveJobs.Add(context.Background(), -1)
}
