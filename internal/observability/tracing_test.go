package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/sqlrag/sqlrag/internal/config"
)

func TestSetupTracingDisabledIsNoop(t *testing.T) {
	cfg := config.Config{Service: config.ServiceConfig{Name: "sqlrag-test"}}
	shutdown, err := SetupTracing(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("SetupTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestBuildTraceExporterStdout(t *testing.T) {
	var out bytes.Buffer
	exporter, err := buildTraceExporter(context.Background(), config.ObservabilityConfig{TraceStdout: true}, &out)
	if err != nil {
		t.Fatalf("buildTraceExporter() error = %v", err)
	}
	if exporter == nil {
		t.Fatal("expected stdout exporter")
	}
	if err := exporter.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestBuildTraceExporterNoneConfigured(t *testing.T) {
	exporter, err := buildTraceExporter(context.Background(), config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("buildTraceExporter() error = %v", err)
	}
	if exporter != nil {
		t.Fatalf("expected nil exporter, got %T", exporter)
	}
}

func TestEndSpanRecordsError(t *testing.T) {
	_, span := StartSpan(context.Background(), "test")
	EndSpan(span, errors.New("boom"))
}
