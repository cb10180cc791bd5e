package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/enb-scheduler/model"
)

func TestCarrierAttributes(t *testing.T) {
	attrs := CarrierAttributes([]model.CarrierConfig{
		model.DefaultCarrierConfig(0, 25),
		model.DefaultCarrierConfig(1, 50),
	})
	got := map[attribute.Key]attribute.Value{}
	for _, kv := range attrs {
		got[kv.Key] = kv.Value
	}
	if n := got["mac.carriers"].AsInt64(); n != 2 {
		t.Fatalf("mac.carriers = %d, want 2", n)
	}
	if total := got["mac.total_prbs"].AsInt64(); total != 75 {
		t.Fatalf("mac.total_prbs = %d, want 75", total)
	}
	if prbs := got["mac.carrier_prbs"].AsInt64Slice(); len(prbs) != 2 || prbs[0] != 25 || prbs[1] != 50 {
		t.Fatalf("mac.carrier_prbs = %v, want [25 50]", prbs)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := Tracer().Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("expected a noop span when tracing is disabled")
	}
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)
}

func TestStdoutSpansCarryCellResource(t *testing.T) {
	t.Cleanup(func() {
		if _, err := InitTracing(context.Background(), TracingConfig{}, nil); err != nil {
			t.Errorf("reset tracing: %v", err)
		}
	})
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		ServiceName: "macsim",
		Exporter:    ExporterStdout,
		SampleRatio: 1,
		Writer:      &buf,
		Attributes:  CarrierAttributes([]model.CarrierConfig{model.DefaultCarrierConfig(0, 15)}),
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}

	_, span := Tracer().Start(context.Background(), "mac.RunTTI")
	if !span.SpanContext().IsValid() {
		t.Fatalf("expected a recording span")
	}
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	out := buf.String()
	for _, want := range []string{"mac.RunTTI", "mac.total_prbs", "macsim"} {
		if !strings.Contains(out, want) {
			t.Fatalf("exported spans missing %q:\n%s", want, out)
		}
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}
