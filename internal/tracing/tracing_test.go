package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestInitDisabledLeavesNoopTracer(t *testing.T) {
	if err := Init(context.Background(), Config{Enabled: false}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if Enabled() {
		t.Fatal("expected tracing to report disabled")
	}
	if Tracer() == nil {
		t.Fatal("expected a non-nil no-op tracer before Init")
	}
}

func TestInitStdoutExporterEnablesTracing(t *testing.T) {
	err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "keyvault-test",
		SampleRate:  1.0,
	})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if !Enabled() {
		t.Fatal("expected tracing to report enabled")
	}
	defer func() {
		Shutdown(context.Background())
		Init(context.Background(), Config{Enabled: false})
	}()

	ctx, span := StartSpan(context.Background(), "test-span", AttrPool.String("primary"))
	if ctx == nil || span == nil {
		t.Fatal("expected a non-nil context and span")
	}
	SetSpanOK(span)
	span.End()
}

func TestInitUnknownExporterFails(t *testing.T) {
	err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "nonexistent",
		ServiceName: "keyvault-test",
	})
	if err == nil {
		t.Fatal("expected an error for an unknown exporter")
	}
	Init(context.Background(), Config{Enabled: false})
}

func TestSetSpanErrorRecordsError(t *testing.T) {
	Init(context.Background(), Config{Enabled: false})
	_, span := StartSpan(context.Background(), "error-span")
	SetSpanError(span, errors.New("boom"))
	span.End()
}

func TestShutdownWithoutInitIsNoop(t *testing.T) {
	Init(context.Background(), Config{Enabled: false})
	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("expected Shutdown to be a no-op when tracing was never enabled, got %v", err)
	}
}
