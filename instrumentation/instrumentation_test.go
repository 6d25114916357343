package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	if inst.Metrics() == nil {
		t.Fatal("Metrics() returned nil")
	}
	if inst.MeterProvider() == nil || inst.TracerProvider() == nil {
		t.Fatal("providers not initialized")
	}
	if inst.Resource() == nil {
		t.Fatal("Resource() returned nil")
	}
	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
}

func TestNew_CustomProviders(t *testing.T) {
	mp := noop.NewMeterProvider()
	tp := tracenoop.NewTracerProvider()

	inst, err := New(Config{
		Enabled:        true,
		MeterProvider:  mp,
		TracerProvider: tp,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if inst.MeterProvider() != mp {
		t.Error("custom meter provider not used")
	}
	if inst.TracerProvider() != tp {
		t.Error("custom tracer provider not used")
	}

	if inst.Tracer("session") == nil || inst.Meter("storage") == nil {
		t.Error("expected scoped tracer and meter")
	}
}

func TestNew_DisabledIgnoresProviders(t *testing.T) {
	mp := noop.NewMeterProvider()
	inst, err := New(Config{Enabled: false, MeterProvider: mp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.MeterProvider() == nil {
		t.Fatal("expected no-op meter provider")
	}
}

func TestShutdown_RunsOnce(t *testing.T) {
	calls := 0
	failure := errors.New("exporter unavailable")

	inst, err := New(Config{
		Enabled: true,
		ShutdownFuncs: []func(context.Context) error{
			func(context.Context) error { calls++; return failure },
			func(context.Context) error { calls++; return nil },
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := inst.Shutdown(context.Background()); !errors.Is(err, failure) {
		t.Errorf("Shutdown() error = %v, want %v", err, failure)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v, want nil", err)
	}
	if calls != 2 {
		t.Errorf("shutdown funcs called %d times, want 2", calls)
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 1 },
		nil,
	)
	if err != nil {
		t.Errorf("RegisterStorageSizeCallbacks() error = %v", err)
	}
}
