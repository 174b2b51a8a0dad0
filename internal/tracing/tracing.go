// Package tracing wires the OpenTelemetry SDK for this core's operations.
// Span names are defined for connection lifecycle and controller dispatch;
// only the controller starts spans (one per dispatch). It has no outbound
// exporter configured in this build — see DESIGN.md for why — so spans are
// created and can be inspected via a test SpanProcessor, but nothing ships
// off-process by default.
package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	tracer         trace.Tracer
	tracerOnce     sync.Once
	tracerProvider *sdktrace.TracerProvider
)

// Config selects whether tracing is enabled and what service identity spans
// carry.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// Init installs the global tracer provider. Returns a shutdown function
// that flushes any registered span processors.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		tracer = noop.NewTracerProvider().Tracer("dbus-broker")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)
	tracer = tracerProvider.Tracer(cfg.ServiceName)

	return tracerProvider.Shutdown, nil
}

// Tracer returns the installed tracer, or a no-op tracer if Init was never
// called.
func Tracer() trace.Tracer {
	tracerOnce.Do(func() {
		if tracer == nil {
			tracer = noop.NewTracerProvider().Tracer("dbus-broker")
		}
	})
	return tracer
}

// Provider returns the installed *sdktrace.TracerProvider so callers (tests,
// diagnostics) can attach their own SpanProcessor. Nil until Init enables
// tracing.
func Provider() *sdktrace.TracerProvider { return tracerProvider }

// Span attribute keys this core's spans use.
const (
	AttrConnectionID = "dbus.connection_id"
	AttrUID          = "dbus.uid"
	AttrPath         = "dbus.path"
	AttrInterface    = "dbus.interface"
	AttrMember       = "dbus.member"
	AttrSerial       = "dbus.serial"
)

// Span names for connection-lifecycle and controller operations.
const (
	SpanConnectionAccept   = "connection.accept"
	SpanConnectionAuth     = "connection.authenticate"
	SpanConnectionDispatch = "connection.dispatch"
	SpanControllerCall     = "controller.call"
)

// StartSpan starts a span under the installed tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartControllerSpan starts a span for one controller method dispatch.
func StartControllerSpan(ctx context.Context, path, iface, member string, serial uint32) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanControllerCall, trace.WithAttributes(
		attribute.String(AttrPath, path),
		attribute.String(AttrInterface, iface),
		attribute.String(AttrMember, member),
		attribute.Int64(AttrSerial, int64(serial)),
	))
}

// RecordError records err on the span in ctx and marks it failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
