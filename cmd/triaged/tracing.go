package main

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cschleiden/go-triage/config"
)

func newTracerProvider(ctx context.Context, c config.TracingConfig) (trace.TracerProvider, func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter

	switch c.Exporter {
	case config.ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, nil, err
		}

		exporter = exp

	case config.ExporterOTLP:
		var opts []otlptracehttp.Option
		if c.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(c.Endpoint))
		}

		if c.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}

		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}

		exporter = exp

	default:
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(c.ServiceName),
		)),
	)

	otel.SetTracerProvider(tp)

	return tp, tp.Shutdown, nil
}
