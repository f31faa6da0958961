// Package traces подключает OpenTelemetry-трейсинг саги и вызовов провайдеров.
package traces

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/reseller/internal/version"
)

const tracerName = "github.com/vladislavdragonenkov/reseller"

// Init устанавливает глобальный TracerProvider с OTLP-экспортом.
// Пустой endpoint оставляет no-op провайдер. Возвращает функцию остановки.
func Init(ctx context.Context, otlpEndpoint string, logger *log.Entry) (func(context.Context) error, error) {
	if logger == nil {
		logger = log.WithField("component", "traces")
	}
	if otlpEndpoint == "" {
		logger.Info("tracing disabled: otlp endpoint is not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("reseller"),
			semconv.ServiceVersion(version.GetVersion()),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.WithField("endpoint", otlpEndpoint).Info("tracing enabled")
	return tp.Shutdown, nil
}

// StartSpan открывает span с атрибутами.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Fail помечает span ошибкой.
func Fail(span trace.Span, err error, msg string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

func OrderID(id string) attribute.KeyValue {
	return attribute.String("order.id", id)
}

func HoldID(id string) attribute.KeyValue {
	return attribute.String("hold.id", id)
}

func UserID(id string) attribute.KeyValue {
	return attribute.String("user.id", id)
}

func Provider(name string) attribute.KeyValue {
	return attribute.String("provider.name", name)
}

func Amount(amount string) attribute.KeyValue {
	return attribute.String("amount", amount)
}
