package otel

import (
	"context"
	"errors"
	"net/http"
	"sync"

	eventbus "github.com/hanpama/pollgraph/internal/eventbus"
	events "github.com/hanpama/pollgraph/internal/events"
	queryid "github.com/hanpama/pollgraph/internal/queryid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	sub := &subscriber{tracer: otel.Tracer("pollgraph")}
	unregister := sub.register()

	return func(ctx context.Context) error {
		unregister()
		return tp.Shutdown(ctx)
	}, nil
}

// subscriber turns bus events into spans. Execution spans are keyed by query
// ID, which has at most one execution in flight; http spans by request ID.
type subscriber struct {
	tracer    trace.Tracer
	execSpans sync.Map // queryid.ID -> trace.Span
	httpSpans sync.Map // request id -> trace.Span
}

func (s *subscriber) register() (unregister func()) {
	unsubs := []func(){
		eventbus.Subscribe(func(ctx context.Context, e events.PollExecutionStart) {
			_, span := s.tracer.Start(ctx, "pollgraph.execution")
			span.SetAttributes(
				attribute.String("pollgraph.query_id", e.QueryID.String()),
				attribute.String("graphql.operation.name", e.OperationName),
			)
			s.execSpans.Store(e.QueryID, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.PollExecutionFinish) {
			v, ok := s.execSpans.LoadAndDelete(e.QueryID)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Bool("pollgraph.delivered", e.Delivered))
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.PollSkipped) {
			if v, ok := s.execSpans.Load(e.QueryID); ok {
				v.(trace.Span).AddEvent("tick skipped", trace.WithAttributes(attribute.String("reason", e.Reason)))
			}
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.HTTPClientStart) {
			parent := ctx
			if id, ok := queryid.FromContext(ctx); ok {
				if v, ok := s.execSpans.Load(id); ok {
					parent = trace.ContextWithSpan(ctx, v.(trace.Span))
				}
			}
			_, span := s.tracer.Start(parent, "http.client", trace.WithSpanKind(trace.SpanKindClient))
			span.SetAttributes(
				semconv.HTTPMethodKey.String(http.MethodPost),
				attribute.String("http.url", e.Endpoint),
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("http.request_id", e.RequestID),
			)
			s.httpSpans.Store(e.RequestID, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.HTTPClientFinish) {
			v, ok := s.httpSpans.LoadAndDelete(e.RequestID)
			if !ok {
				return
			}
			span := v.(trace.Span)
			if e.Status != 0 {
				span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			}
			if e.Err != nil && !errors.Is(e.Err, context.Canceled) {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
