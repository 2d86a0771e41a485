package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/roach88/mirage/internal/ir"
)

// InstrumentationName identifies spans produced by this module.
const InstrumentationName = "github.com/roach88/mirage"

// Tracer starts spans for one service.
type Tracer struct {
	provider *sdktrace.TracerProvider // nil for a no-op tracer
	tracer   trace.Tracer
	closer   io.Closer
}

// Noop returns a Tracer that records nothing.
func Noop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer(InstrumentationName)}
}

// NewStdout traces to w as pretty-printed JSON. If path is non-empty the
// spans go to that file instead and w is ignored.
func NewStdout(serviceName string, w io.Writer, path string) (*Tracer, error) {
	var closer io.Closer
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create trace file: %w", err)
		}
		w, closer = f, f
	}
	if w == nil {
		w = os.Stdout
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("stdout exporter: %w", err)
	}
	t, err := New(serviceName, exporter)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}
	t.closer = closer
	return t, nil
}

// New traces to exporter. Spans are exported synchronously as they end.
func New(serviceName string, exporter sdktrace.SpanExporter) (*Tracer, error) {
	if exporter == nil {
		return Noop(), nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", ir.KernelVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	return &Tracer{provider: tp, tracer: tp.Tracer(InstrumentationName)}, nil
}

// Install registers the tracer's provider as the global provider.
func (t *Tracer) Install() {
	if t.provider != nil {
		otel.SetTracerProvider(t.provider)
	}
}

// Shutdown flushes pending spans and closes the trace file, if any.
func (t *Tracer) Shutdown(ctx context.Context) error {
	var err error
	if t.provider != nil {
		err = t.provider.Shutdown(ctx)
	}
	if t.closer != nil {
		if cerr := t.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Start begins a span named name as a child of any span in ctx.
func (t *Tracer) Start(ctx context.Context, name string, attrs map[string]string) (context.Context, *Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	s := &Span{span: span}
	s.WithAttributes(attrs)
	return ctx, s
}

// Span is a started span.
type Span struct {
	span trace.Span
}

// WithAttributes attaches string attributes to the span.
func (s *Span) WithAttributes(attrs map[string]string) *Span {
	if s == nil || len(attrs) == 0 {
		return s
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
	}
	s.span.SetAttributes(kv...)
	return s
}

// SetInt attaches an integer attribute.
func (s *Span) SetInt(key string, v int64) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attribute.Int64(key, v))
}

// Event records a point-in-time event on the span.
func (s *Span) Event(name string, fields map[string]any) {
	if s == nil {
		return
	}
	kv := make([]attribute.KeyValue, 0, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			kv = append(kv, attribute.String(k, val))
		case int64:
			kv = append(kv, attribute.Int64(k, val))
		case int:
			kv = append(kv, attribute.Int(k, val))
		case uint64:
			kv = append(kv, attribute.Int64(k, int64(val)))
		case bool:
			kv = append(kv, attribute.Bool(k, val))
		default:
			kv = append(kv, attribute.String(k, fmt.Sprint(val)))
		}
	}
	s.span.AddEvent(name, trace.WithAttributes(kv...))
}

// End finishes the span. A non-nil err marks it failed.
func (s *Span) End(err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
