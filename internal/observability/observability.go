// Package observability wires OpenTelemetry tracing and logging plus
// Prometheus metrics for the relay. Every exporter is optional: a zero
// Config runs everything in no-op mode so unit tests and small deployments
// never pay for exporters they didn't ask for.
package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config selects which exporters Setup brings up. The zero value disables
// everything: Setup still succeeds, but Start returns no-op spans and the
// Recorder methods are safe no-ops.
type Config struct {
	// Service names the resource attribute reported to every exporter.
	Service string
	// TraceAddr, if set, is the OTLP/gRPC collector address tracing exports to.
	TraceAddr string
	// LogAddr, if set, is the OTLP/gRPC collector address logs export to.
	LogAddr string
	// Metrics enables the Prometheus recorder (IncSources/DecSources and
	// every Recorder method start actually recording).
	Metrics bool
}

var (
	mu             sync.Mutex
	tracerProvider *sdktrace.TracerProvider
	loggerProvider *sdklog.LoggerProvider
	tracer         trace.Tracer
	tracingOn      bool
	logHandler     slog.Handler
	metricsOn      bool
	conns          []*grpc.ClientConn
)

// Setup brings up every exporter named in cfg. It is safe to call with a
// zero Config; Shutdown is always safe to call afterward, even in no-op mode.
func Setup(ctx context.Context, cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	service := cfg.Service
	if service == "" {
		service = "quicrq"
	}

	tracingOn = false
	if cfg.TraceAddr != "" {
		conn, err := grpc.NewClient(cfg.TraceAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return err
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return err
		}
		tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tracerProvider)
		conns = append(conns, conn)
		tracingOn = true
	}
	tracer = otel.Tracer(service)

	if cfg.LogAddr != "" {
		conn, err := grpc.NewClient(cfg.LogAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return err
		}
		exp, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(conn))
		if err != nil {
			return err
		}
		loggerProvider = sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)))
		logHandler = otelslog.NewHandler(service, otelslog.WithLoggerProvider(loggerProvider))
		conns = append(conns, conn)
	} else {
		logHandler = nil
	}

	metricsOn = cfg.Metrics
	if metricsOn {
		registerMetricsOnce()
	}

	return nil
}

// Shutdown flushes and closes every exporter Setup brought up.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()

	var firstErr error
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		tracerProvider = nil
	}
	tracingOn = false
	if loggerProvider != nil {
		if err := loggerProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		loggerProvider = nil
	}
	for _, c := range conns {
		_ = c.Close()
	}
	conns = nil
	tracer = nil
	logHandler = nil
	metricsOn = false
	return firstErr
}

// Enabled reports whether tracing is active.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return tracingOn
}

// MetricsEnabled reports whether the Prometheus recorder is active.
func MetricsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return metricsOn
}

// Logger returns an slog.Logger that forwards to the OTLP log exporter when
// configured, and to the default slog handler otherwise.
func Logger() *slog.Logger {
	mu.Lock()
	h := logHandler
	mu.Unlock()
	if h == nil {
		return slog.Default()
	}
	return slog.New(h)
}

// Span wraps an OpenTelemetry span (or a no-op stand-in) with the handful
// of operations the relay core needs.
type Span struct {
	span   trace.Span
	onEnd  func()
	ending sync.Once
}

// Start begins a span named name, deriving it from ctx's current span if any.
func Start(ctx context.Context, name string) (context.Context, *Span) {
	return StartWith(ctx, name)
}

// Option configures StartWith.
type Option func(*startConfig)

type startConfig struct {
	attrs   []attribute.KeyValue
	onStart func()
	onEnd   func()
}

// Attrs attaches attributes at span creation.
func Attrs(attrs ...attribute.KeyValue) Option {
	return func(c *startConfig) { c.attrs = append(c.attrs, attrs...) }
}

// OnStart registers a callback invoked synchronously once the span has
// started, useful for test synchronization and local bookkeeping.
func OnStart(fn func()) Option {
	return func(c *startConfig) { c.onStart = fn }
}

// OnEnd registers a callback invoked when the returned Span's End is called.
func OnEnd(fn func()) Option {
	return func(c *startConfig) { c.onEnd = fn }
}

// StartWith begins a span with the given options applied.
func StartWith(ctx context.Context, name string, opts ...Option) (context.Context, *Span) {
	var sc startConfig
	for _, o := range opts {
		o(&sc)
	}

	mu.Lock()
	t := tracer
	mu.Unlock()
	if t == nil {
		t = otel.Tracer("quicrq")
	}

	ctx, span := t.Start(ctx, name, trace.WithAttributes(sc.attrs...))

	if sc.onStart != nil {
		sc.onStart()
	}
	return ctx, &Span{span: span, onEnd: sc.onEnd}
}

// End finishes the span, invoking the OnEnd callback (if any) exactly once.
func (s *Span) End() {
	s.ending.Do(func() {
		s.span.End()
		if s.onEnd != nil {
			s.onEnd()
		}
	})
}

// Error records err (if non-nil) and msg as a span error event.
func (s *Span) Error(err error, msg string) {
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.AddEvent(msg)
}

// Event adds a named event with attributes to the span.
func (s *Span) Event(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Set attaches attributes to the span after creation.
func (s *Span) Set(attrs ...attribute.KeyValue) {
	s.span.SetAttributes(attrs...)
}

// Attribute helpers, named for this repository's fragment/group/object
// vocabulary.

func Source(url string) attribute.KeyValue     { return attribute.String("quicrq.source", url) }
func Group(group uint64) attribute.KeyValue    { return attribute.Int64("quicrq.group", int64(group)) }
func Object(object uint64) attribute.KeyValue  { return attribute.Int64("quicrq.object", int64(object)) }
func Fragments(n int) attribute.KeyValue       { return attribute.Int64("quicrq.fragments", int64(n)) }
func Subscribers(n int) attribute.KeyValue     { return attribute.Int64("quicrq.subscribers", int64(n)) }

// Str is a generic string attribute helper for call sites with no dedicated
// helper above.
func Str(key, value string) attribute.KeyValue { return attribute.String(key, value) }

// Num is a generic integer attribute helper for call sites with no dedicated
// helper above.
func Num(key string, value int64) attribute.KeyValue { return attribute.Int64(key, value) }

// elapsedSeconds is a small helper the Recorder uses for latency recording.
func elapsedSeconds(d time.Duration) float64 { return d.Seconds() }
