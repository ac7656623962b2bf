package observability

import (
	"context"
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

// Span attribute keys of the scheduling path. Components attach these
// instead of ad-hoc strings so traces join across the queue, the
// distributor, and the node that finally ran the session.
const (
	attrRequestID  = attribute.Key("grid.request.id")
	attrSessionID  = attribute.Key("grid.session.id")
	attrNodeID     = attribute.Key("grid.node.id")
	attrCandidates = attribute.Key("grid.candidate.count")
	attrQueuePos   = attribute.Key("grid.queue.position")
)

func RequestIDAttr(id string) attribute.KeyValue { return attrRequestID.String(id) }

func SessionIDAttr(id string) attribute.KeyValue { return attrSessionID.String(id) }

func NodeIDAttr(id string) attribute.KeyValue { return attrNodeID.String(id) }

func CandidatesAttr(n int) attribute.KeyValue { return attrCandidates.Int(n) }

func QueuePositionAttr(p string) attribute.KeyValue { return attrQueuePos.String(p) }

var (
	tracerOnce sync.Once
	shutdownFn func(context.Context) error
)

// tracingConfig is the GRID_OTEL_* environment surface, read once at init.
type tracingConfig struct {
	exporter    string
	endpoint    string
	headers     map[string]string
	insecure    bool
	sampleRatio float64
}

func readTracingConfig() tracingConfig {
	cfg := tracingConfig{
		exporter:    strings.ToLower(strings.TrimSpace(os.Getenv("GRID_OTEL_EXPORTER"))),
		endpoint:    strings.TrimSpace(os.Getenv("GRID_OTEL_ENDPOINT")),
		headers:     map[string]string{},
		insecure:    true,
		sampleRatio: 1.0,
	}
	if raw := strings.TrimSpace(os.Getenv("GRID_OTEL_INSECURE")); raw != "" {
		switch strings.ToLower(raw) {
		case "0", "false", "no":
			cfg.insecure = false
		}
	}
	if raw := strings.TrimSpace(os.Getenv("GRID_OTEL_SAMPLE_RATIO")); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil {
			if ratio < 0 {
				ratio = 0
			}
			if ratio > 1 {
				ratio = 1
			}
			cfg.sampleRatio = ratio
		}
	}
	for _, pair := range strings.Split(os.Getenv("GRID_OTEL_HEADERS"), ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 && kv[0] != "" && kv[1] != "" {
			cfg.headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return cfg
}

// InitTracingFromEnv wires the global tracer provider. With no exporter
// configured tracing stays a no-op and every StartSpan call is free.
func InitTracingFromEnv(service string) (func(context.Context) error, error) {
	var initErr error
	tracerOnce.Do(func() {
		cfg := readTracingConfig()
		if cfg.exporter == "" || cfg.exporter == "none" {
			otel.SetTracerProvider(trace.NewNoopTracerProvider())
			shutdownFn = func(context.Context) error { return nil }
			return
		}

		exp, err := newExporter(context.Background(), cfg)
		if err != nil {
			initErr = err
			return
		}
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceNameKey.String(service),
				attribute.String("grid.environment", strings.TrimSpace(os.Getenv("GRID_ENVIRONMENT"))),
			),
		)
		if err != nil {
			initErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithSampler(newSampler(cfg)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdownFn = tp.Shutdown
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	t := otel.Tracer("grid")
	return t.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan closes a span, recording the failure kind as the span status when
// the operation did not succeed.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func newExporter(ctx context.Context, cfg tracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.exporter {
	case "otlp", "otlp-grpc", "grpc":
		endpoint := cfg.endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if len(cfg.headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.headers))
		}
		if cfg.insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{})))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "otlp-http", "http":
		endpoint := cfg.endpoint
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if len(cfg.headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.headers))
		}
		if cfg.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
}

func newSampler(cfg tracingConfig) sdktrace.Sampler {
	switch {
	case cfg.sampleRatio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case cfg.sampleRatio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.sampleRatio))
	}
}
