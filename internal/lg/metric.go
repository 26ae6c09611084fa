package lg

import (
	"context"
	"log"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/evently-cloud/rest-api/pkg/env"
)

var meterKey = contextKey{"meter"}
var promHTTPKey = contextKey{"promHTTP"}

func Meter(ctx context.Context) metric.Meter {
	if m := fromContext[contextKey, metric.Meter](ctx, meterKey); m != nil {
		return m
	}
	return otel.Meter("")
}

// NewHTTP exposes the prometheus scrape endpoint at /metrics.
func NewHTTP(ctx context.Context) *httpHandle {
	reg := fromContext[contextKey, *promclient.Registry](ctx, promHTTPKey)
	return &httpHandle{reg}
}

func initMetrics(ctx context.Context, name string) (context.Context, func() error) {
	goversion := ""
	pkg := ""
	host := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		goversion = info.GoVersion
		pkg = info.Path
	}
	if h, err := os.Hostname(); err == nil {
		host = h
	}

	reg := promclient.NewRegistry()
	ex, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return ctx, nil
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(ex),
		sdkmetric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			attribute.String("app", name),
			attribute.String("host", host),
			attribute.String("go_version", goversion),
			attribute.String("pkg", pkg),
		)),
	)

	otel.SetMeterProvider(provider)
	ctx = toContext(ctx, promHTTPKey, reg)
	ctx = toContext(ctx, meterKey, provider.Meter(name))
	if err := otelruntime.Start(); err != nil {
		log.Println("# runtime metrics disabled:", err)
	}

	return ctx, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		defer log.Println("metrics stopped")
		return provider.Shutdown(ctx)
	}
}

func initTracing(ctx context.Context, name string) (context.Context, func() error) {
	endpoint := env.Default("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if endpoint == "" {
		return ctx, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
		),
	)
	if err != nil {
		log.Println("failed to create trace resource:", err)
		return ctx, nil
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithEndpoint(endpoint),
	)
	if err != nil {
		log.Println("failed to create trace exporter:", err)
		return ctx, nil
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return ctx, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		defer log.Println("tracer stopped")
		return tracerProvider.Shutdown(ctx)
	}
}

type httpHandle struct {
	reg *promclient.Registry
}

func (h *httpHandle) RegisterHTTP(mux *http.ServeMux) {
	if h.reg == nil {
		return
	}
	mux.Handle("/metrics", promhttp.HandlerFor(h.reg, promhttp.HandlerOpts{}))
}
