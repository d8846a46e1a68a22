package cachetx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"

	"pkt.systems/cachetx/internal/loggingutil"
	"pkt.systems/cachetx/internal/version"
)

const otlpExportTimeout = 10 * time.Second

// telemetryBundle owns the exporters and debug listeners started for one
// Client. Teardown runs in reverse start order.
type telemetryBundle struct {
	logger      pslog.Logger
	metricsAddr string
	stops       []namedStop
}

type namedStop struct {
	name string
	stop func(context.Context) error
}

func (t *telemetryBundle) push(name string, stop func(context.Context) error) {
	t.stops = append(t.stops, namedStop{name: name, stop: stop})
}

// Shutdown flushes exporters and closes listeners. A nil bundle is a no-op.
func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.stops) - 1; i >= 0; i-- {
		s := t.stops[i]
		if err := s.stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", s.name, err))
			t.logger.Warn("telemetry.shutdown.failure", "component", s.name, "error", err)
		}
	}
	t.stops = nil
	if err := errors.Join(errs...); err != nil {
		return err
	}
	t.logger.Debug("telemetry.shutdown.complete")
	return nil
}

// MetricsAddr returns the bound metrics listener address, or "" when metrics
// are disabled.
func (t *telemetryBundle) MetricsAddr() string {
	if t == nil {
		return ""
	}
	return t.metricsAddr
}

// telemetryOptions is the subset of Config that drives telemetry.
type telemetryOptions struct {
	otlpEndpoint   string
	metricsListen  string
	pprofListen    string
	runtimeMetrics bool
}

func (o telemetryOptions) enabled() bool {
	return o.otlpEndpoint != "" || o.metricsListen != "" || o.pprofListen != "" || o.runtimeMetrics
}

func telemetryOptionsFrom(cfg Config) telemetryOptions {
	return telemetryOptions{
		otlpEndpoint:   strings.TrimSpace(cfg.OTLPEndpoint),
		metricsListen:  strings.TrimSpace(cfg.MetricsListen),
		pprofListen:    strings.TrimSpace(cfg.PprofListen),
		runtimeMetrics: cfg.EnableProfilingMetrics,
	}
}

// setupTelemetry installs the global tracer and meter providers requested by
// opts. It returns a nil bundle when everything is disabled, leaving the
// OpenTelemetry no-op providers in place.
func setupTelemetry(ctx context.Context, opts telemetryOptions, logger pslog.Logger) (*telemetryBundle, error) {
	if !opts.enabled() {
		return nil, nil
	}
	if opts.runtimeMetrics && opts.metricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require a metrics listen address")
	}
	bundle := &telemetryBundle{logger: loggingutil.WithSubsystem(logger, "cachetx.telemetry")}
	if err := bundle.start(ctx, opts); err != nil {
		_ = bundle.Shutdown(ctx)
		return nil, err
	}
	return bundle, nil
}

func (t *telemetryBundle) start(ctx context.Context, opts telemetryOptions) error {
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("cachetx"),
			semconv.ServiceVersion(version.Current()),
		),
	)
	if err != nil {
		return fmt.Errorf("telemetry: build resource: %w", err)
	}

	if opts.otlpEndpoint != "" {
		if err := t.startTracing(ctx, opts.otlpEndpoint, res); err != nil {
			return err
		}
	}
	if opts.metricsListen != "" {
		if err := t.startMetrics(opts.metricsListen, opts.runtimeMetrics, res); err != nil {
			return err
		}
	}
	if opts.pprofListen != "" {
		addr, err := t.serve("pprof", opts.pprofListen, pprofMux())
		if err != nil {
			return err
		}
		t.logger.Info("telemetry.pprof.enabled", "listen", addr)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: t.logger})
	return nil
}

func (t *telemetryBundle) startTracing(ctx context.Context, endpoint string, res *resource.Resource) error {
	target, err := parseOTLPEndpoint(endpoint)
	if err != nil {
		return err
	}
	var exporter sdktrace.SpanExporter
	switch target.protocol {
	case "grpc":
		creds := credentials.NewClientTLSFromCert(nil, "")
		if target.insecure {
			creds = insecure.NewCredentials()
		}
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(otlpExportTimeout),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)),
		)
	case "http":
		httpOpts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(otlpExportTimeout),
		}
		if target.insecure {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		if target.path != "" {
			httpOpts = append(httpOpts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err = otlptracehttp.New(ctx, httpOpts...)
	}
	if err != nil {
		return fmt.Errorf("telemetry: start %s trace exporter: %w", target.protocol, err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	t.push("trace", provider.Shutdown)
	t.logger.Info("telemetry.tracing.enabled",
		"protocol", target.protocol,
		"endpoint", target.endpoint,
		"path", target.path,
		"insecure", target.insecure,
	)
	return nil
}

func (t *telemetryBundle) startMetrics(listen string, runtimeMetrics bool, res *resource.Resource) error {
	registry := prometheus.NewRegistry()
	exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
	if runtimeMetrics {
		exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
	}
	exporter, err := otelprometheus.New(exporterOpts...)
	if err != nil {
		return fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)
	t.push("metric", provider.Shutdown)
	if runtimeMetrics {
		if err := startRuntimeMetrics(provider); err != nil {
			return err
		}
		t.logger.Info("telemetry.runtime_metrics.enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", otelhttp.NewHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), "metrics"))
	addr, err := t.serve("metrics", listen, mux)
	if err != nil {
		return err
	}
	t.metricsAddr = addr
	t.logger.Info("telemetry.metrics.enabled", "listen", addr)
	return nil
}

// serve starts an HTTP server on addr and registers its shutdown. It returns
// the bound address, which differs from addr when the port is 0.
func (t *telemetryBundle) serve(name, addr string, handler http.Handler) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.serve.error", "component", name, "error", err)
		}
	}()
	t.push(name+" server", srv.Shutdown)
	return ln.Addr().String(), nil
}

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// startRuntimeMetrics registers Go runtime instruments once per process.
func startRuntimeMetrics(provider *sdkmetric.MeterProvider) error {
	runtimeMetricsOnce.Do(func() {
		runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
	})
	return runtimeMetricsErr
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	// The gRPC exporter reports every reconnect attempt.
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

type otlpTarget struct {
	protocol string // grpc or http
	endpoint string // host:port
	path     string
	insecure bool
}

var otlpSchemes = map[string]otlpTarget{
	"grpc":  {protocol: "grpc", insecure: true},
	"grpcs": {protocol: "grpc"},
	"http":  {protocol: "http", insecure: true},
	"https": {protocol: "http"},
}

// parseOTLPEndpoint accepts host[:port] (plaintext gRPC) or a URL with one of
// the grpc, grpcs, http or https schemes. Missing ports default to 4317 for
// gRPC and 4318 for HTTP.
func parseOTLPEndpoint(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty otlp endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse otlp endpoint: %w", err)
	}
	target, ok := otlpSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return otlpTarget{}, fmt.Errorf("telemetry: unsupported otlp scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: otlp endpoint %q has no host", raw)
	}
	target.endpoint = u.Host
	if u.Port() == "" {
		port := "4317"
		if target.protocol == "http" {
			port = "4318"
		}
		target.endpoint = net.JoinHostPort(u.Hostname(), port)
	}
	if target.protocol == "http" {
		target.path = strings.TrimSuffix(u.Path, "/")
	}
	return target, nil
}
