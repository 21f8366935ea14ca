package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_http_requests_total",
		Help: "HTTP requests by route pattern, method and status code.",
	}, []string{"route", "method", "code"})
	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telemetry_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_messages_received_total",
		Help: "Inbound broker messages handed to the ingest pool.",
	})
	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_messages_dropped_total",
		Help: "Inbound messages dropped before processing, by reason.",
	}, []string{"reason"})
	IngestOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_ingest_outcomes_total",
		Help: "Processed messages by pipeline outcome.",
	}, []string{"outcome"})
	IngestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_ingest_duration_seconds",
		Help:    "Time to decode, persist and broadcast one message.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
	Broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_broadcasts_total",
		Help: "Events offered to realtime subscribers.",
	})
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_realtime_subscribers",
		Help: "Currently connected realtime subscribers.",
	})
	BrokerConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_broker_connected",
		Help: "1 while the broker connection is up.",
	})
	BrokerConnectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_broker_connect_failures_total",
		Help: "Failed broker connection attempts.",
	})
)

func init() {
	prometheus.MustRegister(
		httpRequests,
		httpDuration,
		MessagesReceived,
		MessagesDropped,
		IngestOutcomes,
		IngestDuration,
		Broadcasts,
		Subscribers,
		BrokerConnected,
		BrokerConnectFailures,
	)
}

// ObserveIngest records one finished pipeline run.
func ObserveIngest(outcome string, d time.Duration) {
	IngestOutcomes.WithLabelValues(outcome).Inc()
	IngestDuration.Observe(d.Seconds())
}

// Provider bundles what the rest of the service needs from the otel setup.
type Provider struct {
	Tracer         oteltrace.Tracer
	MetricsHandler http.Handler

	tp *trace.TracerProvider
	mp *otelmetric.MeterProvider
}

// Setup installs global otel meter and tracer providers. Meter data is served
// through the prometheus registry; spans leave the process only when
// otlpEndpoint is set.
func Setup(ctx context.Context, serviceName, otlpEndpoint string) (*Provider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	mp := otelmetric.NewMeterProvider(otelmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	tpOpts := []trace.TracerProviderOption{trace.WithResource(res)}
	if endpoint := strings.TrimSpace(otlpEndpoint); endpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		tpOpts = append(tpOpts, trace.WithBatcher(exp))
	}
	tp := trace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return &Provider{
		Tracer:         tp.Tracer(serviceName),
		MetricsHandler: promhttp.Handler(),
		tp:             tp,
		mp:             mp,
	}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}

// untraced paths are long-lived or scraped too often to be worth a span.
var untraced = map[string]bool{"/metrics": true, "/ws": true}

// HTTPMiddleware traces and counts requests. It must run inside a chi router
// so the matched route pattern, not the raw path, labels the metrics.
func HTTPMiddleware(tracer oteltrace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if untraced[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, oteltrace.WithSpanKind(oteltrace.SpanKindServer))
			defer span.End()
			if rid := middleware.GetReqID(ctx); rid != "" {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}
			w.Header().Set("Trace-ID", span.SpanContext().TraceID().String())

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			route := routePattern(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", code),
			)
			if code >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(code))
			}
			httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
			httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
