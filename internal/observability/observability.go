package observability

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

type Metrics struct {
	PhaseTransitions  *prometheus.CounterVec
	SchedulerTickLen  prometheus.Observer
	CommandLatency    *prometheus.HistogramVec
	CommandReject     *prometheus.CounterVec
	SequenceLatency   *prometheus.HistogramVec
	SequenceFailTotal *prometheus.CounterVec
	CueDispatchTotal  *prometheus.CounterVec
	AdapterErrorTotal *prometheus.CounterVec
	HintSuppressTotal prometheus.Counter
	BusPublishTotal   *prometheus.CounterVec
	QueueDLQTotal     prometheus.Counter
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}
	return &Metrics{
		PhaseTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "phase_transitions_total",
			Help: "Phase transitions by destination phase",
		}, []string{"to"}),
		SchedulerTickLen: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_ms",
			Help:    "Time spent processing one scheduler tick",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		CommandLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "command_latency_ms",
			Help:    "Latency for processing operator commands",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"command_type"}),
		CommandReject: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "command_reject_total",
			Help: "Rejected or invalid commands",
		}, []string{"reason"}),
		SequenceLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sequence_run_latency_ms",
			Help:    "Latency of a completed sequence run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"sequence"}),
		SequenceFailTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sequence_fail_total",
			Help: "Sequence failures by reason",
		}, []string{"reason"}),
		CueDispatchTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cue_dispatch_total",
			Help: "Cues fired by kind",
		}, []string{"kind"}),
		AdapterErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "adapter_error_total",
			Help: "Adapter execution errors by zone",
		}, []string{"zone"}),
		HintSuppressTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hint_suppressed_total",
			Help: "Hint fires squelched by the suppression set",
		}),
		BusPublishTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "bus_publish_total",
			Help: "Bus publishes by outcome",
		}, []string{"outcome"}),
		QueueDLQTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cue_queue_dlq_total",
			Help: "Cue actions that exhausted retries and landed on the DLQ",
		}),
	}
}

func SetupTracerProvider(ctx context.Context, serviceName string, stdout bool, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	var exporter *stdouttrace.Exporter
	var err error
	if stdout {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
	}

	rs := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(rs),
	)
	if exporter != nil {
		tp.RegisterSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter))
	}
	otel.SetTracerProvider(tp)
	logger.Info("tracer initialized")
	return tp, nil
}

func SetupLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	return cfg.Build()
}

// ZapToSlog wraps a zap.Logger as slog.Logger.
func ZapToSlog(logger *zap.Logger) *slog.Logger {
	return slog.New(slogHandler{logger.Sugar()})
}

type slogHandler struct {
	sugar *zap.SugaredLogger
}

func (h slogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h slogHandler) Handle(ctx context.Context, r slog.Record) error {
	args := make([]interface{}, 0, r.NumAttrs()*2)
	r.Attrs(func(a slog.Attr) bool {
		args = append(args, a.Key, a.Value.Any())
		return true
	})
	switch r.Level {
	case slog.LevelDebug:
		h.sugar.Debugw(r.Message, args...)
	case slog.LevelInfo:
		h.sugar.Infow(r.Message, args...)
	case slog.LevelWarn:
		h.sugar.Warnw(r.Message, args...)
	case slog.LevelError:
		h.sugar.Errorw(r.Message, args...)
	}
	return nil
}

func (h slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	args := make([]interface{}, 0, len(attrs)*2)
	for _, a := range attrs {
		args = append(args, a.Key, a.Value.Any())
	}
	return slogHandler{h.sugar.With(args...)}
}

func (h slogHandler) WithGroup(name string) slog.Handler {
	return h
}
