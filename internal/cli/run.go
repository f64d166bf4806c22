package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/upperflow/internal/circuitbreaker"
	"github.com/lsm/upperflow/internal/config"
	"github.com/lsm/upperflow/internal/dispatch"
	"github.com/lsm/upperflow/internal/dlq"
	"github.com/lsm/upperflow/internal/kafka"
	"github.com/lsm/upperflow/internal/observability"
	"github.com/lsm/upperflow/internal/pipeline"
	kafkasink "github.com/lsm/upperflow/internal/sink/kafka"
	mongosink "github.com/lsm/upperflow/internal/sink/mongo"
	kafkasource "github.com/lsm/upperflow/internal/source/kafka"
	"github.com/lsm/upperflow/internal/tracing"
	"github.com/lsm/upperflow/internal/transform/upper"
)

const (
	serviceName       = "upperflow"
	componentConsumer = "consumer"
	shutdownTimeout   = 10 * time.Second
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the job until interrupted",
		Long: `Run opens both sinks and the consumer, then processes change events until
SIGINT or SIGTERM. Failing to open any of them is fatal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), shutdownSignals...)
			defer cancel()
			return runJob(ctx, opts)
		},
	}
}

func runJob(ctx context.Context, opts *rootOptions) error {
	level := new(slog.LevelVar)
	level.Set(observability.GetLogLevel(opts.logLevel, ""))
	logger := observability.NewLogger(serviceName, level)
	slog.SetDefault(logger)

	loader := config.NewLoader(config.ResolvePath(opts.configPath), logger)
	job, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level.Set(observability.GetLogLevel(opts.logLevel, job.LogLevel))
	logger = logger.With("job", job.Name)

	tracer, shutdownTracing, err := tracing.Initialize(ctx, tracing.GetConfig(serviceName), logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer(dispatch.SinkDocument, dispatch.SinkTopic, componentConsumer)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	health.Register(mux)

	httpServer := &http.Server{Addr: job.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server starting", "addr", job.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}()

	// Only the log level can change without a restart.
	loader.OnChange(func(next *config.JobConfig) {
		level.Set(observability.GetLogLevel(opts.logLevel, next.LogLevel))
		logger.Info("job file reloaded; log level applied, other changes take effect on restart", "log_level", level.Level().String())
	})
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		if err := loader.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	p, err := buildPipeline(ctx, job, logger, tracer, metrics, health)
	if err != nil {
		return err
	}

	pipelineErr := p.Run(ctx)

	// Graceful shutdown
	for _, c := range []string{componentConsumer, dispatch.SinkDocument, dispatch.SinkTopic} {
		health.SetReady(c, false)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Error("pipeline shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	if errors.Is(pipelineErr, context.Canceled) {
		return nil
	}
	return pipelineErr
}

// buildPipeline opens every resource the job needs. If one cannot be
// opened, the ones already open are closed before the error is returned.
func buildPipeline(ctx context.Context, job *config.JobConfig, logger *slog.Logger, tracer trace.Tracer, metrics *observability.Metrics, health *observability.HealthServer) (_ *pipeline.Pipeline, err error) {
	var opened []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(opened) - 1; i >= 0; i-- {
			if cerr := opened[i](); cerr != nil {
				logger.Error("cleanup after failed startup", "error", cerr)
			}
		}
	}()

	doc, err := mongosink.Open(ctx, mongosink.Config{
		URI:            job.Sinks.Document.URI,
		Database:       job.Sinks.Document.Database,
		Collection:     job.Sinks.Document.Collection,
		ConnectTimeout: job.Sinks.Document.ConnectTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open document sink %s/%s: %w", job.Sinks.Document.Database, job.Sinks.Document.Collection, err)
	}
	doc.SetTracer(tracer)
	opened = append(opened, doc.Close)
	health.SetReady(dispatch.SinkDocument, true)

	topic, err := kafkasink.NewSink(ctx, kafkasink.Config{
		Cluster:           &job.Kafka,
		Topic:             job.Sinks.Topic.Topic,
		Producer:          job.Sinks.Topic.ProducerConfig,
		EnsureTopic:       job.Sinks.Topic.EnsureTopic,
		Partitions:        job.Sinks.Topic.Partitions,
		ReplicationFactor: job.Sinks.Topic.ReplicationFactor,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open topic sink %s: %w", job.Sinks.Topic.Topic, err)
	}
	topic.SetTracer(tracer)
	opened = append(opened, topic.Close)
	health.SetReady(dispatch.SinkTopic, true)

	var opts []pipeline.Option
	if t := job.ErrorHandling.DeadLetterTopic; t != "" {
		pub, err := kafka.NewPublisher(&job.Kafka, job.Sinks.Topic.ProducerConfig)
		if err != nil {
			return nil, fmt.Errorf("open dead-letter publisher: %w", err)
		}
		opened = append(opened, pub.Close)
		opts = append(opts, pipeline.WithDLQ(dlq.NewHandler(pub, dlq.WithTopic(t))))
	}

	src, err := kafkasource.NewSource(kafkasource.Config{
		Cluster:       &job.Kafka,
		Topic:         job.Source.Topic,
		ConsumerGroup: job.Source.ConsumerGroup,
		StartOffset:   job.Source.StartOffset,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open consumer for %s: %w", job.Source.Topic, err)
	}
	src.SetTracer(tracer)
	opened = append(opened, src.Close)
	health.SetReady(componentConsumer, true)

	d, err := dispatch.New(dispatch.Config{WriteTimeout: job.Dispatch.WriteTimeout},
		dispatch.Target{Name: dispatch.SinkDocument, Sink: doc, Breaker: newBreaker(dispatch.SinkDocument, job.Dispatch.CircuitBreaker)},
		dispatch.Target{Name: dispatch.SinkTopic, Sink: topic, Breaker: newBreaker(dispatch.SinkTopic, job.Dispatch.CircuitBreaker)},
	)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	d.SetLogger(logger)
	d.SetTracer(tracer)

	opts = append(opts,
		pipeline.WithLogger(logger),
		pipeline.WithTracer(tracer),
		pipeline.WithMetrics(metrics),
		pipeline.WithReporter(observability.NewLogReporter(logger, metrics)),
	)
	return pipeline.New(pipeline.Config{JobName: job.Name}, src, upper.NewTransformer(), d, opts...)
}

func newBreaker(sink string, cfg circuitbreaker.Config) *circuitbreaker.Breaker {
	if !cfg.Enabled {
		return nil
	}
	return circuitbreaker.New(sink, cfg)
}
