// Package config loads the upperflow job file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/upperflow/internal/circuitbreaker"
	"github.com/lsm/upperflow/internal/kafka"
)

// Environment variables read by the loader.
const (
	EnvConfigPath   = "UPPERFLOW_CONFIG"
	EnvMongoURI     = "UPPERFLOW_MONGO_URI"
	EnvKafkaBrokers = "UPPERFLOW_KAFKA_BROKERS"
	EnvMetricsAddr  = "UPPERFLOW_METRICS_ADDR"
)

// Defaults applied to fields the job file leaves empty.
const (
	DefaultConfigPath     = "/etc/upperflow/job.yaml"
	DefaultJobName        = "upperflow"
	DefaultConsumerGroup  = "upperflow"
	DefaultStartOffset    = "earliest"
	DefaultWriteTimeout   = 10 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultMetricsAddr    = ":9090"
)

// JobConfig is one upperflow job: where change events come from and where
// the transformed records go.
type JobConfig struct {
	Name          string              `yaml:"name"`
	LogLevel      string              `yaml:"logLevel,omitempty"`
	MetricsAddr   string              `yaml:"metricsAddr,omitempty"`
	Kafka         kafka.ClusterConfig `yaml:"kafka"`
	Source        SourceConfig        `yaml:"source"`
	Sinks         SinksConfig         `yaml:"sinks"`
	Dispatch      DispatchConfig      `yaml:"dispatch,omitempty"`
	ErrorHandling ErrorHandlingConfig `yaml:"errorHandling,omitempty"`
}

// SourceConfig selects the inbound topic.
type SourceConfig struct {
	Topic         string `yaml:"topic"`
	ConsumerGroup string `yaml:"consumerGroup"`
	StartOffset   string `yaml:"startOffset"`
}

// SinksConfig holds the two sinks every record is written to.
type SinksConfig struct {
	Topic    TopicSinkConfig    `yaml:"topic"`
	Document DocumentSinkConfig `yaml:"document"`
}

// TopicSinkConfig configures the outbound Kafka topic.
type TopicSinkConfig struct {
	Topic                string `yaml:"topic"`
	kafka.ProducerConfig `yaml:",inline"`
	EnsureTopic          bool  `yaml:"ensureTopic,omitempty"`
	Partitions           int32 `yaml:"partitions,omitempty"`
	ReplicationFactor    int16 `yaml:"replicationFactor,omitempty"`
}

// DocumentSinkConfig configures the MongoDB collection.
type DocumentSinkConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	Collection     string        `yaml:"collection"`
	ConnectTimeout time.Duration `yaml:"connectTimeout,omitempty"`
}

// DispatchConfig tunes the sink fan-out.
type DispatchConfig struct {
	WriteTimeout   time.Duration         `yaml:"writeTimeout,omitempty"`
	CircuitBreaker circuitbreaker.Config `yaml:"circuitBreaker,omitempty"`
}

// ErrorHandlingConfig holds error handling configuration.
type ErrorHandlingConfig struct {
	// DeadLetterTopic receives records a sink refused. Empty disables it.
	DeadLetterTopic string `yaml:"deadLetterTopic,omitempty"`
}

// ResolvePath returns the job file path: flag, then UPPERFLOW_CONFIG,
// then the default location.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Parse decodes a job file, applies defaults and environment overrides and
// validates the result. Unknown fields are rejected.
func Parse(r io.Reader) (*JobConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg JobConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("parse yaml: job file is empty")
		}
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *JobConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = DefaultJobName
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
	if c.Source.ConsumerGroup == "" {
		c.Source.ConsumerGroup = DefaultConsumerGroup
	}
	if c.Source.StartOffset == "" {
		c.Source.StartOffset = DefaultStartOffset
	}
	if c.Sinks.Topic.Delivery == "" {
		c.Sinks.Topic.Delivery = kafka.DeliveryAtLeastOnce
	}
	if c.Sinks.Document.ConnectTimeout == 0 {
		c.Sinks.Document.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Dispatch.WriteTimeout == 0 {
		c.Dispatch.WriteTimeout = DefaultWriteTimeout
	}
}

func (c *JobConfig) applyEnv() {
	if v := os.Getenv(EnvMongoURI); v != "" {
		c.Sinks.Document.URI = v
	}
	if v := os.Getenv(EnvKafkaBrokers); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.MetricsAddr = v
	}
}

// Validate checks the job configuration and reports every problem found.
func (c *JobConfig) Validate() error {
	var errs []error

	if err := c.Kafka.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}

	if c.Source.Topic == "" {
		errs = append(errs, errors.New("source.topic is required"))
	}
	switch c.Source.StartOffset {
	case "earliest", "latest":
	default:
		errs = append(errs, fmt.Errorf("source.startOffset %q must be earliest or latest", c.Source.StartOffset))
	}

	if c.Sinks.Topic.Topic == "" {
		errs = append(errs, errors.New("sinks.topic.topic is required"))
	}
	if c.Sinks.Topic.Topic != "" && c.Sinks.Topic.Topic == c.Source.Topic {
		errs = append(errs, errors.New("sinks.topic.topic must differ from source.topic"))
	}
	if c.Sinks.Topic.Delivery != kafka.DeliveryAtLeastOnce {
		errs = append(errs, fmt.Errorf("sinks.topic.delivery %q is not supported (only %s)", c.Sinks.Topic.Delivery, kafka.DeliveryAtLeastOnce))
	}
	if c.Sinks.Topic.RecordRetries < 0 {
		errs = append(errs, errors.New("sinks.topic.recordRetries must not be negative"))
	}

	if c.Sinks.Document.URI == "" {
		errs = append(errs, errors.New("sinks.document.uri is required"))
	}
	if c.Sinks.Document.Database == "" {
		errs = append(errs, errors.New("sinks.document.database is required"))
	}
	if c.Sinks.Document.Collection == "" {
		errs = append(errs, errors.New("sinks.document.collection is required"))
	}
	if c.Sinks.Document.ConnectTimeout < 0 {
		errs = append(errs, errors.New("sinks.document.connectTimeout must not be negative"))
	}

	if c.Dispatch.WriteTimeout < 0 {
		errs = append(errs, errors.New("dispatch.writeTimeout must not be negative"))
	}
	cb := c.Dispatch.CircuitBreaker
	if cb.FailureThreshold < 0 || cb.SuccessThreshold < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("dispatch.circuitBreaker thresholds must not be negative"))
	}

	if t := c.ErrorHandling.DeadLetterTopic; t != "" && (t == c.Source.Topic || t == c.Sinks.Topic.Topic) {
		errs = append(errs, errors.New("errorHandling.deadLetterTopic must differ from the source and output topics"))
	}

	return errors.Join(errs...)
}

// Loader loads and watches a job file.
type Loader struct {
	mu       sync.RWMutex
	job      *JobConfig
	path     string
	logger   *slog.Logger
	onChange func(*JobConfig)
}

// NewLoader creates a new configuration loader for the job file at path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		path:   filepath.Clean(path),
		logger: logger,
	}
}

// OnChange registers a callback that fires when the job file changes and
// still parses.
func (l *Loader) OnChange(fn func(*JobConfig)) {
	l.onChange = fn
}

// Load reads and validates the job file.
func (l *Loader) Load() (*JobConfig, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	job, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.job = job
	l.mu.Unlock()
	return job, nil
}

// Current returns the last successfully loaded job.
func (l *Loader) Current() *JobConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.job
}

// Watch reloads the job file whenever it changes. The file's directory is
// watched so that editors that replace the file are noticed. Blocks until
// done is closed.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}

	l.logger.Info("watching job file", "path", l.path)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != l.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			l.logger.Info("job file change detected", "file", event.Name, "op", event.Op)
			job, err := l.Load()
			if err != nil {
				l.logger.Error("failed to reload job file", "error", err)
				continue
			}
			if l.onChange != nil {
				l.onChange(job)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}
