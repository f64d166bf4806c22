package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJob = `
name: uppercase-users
logLevel: debug
kafka:
  brokers:
    - localhost:9092
source:
  topic: mysql_server.testdb.users
  consumerGroup: flink-upper-group
sinks:
  topic:
    topic: uppercase_users
    delivery: at-least-once
    recordRetries: 10
    deliveryTimeout: 30s
    ensureTopic: true
  document:
    uri: mongodb://localhost:27017
    database: upperdb
    collection: uppercollection
dispatch:
  writeTimeout: 5s
  circuitBreaker:
    enabled: true
    failureThreshold: 3
    resetTimeout: 1m
errorHandling:
  deadLetterTopic: uppercase_users_dlq
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvConfigPath, EnvMongoURI, EnvKafkaBrokers, EnvMetricsAddr} {
		t.Setenv(k, "")
	}
}

func TestParse_ValidYAML(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse(strings.NewReader(validJob))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Name != "uppercase-users" || cfg.LogLevel != "debug" {
		t.Errorf("name/logLevel = %q/%q", cfg.Name, cfg.LogLevel)
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Source.Topic != "mysql_server.testdb.users" || cfg.Source.ConsumerGroup != "flink-upper-group" {
		t.Errorf("source = %+v", cfg.Source)
	}
	if cfg.Source.StartOffset != "earliest" {
		t.Errorf("default startOffset = %q", cfg.Source.StartOffset)
	}
	topic := cfg.Sinks.Topic
	if topic.Topic != "uppercase_users" || topic.RecordRetries != 10 || topic.DeliveryTimeout != 30*time.Second || !topic.EnsureTopic {
		t.Errorf("topic sink = %+v", topic)
	}
	doc := cfg.Sinks.Document
	if doc.Database != "upperdb" || doc.Collection != "uppercollection" || doc.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("document sink = %+v", doc)
	}
	if cfg.Dispatch.WriteTimeout != 5*time.Second {
		t.Errorf("writeTimeout = %s", cfg.Dispatch.WriteTimeout)
	}
	cb := cfg.Dispatch.CircuitBreaker
	if !cb.Enabled || cb.FailureThreshold != 3 || cb.ResetTimeout != time.Minute {
		t.Errorf("circuitBreaker = %+v", cb)
	}
	if cfg.ErrorHandling.DeadLetterTopic != "uppercase_users_dlq" {
		t.Errorf("deadLetterTopic = %q", cfg.ErrorHandling.DeadLetterTopic)
	}
	if cfg.MetricsAddr != DefaultMetricsAddr {
		t.Errorf("metricsAddr = %q", cfg.MetricsAddr)
	}
}

func TestParse_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse(strings.NewReader(`
kafka:
  brokers: [localhost:9092]
source:
  topic: in
sinks:
  topic:
    topic: out
  document:
    uri: mongodb://localhost:27017
    database: db
    collection: coll
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Name != DefaultJobName {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.Source.ConsumerGroup != DefaultConsumerGroup {
		t.Errorf("ConsumerGroup = %q", cfg.Source.ConsumerGroup)
	}
	if cfg.Sinks.Topic.Delivery != "at-least-once" {
		t.Errorf("Delivery = %q", cfg.Sinks.Topic.Delivery)
	}
	if cfg.Dispatch.WriteTimeout != DefaultWriteTimeout {
		t.Errorf("WriteTimeout = %s", cfg.Dispatch.WriteTimeout)
	}
	if cfg.Dispatch.CircuitBreaker.Enabled {
		t.Error("circuit breaker should be disabled by default")
	}
	if cfg.ErrorHandling.DeadLetterTopic != "" {
		t.Error("dead-letter topic should be disabled by default")
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvMongoURI, "mongodb://mongo:27017")
	t.Setenv(EnvKafkaBrokers, "kafka-1:9092, kafka-2:9092,")
	t.Setenv(EnvMetricsAddr, ":9100")

	cfg, err := Parse(strings.NewReader(validJob))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Sinks.Document.URI != "mongodb://mongo:27017" {
		t.Errorf("URI = %q", cfg.Sinks.Document.URI)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Errorf("Brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.MetricsAddr != ":9100" {
		t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
	}
}

func TestParse_Errors(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "empty",
			yaml:    "",
			wantErr: []string{"job file is empty"},
		},
		{
			name:    "invalid yaml",
			yaml:    "name: [unclosed",
			wantErr: []string{"parse yaml"},
		},
		{
			name:    "unknown field",
			yaml:    "name: x\nsinkz: {}\n",
			wantErr: []string{"field sinkz not found"},
		},
		{
			name: "every problem reported",
			yaml: `
source:
  startOffset: middle
sinks:
  topic:
    delivery: exactly-once
`,
			wantErr: []string{
				"kafka: at least one broker is required",
				"source.topic is required",
				"source.startOffset",
				"sinks.topic.topic is required",
				"sinks.topic.delivery \"exactly-once\" is not supported",
				"sinks.document.uri is required",
				"sinks.document.database is required",
				"sinks.document.collection is required",
			},
		},
		{
			name: "output topic loops back",
			yaml: `
kafka: {brokers: [localhost:9092]}
source: {topic: users}
sinks:
  topic: {topic: users}
  document: {uri: "mongodb://localhost", database: d, collection: c}
`,
			wantErr: []string{"must differ from source.topic"},
		},
		{
			name: "dead-letter topic collides",
			yaml: `
kafka: {brokers: [localhost:9092]}
source: {topic: in}
sinks:
  topic: {topic: out}
  document: {uri: "mongodb://localhost", database: d, collection: c}
errorHandling: {deadLetterTopic: out}
`,
			wantErr: []string{"deadLetterTopic must differ"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q missing %q", err, want)
				}
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	clearEnv(t)
	if got := ResolvePath("/tmp/job.yaml"); got != "/tmp/job.yaml" {
		t.Errorf("flag path = %q", got)
	}
	if got := ResolvePath(""); got != DefaultConfigPath {
		t.Errorf("default path = %q", got)
	}
	t.Setenv(EnvConfigPath, "/srv/job.yaml")
	if got := ResolvePath(""); got != "/srv/job.yaml" {
		t.Errorf("env path = %q", got)
	}
	if got := ResolvePath("/tmp/job.yaml"); got != "/tmp/job.yaml" {
		t.Errorf("flag should win over env, got %q", got)
	}
}

func TestLoader_Load(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "job.yaml", validJob)

	loader := NewLoader(path, nil)
	if loader.Current() != nil {
		t.Fatal("nothing loaded yet")
	}
	job, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loader.Current() != job {
		t.Error("Current() should return the loaded job")
	}
}

func TestLoader_LoadMissingFile(t *testing.T) {
	_, err := NewLoader("/nonexistent/job.yaml", nil).Load()
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoader_DeployedJobFile(t *testing.T) {
	clearEnv(t)
	job, err := NewLoader(filepath.Join("..", "..", "deploy", "job.yaml"), nil).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if job.Source.Topic != "mysql_server.testdb.users" || job.Sinks.Topic.Topic != "uppercase_users" {
		t.Errorf("topics = %s -> %s", job.Source.Topic, job.Sinks.Topic.Topic)
	}
	if job.Sinks.Document.Database != "upperdb" || job.Sinks.Document.Collection != "uppercollection" {
		t.Errorf("document = %s/%s", job.Sinks.Document.Database, job.Sinks.Document.Collection)
	}
	if job.Source.ConsumerGroup != "flink-upper-group" {
		t.Errorf("ConsumerGroup = %q", job.Source.ConsumerGroup)
	}
}

func TestWatch_DetectsChanges(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "job.yaml", validJob)

	loader := NewLoader(path, nil)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	changed := make(chan *JobConfig, 1)
	loader.OnChange(func(job *JobConfig) {
		select {
		case changed <- job:
		default:
		}
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		if err := loader.Watch(done); err != nil {
			t.Errorf("watch error: %v", err)
		}
	}()

	// Give watcher time to start
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "job.yaml", strings.Replace(validJob, "logLevel: debug", "logLevel: error", 1))

	select {
	case job := <-changed:
		if job.LogLevel != "error" {
			t.Errorf("LogLevel = %q, want error", job.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config change notification")
	}
}

func TestWatch_IgnoresOtherFilesAndBadEdits(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "job.yaml", validJob)

	loader := NewLoader(path, nil)
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	calls := make(chan struct{}, 4)
	loader.OnChange(func(*JobConfig) { calls <- struct{}{} })

	done := make(chan struct{})
	defer close(done)
	go func() { _ = loader.Watch(done) }()
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "other.yaml", validJob)
	writeFile(t, dir, "job.yaml", "name: [broken")

	select {
	case <-calls:
		t.Fatal("callback should not fire for other files or invalid edits")
	case <-time.After(300 * time.Millisecond):
	}
	if loader.Current().LogLevel != "debug" {
		t.Error("last good config should be kept")
	}
}

func TestWatch_StopCleanly(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "job.yaml", validJob)
	loader := NewLoader(path, nil)

	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- loader.Watch(done) }()

	time.Sleep(50 * time.Millisecond)
	close(done)

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatch_InvalidDir(t *testing.T) {
	loader := NewLoader("/nonexistent/dir/job.yaml", nil)
	if err := loader.Watch(make(chan struct{})); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
