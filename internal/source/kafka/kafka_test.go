package kafka

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/upperflow/internal/correlation"
	"github.com/lsm/upperflow/internal/kafka"
	"github.com/lsm/upperflow/internal/source"
)

// mockConsumer replays batches of records and cancels the context once
// they are exhausted.
type mockConsumer struct {
	mu        sync.Mutex
	batches   []kgo.Fetches
	cancel    context.CancelFunc
	committed []*kgo.Record
	commitErr error
	// commitCtxErrs holds ctx.Err() as seen by each commit.
	commitCtxErrs []error
	closed        bool
}

func (m *mockConsumer) PollFetches(_ context.Context) kgo.Fetches {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.batches) == 0 {
		m.cancel()
		return kgo.Fetches{}
	}
	f := m.batches[0]
	m.batches = m.batches[1:]
	return f
}

func (m *mockConsumer) MarkCommitRecords(rs ...*kgo.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, rs...)
}

func (m *mockConsumer) CommitMarkedOffsets(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitCtxErrs = append(m.commitCtxErrs, ctx.Err())
	return m.commitErr
}

func (m *mockConsumer) Close() {
	m.closed = true
}

func fetchOf(records ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{
		Topics: []kgo.FetchTopic{{
			Topic: "mysql_server.testdb.users",
			Partitions: []kgo.FetchPartition{{
				Partition: 0,
				Records:   records,
			}},
		}},
	}}
}

func record(offset int64, value string, headers ...kgo.RecordHeader) *kgo.Record {
	return &kgo.Record{
		Topic:     "mysql_server.testdb.users",
		Partition: 0,
		Offset:    offset,
		Value:     []byte(value),
		Headers:   headers,
	}
}

func TestConfig_Validate(t *testing.T) {
	cluster := &kafka.ClusterConfig{Brokers: []string{"localhost:9092"}}
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"valid", Config{Cluster: cluster, Topic: "t", ConsumerGroup: "g"}, ""},
		{"valid latest", Config{Cluster: cluster, Topic: "t", ConsumerGroup: "g", StartOffset: OffsetLatest}, ""},
		{"missing cluster", Config{Topic: "t", ConsumerGroup: "g"}, "cluster config is required"},
		{"missing topic", Config{Cluster: cluster, ConsumerGroup: "g"}, "topic is required"},
		{"missing group", Config{Cluster: cluster, Topic: "t"}, "consumer group is required"},
		{"bad offset", Config{Cluster: cluster, Topic: "t", ConsumerGroup: "g", StartOffset: "middle"}, "start offset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewSource_ValidConfig(t *testing.T) {
	s, err := NewSource(Config{
		Cluster:       &kafka.ClusterConfig{Brokers: []string{"localhost:9092"}},
		Topic:         "mysql_server.testdb.users",
		ConsumerGroup: "upperflow",
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = s.Close() }()

	if s.topic != "mysql_server.testdb.users" {
		t.Errorf("topic = %s", s.topic)
	}
}

func TestStart_DeliversInOrderAndCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mc := &mockConsumer{
		cancel: cancel,
		batches: []kgo.Fetches{
			fetchOf(record(0, `{"after":{"name":"ada"}}`), record(1, `not json`)),
			fetchOf(record(2, `{"after":null}`)),
		},
	}
	s := newSource(mc, "mysql_server.testdb.users", slog.Default())

	var got []source.Event
	err := s.Start(ctx, func(_ context.Context, evt source.Event) error {
		got = append(got, evt)
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() error = %v, want context.Canceled", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, evt := range got {
		if evt.Offset != int64(i) {
			t.Errorf("event %d has offset %d", i, evt.Offset)
		}
		if evt.CorrelationID == "" {
			t.Errorf("event %d has no correlation id", i)
		}
	}
	if string(got[1].Value) != "not json" {
		t.Errorf("value should be passed through untouched, got %q", got[1].Value)
	}
	if len(mc.committed) != 3 {
		t.Errorf("expected 3 commits, got %d", len(mc.committed))
	}
}

func TestStart_HandlerErrorSkipsCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mc := &mockConsumer{cancel: cancel, batches: []kgo.Fetches{fetchOf(record(7, `{}`))}}
	s := newSource(mc, "mysql_server.testdb.users", slog.Default())

	_ = s.Start(ctx, func(context.Context, source.Event) error {
		return errors.New("not handled")
	})
	if len(mc.committed) != 0 {
		t.Errorf("record should not be committed, got %d", len(mc.committed))
	}
}

func TestStart_HeadersAndCorrelation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mc := &mockConsumer{cancel: cancel, batches: []kgo.Fetches{
		fetchOf(record(0, `{}`, kgo.RecordHeader{Key: correlation.HeaderCorrelationID, Value: []byte("corr-1")})),
	}}
	s := newSource(mc, "mysql_server.testdb.users", slog.Default())

	var got source.Event
	_ = s.Start(ctx, func(_ context.Context, evt source.Event) error {
		got = evt
		return nil
	})

	if got.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want corr-1", got.CorrelationID)
	}
	if got.Headers[correlation.HeaderCorrelationID] != "corr-1" {
		t.Errorf("headers not copied: %v", got.Headers)
	}
	if got.Topic != "mysql_server.testdb.users" || got.Partition != 0 {
		t.Errorf("unexpected position %s/%d", got.Topic, got.Partition)
	}
}

func TestStart_CommitErrorContinues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mc := &mockConsumer{
		cancel:    cancel,
		commitErr: errors.New("rebalance in progress"),
		batches:   []kgo.Fetches{fetchOf(record(0, `{}`), record(1, `{}`))},
	}
	s := newSource(mc, "mysql_server.testdb.users", slog.Default())

	count := 0
	_ = s.Start(ctx, func(context.Context, source.Event) error {
		count++
		return nil
	})
	if count != 2 {
		t.Errorf("expected both records handled, got %d", count)
	}
}

func TestStart_DrainsBatchAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mc := &mockConsumer{cancel: cancel, batches: []kgo.Fetches{
		fetchOf(record(0, `{}`), record(1, `{}`), record(2, `{}`)),
	}}
	s := newSource(mc, "mysql_server.testdb.users", slog.Default())

	var handled []int64
	err := s.Start(ctx, func(_ context.Context, evt source.Event) error {
		handled = append(handled, evt.Offset)
		if evt.Offset == 0 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() error = %v, want context.Canceled", err)
	}

	if len(handled) != 3 {
		t.Fatalf("fetched batch should be drained, handled %v", handled)
	}
	if len(mc.committed) != 3 {
		t.Errorf("expected 3 commits, got %d", len(mc.committed))
	}
	for i, err := range mc.commitCtxErrs {
		if err != nil {
			t.Errorf("commit %d ran on a done context: %v", i, err)
		}
	}
}

func TestClose(t *testing.T) {
	mc := &mockConsumer{}
	s := newSource(mc, "t", slog.Default())
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !mc.closed {
		t.Error("client should be closed")
	}
}
