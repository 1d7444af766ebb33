package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"manthrabin-go/internal/config"
	"manthrabin-go/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndexer struct {
	mu       sync.Mutex
	failures int // 前 failures 次调用返回错误
	calls    int
	indexed  []string
}

func (f *fakeIndexer) IndexExchange(_ context.Context, ev model.ExchangeCreated) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("es unavailable")
	}
	f.indexed = append(f.indexed, ev.PublicID)
	return nil
}

// fakeReader 依次返回 msgs，取完后阻塞到 ctx 结束。
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func event(t *testing.T, id string, offset int64) kafka.Message {
	t.Helper()
	b, err := json.Marshal(model.ExchangeCreated{PublicID: id, ConversationID: "c1", UserPrompt: "q", Response: "a"})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func newConsumer(t *testing.T, reader messageReader, indexer ExchangeIndexer) (*Consumer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &Consumer{reader: reader, indexer: indexer, rdb: rdb, retryDelay: time.Millisecond}, mr
}

func TestConsumer_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("success clears attempts", func(t *testing.T) {
		idx := &fakeIndexer{}
		c, mr := newConsumer(t, &fakeReader{}, idx)
		require.NoError(t, mr.Set("kafka:attempts:e1", "2"))

		assert.True(t, c.process(ctx, event(t, "e1", 1)))
		assert.Equal(t, []string{"e1"}, idx.indexed)
		assert.False(t, mr.Exists("kafka:attempts:e1"))
	})

	t.Run("malformed message is committed", func(t *testing.T) {
		idx := &fakeIndexer{}
		c, _ := newConsumer(t, &fakeReader{}, idx)

		assert.True(t, c.process(ctx, kafka.Message{Value: []byte("{not json")}))
		assert.True(t, c.process(ctx, kafka.Message{Value: []byte(`{"response":"x"}`)}))
		assert.Zero(t, idx.calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		idx := &fakeIndexer{failures: 10}
		c, mr := newConsumer(t, &fakeReader{}, idx)
		m := event(t, "e2", 2)

		assert.False(t, c.process(ctx, m))
		assert.False(t, c.process(ctx, m))
		assert.True(t, c.process(ctx, m))
		got, err := mr.Get("kafka:attempts:e2")
		require.NoError(t, err)
		assert.Equal(t, "3", got)
		assert.Equal(t, attemptsTTL, mr.TTL("kafka:attempts:e2"))
	})

	t.Run("redis failure keeps message", func(t *testing.T) {
		idx := &fakeIndexer{failures: 1}
		c, mr := newConsumer(t, &fakeReader{}, idx)
		mr.Close()

		assert.False(t, c.process(ctx, event(t, "e3", 3)))
	})
}

func TestConsumer_RunRetriesThenCommits(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{event(t, "e1", 10), event(t, "e2", 11)}}
	idx := &fakeIndexer{failures: 1}
	c, _ := newConsumer(t, reader, idx)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{10, 11}, reader.commits())
	assert.Equal(t, []string{"e1", "e2"}, idx.indexed)
	assert.Equal(t, 3, idx.calls)
	assert.True(t, reader.closed)
}

func TestBrokers(t *testing.T) {
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, brokers(config.KafkaConfig{Brokers: " k1:9092, ,k2:9092"}))
	assert.Nil(t, brokers(config.KafkaConfig{}))
}
