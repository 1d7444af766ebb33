package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"manthrabin-go/internal/config"
	"manthrabin-go/pkg/metrics"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func limiterConfig(max int) config.RateLimitConfig {
	return config.RateLimitConfig{MaxPrompts: max, WindowSeconds: 60, MaxRetries: 5, RetryBackoffMS: 1}
}

func TestRateLimiter_AdmitsUpToMax(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRateLimiter(rdb, limiterConfig(3), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(ctx, "u1"), "request %d", i+1)
	}
	assert.False(t, l.Allow(ctx, "u1"))

	// 其他身份不受影响
	assert.True(t, l.Allow(ctx, "u2"))

	val, err := mr.Get("rate_limit:user:u1:prompts")
	require.NoError(t, err)
	assert.Equal(t, "4", val)
	assert.Equal(t, 60*time.Second, mr.TTL("rate_limit:user:u1:prompts"))
}

func TestRateLimiter_WindowResets(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRateLimiter(rdb, limiterConfig(1), nil)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "u1"))
	require.False(t, l.Allow(ctx, "u1"))

	mr.FastForward(61 * time.Second)
	assert.False(t, mr.Exists("rate_limit:user:u1:prompts"))
	assert.True(t, l.Allow(ctx, "u1"))
}

func TestRateLimiter_RepairsMissingTTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRateLimiter(rdb, limiterConfig(5), nil)

	require.NoError(t, mr.Set("rate_limit:user:u1:prompts", "2"))
	assert.True(t, l.Allow(context.Background(), "u1"))
	assert.Equal(t, 60*time.Second, mr.TTL("rate_limit:user:u1:prompts"))
}

func TestRateLimiter_ConcurrentNeverOverAdmits(t *testing.T) {
	const (
		limit = 5
		k     = 20
	)
	mr, rdb := newTestRedis(t)
	reg := prometheus.NewRegistry()
	l := NewRateLimiter(rdb, limiterConfig(limit), metrics.NewChatMetrics(reg))

	// 计数从 N-1 开始，只剩一个名额
	require.NoError(t, mr.Set("rate_limit:user:u1:prompts", "4"))
	mr.SetTTL("rate_limit:user:u1:prompts", time.Minute)

	var admitted int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Allow(context.Background(), "u1") {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, admitted)
}

func TestRateLimiter_ConcurrentBurstUnderLimitAllAdmitted(t *testing.T) {
	const k = 20
	mr, rdb := newTestRedis(t)
	l := NewRateLimiter(rdb, limiterConfig(1000), nil)

	var admitted int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Allow(context.Background(), "u1") {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	// 冲突只要伴随计数推进就不算失败，额度内的请求全部放行
	assert.EqualValues(t, k, admitted)
	got, err := mr.Get("rate_limit:user:u1:prompts")
	require.NoError(t, err)
	assert.Equal(t, "20", got)
}

func TestRateLimiter_ContentionWithProgressDoesNotSpendRetries(t *testing.T) {
	mr, rdb := newTestRedis(t)
	cfg := limiterConfig(10)
	cfg.MaxRetries = 1
	l := NewRateLimiter(rdb, cfg, nil).(*redisRateLimiter)

	require.NoError(t, mr.Set("rate_limit:user:u1:prompts", "1"))
	mr.SetTTL("rate_limit:user:u1:prompts", time.Minute)

	var once sync.Once
	l.beforeCommit = func(ctx context.Context, key string) {
		once.Do(func() { require.NoError(t, rdb.Incr(ctx, key).Err()) })
	}

	assert.True(t, l.Allow(context.Background(), "u1"))
	got, err := mr.Get("rate_limit:user:u1:prompts")
	require.NoError(t, err)
	assert.Equal(t, "3", got)
}

func TestRateLimiter_ExhaustedContentionDenies(t *testing.T) {
	mr, rdb := newTestRedis(t)
	reg := prometheus.NewRegistry()
	cfg := limiterConfig(10)
	cfg.MaxRetries = 1
	l := NewRateLimiter(rdb, cfg, metrics.NewChatMetrics(reg)).(*redisRateLimiter)

	require.NoError(t, mr.Set("rate_limit:user:u1:prompts", "1"))
	mr.SetTTL("rate_limit:user:u1:prompts", time.Minute)

	// 每一轮都改写被监视的键但不改变计数
	l.beforeCommit = func(ctx context.Context, key string) {
		require.NoError(t, rdb.Set(ctx, key, "1", time.Minute).Err())
	}

	assert.False(t, l.Allow(context.Background(), "u1"))
	assert.GreaterOrEqual(t, decisionCount(t, reg, "contention"), 1.0)
	assert.Equal(t, 1.0, decisionCount(t, reg, "denied"))
	assert.Zero(t, decisionCount(t, reg, "allowed"))
}

func decisionCount(t *testing.T, reg *prometheus.Registry, decision string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "chat_rate_limit_decisions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "decision" && lp.GetValue() == decision {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRateLimiter_StoreErrorDenies(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRateLimiter(rdb, limiterConfig(10), nil)
	mr.Close()

	assert.False(t, l.Allow(context.Background(), "u1"))
}

func TestRateLimiter_CancelledContextDenies(t *testing.T) {
	_, rdb := newTestRedis(t)
	l := NewRateLimiter(rdb, limiterConfig(10), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, l.Allow(ctx, "u1"))
}
