package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"manthrabin-go/internal/config"
	"manthrabin-go/pkg/log"
	"manthrabin-go/pkg/metrics"

	"github.com/go-redis/redis/v8"
)

// RateLimiter 对每个身份做固定窗口的准入判断。
type RateLimiter interface {
	// Allow 消耗一次配额并返回是否放行。任何无法确认的情况都按拒绝处理。
	Allow(ctx context.Context, identity string) bool
}

type redisRateLimiter struct {
	rdb        *redis.Client
	maxPrompts int64
	window     time.Duration
	maxRetries int
	backoff    time.Duration
	metrics    *metrics.ChatMetrics
	// beforeCommit 在读取计数之后、EXEC 之前调用，测试用它制造冲突
	beforeCommit func(ctx context.Context, key string)
}

// NewRateLimiter 创建一个基于 Redis WATCH/MULTI 的限流器，计数键为 rate_limit:user:<identity>:prompts。
func NewRateLimiter(rdb *redis.Client, cfg config.RateLimitConfig, m *metrics.ChatMetrics) RateLimiter {
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	return &redisRateLimiter{
		rdb:        rdb,
		maxPrompts: int64(cfg.MaxPrompts),
		window:     cfg.Window(),
		maxRetries: retries,
		backoff:    cfg.RetryBackoff(),
		metrics:    m,
	}
}

func rateLimitKey(identity string) string {
	return fmt.Sprintf("rate_limit:user:%s:prompts", identity)
}

// Allow 在冲突时重试。其他请求的自增已经提交的那一轮不消耗重试次数，
// 因此同一身份的并发突发不会因为互相冲突而被误拒；只有计数没有推进的冲突才计入 maxRetries。
func (l *redisRateLimiter) Allow(ctx context.Context, identity string) bool {
	key := rateLimitKey(identity)
	stalled := 0
	for {
		count, seen, err := l.increment(ctx, key)
		if err == nil {
			allowed := count <= l.maxPrompts
			if allowed {
				l.metrics.RateLimitDecision("allowed")
			} else {
				l.metrics.RateLimitDecision("denied")
			}
			return allowed
		}
		if !errors.Is(err, redis.TxFailedErr) {
			log.Errorw("[RateLimiter] 访问计数失败，拒绝本次请求", "identity", identity, "error", err)
			l.metrics.RateLimitDecision("denied")
			return false
		}
		l.metrics.RateLimitDecision("contention")

		if l.progressed(ctx, key, seen) {
			// 别的请求已经提交，立即重试
			log.Debugw("[RateLimiter] WATCH 冲突，计数已推进，重试", "identity", identity)
			if ctx.Err() != nil {
				l.metrics.RateLimitDecision("denied")
				return false
			}
			continue
		}

		stalled++
		log.Debugw("[RateLimiter] WATCH 冲突，重试", "identity", identity, "attempt", stalled)
		if stalled >= l.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			l.metrics.RateLimitDecision("denied")
			return false
		case <-time.After(l.backoff):
		}
	}
	log.Warnw("[RateLimiter] 冲突重试耗尽，拒绝本次请求", "identity", identity, "attempts", l.maxRetries)
	l.metrics.RateLimitDecision("denied")
	return false
}

// progressed 判断冲突之后计数是否已不同于本轮读到的值（被其他请求自增，或窗口过期被删除）。
// 读取失败按未推进处理。
func (l *redisRateLimiter) progressed(ctx context.Context, key string, seen int64) bool {
	cur, err := l.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		cur, err = 0, nil
	}
	return err == nil && cur != seen
}

// increment 在一个乐观事务里完成“不存在则置 1 并设置过期，否则自增”，返回自增后的计数以及事务开始时读到的计数。
// 被监视的键在 EXEC 前被其他连接修改时返回 redis.TxFailedErr。
func (l *redisRateLimiter) increment(ctx context.Context, key string) (count, seen int64, err error) {
	err = l.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Int64()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists, err = false, nil
		}
		if err != nil {
			return err
		}
		seen = current

		var ttl time.Duration
		if exists {
			if ttl, err = tx.TTL(ctx, key).Result(); err != nil {
				return err
			}
		}
		if l.beforeCommit != nil {
			l.beforeCommit(ctx, key)
		}

		var incr *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if !exists {
				pipe.Set(ctx, key, 1, l.window)
				return nil
			}
			incr = pipe.Incr(ctx, key)
			// 没有过期时间的计数会永久封禁，补上窗口
			if ttl < 0 {
				pipe.Expire(ctx, key, l.window)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if incr == nil {
			count = 1
		} else {
			count = incr.Val()
		}
		return nil
	}, key)
	return count, seen, err
}
