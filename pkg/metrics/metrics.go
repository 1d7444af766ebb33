// Package metrics 暴露聊天网关的 Prometheus 指标。
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ChatMetrics contains Prometheus metrics for chat sessions.
// A nil *ChatMetrics is valid and records nothing.
type ChatMetrics struct {
	sessionsActive  prometheus.Gauge
	sessionsClosed  *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	rateLimit       *prometheus.CounterVec
	streamDuration  *prometheus.HistogramVec
	persistFailures prometheus.Counter
	titles          *prometheus.CounterVec
}

// NewChatMetrics registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	factory := promauto.With(reg)
	return &ChatMetrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Number of chat sessions currently open",
		}),
		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_sessions_closed_total",
			Help: "Total number of chat sessions closed, by close code",
		}, []string{"code"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_frames_sent_total",
			Help: "Total number of stream frames written to clients",
		}, []string{"kind"}),
		rateLimit: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_rate_limit_decisions_total",
			Help: "Rate limiter decisions (allowed, denied, contention)",
		}, []string{"decision"}),
		streamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_stream_duration_seconds",
			Help:    "Duration of a streamed answer from first pipeline call to end frame",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"status"}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_persist_failures_total",
			Help: "Total number of exchanges that could not be written after a completed stream",
		}),
		titles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_titles_total",
			Help: "Auto-title attempts by outcome",
		}, []string{"status"}),
	}
}

func (m *ChatMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed 记录会话结束；code 为 0 表示正常断开。
func (m *ChatMetrics) SessionClosed(code int) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(strconv.Itoa(code)).Inc()
}

// Rejected 记录升级后立即以 code 关闭、从未进入 READY 的连接。
func (m *ChatMetrics) Rejected(code int) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *ChatMetrics) FrameSent(kind string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(kind).Inc()
}

func (m *ChatMetrics) RateLimitDecision(decision string) {
	if m == nil {
		return
	}
	m.rateLimit.WithLabelValues(decision).Inc()
}

func (m *ChatMetrics) StreamFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.streamDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *ChatMetrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *ChatMetrics) TitleAttempt(status string) {
	if m == nil {
		return
	}
	m.titles.WithLabelValues(status).Inc()
}
