package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatdesk"

type Metrics struct {
	APIRequests     *prometheus.CounterVec
	APILatency      *prometheus.HistogramVec
	TokenRefreshes  *prometheus.CounterVec
	LoginRequired   prometheus.Counter
	MessagesSent    prometheus.Counter
	PollAttempts    prometheus.Counter
	ReplyFallbacks  prometheus.Counter
	RollbacksTotal  prometheus.Counter
	EnqueuedJobs    prometheus.Counter
	ProcessedJobs   prometheus.Counter
	FailedJobs      prometheus.Counter
	UpdatesTotal    prometheus.Counter
	DroppedUpdates  prometheus.Counter
	RateLimitedMsgs prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

// Global returns the process-wide metrics registered on the default registry.
func Global() *Metrics {
	once.Do(func() {
		global = New(prometheus.DefaultRegisterer)
	})
	return global
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Backend REST calls by method and status class",
		}, []string{"method", "status"}),
		APILatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Backend REST call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refresh exchanges by result",
		}, []string{"result"}),
		LoginRequired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_required_total",
			Help:      "Times credentials were cleared and a new login was demanded",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "User messages accepted by the backend",
		}),
		PollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_poll_attempts_total",
			Help:      "Message list fetches made while waiting for an assistant reply",
		}),
		ReplyFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_fallbacks_total",
			Help:      "Exchanges that ended with a synthesized fallback reply",
		}),
		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_rollbacks_total",
			Help:      "Optimistic local changes reverted after a failed call",
		}),
		EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Total send jobs enqueued to redis stream",
		}),
		ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_processed_total",
			Help:      "Total send jobs successfully processed",
		}),
		FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_failed_total",
			Help:      "Total send jobs failed during processing",
		}),
		UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telegram_updates_total",
			Help:      "Total telegram updates received",
		}),
		DroppedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telegram_updates_dropped_total",
			Help:      "Telegram updates dropped as duplicates or from disallowed users",
		}),
		RateLimitedMsgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_messages_total",
			Help:      "Bridge messages rejected by the hourly limit",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.APIRequests, m.APILatency, m.TokenRefreshes, m.LoginRequired,
			m.MessagesSent, m.PollAttempts, m.ReplyFallbacks, m.RollbacksTotal,
			m.EnqueuedJobs, m.ProcessedJobs, m.FailedJobs,
			m.UpdatesTotal, m.DroppedUpdates, m.RateLimitedMsgs,
		)
	}
	return m
}
