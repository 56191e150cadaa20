package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 投递管道的监控指标
type Metrics struct {
	// 入站指标
	EmailsReceived  *prometheus.CounterVec // source: smtp / webhook
	EmailsStored    prometheus.Counter
	EmailsRejected  *prometheus.CounterVec // reason: no_inbox / parse_error / too_large
	EmailsDuplicate prometheus.Counter
	EmailsForwarded prometheus.Counter // 别名直通转发

	// 队列指标
	JobRetries  *prometheus.CounterVec // queue
	DeadLetters *prometheus.CounterVec // queue

	// 分发指标
	DispatcherFailures *prometheus.CounterVec // dispatcher

	// WebSocket 指标
	WebsocketClients prometheus.Gauge

	// 生命周期指标
	MailboxesExpired prometheus.Counter
	MailboxesPurged  prometheus.Counter
}

// NewMetrics 创建并注册监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		EmailsReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throwbox_emails_received_total",
				Help: "Total number of inbound emails accepted at ingress",
			},
			[]string{"source"},
		),
		EmailsStored: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "throwbox_emails_stored_total",
				Help: "Total number of emails persisted to storage",
			},
		),
		EmailsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throwbox_emails_rejected_total",
				Help: "Total number of inbound emails rejected or dropped",
			},
			[]string{"reason"},
		),
		EmailsDuplicate: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "throwbox_emails_duplicate_total",
				Help: "Total number of duplicate deliveries suppressed by idempotency",
			},
		),
		EmailsForwarded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "throwbox_emails_forwarded_total",
				Help: "Total number of emails relayed through aliases without storage",
			},
		),
		JobRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throwbox_job_retries_total",
				Help: "Total number of job retries",
			},
			[]string{"queue"},
		),
		DeadLetters: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throwbox_dead_letters_total",
				Help: "Total number of jobs moved to the dead letter list",
			},
			[]string{"queue"},
		),
		DispatcherFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throwbox_dispatcher_failures_total",
				Help: "Total number of downstream dispatcher failures",
			},
			[]string{"dispatcher"},
		),
		WebsocketClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "throwbox_websocket_clients",
				Help: "Current number of connected WebSocket clients",
			},
		),
		MailboxesExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "throwbox_mailboxes_expired_total",
				Help: "Total number of mailboxes deactivated by the lifecycle reaper",
			},
		),
		MailboxesPurged: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "throwbox_mailboxes_purged_total",
				Help: "Total number of mailboxes physically deleted by the lifecycle reaper",
			},
		),
	}
}
