package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"throwbox/backend/internal/domain"
	"throwbox/backend/internal/monitoring"
	"throwbox/backend/internal/pipeline"
	"throwbox/backend/internal/queue"
	"throwbox/backend/internal/smtp"
)

// Worker 消费入站邮件队列，驱动投递管道。
//
// 错误分类决定重试行为：
//   - 邮箱不存在、重复投递：正常业务结论，确认消费
//   - 解析失败、存储/加密故障：返回错误，队列按退避重试，
//     重试耗尽后进入死信并触发告警
type Worker struct {
	queue       queue.Queue
	pipeline    *pipeline.Pipeline
	concurrency int
	metrics     *monitoring.Metrics
	alerts      *monitoring.AlertManager
	log         *zap.Logger
}

// New 创建处理 worker。metrics 和 alerts 可为 nil（测试场景）。
func New(q queue.Queue, p *pipeline.Pipeline, concurrency int, metrics *monitoring.Metrics, alerts *monitoring.AlertManager, log *zap.Logger) *Worker {
	return &Worker{
		queue:       q,
		pipeline:    p,
		concurrency: concurrency,
		metrics:     metrics,
		alerts:      alerts,
		log:         log,
	}
}

// Run 启动消费循环，阻塞直到 ctx 取消。
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("mail worker starting", zap.Int("concurrency", w.concurrency))
	return w.queue.Run(ctx, w.concurrency, w.Handle)
}

// Handle 处理一个入站邮件任务。
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var job domain.InboundJob
	if err := json.Unmarshal(payload, &job); err != nil {
		// 载荷损坏也走重试通道：最终落入死信，原始字节得以保留
		return fmt.Errorf("unmarshal inbound job: %w", err)
	}

	if w.metrics != nil {
		w.metrics.EmailsReceived.WithLabelValues("smtp").Inc()
	}

	parsed, err := smtp.ParseEmail(job.RawEmail)
	if err != nil {
		if w.metrics != nil {
			w.metrics.EmailsRejected.WithLabelValues("parse_error").Inc()
		}
		return fmt.Errorf("parse inbound email for %s: %w", job.Recipient, err)
	}

	_, outcome, err := w.pipeline.Deliver(ctx, &pipeline.InboundEmail{
		Recipient:   job.Recipient,
		Sender:      job.Sender,
		Raw:         job.RawEmail,
		Parsed:      parsed,
		SPFResult:   job.SPFResult,
		DKIMResult:  job.DKIMResult,
		DMARCResult: job.DMARCResult,
	})
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", job.Recipient, err)
	}

	if w.metrics != nil {
		switch outcome {
		case pipeline.OutcomeStored:
			w.metrics.EmailsStored.Inc()
		case pipeline.OutcomeNoInbox:
			w.metrics.EmailsRejected.WithLabelValues("no_inbox").Inc()
		case pipeline.OutcomeDuplicate:
			w.metrics.EmailsDuplicate.Inc()
		case pipeline.OutcomeForwarded:
			w.metrics.EmailsForwarded.Inc()
		}
	}

	return nil
}

// OnDeadLetter 队列死信回调：计数并触发告警。
func (w *Worker) OnDeadLetter() {
	if w.metrics != nil {
		w.metrics.DeadLetters.WithLabelValues(queue.QueueInboundEmail).Inc()
	}
	if w.alerts != nil {
		w.alerts.Trigger(&monitoring.Alert{
			Key:       "inbound-email-dead-letter",
			Title:     "inbound email moved to dead letter queue",
			Message:   "an inbound email exhausted its retries; inspect the dead letter list",
			Level:     monitoring.AlertLevelCritical,
			Component: "mail-worker",
		})
	}
}

// OnRetry 队列重试回调：计数。
func (w *Worker) OnRetry() {
	if w.metrics != nil {
		w.metrics.JobRetries.WithLabelValues(queue.QueueInboundEmail).Inc()
	}
}
