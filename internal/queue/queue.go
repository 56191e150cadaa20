package queue

import (
	"context"
	"encoding/json"
	"time"
)

// 队列名称常量。入站邮件和 AI 分析走独立队列，
// 互相的积压不会阻塞对方。
const (
	QueueInboundEmail = "inbound-email"
	QueueAIAnalysis   = "ai-analysis"
)

// Job 是队列中一个任务的信封。Payload 是业务载荷的 JSON，
// 信封字段由队列自己维护。
type Job struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"` // 已尝试投递次数
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	LastError   string          `json:"lastError,omitempty"`
}

// Handler 处理一个任务载荷。
// 返回 nil 表示确认消费；返回错误表示处理失败，任务会按
// 指数退避重新投递，超过最大次数后进入死信。
type Handler func(ctx context.Context, payload []byte) error

// Queue 是至少一次投递语义的持久任务队列。
//
// 消费方必须自行保证幂等：同一个任务可能被投递多次
// （进程在确认前崩溃、重试等）。
type Queue interface {
	// Enqueue 投递一个任务，payload 会被 JSON 序列化。
	Enqueue(ctx context.Context, payload interface{}) error
	// Run 以 concurrency 个 worker 消费队列，阻塞直到 ctx 取消。
	Run(ctx context.Context, concurrency int, handler Handler) error
	// DeadLetters 返回最近的死信任务（载荷完整保留，供人工排查重放）。
	DeadLetters(ctx context.Context, limit int64) ([]Job, error)
}

// Hooks 是队列事件的可选回调（供监控计数），字段可为 nil。
type Hooks struct {
	OnRetry      func()
	OnDeadLetter func()
}

// backoffDelay 计算第 attempts 次失败后的重试延迟（指数退避）。
func backoffDelay(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}
