package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MemoryQueue 内存队列实现，语义与 Redis 实现保持一致。
// 用于开发模式和单元测试，不跨进程持久。
type MemoryQueue struct {
	maxAttempts int
	backoffBase time.Duration
	log         *zap.Logger

	jobs chan Job

	mu    sync.Mutex
	dead  []Job
	hooks Hooks
}

// SetHooks 注册队列事件回调
func (q *MemoryQueue) SetHooks(hooks Hooks) {
	q.hooks = hooks
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(maxAttempts int, backoffBase time.Duration, log *zap.Logger) *MemoryQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryQueue{
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		log:         log,
		jobs:        make(chan Job, 1024),
	}
}

// Enqueue 投递一个新任务
func (q *MemoryQueue) Enqueue(_ context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	job := Job{
		ID:          uuid.New().String(),
		Payload:     data,
		MaxAttempts: q.maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return fmt.Errorf("queue is full")
	}
}

// Run 启动消费循环，阻塞直到 ctx 取消
func (q *MemoryQueue) Run(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case job := <-q.jobs:
					q.process(ctx, job, handler)
				}
			}
		})
	}

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (q *MemoryQueue) process(ctx context.Context, job Job, handler Handler) {
	job.Attempts++

	err := handler(ctx, job.Payload)
	if err == nil {
		return
	}

	job.LastError = err.Error()

	if job.Attempts >= job.MaxAttempts {
		q.mu.Lock()
		q.dead = append(q.dead, job)
		q.mu.Unlock()
		if q.hooks.OnDeadLetter != nil {
			q.hooks.OnDeadLetter()
		}
		return
	}

	if q.hooks.OnRetry != nil {
		q.hooks.OnRetry()
	}

	// 退避后重新投递，不占用 worker
	delay := backoffDelay(q.backoffBase, job.Attempts)
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			select {
			case q.jobs <- job:
			default:
				// 满了装不回去，任务改判死信，不无声丢失
				q.mu.Lock()
				q.dead = append(q.dead, job)
				q.mu.Unlock()
				q.log.Warn("memory queue full on retry, job moved to dead letters",
					zap.String("job_id", job.ID),
					zap.Int("attempts", job.Attempts),
				)
				if q.hooks.OnDeadLetter != nil {
					q.hooks.OnDeadLetter()
				}
			}
		}
	}()
}

// DeadLetters 返回死信任务
func (q *MemoryQueue) DeadLetters(_ context.Context, limit int64) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > int64(len(q.dead)) {
		limit = int64(len(q.dead))
	}

	out := make([]Job, limit)
	// 最新的死信排在前面，与 Redis 实现一致
	for i := int64(0); i < limit; i++ {
		out[i] = q.dead[int64(len(q.dead))-1-i]
	}
	return out, nil
}
