package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// promoteInterval 延迟任务晋升检查间隔
	promoteInterval = time.Second
	// blockTimeout 阻塞弹出的超时，保证 ctx 取消能及时生效
	blockTimeout = 2 * time.Second
	// deadLetterCap 死信列表保留的最大条数
	deadLetterCap = 1000
)

// RedisQueue 基于 Redis 的持久任务队列。
//
// 数据结构：
//   - waiting（list）   待处理任务
//   - active（list）    处理中任务，worker 崩溃后可从这里找回
//   - delayed（zset）   等待重试的任务，score 是就绪时间戳
//   - dead（list）      超过最大重试次数的死信
//
// worker 通过 BLMOVE 把任务从 waiting 原子移入 active，
// 处理完成（确认或转入 delayed/dead）后再从 active 移除，
// 任何时刻任务都恰好存在于一个结构中。
type RedisQueue struct {
	rdb         *goredis.Client
	name        string
	maxAttempts int
	backoffBase time.Duration
	log         *zap.Logger
	hooks       Hooks
}

// NewRedisQueue 创建 Redis 队列
func NewRedisQueue(rdb *goredis.Client, name string, maxAttempts int, backoffBase time.Duration, log *zap.Logger) *RedisQueue {
	return &RedisQueue{
		rdb:         rdb,
		name:        name,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		log:         log.With(zap.String("queue", name)),
	}
}

// SetHooks 注册队列事件回调
func (q *RedisQueue) SetHooks(hooks Hooks) {
	q.hooks = hooks
}

func (q *RedisQueue) waitingKey() string { return "queue:" + q.name + ":waiting" }
func (q *RedisQueue) activeKey() string  { return "queue:" + q.name + ":active" }
func (q *RedisQueue) delayedKey() string { return "queue:" + q.name + ":delayed" }
func (q *RedisQueue) deadKey() string    { return "queue:" + q.name + ":dead" }

// Enqueue 投递一个新任务
func (q *RedisQueue) Enqueue(ctx context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	job := Job{
		ID:          uuid.New().String(),
		Payload:     data,
		Attempts:    0,
		MaxAttempts: q.maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}

	raw, err := json.Marshal(&job)
	if err != nil {
		return fmt.Errorf("marshal job envelope: %w", err)
	}

	if err := q.rdb.LPush(ctx, q.waitingKey(), raw).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Run 启动消费循环，阻塞直到 ctx 取消。
// 除 worker 协程外还启动一个晋升协程，负责把到期的延迟任务
// 移回 waiting 列表。
func (q *RedisQueue) Run(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return q.promoteLoop(ctx)
	})

	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			return q.workerLoop(ctx, handler)
		})
	}

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// promoteLoop 周期性地把到期的延迟任务移回 waiting
func (q *RedisQueue) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				q.log.Warn("failed to promote delayed jobs", zap.Error(err))
			}
		}
	}
}

// promoteDue 把 score <= now 的延迟任务移回 waiting
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return err
	}

	for _, raw := range due {
		// 先入 waiting 再从 delayed 移除：崩溃窗口内最坏重复投递，
		// 绝不丢任务
		if err := q.rdb.LPush(ctx, q.waitingKey(), raw).Err(); err != nil {
			return err
		}
		if err := q.rdb.ZRem(ctx, q.delayedKey(), raw).Err(); err != nil {
			return err
		}
	}
	return nil
}

// workerLoop 单个 worker 的消费循环
func (q *RedisQueue) workerLoop(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := q.rdb.BLMove(ctx, q.waitingKey(), q.activeKey(), "RIGHT", "LEFT", blockTimeout).Result()
		if err != nil {
			if err == goredis.Nil {
				continue // 超时，回头检查 ctx
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Warn("failed to pop job", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		q.process(ctx, raw, handler)
	}
}

// process 处理一个任务并把它从 active 列表移除
func (q *RedisQueue) process(ctx context.Context, raw string, handler Handler) {
	defer func() {
		if err := q.rdb.LRem(context.WithoutCancel(ctx), q.activeKey(), 1, raw).Err(); err != nil {
			q.log.Warn("failed to remove job from active list", zap.Error(err))
		}
	}()

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// 信封都解不开的任务没有重试价值，直接进死信
		q.log.Error("malformed job envelope, moving to dead letter", zap.Error(err))
		q.pushDead(ctx, raw)
		return
	}

	job.Attempts++

	if err := handler(ctx, job.Payload); err != nil {
		q.retryOrBury(ctx, &job, err)
	}
}

// retryOrBury 失败任务重新投递或转入死信
func (q *RedisQueue) retryOrBury(ctx context.Context, job *Job, cause error) {
	job.LastError = cause.Error()

	raw, err := json.Marshal(job)
	if err != nil {
		q.log.Error("failed to marshal job for retry", zap.Error(err))
		return
	}

	ctx = context.WithoutCancel(ctx)

	if job.Attempts >= job.MaxAttempts {
		q.log.Error("job exhausted retries, moving to dead letter",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.String("last_error", job.LastError),
		)
		q.pushDead(ctx, string(raw))
		if q.hooks.OnDeadLetter != nil {
			q.hooks.OnDeadLetter()
		}
		return
	}

	delay := backoffDelay(q.backoffBase, job.Attempts)
	readyAt := time.Now().Add(delay)

	q.log.Warn("job failed, scheduling retry",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)

	if err := q.rdb.ZAdd(ctx, q.delayedKey(), goredis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: raw,
	}).Err(); err != nil {
		q.log.Error("failed to schedule retry", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if q.hooks.OnRetry != nil {
		q.hooks.OnRetry()
	}
}

// pushDead 把任务写入死信列表并截断到容量上限
func (q *RedisQueue) pushDead(ctx context.Context, raw string) {
	pipe := q.rdb.Pipeline()
	pipe.LPush(ctx, q.deadKey(), raw)
	pipe.LTrim(ctx, q.deadKey(), 0, deadLetterCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("failed to push dead letter", zap.Error(err))
	}
}

// DeadLetters 返回最近的死信任务
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.rdb.LRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Depth 返回 waiting 列表长度（供监控）
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.waitingKey()).Result()
}
