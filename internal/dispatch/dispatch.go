package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"throwbox/backend/internal/directory"
	"throwbox/backend/internal/domain"
)

// Delivery 是一次成功落库后交给下游分发器的上下文。
type Delivery struct {
	Resolution       *directory.Resolution
	Message          *domain.Message
	RawEmail         []byte
	Sender           string // 信封发件人
	RecipientAddress string // 命中的收件地址
}

// Dispatcher 是一个落库后的下游动作。
//
// 所有分发器都是尽力而为的：单个失败只记日志，不影响其他
// 分发器，更不影响已完成的落库。邮件本身已经安全持久化，
// 任何下游故障都不构成重新投递整封邮件的理由。
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, d *Delivery) error
}

// Runner 顺序执行一组分发器，隔离彼此的失败。
type Runner struct {
	dispatchers []Dispatcher
	log         *zap.Logger
	onFailure   func(name string) // 失败计数回调（供监控），可为 nil
}

// NewRunner 创建分发执行器
func NewRunner(log *zap.Logger, onFailure func(name string), dispatchers ...Dispatcher) *Runner {
	return &Runner{
		dispatchers: dispatchers,
		log:         log,
		onFailure:   onFailure,
	}
}

// Run 执行全部分发器。永不返回错误：失败在这里消化掉。
func (r *Runner) Run(ctx context.Context, d *Delivery) {
	for _, dispatcher := range r.dispatchers {
		if err := r.runOne(ctx, dispatcher, d); err != nil {
			r.log.Error("dispatcher failed",
				zap.String("dispatcher", dispatcher.Name()),
				zap.String("message_id", d.Message.ID),
				zap.String("mailbox_id", d.Message.MailboxID),
				zap.Error(err),
			)
			if r.onFailure != nil {
				r.onFailure(dispatcher.Name())
			}
		}
	}
}

// runOne 执行单个分发器并吸收 panic
func (r *Runner) runOne(ctx context.Context, dispatcher Dispatcher, d *Delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("dispatcher panic: %v", rec)
		}
	}()
	return dispatcher.Dispatch(ctx, d)
}
