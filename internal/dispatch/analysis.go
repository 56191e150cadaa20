package dispatch

import (
	"context"

	"throwbox/backend/internal/domain"
	"throwbox/backend/internal/queue"
)

// AnalysisDispatcher 把新邮件排入 AI 分析队列。
// 载荷只有邮件 ID，分析服务自行取回并解密内容。
type AnalysisDispatcher struct {
	queue queue.Queue
}

// NewAnalysisDispatcher 创建 AI 分析分发器
func NewAnalysisDispatcher(q queue.Queue) *AnalysisDispatcher {
	return &AnalysisDispatcher{queue: q}
}

func (a *AnalysisDispatcher) Name() string { return "ai-analysis" }

func (a *AnalysisDispatcher) Dispatch(ctx context.Context, d *Delivery) error {
	return a.queue.Enqueue(ctx, &domain.AnalysisJob{EmailID: d.Message.ID})
}
