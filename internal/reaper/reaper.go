package reaper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"throwbox/backend/internal/directory"
	"throwbox/backend/internal/domain"
	"throwbox/backend/internal/monitoring"
)

const jobTimeout = 2 * time.Minute

// Config 保留策略
type Config struct {
	PurgeGrace          time.Duration // 失活后物理删除前的宽限期
	WebhookLogRetention time.Duration
	AuditLogRetention   time.Duration
}

// BlobStore 附件内容存储的清理接口
type BlobStore interface {
	DeleteMessage(messageID string) error
}

// Reaper 周期性执行生命周期清扫。
//
// 所有清扫动作都是幂等的：对同一批数据重复执行不会产生
// 第二次效果，漏掉一轮也只是延后，下一轮会补上。
type Reaper struct {
	store   domain.Store
	dir     *directory.Directory
	blobs   BlobStore
	cfg     Config
	metrics *monitoring.Metrics // 可为 nil
	cron    *cron.Cron
	log     *zap.Logger
}

// New 创建清扫器
func New(store domain.Store, dir *directory.Directory, blobs BlobStore, cfg Config, metrics *monitoring.Metrics, log *zap.Logger) *Reaper {
	return &Reaper{
		store:   store,
		dir:     dir,
		blobs:   blobs,
		cfg:     cfg,
		metrics: metrics,
		cron:    cron.New(),
		log:     log,
	}
}

// Start 注册全部定时任务并启动调度
func (r *Reaper) Start() error {
	jobs := []struct {
		spec string
		name string
		run  func(ctx context.Context)
	}{
		{"* * * * *", "deactivate-expired", r.deactivateExpired},
		{"0 * * * *", "purge-inactive", r.purgeInactive},
		{"0 3 * * *", "prune-webhook-logs", r.pruneWebhookLogs},
		{"30 3 * * *", "prune-audit-logs", r.pruneAuditLogs},
	}

	for _, job := range jobs {
		job := job
		_, err := r.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			job.run(ctx)
		})
		if err != nil {
			return err
		}
	}

	r.cron.Start()
	r.log.Info("reaper started")
	return nil
}

// Stop 停止调度并等待运行中的任务结束
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.log.Info("reaper stopped")
}

// deactivateExpired 将过期邮箱置为失活并逐个失效目录缓存
func (r *Reaper) deactivateExpired(ctx context.Context) {
	expired, err := r.store.DeactivateExpiredMailboxes(ctx, time.Now().UTC())
	if err != nil {
		r.log.Error("failed to deactivate expired mailboxes", zap.Error(err))
		return
	}
	if len(expired) == 0 {
		return
	}

	for _, mb := range expired {
		r.dir.Invalidate(ctx, mb.Address)
	}

	if r.metrics != nil {
		r.metrics.MailboxesExpired.Add(float64(len(expired)))
	}
	r.log.Info("deactivated expired mailboxes", zap.Int("count", len(expired)))
}

// purgeInactive 物理删除失活超过宽限期的邮箱，并回收其附件内容。
// 附件内容清理是尽力而为：行已删，漏掉的文件只剩孤儿字节，
// 失败记日志，不回滚已完成的删除。
func (r *Reaper) purgeInactive(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.PurgeGrace)
	purged, messageIDs, err := r.store.PurgeInactiveMailboxes(ctx, cutoff)
	if err != nil {
		r.log.Error("failed to purge inactive mailboxes", zap.Error(err))
		return
	}
	if purged == 0 {
		return
	}

	if r.blobs != nil {
		for _, msgID := range messageIDs {
			if err := r.blobs.DeleteMessage(msgID); err != nil {
				r.log.Warn("failed to delete attachment blobs for purged message",
					zap.String("message_id", msgID),
					zap.Error(err),
				)
			}
		}
	}

	if r.metrics != nil {
		r.metrics.MailboxesPurged.Add(float64(purged))
	}
	r.log.Info("purged inactive mailboxes",
		zap.Int64("count", purged),
		zap.Int("messages", len(messageIDs)),
	)
}

func (r *Reaper) pruneWebhookLogs(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.WebhookLogRetention)
	deleted, err := r.store.DeleteWebhookLogsBefore(ctx, cutoff)
	if err != nil {
		r.log.Error("failed to prune webhook logs", zap.Error(err))
		return
	}
	if deleted > 0 {
		r.log.Info("pruned webhook logs", zap.Int64("count", deleted))
	}
}

func (r *Reaper) pruneAuditLogs(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.AuditLogRetention)
	deleted, err := r.store.DeleteAuditLogsBefore(ctx, cutoff)
	if err != nil {
		r.log.Error("failed to prune audit logs", zap.Error(err))
		return
	}
	if deleted > 0 {
		r.log.Info("pruned audit logs", zap.Int64("count", deleted))
	}
}
