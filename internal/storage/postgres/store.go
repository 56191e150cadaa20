package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"throwbox/backend/internal/config"
	"throwbox/backend/internal/domain"
)

// Store PostgreSQL 存储实现
type Store struct {
	db *gorm.DB
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Mailbox{},
		&domain.Alias{},
		&domain.Message{},
		&domain.Attachment{},
		&domain.WebhookLog{},
		&domain.AuditLog{},
	)
}

// ========== Mailbox ==========

// SaveMailbox 保存（插入或更新）邮箱
func (s *Store) SaveMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	return s.db.WithContext(ctx).Save(mailbox).Error
}

// GetMailbox 按 ID 查找邮箱
func (s *Store) GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	if err := s.db.WithContext(ctx).First(&mailbox, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// GetMailboxByAddress 按 localPart+domain 查找邮箱（不判断活跃状态）
func (s *Store) GetMailboxByAddress(ctx context.Context, localPart, domainName string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	err := s.db.WithContext(ctx).
		Where("local_part = ? AND domain = ?", localPart, domainName).
		First(&mailbox).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// IncrementEmailCount 原子累加邮件计数并刷新最后收信时间。
// 使用 SQL 表达式累加，并发 worker 的更新不会互相覆盖。
func (s *Store) IncrementEmailCount(ctx context.Context, mailboxID string, receivedAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&domain.Mailbox{}).
		Where("id = ?", mailboxID).
		Updates(map[string]interface{}{
			"email_count":   gorm.Expr("email_count + 1"),
			"last_email_at": receivedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrMailboxNotFound
	}
	return nil
}

// DeleteMailbox 删除邮箱并级联删除其邮件与附件
func (s *Store) DeleteMailbox(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := deleteMailboxCascade(tx, []string{id})
		return err
	})
}

// ========== Alias ==========

// SaveAlias 保存别名
func (s *Store) SaveAlias(ctx context.Context, alias *domain.Alias) error {
	return s.db.WithContext(ctx).Save(alias).Error
}

// GetAliasByAddress 按 localPart+domain 查找激活的别名
func (s *Store) GetAliasByAddress(ctx context.Context, localPart, domainName string) (*domain.Alias, error) {
	var alias domain.Alias
	err := s.db.WithContext(ctx).
		Where("local_part = ? AND domain = ? AND is_active = ?", localPart, domainName, true).
		First(&alias).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAliasNotFound
		}
		return nil, err
	}
	return &alias, nil
}

// ========== Message ==========

// SaveMessage 事务性写入邮件及其附件元数据。
//
// 依靠 (mailbox_id, message_id) 唯一索引做幂等：冲突时整个事务
// 不产生任何写入并返回 ErrDuplicateMessage，保证队列至少一次
// 投递语义下不会出现重复邮件行。
func (s *Store) SaveMessage(ctx context.Context, message *domain.Message, attachments []*domain.Attachment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "mailbox_id"}, {Name: "message_id"}},
			DoNothing: true,
		}).Create(message)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrDuplicateMessage
		}

		for _, att := range attachments {
			att.MessageID = message.ID
			if err := tx.Create(att).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetMessage 获取单封邮件（含附件元数据）
func (s *Store) GetMessage(ctx context.Context, mailboxID, messageID string) (*domain.Message, error) {
	var message domain.Message
	err := s.db.WithContext(ctx).
		Where("mailbox_id = ? AND id = ?", mailboxID, messageID).
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}

	var attachments []*domain.Attachment
	if err := s.db.WithContext(ctx).Where("message_id = ?", message.ID).Find(&attachments).Error; err == nil {
		message.Attachments = attachments
	}

	return &message, nil
}

// ListMessages 列出邮箱下的全部邮件（按时间倒序）
func (s *Store) ListMessages(ctx context.Context, mailboxID string) ([]domain.Message, error) {
	var messages []domain.Message
	err := s.db.WithContext(ctx).
		Where("mailbox_id = ?", mailboxID).
		Order("created_at DESC").
		Find(&messages).Error
	return messages, err
}

// CountMessages 统计邮箱下的邮件数
func (s *Store) CountMessages(ctx context.Context, mailboxID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.Message{}).
		Where("mailbox_id = ?", mailboxID).
		Count(&count).Error
	return count, err
}

// ========== 生命周期清扫 ==========

// DeactivateExpiredMailboxes 将已过期的活跃邮箱置为失活。
// 只更新 is_active=true 的行，重复执行是 no-op。
func (s *Store) DeactivateExpiredMailboxes(ctx context.Context, now time.Time) ([]domain.Mailbox, error) {
	var expired []domain.Mailbox
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND expires_at < ?", true, now).
		Find(&expired).Error
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	ids := make([]string, len(expired))
	for i := range expired {
		ids[i] = expired[i].ID
	}

	err = s.db.WithContext(ctx).Model(&domain.Mailbox{}).
		Where("id IN ?", ids).
		Update("is_active", false).Error
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// PurgeInactiveMailboxes 物理删除失活且过期时间早于 expiredBefore 的邮箱，
// 级联删除其邮件与附件，返回被删邮件的 ID 供附件内容存储清理
func (s *Store) PurgeInactiveMailboxes(ctx context.Context, expiredBefore time.Time) (int64, []string, error) {
	var (
		purged     int64
		messageIDs []string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&domain.Mailbox{}).
			Where("is_active = ? AND expires_at < ?", false, expiredBefore).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		purged = int64(len(ids))
		messageIDs, err = deleteMailboxCascade(tx, ids)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return purged, messageIDs, nil
}

// deleteMailboxCascade 按附件 → 邮件 → 邮箱的顺序级联删除，
// 返回被删邮件的 ID
func deleteMailboxCascade(tx *gorm.DB, mailboxIDs []string) ([]string, error) {
	var messageIDs []string
	err := tx.Model(&domain.Message{}).
		Where("mailbox_id IN ?", mailboxIDs).
		Pluck("id", &messageIDs).Error
	if err != nil {
		return nil, err
	}

	if len(messageIDs) > 0 {
		if err := tx.Where("message_id IN ?", messageIDs).Delete(&domain.Attachment{}).Error; err != nil {
			return nil, err
		}
		if err := tx.Where("mailbox_id IN ?", mailboxIDs).Delete(&domain.Message{}).Error; err != nil {
			return nil, err
		}
	}

	return messageIDs, tx.Where("id IN ?", mailboxIDs).Delete(&domain.Mailbox{}).Error
}

// DeleteWebhookLogsBefore 删除保留期外的 webhook 日志
func (s *Store) DeleteWebhookLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.WebhookLog{})
	return result.RowsAffected, result.Error
}

// DeleteAuditLogsBefore 删除保留期外的审计日志
func (s *Store) DeleteAuditLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.AuditLog{})
	return result.RowsAffected, result.Error
}

// ========== Webhook 日志 ==========

// SaveWebhookLog 记录一次 webhook 事件
func (s *Store) SaveWebhookLog(ctx context.Context, log *domain.WebhookLog) error {
	return s.db.WithContext(ctx).Create(log).Error
}

// Health 数据库探活
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
