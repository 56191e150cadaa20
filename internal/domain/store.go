package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMailboxNotFound 邮箱不存在。
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrAliasNotFound 别名不存在。
	ErrAliasNotFound = errors.New("alias not found")
	// ErrMessageNotFound 邮件不存在。
	ErrMessageNotFound = errors.New("message not found")
	// ErrDuplicateMessage 相同 (MailboxID, MessageID) 的邮件已存在。
	// 队列重复投递时由存储层返回，调用方按幂等 no-op 处理。
	ErrDuplicateMessage = errors.New("duplicate message")
)

// Store 聚合投递管道依赖的所有持久化操作。
//
// 持久存储永远是事实来源；目录缓存只是其前置的加速层。
type Store interface {
	// ========== Mailbox ==========
	SaveMailbox(ctx context.Context, mailbox *Mailbox) error
	GetMailbox(ctx context.Context, id string) (*Mailbox, error)
	// GetMailboxByAddress 按 localPart+domain 查找邮箱，不判断活跃状态，
	// 活跃性判断由调用方（目录）负责。
	GetMailboxByAddress(ctx context.Context, localPart, domain string) (*Mailbox, error)
	// IncrementEmailCount 原子地累加计数并刷新最后收信时间。
	// 并发累加必须是可加的，不能出现覆盖丢失。
	IncrementEmailCount(ctx context.Context, mailboxID string, receivedAt time.Time) error
	DeleteMailbox(ctx context.Context, id string) error

	// ========== Alias ==========
	SaveAlias(ctx context.Context, alias *Alias) error
	GetAliasByAddress(ctx context.Context, localPart, domain string) (*Alias, error)

	// ========== Message ==========
	// SaveMessage 事务性写入邮件及其附件元数据。
	// (MailboxID, MessageID) 已存在时返回 ErrDuplicateMessage 且不产生任何写入。
	SaveMessage(ctx context.Context, message *Message, attachments []*Attachment) error
	GetMessage(ctx context.Context, mailboxID, messageID string) (*Message, error)
	ListMessages(ctx context.Context, mailboxID string) ([]Message, error)
	CountMessages(ctx context.Context, mailboxID string) (int64, error)

	// ========== 生命周期清扫 ==========
	// DeactivateExpiredMailboxes 将已过期的活跃邮箱置为失活，返回受影响的邮箱
	// （供目录缓存失效）。对已失活的行重复执行是 no-op。
	DeactivateExpiredMailboxes(ctx context.Context, now time.Time) ([]Mailbox, error)
	// PurgeInactiveMailboxes 物理删除失活超过宽限期的邮箱，级联删除邮件与附件。
	// 返回被删邮件的 ID，供调用方清理附件内容存储。
	PurgeInactiveMailboxes(ctx context.Context, expiredBefore time.Time) (int64, []string, error)
	DeleteWebhookLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAuditLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// ========== Webhook 日志 ==========
	SaveWebhookLog(ctx context.Context, log *WebhookLog) error

	// Health 探活。
	Health(ctx context.Context) error
}
