package domain

import (
	"time"
)

// Visibility 邮箱可见性。
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Mailbox 表示一次性临时邮箱的业务实体。
//
// 邮箱是有生命周期的：IsActive 且 ExpiresAt 在未来时才接收邮件。
// 计数器字段（EmailCount、LastEmailAt）只由投递管道更新；
// 失活与物理删除只由生命周期清理器执行。
type Mailbox struct {
	ID           string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID       *string    `json:"userId,omitempty" gorm:"type:varchar(36);index"` // 所属用户（匿名邮箱为 nil）
	Address      string     `json:"address" gorm:"type:varchar(255);uniqueIndex"`
	LocalPart    string     `json:"localPart" gorm:"type:varchar(255);index:idx_mailbox_route"`
	Domain       string     `json:"domain" gorm:"type:varchar(100);index:idx_mailbox_route"`
	Token        string     `json:"token" gorm:"type:varchar(255);uniqueIndex"` // 访问令牌（非所有者访问凭证）
	Visibility   Visibility `json:"visibility" gorm:"type:varchar(10);default:private"`
	ForwardingTo *string    `json:"forwardingTo,omitempty" gorm:"type:varchar(255)"` // 转发目标地址
	AutoReplyMsg *string    `json:"autoReplyMsg,omitempty" gorm:"type:text"`         // 自动回复内容
	TTLSeconds   int        `json:"ttlSeconds"`
	ExpiresAt    time.Time  `json:"expiresAt" gorm:"index"`
	IsActive     bool       `json:"isActive" gorm:"default:true;index"`
	EmailCount   int        `json:"emailCount" gorm:"default:0"`
	LastEmailAt  *time.Time `json:"lastEmailAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// AcceptsMail 判断邮箱当前是否接收入站邮件。
func (m *Mailbox) AcceptsMail(now time.Time) bool {
	return m.IsActive && m.ExpiresAt.After(now)
}

// RemainingLifetime 返回邮箱剩余存活时间，已过期返回 0。
func (m *Mailbox) RemainingLifetime(now time.Time) time.Duration {
	if !m.ExpiresAt.After(now) {
		return 0
	}
	return m.ExpiresAt.Sub(now)
}
