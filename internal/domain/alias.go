package domain

import "time"

// Alias 表示仅做路由的轻量别名地址。
//
// 别名独立于邮箱生命周期：发往别名的邮件直接中继到 ForwardTo，
// 不在本系统落盘任何邮件内容。
type Alias struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address   string    `json:"address" gorm:"type:varchar(255);uniqueIndex"`
	LocalPart string    `json:"localPart" gorm:"type:varchar(255);index:idx_alias_route"`
	Domain    string    `json:"domain" gorm:"type:varchar(100);index:idx_alias_route"`
	ForwardTo string    `json:"forwardTo" gorm:"type:varchar(255)"` // 转发目标
	Label     string    `json:"label,omitempty" gorm:"type:varchar(100)"`
	IsActive  bool      `json:"isActive" gorm:"default:true"`
	CreatedAt time.Time `json:"createdAt"`
}
