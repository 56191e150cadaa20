package domain

import "time"

// WebhookLog 记录一次 provider webhook 事件的接收情况。
// 按保留期由生命周期清理器批量清除。
type WebhookLog struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EventType string    `json:"eventType" gorm:"type:varchar(100);index"`
	EventID   string    `json:"eventId" gorm:"type:varchar(255)"` // provider 侧事件 ID
	Status    string    `json:"status" gorm:"type:varchar(20)"`   // accepted / ignored / rejected
	Detail    string    `json:"detail,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"createdAt" gorm:"index"`
}

// AuditLog 审计日志。核心管道不写入，由外围 CRUD 记录，
// 这里只承担按保留期清理的职责。
type AuditLog struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Actor     string    `json:"actor" gorm:"type:varchar(255)"`
	Action    string    `json:"action" gorm:"type:varchar(100)"`
	Target    string    `json:"target,omitempty" gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"createdAt" gorm:"index"`
}
