package domain

// Attachment 表示邮件附件的元数据。
//
// 附件内容字节由 blob 存储保管，数据库里只有元数据和 StorageKey。
type Attachment struct {
	ID          string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID   string `json:"messageId" gorm:"type:varchar(36);index;not null"`
	Filename    string `json:"filename" gorm:"type:varchar(255)"`
	ContentType string `json:"contentType" gorm:"type:varchar(100)"`
	Size        int64  `json:"size"`
	StorageKey  string `json:"storageKey,omitempty" gorm:"type:varchar(500)"` // blob 存储键
	Checksum    string `json:"checksum,omitempty" gorm:"type:varchar(64)"`    // 内容 SHA-256（hex）
	IsInline    bool   `json:"isInline" gorm:"default:false"`                 // 内联附件（HTML 引用）
	ContentID   string `json:"contentId,omitempty" gorm:"type:varchar(255)"`  // 内联引用的 Content-ID
	Flagged     bool   `json:"flagged" gorm:"default:false"`                  // 安全甄别标记
	FlagReason  string `json:"flagReason,omitempty" gorm:"type:varchar(255)"` // 标记原因
	Content     []byte `json:"-" gorm:"-"`                                    // 内容字节（不入库）
}
