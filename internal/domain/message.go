package domain

import "time"

// Direction 邮件方向。
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// AuthResult SPF/DKIM/DMARC 验证结论。
type AuthResult string

const (
	AuthResultNone    AuthResult = "none"
	AuthResultPass    AuthResult = "pass"
	AuthResultFail    AuthResult = "fail"
	AuthResultUnknown AuthResult = "unknown"
)

// DeliveryStatus 出站邮件投递状态。
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusBounced   DeliveryStatus = "bounced"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// PreviewMaxLen 明文预览的最大长度（字节）。
// 正文始终加密落盘，预览是唯一允许的明文片段。
const PreviewMaxLen = 500

// HeaderSnapshotLimit 头部快照保留的最大条数。
const HeaderSnapshotLimit = 20

// SubjectMaxLen 主题字段的最大长度（字符），对齐列宽 varchar(500)。
const SubjectMaxLen = 500

// Message 表示邮箱内的一封邮件。
//
// BodyText 和 BodyHTML 落盘时始终是信封加密后的密文
// （见 internal/crypto），BodyPreview 是唯一的明文片段，
// 长度不超过 PreviewMaxLen。
// (MailboxID, MessageID) 唯一，保证队列重复投递不会产生重复行。
type Message struct {
	ID            string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MailboxID     string         `json:"mailboxId" gorm:"type:varchar(36);index;not null;uniqueIndex:idx_mailbox_message"`
	Direction     Direction      `json:"direction" gorm:"type:varchar(10);default:inbound"`
	MessageID     string         `json:"messageId" gorm:"type:varchar(512);uniqueIndex:idx_mailbox_message"` // 协议 Message-ID
	FromAddress   string         `json:"fromAddress" gorm:"type:varchar(255)"`
	FromName      string         `json:"fromName" gorm:"type:varchar(255)"`
	ToAddresses   string         `json:"toAddresses" gorm:"type:text"` // JSON 地址数组
	CCAddresses   string         `json:"ccAddresses" gorm:"type:text"` // JSON 地址数组
	ReplyTo       string         `json:"replyTo,omitempty" gorm:"type:varchar(255)"`
	Subject       string         `json:"subject" gorm:"type:varchar(500)"`
	BodyText      string         `json:"-" gorm:"type:text"` // 密文
	BodyHTML      string         `json:"-" gorm:"type:text"` // 密文
	BodyPreview   string         `json:"bodyPreview" gorm:"type:varchar(500)"`
	Headers       string         `json:"headers,omitempty" gorm:"type:text"` // JSON，最多 HeaderSnapshotLimit 条
	SizeBytes     int            `json:"sizeBytes"`
	HasAttachment bool           `json:"hasAttachments" gorm:"default:false"`
	SPFResult     AuthResult     `json:"spfResult" gorm:"type:varchar(10);default:none"`
	DKIMResult    AuthResult     `json:"dkimResult" gorm:"type:varchar(10);default:none"`
	DMARCResult   AuthResult     `json:"dmarcResult" gorm:"type:varchar(10);default:none"`
	IsRead        bool           `json:"isRead" gorm:"default:false;index"`
	Status        DeliveryStatus `json:"status,omitempty" gorm:"type:varchar(12)"` // 仅出站邮件使用
	CreatedAt     time.Time      `json:"createdAt" gorm:"index"`

	Attachments []*Attachment `json:"attachments,omitempty" gorm:"-"`
}
