package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"throwbox/backend/internal/crypto"
	"throwbox/backend/internal/directory"
	"throwbox/backend/internal/dispatch"
	"throwbox/backend/internal/domain"
	"throwbox/backend/internal/outbound"
	"throwbox/backend/internal/security"
	"throwbox/backend/internal/smtp"
)

// Outcome 是一次投递的业务结论。
// 只有基础设施故障才走 error 通道；邮箱不存在、重复投递
// 都是正常结论，不触发队列重试。
type Outcome string

const (
	OutcomeStored    Outcome = "stored"
	OutcomeNoInbox   Outcome = "no_inbox"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeForwarded Outcome = "forwarded" // 别名直通转发，不落库
)

// InboundEmail 是投递管道的输入：一封已解析的邮件和它的投递上下文。
type InboundEmail struct {
	Recipient   string // 信封收件地址
	Sender      string // 信封发件地址
	Raw         []byte
	Parsed      *smtp.ParsedEmail
	SPFResult   domain.AuthResult
	DKIMResult  domain.AuthResult
	DMARCResult domain.AuthResult
}

// BlobStore 附件内容存储接口
type BlobStore interface {
	Put(messageID, attachmentID string, content []byte) (key string, checksum string, err error)
	DeleteMessage(messageID string) error
}

// Pipeline 是两条入口路径（SMTP 队列、provider webhook）共用的
// 投递管道：解析结果进来，加密落库、计数、下游分发出去。
type Pipeline struct {
	directory *directory.Directory
	store     domain.Store
	encryptor *crypto.Encryptor
	blobs     BlobStore
	relay     outbound.Relay
	runner    *dispatch.Runner
	screener  *security.Screener
	log       *zap.Logger
}

// New 创建投递管道
func New(
	dir *directory.Directory,
	store domain.Store,
	encryptor *crypto.Encryptor,
	blobs BlobStore,
	relay outbound.Relay,
	runner *dispatch.Runner,
	log *zap.Logger,
) *Pipeline {
	return &Pipeline{
		directory: dir,
		store:     store,
		encryptor: encryptor,
		blobs:     blobs,
		relay:     relay,
		runner:    runner,
		screener:  security.NewScreener(),
		log:       log,
	}
}

// Deliver 投递一封邮件。
//
// 顺序是先持久化、再分发：任何下游动作（转发、自动回复、
// 实时通知、AI 入队）都发生在邮件安全落库之后，分发失败
// 只记日志，绝不让已落库的邮件重新投递。
func (p *Pipeline) Deliver(ctx context.Context, in *InboundEmail) (*domain.Message, Outcome, error) {
	localPart, domainName, ok := strings.Cut(strings.ToLower(in.Recipient), "@")
	if !ok || localPart == "" || domainName == "" {
		p.log.Warn("dropping email with malformed recipient", zap.String("recipient", in.Recipient))
		return nil, OutcomeNoInbox, nil
	}

	res, err := p.directory.Resolve(ctx, localPart, domainName)
	if err != nil {
		if errors.Is(err, domain.ErrMailboxNotFound) {
			// 正常结论：邮箱在接收和处理之间过期 / 从不存在
			p.log.Info("no inbox for recipient, dropping",
				zap.String("recipient", in.Recipient),
				zap.String("sender", in.Sender),
			)
			return nil, OutcomeNoInbox, nil
		}
		return nil, "", fmt.Errorf("resolve recipient: %w", err)
	}

	// 别名：原文直通转发，不落库
	if res.IsAlias() {
		return nil, OutcomeForwarded, p.relayAlias(ctx, in, res)
	}

	message, attachments, err := p.buildMessage(in, res)
	if err != nil {
		return nil, "", err
	}

	// 附件内容先落盘，元数据跟随消息事务写入。
	// 落库撞幂等索引时回收刚写的内容。
	for i, att := range attachments {
		if dangerous, reason := p.screener.Screen(att.Filename, att.Content); dangerous {
			att.Flagged = true
			att.FlagReason = reason
			p.log.Warn("attachment flagged by screener",
				zap.String("mailbox_id", message.MailboxID),
				zap.String("filename", att.Filename),
				zap.String("reason", reason),
			)
		}
		key, checksum, err := p.putBlob(message.ID, att)
		if err != nil {
			p.cleanupBlobs(message.ID)
			return nil, "", fmt.Errorf("store attachment %d: %w", i, err)
		}
		att.StorageKey = key
		att.Checksum = checksum
		att.Content = nil
	}

	if err := p.store.SaveMessage(ctx, message, attachments); err != nil {
		p.cleanupBlobs(message.ID)
		if errors.Is(err, domain.ErrDuplicateMessage) {
			p.log.Info("duplicate delivery suppressed",
				zap.String("mailbox_id", message.MailboxID),
				zap.String("protocol_message_id", message.MessageID),
			)
			return nil, OutcomeDuplicate, nil
		}
		return nil, "", fmt.Errorf("persist message: %w", err)
	}

	// 计数失败不回滚邮件：计数是展示数据，邮件才是事实
	if err := p.store.IncrementEmailCount(ctx, message.MailboxID, message.CreatedAt); err != nil {
		p.log.Warn("failed to update mailbox counters",
			zap.String("mailbox_id", message.MailboxID),
			zap.Error(err),
		)
	}

	p.runner.Run(ctx, &dispatch.Delivery{
		Resolution:       res,
		Message:          message,
		RawEmail:         in.Raw,
		Sender:           in.Sender,
		RecipientAddress: in.Recipient,
	})

	return message, OutcomeStored, nil
}

// relayAlias 把邮件原文直通转发到别名目标
func (p *Pipeline) relayAlias(ctx context.Context, in *InboundEmail, res *directory.Resolution) error {
	if p.relay == nil {
		// 出站未配置时别名邮件无处可去，丢弃并留痕
		p.log.Warn("alias matched but outbound relay is not configured, dropping",
			zap.String("recipient", in.Recipient),
			zap.String("forward_to", res.AliasForwardTo),
		)
		return nil
	}

	if err := p.relay.SendRaw(ctx, in.Recipient, []string{res.AliasForwardTo}, in.Raw); err != nil {
		return fmt.Errorf("alias relay: %w", err)
	}

	p.log.Info("alias email relayed",
		zap.String("recipient", in.Recipient),
		zap.String("forward_to", res.AliasForwardTo),
	)
	return nil
}

// buildMessage 把解析结果组装成待落库的消息实体（正文加密）
func (p *Pipeline) buildMessage(in *InboundEmail, res *directory.Resolution) (*domain.Message, []*domain.Attachment, error) {
	parsed := in.Parsed

	encryptedText, err := p.encryptor.Encrypt(parsed.Text)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt text body: %w", err)
	}
	encryptedHTML, err := p.encryptor.Encrypt(parsed.HTML)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt html body: %w", err)
	}

	toJSON, _ := json.Marshal(parsed.To)
	ccJSON, _ := json.Marshal(parsed.CC)
	headersJSON, _ := json.Marshal(parsed.Headers)

	message := &domain.Message{
		ID:            uuid.New().String(),
		MailboxID:     res.MailboxID,
		Direction:     domain.DirectionInbound,
		MessageID:     parsed.MessageID,
		FromAddress:   parsed.FromAddress,
		FromName:      parsed.FromName,
		ToAddresses:   string(toJSON),
		CCAddresses:   string(ccJSON),
		ReplyTo:       parsed.ReplyTo,
		Subject:       truncateRunes(parsed.Subject, domain.SubjectMaxLen),
		BodyText:      encryptedText,
		BodyHTML:      encryptedHTML,
		BodyPreview:   makePreview(parsed.Text, parsed.HTML),
		Headers:       string(headersJSON),
		SizeBytes:     len(in.Raw),
		HasAttachment: len(parsed.Attachments) > 0,
		SPFResult:     in.SPFResult,
		DKIMResult:    in.DKIMResult,
		DMARCResult:   in.DMARCResult,
		CreatedAt:     time.Now().UTC(),
	}

	return message, parsed.Attachments, nil
}

func (p *Pipeline) putBlob(messageID string, att *domain.Attachment) (string, string, error) {
	if p.blobs == nil {
		return "", "", fmt.Errorf("blob store is not configured")
	}
	return p.blobs.Put(messageID, att.ID, att.Content)
}

func (p *Pipeline) cleanupBlobs(messageID string) {
	if p.blobs == nil {
		return
	}
	if err := p.blobs.DeleteMessage(messageID); err != nil {
		p.log.Warn("failed to clean up attachment blobs",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
}

// makePreview 生成明文预览：优先纯文本，退化到去标签的 HTML。
// 长度按 rune 截断，不产生残缺的 UTF-8 序列。
func makePreview(text, html string) string {
	source := strings.TrimSpace(text)
	if source == "" {
		source = strings.TrimSpace(stripTags(html))
	}
	return truncateRunes(source, domain.PreviewMaxLen)
}

// truncateRunes 按 rune 截断到列宽上限，超长数据截断而不是让写入失败
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		runes = runes[:max]
	}
	return string(runes)
}

// stripTags 粗粒度去除 HTML 标签（预览用，不追求语义精确）
func stripTags(html string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			sb.WriteRune(' ')
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}
