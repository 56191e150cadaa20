package smtp

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"throwbox/backend/internal/directory"
	"throwbox/backend/internal/domain"
	"throwbox/backend/internal/queue"
)

const (
	// rcptLookupTimeout RCPT 阶段目录查询的超时上限
	rcptLookupTimeout = 5 * time.Second
	// enqueueTimeout DATA 阶段任务入队的超时上限
	enqueueTimeout = 10 * time.Second
)

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是一个只接收邮件的 SMTP 入口：
//   - 只接受发往系统接管域名的邮件，其余一律 550 拒绝（不做中继）
//   - RCPT 阶段做尽力而为的收件人验证：目录故障时放行（fail-open），
//     把最终判定留给处理 worker——拒信的代价（发件方收到退信）远高于
//     接收一封最终被丢弃的邮件
//   - DATA 阶段不解析邮件，只把原文投入任务队列后立即确认，
//     SMTP 会话的生命周期和下游处理完全解耦
type Backend struct {
	directory      *directory.Directory
	inbound        queue.Queue
	allowedDomains map[string]struct{}
	maxMessageSize int64
	log            *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(dir *directory.Directory, inbound queue.Queue, allowedDomains []string, maxMessageSize int64, log *zap.Logger) *Backend {
	domains := make(map[string]struct{}, len(allowedDomains))
	for _, d := range allowedDomains {
		domains[strings.ToLower(d)] = struct{}{}
	}
	return &Backend{
		directory:      dir,
		inbound:        inbound,
		allowedDomains: domains,
		maxMessageSize: maxMessageSize,
		log:            log,
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend     *Backend
	fromAddress string
	recipients  []string
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.fromAddress = normalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 验证流程：
//  1. 地址语法检查，无效返回 501
//  2. 域名必须在系统接管列表中，否则 550（防中继）
//  3. 查目录确认收件人存在，不存在返回 550 5.1.1
//  4. 目录基础设施故障时放行收件人（fail-open）
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)

	localPart, domainName, ok := strings.Cut(addr, "@")
	if !ok || localPart == "" || domainName == "" {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if _, allowed := s.backend.allowedDomains[domainName]; !allowed {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), rcptLookupTimeout)
	defer cancel()

	_, err := s.backend.directory.Resolve(ctx, localPart, domainName)
	switch {
	case err == nil:
		// 邮箱或别名存在

	case errors.Is(err, domain.ErrMailboxNotFound):
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient mailbox not found",
		}

	default:
		// 目录故障：放行收件人，最终判定交给处理 worker
		s.backend.log.Warn("recipient lookup failed, accepting open",
			zap.String("recipient", addr),
			zap.Error(err),
		)
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容。
//
// 原文整体入队，每个收件人一个独立任务（一封群发邮件的某个
// 收件人处理失败不影响其他收件人）。只要有一个任务入队成功
// 就确认接收；全部失败返回 451 让发件方稍后重试。
func (s *session) Data(r io.Reader) error {
	rawBytes, err := io.ReadAll(io.LimitReader(r, s.backend.maxMessageSize))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	enqueued := 0

	for _, rcpt := range s.recipients {
		job := &domain.InboundJob{
			RawEmail:  rawBytes,
			Recipient: rcpt,
			Sender:    s.fromAddress,
			// 自建 SMTP 入口不做发信方验证
			SPFResult:   domain.AuthResultNone,
			DKIMResult:  domain.AuthResultNone,
			DMARCResult: domain.AuthResultNone,
		}

		if err := s.backend.inbound.Enqueue(ctx, job); err != nil {
			s.backend.log.Error("failed to enqueue inbound email",
				zap.String("recipient", rcpt),
				zap.String("sender", s.fromAddress),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}

	if enqueued == 0 && len(s.recipients) > 0 {
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary processing failure, try again later",
		}
	}

	s.backend.log.Info("inbound email accepted",
		zap.String("sender", s.fromAddress),
		zap.Int("recipients", enqueued),
		zap.Int("size", len(rawBytes)),
	)
	return nil
}

// Reset 重置会话状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	return nil
}

// normalizeAddress 规整邮件地址（去尖括号、小写化）
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}
