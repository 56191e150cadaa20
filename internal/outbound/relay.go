package outbound

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"throwbox/backend/internal/config"
)

// Relay 把邮件交给上游 SMTP 中继发出（转发、自动回复）。
//
// 系统自身的 SMTP 服务器只收不发，出站永远走这里。
type Relay interface {
	// SendRaw 原样转发一封已有邮件。
	SendRaw(ctx context.Context, from string, to []string, raw []byte) error
	// SendText 构造并发送一封简单的纯文本邮件。
	SendText(ctx context.Context, from, to, subject, body string) error
}

// smtpRelay 基于 go-smtp 客户端的中继实现
type smtpRelay struct {
	addr string
	auth sasl.Client
	log  *zap.Logger
}

// New 创建出站中继。cfg.Host 为空时返回 nil（出站功能未配置）。
func New(cfg *config.OutboundConfig, log *zap.Logger) Relay {
	if cfg.Host == "" {
		return nil
	}

	var auth sasl.Client
	if cfg.Username != "" {
		auth = sasl.NewPlainClient("", cfg.Username, cfg.Password)
	}

	return &smtpRelay{
		addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		auth: auth,
		log:  log,
	}
}

func (r *smtpRelay) SendRaw(ctx context.Context, from string, to []string, raw []byte) error {
	done := make(chan error, 1)
	go func() {
		done <- gosmtp.SendMail(r.addr, r.auth, from, to, bytes.NewReader(raw))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("relay to %s: %w", r.addr, err)
		}
		r.log.Info("outbound mail relayed",
			zap.String("from", from),
			zap.Strings("to", to),
		)
		return nil
	}
}

func (r *smtpRelay) SendText(ctx context.Context, from, to, subject, body string) error {
	var msg strings.Builder
	msg.WriteString("From: " + from + "\r\n")
	msg.WriteString("To: " + to + "\r\n")
	msg.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	msg.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	msg.WriteString("\r\n")

	return r.SendRaw(ctx, from, []string{to}, []byte(msg.String()))
}
