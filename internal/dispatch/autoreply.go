package dispatch

import (
	"context"
	"strings"

	"throwbox/backend/internal/outbound"
)

// AutoReplier 向发件人回复邮箱配置的自动回复内容。
type AutoReplier struct {
	relay outbound.Relay
}

// NewAutoReplier 创建自动回复分发器
func NewAutoReplier(relay outbound.Relay) *AutoReplier {
	return &AutoReplier{relay: relay}
}

func (a *AutoReplier) Name() string { return "auto-reply" }

func (a *AutoReplier) Dispatch(ctx context.Context, d *Delivery) error {
	if d.Resolution.AutoReplyMsg == "" {
		return nil
	}
	if a.relay == nil {
		return nil
	}
	if !shouldAutoReply(d.Sender) {
		return nil
	}

	subject := d.Message.Subject
	if subject != "" && !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	return a.relay.SendText(ctx, d.RecipientAddress, d.Sender, subject, d.Resolution.AutoReplyMsg)
}

// shouldAutoReply 过滤不应自动回复的发件人，避免退信循环。
func shouldAutoReply(sender string) bool {
	sender = strings.ToLower(strings.TrimSpace(sender))
	if sender == "" {
		// 空信封发件人是退信 / 系统通知
		return false
	}

	localPart, _, ok := strings.Cut(sender, "@")
	if !ok {
		return false
	}

	switch {
	case strings.HasPrefix(localPart, "no-reply"),
		strings.HasPrefix(localPart, "noreply"),
		strings.HasPrefix(localPart, "mailer-daemon"),
		strings.HasPrefix(localPart, "postmaster"),
		strings.HasPrefix(localPart, "bounce"):
		return false
	}
	return true
}
