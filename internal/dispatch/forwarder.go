package dispatch

import (
	"context"

	"throwbox/backend/internal/outbound"
)

// Forwarder 把邮件原文转发到邮箱配置的转发地址。
type Forwarder struct {
	relay outbound.Relay
}

// NewForwarder 创建转发分发器
func NewForwarder(relay outbound.Relay) *Forwarder {
	return &Forwarder{relay: relay}
}

func (f *Forwarder) Name() string { return "forwarder" }

func (f *Forwarder) Dispatch(ctx context.Context, d *Delivery) error {
	if d.Resolution.ForwardingTo == "" {
		return nil
	}
	if f.relay == nil {
		// 出站中继未配置，转发功能静默禁用
		return nil
	}

	// 信封发件人用本系统的收件地址，避免伪造外部域名触发 SPF 拒信
	return f.relay.SendRaw(ctx, d.RecipientAddress, []string{d.Resolution.ForwardingTo}, d.RawEmail)
}
