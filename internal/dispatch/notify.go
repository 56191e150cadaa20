package dispatch

import (
	"context"

	"throwbox/backend/internal/websocket"
)

// Notifier 通过 WebSocket Hub 推送 email:new 事件。
type Notifier struct {
	hub *websocket.Hub
}

// NewNotifier 创建实时通知分发器
func NewNotifier(hub *websocket.Hub) *Notifier {
	return &Notifier{hub: hub}
}

func (n *Notifier) Name() string { return "realtime-notify" }

func (n *Notifier) Dispatch(_ context.Context, d *Delivery) error {
	if n.hub == nil {
		return nil
	}
	n.hub.NotifyNewEmail(d.Message.MailboxID, d.Message)
	return nil
}
