package httptransport

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"throwbox/backend/internal/domain"
	"throwbox/backend/internal/monitoring"
	"throwbox/backend/internal/pipeline"
	"throwbox/backend/internal/smtp"
)

// 事件类型。只有 email.received 触发投递，
// 其余类型（delivered / bounced / complained）只确认并留痕。
const (
	eventEmailReceived = "email.received"
)

// WebhookHandler 处理 provider 推送的入站邮件事件。
//
// provider 已经完成 MIME 解析和发信方验证，这条路径跳过
// worker 的解析步骤，直接内联走投递管道。
type WebhookHandler struct {
	pipeline *pipeline.Pipeline
	store    domain.Store
	verifier *SignatureVerifier
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewWebhookHandler 创建 webhook 处理器
func NewWebhookHandler(p *pipeline.Pipeline, store domain.Store, verifier *SignatureVerifier, metrics *monitoring.Metrics, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		pipeline: p,
		store:    store,
		verifier: verifier,
		metrics:  metrics,
		log:      log,
	}
}

// eventAddress provider 事件中的邮件地址
type eventAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// eventAttachment provider 事件中内联的附件（内容 base64 编码）
type eventAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	ContentID   string `json:"contentId,omitempty"`
	Inline      bool   `json:"inline,omitempty"`
	Content     []byte `json:"content"`
}

// inboundEvent provider 推送的事件信封
type inboundEvent struct {
	Type string           `json:"type"`
	Data inboundEventData `json:"data"`
}

type inboundEventData struct {
	MessageID   string            `json:"messageId,omitempty"`
	From        eventAddress      `json:"from"`
	To          []string          `json:"to"`
	CC          []string          `json:"cc,omitempty"`
	ReplyTo     string            `json:"replyTo,omitempty"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text,omitempty"`
	HTML        string            `json:"html,omitempty"`
	Headers     []smtp.Header     `json:"headers,omitempty"`
	SPF         string            `json:"spf,omitempty"`
	DKIM        string            `json:"dkim,omitempty"`
	DMARC       string            `json:"dmarc,omitempty"`
	Attachments []eventAttachment `json:"attachments,omitempty"`
}

// HandleInbound 处理 POST /api/v1/webhooks/inbound
func (h *WebhookHandler) HandleInbound(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		BadRequest(c, "failed to read request body")
		return
	}

	id := headerFirst(c, "webhook-id", "svix-id")
	timestamp := headerFirst(c, "webhook-timestamp", "svix-timestamp")
	signature := headerFirst(c, "webhook-signature", "svix-signature")

	if err := h.verifier.Verify(id, timestamp, signature, body); err != nil {
		h.log.Warn("webhook signature verification failed",
			zap.String("webhook_id", id),
			zap.Error(err),
		)
		Unauthorized(c, "signature verification failed")
		return
	}

	var event inboundEvent
	if err := json.Unmarshal(body, &event); err != nil {
		BadRequest(c, "invalid event payload")
		return
	}
	if event.Type == "" {
		BadRequest(c, "missing event type")
		return
	}

	// 非接收类事件只确认并留痕，不算处理失败
	if event.Type != eventEmailReceived {
		h.saveLog(c, id, event.Type, "ignored", "")
		Success(c, gin.H{"received": true})
		return
	}

	if len(event.Data.To) == 0 {
		BadRequest(c, "received event without recipients")
		return
	}

	if h.metrics != nil {
		h.metrics.EmailsReceived.WithLabelValues("webhook").Inc()
	}

	parsed := h.normalizeEvent(&event.Data, body)
	raw := synthesizeRaw(&event.Data, parsed)

	for _, recipient := range event.Data.To {
		_, outcome, err := h.pipeline.Deliver(c.Request.Context(), &pipeline.InboundEmail{
			Recipient:   strings.ToLower(recipient),
			Sender:      strings.ToLower(event.Data.From.Address),
			Raw:         raw,
			Parsed:      parsed,
			SPFResult:   parseAuthResult(event.Data.SPF),
			DKIMResult:  parseAuthResult(event.Data.DKIM),
			DMARCResult: parseAuthResult(event.Data.DMARC),
		})
		if err != nil {
			h.log.Error("webhook delivery failed",
				zap.String("webhook_id", id),
				zap.String("recipient", recipient),
				zap.Error(err),
			)
			h.saveLog(c, id, event.Type, "failed", err.Error())
			InternalError(c, "delivery failed")
			return
		}

		if h.metrics != nil {
			switch outcome {
			case pipeline.OutcomeStored:
				h.metrics.EmailsStored.Inc()
			case pipeline.OutcomeNoInbox:
				h.metrics.EmailsRejected.WithLabelValues("no_inbox").Inc()
			case pipeline.OutcomeDuplicate:
				h.metrics.EmailsDuplicate.Inc()
			case pipeline.OutcomeForwarded:
				h.metrics.EmailsForwarded.Inc()
			}
		}
	}

	h.saveLog(c, id, event.Type, "processed", "")
	Success(c, gin.H{"received": true})
}

// normalizeEvent 把 provider 已解析的事件数据规整成统一的解析结果
func (h *WebhookHandler) normalizeEvent(data *inboundEventData, body []byte) *smtp.ParsedEmail {
	messageID := strings.Trim(strings.TrimSpace(data.MessageID), "<>")
	if messageID == "" {
		sum := sha256.Sum256(body)
		messageID = "sha256-" + hex.EncodeToString(sum[:])
	}

	headers := data.Headers
	if len(headers) > domain.HeaderSnapshotLimit {
		headers = headers[:domain.HeaderSnapshotLimit]
	}

	parsed := &smtp.ParsedEmail{
		MessageID:   messageID,
		Subject:     data.Subject,
		FromAddress: strings.ToLower(data.From.Address),
		FromName:    data.From.Name,
		To:          lowercaseAll(data.To),
		CC:          lowercaseAll(data.CC),
		ReplyTo:     strings.ToLower(data.ReplyTo),
		Text:        data.Text,
		HTML:        data.HTML,
		Headers:     headers,
	}

	for _, att := range data.Attachments {
		parsed.Attachments = append(parsed.Attachments, &domain.Attachment{
			ID:          uuid.NewString(),
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        int64(len(att.Content)),
			IsInline:    att.Inline,
			ContentID:   att.ContentID,
			Content:     att.Content,
		})
	}

	return parsed
}

// saveLog 留痕一次 webhook 事件（尽力而为）
func (h *WebhookHandler) saveLog(c *gin.Context, eventID, eventType, status, detail string) {
	log := &domain.WebhookLog{
		ID:        uuid.NewString(),
		EventType: eventType,
		EventID:   eventID,
		Status:    status,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.SaveWebhookLog(c.Request.Context(), log); err != nil {
		h.log.Warn("failed to save webhook log", zap.Error(err))
	}
}

// synthesizeRaw 从已解析的事件数据重建一份 RFC 5322 文本。
// provider 路径没有原始报文，转发等下游动作用这份重建文本。
func synthesizeRaw(data *inboundEventData, parsed *smtp.ParsedEmail) []byte {
	var sb strings.Builder
	if data.From.Name != "" {
		sb.WriteString("From: \"" + data.From.Name + "\" <" + data.From.Address + ">\r\n")
	} else {
		sb.WriteString("From: " + data.From.Address + "\r\n")
	}
	sb.WriteString("To: " + strings.Join(data.To, ", ") + "\r\n")
	if len(data.CC) > 0 {
		sb.WriteString("Cc: " + strings.Join(data.CC, ", ") + "\r\n")
	}
	sb.WriteString("Message-ID: <" + parsed.MessageID + ">\r\n")
	sb.WriteString("Subject: " + data.Subject + "\r\n")
	if data.HTML != "" && data.Text == "" {
		sb.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		sb.WriteString(data.HTML)
	} else {
		sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		sb.WriteString(data.Text)
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// parseAuthResult 解析 provider 给出的验证结论，缺省按 pass 处理
// （能走到这里说明事件本身已通过签名验证）
func parseAuthResult(value string) domain.AuthResult {
	switch strings.ToLower(value) {
	case "pass":
		return domain.AuthResultPass
	case "fail":
		return domain.AuthResultFail
	case "none":
		return domain.AuthResultNone
	case "":
		return domain.AuthResultPass
	default:
		return domain.AuthResultUnknown
	}
}

func lowercaseAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.ToLower(strings.TrimSpace(v)))
	}
	return out
}

func headerFirst(c *gin.Context, names ...string) string {
	for _, name := range names {
		if v := c.GetHeader(name); v != "" {
			return v
		}
	}
	return ""
}
