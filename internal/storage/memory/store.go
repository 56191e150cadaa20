package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"throwbox/backend/internal/domain"
)

// Store 内存存储实现，语义与 PostgreSQL 实现保持一致。
// 用于开发模式和单元测试。
type Store struct {
	mu          sync.RWMutex
	mailboxes   map[string]*domain.Mailbox // id -> mailbox
	aliases     map[string]*domain.Alias   // id -> alias
	messages    map[string]*domain.Message // id -> message
	attachments map[string][]*domain.Attachment
	webhookLogs []*domain.WebhookLog
	auditLogs   []*domain.AuditLog
	// (mailboxID, messageID) 去重索引，模拟唯一索引
	messageKeys map[string]string // key -> message row id
}

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{
		mailboxes:   make(map[string]*domain.Mailbox),
		aliases:     make(map[string]*domain.Alias),
		messages:    make(map[string]*domain.Message),
		attachments: make(map[string][]*domain.Attachment),
		messageKeys: make(map[string]string),
	}
}

func messageKey(mailboxID, messageID string) string {
	return mailboxID + "\x00" + messageID
}

// ========== Mailbox ==========

func (s *Store) SaveMailbox(_ context.Context, mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *mailbox
	s.mailboxes[mailbox.ID] = &clone
	return nil
}

func (s *Store) GetMailbox(_ context.Context, id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mb, ok := s.mailboxes[id]
	if !ok {
		return nil, domain.ErrMailboxNotFound
	}
	clone := *mb
	return &clone, nil
}

func (s *Store) GetMailboxByAddress(_ context.Context, localPart, domainName string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, mb := range s.mailboxes {
		if strings.EqualFold(mb.LocalPart, localPart) && strings.EqualFold(mb.Domain, domainName) {
			clone := *mb
			return &clone, nil
		}
	}
	return nil, domain.ErrMailboxNotFound
}

func (s *Store) IncrementEmailCount(_ context.Context, mailboxID string, receivedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.mailboxes[mailboxID]
	if !ok {
		return domain.ErrMailboxNotFound
	}
	mb.EmailCount++
	mb.LastEmailAt = &receivedAt
	return nil
}

func (s *Store) DeleteMailbox(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteMailboxLocked(id)
	return nil
}

// deleteMailboxLocked 级联删除邮箱及其邮件与附件（需持有写锁），
// 返回被删邮件的 ID
func (s *Store) deleteMailboxLocked(id string) []string {
	delete(s.mailboxes, id)
	var messageIDs []string
	for msgID, msg := range s.messages {
		if msg.MailboxID == id {
			delete(s.messageKeys, messageKey(msg.MailboxID, msg.MessageID))
			delete(s.attachments, msgID)
			delete(s.messages, msgID)
			messageIDs = append(messageIDs, msgID)
		}
	}
	return messageIDs
}

// ========== Alias ==========

func (s *Store) SaveAlias(_ context.Context, alias *domain.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *alias
	s.aliases[alias.ID] = &clone
	return nil
}

func (s *Store) GetAliasByAddress(_ context.Context, localPart, domainName string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.aliases {
		if a.IsActive && strings.EqualFold(a.LocalPart, localPart) && strings.EqualFold(a.Domain, domainName) {
			clone := *a
			return &clone, nil
		}
	}
	return nil, domain.ErrAliasNotFound
}

// ========== Message ==========

func (s *Store) SaveMessage(_ context.Context, message *domain.Message, attachments []*domain.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey(message.MailboxID, message.MessageID)
	if _, exists := s.messageKeys[key]; exists {
		return domain.ErrDuplicateMessage
	}

	clone := *message
	s.messages[message.ID] = &clone
	s.messageKeys[key] = message.ID

	for _, att := range attachments {
		att.MessageID = message.ID
		attClone := *att
		s.attachments[message.ID] = append(s.attachments[message.ID], &attClone)
	}
	return nil
}

func (s *Store) GetMessage(_ context.Context, mailboxID, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	if !ok || msg.MailboxID != mailboxID {
		return nil, domain.ErrMessageNotFound
	}
	clone := *msg
	clone.Attachments = append([]*domain.Attachment(nil), s.attachments[messageID]...)
	return &clone, nil
}

func (s *Store) ListMessages(_ context.Context, mailboxID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Message
	for _, msg := range s.messages {
		if msg.MailboxID == mailboxID {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CountMessages(_ context.Context, mailboxID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, msg := range s.messages {
		if msg.MailboxID == mailboxID {
			count++
		}
	}
	return count, nil
}

// ========== 生命周期清扫 ==========

func (s *Store) DeactivateExpiredMailboxes(_ context.Context, now time.Time) ([]domain.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []domain.Mailbox
	for _, mb := range s.mailboxes {
		if mb.IsActive && mb.ExpiresAt.Before(now) {
			mb.IsActive = false
			expired = append(expired, *mb)
		}
	}
	return expired, nil
}

func (s *Store) PurgeInactiveMailboxes(_ context.Context, expiredBefore time.Time) (int64, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		purged     int64
		messageIDs []string
	)
	for id, mb := range s.mailboxes {
		if !mb.IsActive && mb.ExpiresAt.Before(expiredBefore) {
			messageIDs = append(messageIDs, s.deleteMailboxLocked(id)...)
			purged++
		}
	}
	return purged, messageIDs, nil
}

func (s *Store) DeleteWebhookLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.webhookLogs[:0]
	var deleted int64
	for _, l := range s.webhookLogs {
		if l.CreatedAt.Before(cutoff) {
			deleted++
		} else {
			kept = append(kept, l)
		}
	}
	s.webhookLogs = kept
	return deleted, nil
}

func (s *Store) DeleteAuditLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.auditLogs[:0]
	var deleted int64
	for _, l := range s.auditLogs {
		if l.CreatedAt.Before(cutoff) {
			deleted++
		} else {
			kept = append(kept, l)
		}
	}
	s.auditLogs = kept
	return deleted, nil
}

// ========== Webhook 日志 ==========

func (s *Store) SaveWebhookLog(_ context.Context, log *domain.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *log
	s.webhookLogs = append(s.webhookLogs, &clone)
	return nil
}

// Health 探活（内存存储永远健康）
func (s *Store) Health(_ context.Context) error {
	return nil
}
