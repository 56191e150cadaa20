package directory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"throwbox/backend/internal/domain"
	"throwbox/backend/internal/storage/memory"
)

func newTestDirectory(t *testing.T) (*Directory, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return New(store, nil, zap.NewNop()), store
}

func seedMailbox(t *testing.T, store *memory.Store, localPart string, mutate func(*domain.Mailbox)) *domain.Mailbox {
	t.Helper()
	mb := &domain.Mailbox{
		ID:        uuid.New().String(),
		Address:   localPart + "@throwbox.net",
		LocalPart: localPart,
		Domain:    "throwbox.net",
		Token:     uuid.New().String(),
		ExpiresAt: time.Now().Add(time.Hour),
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	if mutate != nil {
		mutate(mb)
	}
	require.NoError(t, store.SaveMailbox(context.Background(), mb))
	return mb
}

func TestResolveActiveMailbox(t *testing.T) {
	dir, store := newTestDirectory(t)
	mb := seedMailbox(t, store, "alice", nil)

	res, err := dir.Resolve(context.Background(), "alice", "throwbox.net")
	require.NoError(t, err)
	assert.Equal(t, mb.ID, res.MailboxID)
	assert.False(t, res.IsAlias())
}

func TestResolveIsCaseInsensitive(t *testing.T) {
	dir, store := newTestDirectory(t)
	mb := seedMailbox(t, store, "alice", nil)

	res, err := dir.Resolve(context.Background(), "Alice", "ThrowBox.NET")
	require.NoError(t, err)
	assert.Equal(t, mb.ID, res.MailboxID)
}

func TestResolveExpiredMailboxIsNotFound(t *testing.T) {
	dir, store := newTestDirectory(t)
	seedMailbox(t, store, "expired", func(mb *domain.Mailbox) {
		mb.ExpiresAt = time.Now().Add(-time.Minute)
	})

	_, err := dir.Resolve(context.Background(), "expired", "throwbox.net")
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)
}

func TestResolveInactiveMailboxIsNotFound(t *testing.T) {
	dir, store := newTestDirectory(t)
	seedMailbox(t, store, "gone", func(mb *domain.Mailbox) {
		mb.IsActive = false
	})

	_, err := dir.Resolve(context.Background(), "gone", "throwbox.net")
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)
}

func TestResolveCarriesDispatcherConfig(t *testing.T) {
	dir, store := newTestDirectory(t)
	forward := "external@example.com"
	reply := "I am away"
	seedMailbox(t, store, "busy", func(mb *domain.Mailbox) {
		mb.ForwardingTo = &forward
		mb.AutoReplyMsg = &reply
	})

	res, err := dir.Resolve(context.Background(), "busy", "throwbox.net")
	require.NoError(t, err)
	assert.Equal(t, forward, res.ForwardingTo)
	assert.Equal(t, reply, res.AutoReplyMsg)
}

func TestResolveFallsBackToAlias(t *testing.T) {
	dir, store := newTestDirectory(t)
	require.NoError(t, store.SaveAlias(context.Background(), &domain.Alias{
		ID:        uuid.New().String(),
		Address:   "team@throwbox.net",
		LocalPart: "team",
		Domain:    "throwbox.net",
		ForwardTo: "team@corp.example.com",
		IsActive:  true,
		CreatedAt: time.Now(),
	}))

	res, err := dir.Resolve(context.Background(), "team", "throwbox.net")
	require.NoError(t, err)
	assert.True(t, res.IsAlias())
	assert.Equal(t, "team@corp.example.com", res.AliasForwardTo)
}

func TestResolveUnknownAddress(t *testing.T) {
	dir, _ := newTestDirectory(t)

	_, err := dir.Resolve(context.Background(), "nobody", "throwbox.net")
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)
}

// wrappingStore 模拟把哨兵错误包装后返回的存储实现
type wrappingStore struct {
	*memory.Store
}

func (s *wrappingStore) GetMailboxByAddress(ctx context.Context, localPart, domainName string) (*domain.Mailbox, error) {
	mb, err := s.Store.GetMailboxByAddress(ctx, localPart, domainName)
	if err != nil {
		return nil, fmt.Errorf("query mailbox: %w", err)
	}
	return mb, nil
}

func (s *wrappingStore) GetAliasByAddress(ctx context.Context, localPart, domainName string) (*domain.Alias, error) {
	alias, err := s.Store.GetAliasByAddress(ctx, localPart, domainName)
	if err != nil {
		return nil, fmt.Errorf("query alias: %w", err)
	}
	return alias, nil
}

func TestResolveRecognizesWrappedSentinels(t *testing.T) {
	dir := New(&wrappingStore{Store: memory.NewStore()}, nil, zap.NewNop())

	// 包装过的 NotFound 仍然是正常未命中，不能被当成基础设施故障
	_, err := dir.Resolve(context.Background(), "nobody", "throwbox.net")
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)
}
