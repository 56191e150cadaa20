package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"throwbox/backend/internal/crypto"
	"throwbox/backend/internal/directory"
	"throwbox/backend/internal/dispatch"
	"throwbox/backend/internal/domain"
	"throwbox/backend/internal/smtp"
	"throwbox/backend/internal/storage/memory"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// memoryBlobs 测试用附件存储
type memoryBlobs struct {
	data map[string][]byte
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{data: make(map[string][]byte)}
}

func (b *memoryBlobs) Put(messageID, attachmentID string, content []byte) (string, string, error) {
	key := messageID + "/" + attachmentID
	b.data[key] = content
	return key, "checksum", nil
}

func (b *memoryBlobs) DeleteMessage(messageID string) error {
	for key := range b.data {
		if strings.HasPrefix(key, messageID+"/") {
			delete(b.data, key)
		}
	}
	return nil
}

// captureRelay 记录出站邮件
type captureRelay struct {
	rawSent  [][]byte
	rawTo    [][]string
	textSent []string
}

func (r *captureRelay) SendRaw(_ context.Context, _ string, to []string, raw []byte) error {
	r.rawTo = append(r.rawTo, to)
	r.rawSent = append(r.rawSent, raw)
	return nil
}

func (r *captureRelay) SendText(_ context.Context, _, to, _, body string) error {
	r.textSent = append(r.textSent, to+": "+body)
	return nil
}

// stubDispatcher 可编程的分发器桩
type stubDispatcher struct {
	name   string
	err    error
	panics bool
	calls  int
}

func (s *stubDispatcher) Name() string { return s.name }

func (s *stubDispatcher) Dispatch(context.Context, *dispatch.Delivery) error {
	s.calls++
	if s.panics {
		panic("dispatcher exploded")
	}
	return s.err
}

type testEnv struct {
	pipeline *Pipeline
	store    *memory.Store
	blobs    *memoryBlobs
	relay    *captureRelay
}

func newTestEnv(t *testing.T, dispatchers ...dispatch.Dispatcher) *testEnv {
	t.Helper()

	store := memory.NewStore()
	blobs := newMemoryBlobs()
	relay := &captureRelay{}

	encryptor, err := crypto.New(testMasterKey)
	require.NoError(t, err)

	dir := directory.New(store, nil, zap.NewNop())
	runner := dispatch.NewRunner(zap.NewNop(), nil, dispatchers...)

	return &testEnv{
		pipeline: New(dir, store, encryptor, blobs, relay, runner, zap.NewNop()),
		store:    store,
		blobs:    blobs,
		relay:    relay,
	}
}

func (e *testEnv) seedMailbox(t *testing.T, localPart string) *domain.Mailbox {
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
	require.NoError(t, e.store.SaveMailbox(context.Background(), mb))
	return mb
}

func inboundEmail(recipient, messageID, text string) *InboundEmail {
	raw := []byte("Message-ID: <" + messageID + ">\r\nSubject: test\r\n\r\n" + text)
	return &InboundEmail{
		Recipient: recipient,
		Sender:    "sender@example.com",
		Raw:       raw,
		Parsed: &smtp.ParsedEmail{
			MessageID:   messageID,
			Subject:     "test",
			FromAddress: "sender@example.com",
			FromName:    "Sender",
			To:          []string{recipient},
			Text:        text,
		},
		SPFResult:   domain.AuthResultNone,
		DKIMResult:  domain.AuthResultNone,
		DMARCResult: domain.AuthResultNone,
	}
}

func TestDeliverStoresEncryptedMessage(t *testing.T) {
	env := newTestEnv(t)
	mb := env.seedMailbox(t, "alice")

	msg, outcome, err := env.pipeline.Deliver(context.Background(), inboundEmail("alice@throwbox.net", "m1@x", "secret content"))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, OutcomeStored, outcome)

	stored, err := env.store.GetMessage(context.Background(), mb.ID, msg.ID)
	require.NoError(t, err)

	// 正文落盘必须是密文，预览是唯一明文片段
	assert.True(t, crypto.IsEncrypted(stored.BodyText))
	assert.NotContains(t, stored.BodyText, "secret content")
	assert.Equal(t, "secret content", stored.BodyPreview)
	assert.Equal(t, "sender@example.com", stored.FromAddress)
}

func TestDeliverNoInboxIsNormalOutcome(t *testing.T) {
	env := newTestEnv(t)

	msg, outcome, err := env.pipeline.Deliver(context.Background(), inboundEmail("ghost@throwbox.net", "m1@x", "hi"))
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, OutcomeNoInbox, outcome)
}

func TestDeliverDuplicateIsSuppressed(t *testing.T) {
	env := newTestEnv(t)
	mb := env.seedMailbox(t, "alice")

	_, outcome, err := env.pipeline.Deliver(context.Background(), inboundEmail("alice@throwbox.net", "dup@x", "hello"))
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, outcome)

	// 同一 (mailbox, message-id) 重复投递：不报错、不产生第二行
	second, outcome, err := env.pipeline.Deliver(context.Background(), inboundEmail("alice@throwbox.net", "dup@x", "hello"))
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, OutcomeDuplicate, outcome)

	count, err := env.store.CountMessages(context.Background(), mb.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// 计数只加了一次
	stored, err := env.store.GetMailbox(context.Background(), mb.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.EmailCount)
}

func TestDeliverSameMessageIDDifferentMailboxes(t *testing.T) {
	env := newTestEnv(t)
	env.seedMailbox(t, "alice")
	env.seedMailbox(t, "bob")

	_, outcome, err := env.pipeline.Deliver(context.Background(), inboundEmail("alice@throwbox.net", "shared@x", "hi"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, outcome)

	// 群发邮件：同一 Message-ID 投往不同邮箱是两封独立邮件
	_, outcome, err = env.pipeline.Deliver(context.Background(), inboundEmail("bob@throwbox.net", "shared@x", "hi"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, outcome)
}

func TestDeliverAliasRelaysWithoutStorage(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveAlias(context.Background(), &domain.Alias{
		ID:        uuid.New().String(),
		Address:   "team@throwbox.net",
		LocalPart: "team",
		Domain:    "throwbox.net",
		ForwardTo: "team@corp.example.com",
		IsActive:  true,
		CreatedAt: time.Now(),
	}))

	in := inboundEmail("team@throwbox.net", "a1@x", "for the team")
	msg, outcome, err := env.pipeline.Deliver(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, OutcomeForwarded, outcome)

	require.Len(t, env.relay.rawSent, 1)
	assert.Equal(t, []string{"team@corp.example.com"}, env.relay.rawTo[0])
	assert.Equal(t, in.Raw, env.relay.rawSent[0])
}

func TestDeliverDispatcherFailureDoesNotAffectStorage(t *testing.T) {
	failing := &stubDispatcher{name: "forwarder", err: errors.New("relay down")}
	panicking := &stubDispatcher{name: "auto-reply", panics: true}
	healthy := &stubDispatcher{name: "realtime-notify"}

	env := newTestEnv(t, failing, panicking, healthy)
	mb := env.seedMailbox(t, "alice")

	msg, outcome, err := env.pipeline.Deliver(context.Background(), inboundEmail("alice@throwbox.net", "m1@x", "hello"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, outcome)

	// 单个分发器失败（甚至 panic）不影响落库，也不影响其他分发器
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, panicking.calls)
	assert.Equal(t, 1, healthy.calls)

	_, err = env.store.GetMessage(context.Background(), mb.ID, msg.ID)
	assert.NoError(t, err)
}

func TestDeliverPersistsAttachmentBlobs(t *testing.T) {
	env := newTestEnv(t)
	env.seedMailbox(t, "alice")

	in := inboundEmail("alice@throwbox.net", "att@x", "see attached")
	in.Parsed.Attachments = []*domain.Attachment{{
		ID:          uuid.New().String(),
		Filename:    "doc.pdf",
		ContentType: "application/pdf",
		Size:        8,
		Content:     []byte("PDFBYTES"),
	}}

	msg, outcome, err := env.pipeline.Deliver(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, outcome)
	assert.True(t, msg.HasAttachment)

	stored, err := env.store.GetMessage(context.Background(), msg.MailboxID, msg.ID)
	require.NoError(t, err)
	require.Len(t, stored.Attachments, 1)
	assert.NotEmpty(t, stored.Attachments[0].StorageKey)
	assert.Equal(t, []byte("PDFBYTES"), env.blobs.data[stored.Attachments[0].StorageKey])
}

func TestDeliverFlagsDangerousAttachment(t *testing.T) {
	env := newTestEnv(t)
	env.seedMailbox(t, "alice")

	in := inboundEmail("alice@throwbox.net", "bad@x", "see attached")
	in.Parsed.Attachments = []*domain.Attachment{{
		ID:          uuid.New().String(),
		Filename:    "invoice.exe",
		ContentType: "application/octet-stream",
		Size:        4,
		Content:     []byte{0x4D, 0x5A, 0x00, 0x00},
	}}

	msg, outcome, err := env.pipeline.Deliver(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, outcome)

	// 危险附件照常入库，只打标记
	stored, err := env.store.GetMessage(context.Background(), msg.MailboxID, msg.ID)
	require.NoError(t, err)
	require.Len(t, stored.Attachments, 1)
	assert.True(t, stored.Attachments[0].Flagged)
	assert.NotEmpty(t, stored.Attachments[0].FlagReason)
}

func TestDeliverTruncatesOverlongSubject(t *testing.T) {
	env := newTestEnv(t)
	env.seedMailbox(t, "alice")

	in := inboundEmail("alice@throwbox.net", "long@x", "body")
	in.Parsed.Subject = strings.Repeat("主", domain.SubjectMaxLen+50)

	msg, outcome, err := env.pipeline.Deliver(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, OutcomeStored, outcome)

	// 超长主题截断入库，而不是撞列宽让整封邮件进死信
	stored, err := env.store.GetMessage(context.Background(), msg.MailboxID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubjectMaxLen, len([]rune(stored.Subject)))
}

func TestMakePreviewTruncatesByRunes(t *testing.T) {
	long := strings.Repeat("好", domain.PreviewMaxLen+100)
	preview := makePreview(long, "")
	assert.Equal(t, domain.PreviewMaxLen, len([]rune(preview)))
}

func TestMakePreviewFallsBackToStrippedHTML(t *testing.T) {
	preview := makePreview("", "<html><body><p>Hello <b>world</b></p></body></html>")
	assert.Equal(t, "Hello world", preview)
}
