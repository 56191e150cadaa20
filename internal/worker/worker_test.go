package worker

import (
	"context"
	"encoding/json"
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
	"throwbox/backend/internal/pipeline"
	"throwbox/backend/internal/queue"
	"throwbox/backend/internal/storage/memory"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type discardBlobs struct{}

func (discardBlobs) Put(messageID, attachmentID string, _ []byte) (string, string, error) {
	return messageID + "/" + attachmentID, "checksum", nil
}

func (discardBlobs) DeleteMessage(string) error { return nil }

func newTestWorker(t *testing.T) (*Worker, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	encryptor, err := crypto.New(testMasterKey)
	require.NoError(t, err)

	dir := directory.New(store, nil, zap.NewNop())
	runner := dispatch.NewRunner(zap.NewNop(), nil)
	p := pipeline.New(dir, store, encryptor, discardBlobs{}, nil, runner, zap.NewNop())

	q := queue.NewMemoryQueue(3, time.Millisecond, zap.NewNop())
	return New(q, p, 1, nil, nil, zap.NewNop()), store
}

func seedMailbox(t *testing.T, store *memory.Store, localPart string) *domain.Mailbox {
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
	require.NoError(t, store.SaveMailbox(context.Background(), mb))
	return mb
}

func jobPayload(t *testing.T, recipient string, raw []byte) []byte {
	t.Helper()
	payload, err := json.Marshal(&domain.InboundJob{
		RawEmail:    raw,
		Recipient:   recipient,
		Sender:      "sender@example.com",
		SPFResult:   domain.AuthResultNone,
		DKIMResult:  domain.AuthResultNone,
		DMARCResult: domain.AuthResultNone,
	})
	require.NoError(t, err)
	return payload
}

func TestHandleStoresEmail(t *testing.T) {
	w, store := newTestWorker(t)
	mb := seedMailbox(t, store, "alice")

	raw := []byte("Message-ID: <m1@x>\r\nFrom: sender@example.com\r\nSubject: hi\r\n\r\nbody")
	require.NoError(t, w.Handle(context.Background(), jobPayload(t, "alice@throwbox.net", raw)))

	count, err := store.CountMessages(context.Background(), mb.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestHandleNoInboxIsAcked(t *testing.T) {
	w, _ := newTestWorker(t)

	raw := []byte("Message-ID: <m1@x>\r\nSubject: hi\r\n\r\nbody")
	// 邮箱不存在是正常结论：不报错，任务被确认，不会重试
	assert.NoError(t, w.Handle(context.Background(), jobPayload(t, "ghost@throwbox.net", raw)))
}

func TestHandleDuplicateIsAcked(t *testing.T) {
	w, store := newTestWorker(t)
	mb := seedMailbox(t, store, "alice")

	raw := []byte("Message-ID: <dup@x>\r\nSubject: hi\r\n\r\nbody")
	payload := jobPayload(t, "alice@throwbox.net", raw)

	require.NoError(t, w.Handle(context.Background(), payload))
	// 重复投递同样确认消费，不产生第二行
	require.NoError(t, w.Handle(context.Background(), payload))

	count, err := store.CountMessages(context.Background(), mb.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestHandleUnparseableEmailReturnsError(t *testing.T) {
	w, store := newTestWorker(t)
	seedMailbox(t, store, "alice")

	// 不是合法的 RFC 5322 报文
	err := w.Handle(context.Background(), jobPayload(t, "alice@throwbox.net", []byte("\x00garbage")))
	assert.Error(t, err)
}

func TestHandleMalformedPayloadReturnsError(t *testing.T) {
	w, _ := newTestWorker(t)
	assert.Error(t, w.Handle(context.Background(), []byte("{not json")))
}
