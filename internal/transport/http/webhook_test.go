package httptransport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"throwbox/backend/internal/crypto"
	"throwbox/backend/internal/directory"
	"throwbox/backend/internal/dispatch"
	"throwbox/backend/internal/domain"
	"throwbox/backend/internal/pipeline"
	"throwbox/backend/internal/storage/memory"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type countingDispatcher struct {
	calls atomic.Int32
}

func (d *countingDispatcher) Name() string { return "counting" }

func (d *countingDispatcher) Dispatch(context.Context, *dispatch.Delivery) error {
	d.calls.Add(1)
	return nil
}

type webhookEnv struct {
	handler    *WebhookHandler
	store      *memory.Store
	dispatcher *countingDispatcher
}

func newWebhookEnv(t *testing.T, secret string) *webhookEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	encryptor, err := crypto.New(testMasterKey)
	require.NoError(t, err)

	dispatcher := &countingDispatcher{}
	runner := dispatch.NewRunner(zap.NewNop(), nil, dispatcher)
	dir := directory.New(store, nil, zap.NewNop())
	p := pipeline.New(dir, store, encryptor, discardBlobs{}, nil, runner, zap.NewNop())

	verifier, err := NewSignatureVerifier(secret)
	require.NoError(t, err)

	return &webhookEnv{
		handler:    NewWebhookHandler(p, store, verifier, nil, zap.NewNop()),
		store:      store,
		dispatcher: dispatcher,
	}
}

type discardBlobs struct{}

func (discardBlobs) Put(messageID, attachmentID string, _ []byte) (string, string, error) {
	return messageID + "/" + attachmentID, "checksum", nil
}

func (discardBlobs) DeleteMessage(string) error { return nil }

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

func (env *webhookEnv) post(body []byte, headers map[string]string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/inbound", bytes.NewReader(body))
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	env.handler.HandleInbound(c)
	return rec
}

func receivedEvent(t *testing.T, recipient string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"type": "email.received",
		"data": map[string]interface{}{
			"messageId": fmt.Sprintf("<%s@provider>", uuid.NewString()),
			"from":      map[string]string{"address": "sender@example.com", "name": "Sender"},
			"to":        []string{recipient},
			"subject":   "hello",
			"text":      "hello from the provider",
			"spf":       "pass",
			"dkim":      "pass",
			"dmarc":     "pass",
		},
	})
	require.NoError(t, err)
	return body
}

func TestWebhookReceivedStoresMessage(t *testing.T) {
	env := newWebhookEnv(t, "")
	mb := seedMailbox(t, env.store, "alice")

	rec := env.post(receivedEvent(t, "alice@throwbox.net"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	count, err := env.store.CountMessages(context.Background(), mb.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int32(1), env.dispatcher.calls.Load())
}

func TestWebhookDeliveredEventIsAcknowledged(t *testing.T) {
	env := newWebhookEnv(t, "")
	mb := seedMailbox(t, env.store, "alice")

	body, err := json.Marshal(map[string]interface{}{
		"type": "email.delivered",
		"data": map[string]interface{}{"messageId": "<x@provider>"},
	})
	require.NoError(t, err)

	rec := env.post(body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 投递状态事件不产生消息，也不触发下游
	count, err := env.store.CountMessages(context.Background(), mb.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	assert.Equal(t, int32(0), env.dispatcher.calls.Load())
}

func TestWebhookUnknownRecipientStillAcknowledged(t *testing.T) {
	env := newWebhookEnv(t, "")

	rec := env.post(receivedEvent(t, "ghost@throwbox.net"), nil)
	// 邮箱不存在是正常结论，provider 不应该重试
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(0), env.dispatcher.calls.Load())
}

func TestWebhookInvalidPayloadRejected(t *testing.T) {
	env := newWebhookEnv(t, "")

	rec := env.post([]byte("{not json"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookMissingTypeRejected(t *testing.T) {
	env := newWebhookEnv(t, "")

	rec := env.post([]byte(`{"data":{}}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func signPayload(key []byte, id, ts string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + ts + "."))
	mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestWebhookSignatureEnforced(t *testing.T) {
	key := []byte("super-secret-signing-key")
	secret := "whsec_" + base64.StdEncoding.EncodeToString(key)

	env := newWebhookEnv(t, secret)
	mb := seedMailbox(t, env.store, "alice")

	body := receivedEvent(t, "alice@throwbox.net")
	id := "msg_" + uuid.NewString()
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	// 无签名头被拒
	rec := env.post(body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// 错误签名被拒
	rec = env.post(body, map[string]string{
		"webhook-id":        id,
		"webhook-timestamp": ts,
		"webhook-signature": "v1,AAAA",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// 过期时间戳被拒
	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	rec = env.post(body, map[string]string{
		"webhook-id":        id,
		"webhook-timestamp": stale,
		"webhook-signature": signPayload(key, id, stale, body),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// 正确签名放行
	rec = env.post(body, map[string]string{
		"webhook-id":        id,
		"webhook-timestamp": ts,
		"webhook-signature": signPayload(key, id, ts, body),
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	count, err := env.store.CountMessages(context.Background(), mb.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSignatureVerifierMultipleCandidates(t *testing.T) {
	key := []byte("another-key")
	secret := "whsec_" + base64.StdEncoding.EncodeToString(key)

	v, err := NewSignatureVerifier(secret)
	require.NoError(t, err)
	require.True(t, v.Enabled())

	body := []byte(`{"type":"email.received"}`)
	id := "msg_1"
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	// 签名头里混有旧密钥签名时，任意一个匹配即通过
	header := "v1,bm90LXZhbGlk " + signPayload(key, id, ts, body)
	assert.NoError(t, v.Verify(id, ts, header, body))
}

func TestSignatureVerifierDisabledWhenSecretUnset(t *testing.T) {
	v, err := NewSignatureVerifier("")
	require.NoError(t, err)
	assert.False(t, v.Enabled())
	assert.NoError(t, v.Verify("", "", "", []byte("anything")))
}
