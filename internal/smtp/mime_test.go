package smtp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"throwbox/backend/internal/domain"
)

func TestParseEmailPlainText(t *testing.T) {
	raw := []byte("Message-ID: <abc123@example.com>\r\n" +
		"From: \"Alice Sender\" <alice@example.com>\r\n" +
		"To: bob@throwbox.net\r\n" +
		"Cc: carol@throwbox.net, dave@throwbox.net\r\n" +
		"Reply-To: replies@example.com\r\n" +
		"Subject: Hello\r\n" +
		"\r\n" +
		"plain body")

	parsed, err := ParseEmail(raw)
	require.NoError(t, err)

	assert.Equal(t, "abc123@example.com", parsed.MessageID)
	assert.Equal(t, "alice@example.com", parsed.FromAddress)
	assert.Equal(t, "Alice Sender", parsed.FromName)
	assert.Equal(t, []string{"bob@throwbox.net"}, parsed.To)
	assert.Equal(t, []string{"carol@throwbox.net", "dave@throwbox.net"}, parsed.CC)
	assert.Equal(t, "replies@example.com", parsed.ReplyTo)
	assert.Equal(t, "Hello", parsed.Subject)
	assert.Equal(t, "plain body", parsed.Text)
	assert.Empty(t, parsed.HTML)
}

func TestParseEmailMissingMessageIDGetsStableFallback(t *testing.T) {
	raw := []byte("From: a@example.com\r\nTo: b@throwbox.net\r\nSubject: x\r\n\r\nbody")

	first, err := ParseEmail(raw)
	require.NoError(t, err)
	second, err := ParseEmail(raw)
	require.NoError(t, err)

	// 同一字节串的替代 ID 必须稳定，重复投递才能命中幂等去重
	assert.True(t, strings.HasPrefix(first.MessageID, "sha256-"))
	assert.Equal(t, first.MessageID, second.MessageID)

	other, err := ParseEmail(append(raw, '!'))
	require.NoError(t, err)
	assert.NotEqual(t, first.MessageID, other.MessageID)
}

func TestParseEmailMultipartWithAttachment(t *testing.T) {
	raw := []byte("Message-ID: <m1@example.com>\r\n" +
		"From: a@example.com\r\n" +
		"To: b@throwbox.net\r\n" +
		"Subject: files\r\n" +
		"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--XYZ\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"doc.pdf\"\r\n" +
		"\r\n" +
		"%PDF-1.4 fake\r\n" +
		"--XYZ--\r\n")

	parsed, err := ParseEmail(raw)
	require.NoError(t, err)

	assert.Equal(t, "see attached\r\n", parsed.Text)
	require.Len(t, parsed.Attachments, 1)
	att := parsed.Attachments[0]
	assert.Equal(t, "doc.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.False(t, att.IsInline)
	assert.Equal(t, int64(len("%PDF-1.4 fake\r\n")), att.Size)
}

func TestParseEmailInlineAttachmentKeepsContentID(t *testing.T) {
	raw := []byte("From: a@example.com\r\n" +
		"Subject: inline\r\n" +
		"Content-Type: multipart/related; boundary=REL\r\n" +
		"\r\n" +
		"--REL\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<img src=\"cid:logo@example\">\r\n" +
		"--REL\r\n" +
		"Content-Type: image/png\r\n" +
		"Content-Id: <logo@example>\r\n" +
		"Content-Disposition: inline; filename=\"logo.png\"\r\n" +
		"\r\n" +
		"PNGDATA\r\n" +
		"--REL--\r\n")

	parsed, err := ParseEmail(raw)
	require.NoError(t, err)

	require.Len(t, parsed.Attachments, 1)
	assert.True(t, parsed.Attachments[0].IsInline)
	assert.Equal(t, "logo@example", parsed.Attachments[0].ContentID)
}

func TestSnapshotHeadersKeepsOrderAndLimit(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Received: from relay-1\r\n")
	sb.WriteString("Received: from relay-2\r\n")
	for i := 0; i < 30; i++ {
		sb.WriteString("X-Custom: value\r\n")
	}
	sb.WriteString("\r\nbody")

	headers := snapshotHeaders([]byte(sb.String()))

	require.Len(t, headers, domain.HeaderSnapshotLimit)
	assert.Equal(t, "Received", headers[0].Name)
	assert.Equal(t, "from relay-1", headers[0].Value)
	assert.Equal(t, "from relay-2", headers[1].Value)
}

func TestSnapshotHeadersFoldsContinuationLines(t *testing.T) {
	raw := []byte("Subject: a very\r\n long subject\r\n\r\nbody")

	headers := snapshotHeaders(raw)

	require.Len(t, headers, 1)
	assert.Equal(t, "a very long subject", headers[0].Value)
}

func TestParseEmailDecodesEncodedSubject(t *testing.T) {
	// "你好" 的 UTF-8 base64 编码
	raw := []byte("From: a@example.com\r\nSubject: =?UTF-8?B?5L2g5aW9?=\r\n\r\nbody")

	parsed, err := ParseEmail(raw)
	require.NoError(t, err)
	assert.Equal(t, "你好", parsed.Subject)
}
