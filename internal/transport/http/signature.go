package httptransport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// secretPrefix provider 签名密钥的标准前缀
	secretPrefix = "whsec_"
	// timestampTolerance 时间戳容忍窗口（防重放）
	timestampTolerance = 5 * time.Minute
)

var (
	// ErrInvalidSignature 签名验证失败
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrStaleTimestamp 时间戳超出容忍窗口
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance window")
)

// SignatureVerifier 验证 provider 推送事件的签名。
//
// 签名方案（svix 风格）：
//   - 密钥: "whsec_" + base64
//   - 被签内容: "{id}.{timestamp}.{body}"
//   - 签名头: 空格分隔的 "v1,<base64 hmac-sha256>" 列表
//
// secret 为空时所有请求直接放行——这是显式声明的宽松默认，
// 用于尚未配置签名的部署，不是静默忽略验证失败。
type SignatureVerifier struct {
	key []byte
}

// NewSignatureVerifier 创建签名验证器。secret 为空时返回放行一切的验证器。
func NewSignatureVerifier(secret string) (*SignatureVerifier, error) {
	if secret == "" {
		return &SignatureVerifier{}, nil
	}

	encoded := strings.TrimPrefix(secret, secretPrefix)
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook signing secret: %w", err)
	}

	return &SignatureVerifier{key: key}, nil
}

// Enabled 返回是否启用了签名验证
func (v *SignatureVerifier) Enabled() bool {
	return len(v.key) > 0
}

// Verify 验证一次请求的签名三元组。
func (v *SignatureVerifier) Verify(id, timestamp, signatureHeader string, body []byte) error {
	if !v.Enabled() {
		return nil
	}

	if id == "" || timestamp == "" || signatureHeader == "" {
		return ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}

	age := time.Since(time.Unix(ts, 0))
	if age > timestampTolerance || age < -timestampTolerance {
		return ErrStaleTimestamp
	}

	expected := v.sign(id, timestamp, body)

	// 签名头可能携带多个版本的签名，任意一个匹配即通过
	for _, candidate := range strings.Fields(signatureHeader) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}

	return ErrInvalidSignature
}

// sign 计算 "{id}.{timestamp}.{body}" 的 HMAC-SHA256 并 base64 编码
func (v *SignatureVerifier) sign(id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
