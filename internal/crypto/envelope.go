package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// envelopeVersion 是密文信封的版本标签。
	// 带版本前缀让"密文还是明文"成为契约问题而不是解密失败的猜测。
	envelopeVersion = "v1"

	tagLength = 16 // GCM 认证标签长度
)

var (
	// ErrNotEncrypted 输入没有信封版本前缀，是历史遗留的明文数据。
	ErrNotEncrypted = errors.New("data is not an encrypted envelope")
	// ErrInvalidEnvelope 信封格式损坏或认证失败。
	ErrInvalidEnvelope = errors.New("invalid encryption envelope")
)

// Encryptor 对邮件正文做静态信封加密（AES-256-GCM）。
//
// 信封格式: "v1:<nonce hex>:<tag hex>:<ciphertext hex>"。
// 实际加密密钥通过 HKDF-SHA256 从主密钥派生，主密钥轮换时
// 只需要提升信封版本。
type Encryptor struct {
	aead cipher.AEAD
}

// New 根据 64 位 hex 主密钥创建加密器。
func New(masterKeyHex string) (*Encryptor, error) {
	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil || len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 64 hex characters (32 bytes)")
	}

	// 从主密钥派生正文加密密钥，info 绑定用途
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte("throwbox/body-encryption/"+envelopeVersion))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive body key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt 加密明文并编码为信封字符串。
// 空字符串也会被加密（信封里只有认证标签），保证落盘内容一律有版本前缀。
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nil, nonce, []byte(plaintext), nil)

	// Seal 的输出是 ciphertext||tag，信封里拆开存放
	ciphertext := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]

	return strings.Join([]string{
		envelopeVersion,
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt 解开信封还原明文。
//
// 没有版本前缀的输入返回 ErrNotEncrypted——历史明文数据由调用方
// 显式决定如何处理，这里绝不做"解密失败就当明文"的猜测。
func (e *Encryptor) Decrypt(envelope string) (string, error) {
	if !IsEncrypted(envelope) {
		return "", ErrNotEncrypted
	}

	parts := strings.Split(envelope, ":")
	if len(parts) != 4 {
		return "", ErrInvalidEnvelope
	}

	nonce, err := hex.DecodeString(parts[1])
	if err != nil || len(nonce) != e.aead.NonceSize() {
		return "", ErrInvalidEnvelope
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil || len(tag) != tagLength {
		return "", ErrInvalidEnvelope
	}
	ciphertext, err := hex.DecodeString(parts[3])
	if err != nil {
		return "", ErrInvalidEnvelope
	}

	plaintext, err := e.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrInvalidEnvelope
	}

	return string(plaintext), nil
}

// IsEncrypted 判断数据是否带有当前信封版本前缀。
func IsEncrypted(data string) bool {
	return strings.HasPrefix(data, envelopeVersion+":")
}
