package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStore 附件二进制内容的文件系统存储。
// 数据库只保存附件元数据和 StorageKey，内容落在这里。
type FilesystemStore struct {
	basePath string
}

// NewFilesystemStore 创建附件存储实例
func NewFilesystemStore(basePath string) (*FilesystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("attachment storage path is required")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create attachment directory: %w", err)
	}
	return &FilesystemStore{basePath: filepath.Clean(basePath)}, nil
}

// Put 写入附件内容，返回存储键和内容的 sha256 校验和。
// 存储键格式: {messageID}/{attachmentID}
func (s *FilesystemStore) Put(messageID, attachmentID string, content []byte) (key string, checksum string, err error) {
	if err := validateSegment(messageID); err != nil {
		return "", "", err
	}
	if err := validateSegment(attachmentID); err != nil {
		return "", "", err
	}

	dir := filepath.Join(s.basePath, messageID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create attachment directory: %w", err)
	}

	file := filepath.Join(dir, attachmentID)
	if err := os.WriteFile(file, content, 0644); err != nil {
		return "", "", fmt.Errorf("failed to write attachment: %w", err)
	}

	sum := sha256.Sum256(content)
	return messageID + "/" + attachmentID, hex.EncodeToString(sum[:]), nil
}

// Get 按存储键读取附件内容
func (s *FilesystemStore) Get(key string) ([]byte, error) {
	messageID, attachmentID, ok := strings.Cut(key, "/")
	if !ok {
		return nil, fmt.Errorf("invalid storage key: %q", key)
	}
	if err := validateSegment(messageID); err != nil {
		return nil, err
	}
	if err := validateSegment(attachmentID); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(filepath.Join(s.basePath, messageID, attachmentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("attachment not found: %s", key)
		}
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	return content, nil
}

// DeleteMessage 删除一封邮件的全部附件
func (s *FilesystemStore) DeleteMessage(messageID string) error {
	if err := validateSegment(messageID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.basePath, messageID)); err != nil {
		return fmt.Errorf("failed to delete attachments: %w", err)
	}
	return nil
}

// validateSegment 拒绝可能逃出存储根目录的路径段
func validateSegment(segment string) error {
	if segment == "" || segment == "." || segment == ".." ||
		strings.ContainsAny(segment, `/\`) {
		return fmt.Errorf("invalid path segment: %q", segment)
	}
	return nil
}
