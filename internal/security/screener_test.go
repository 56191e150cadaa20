package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScreenDangerousExtension(t *testing.T) {
	s := NewScreener()

	dangerous, reason := s.Screen("invoice.exe", []byte("not actually a binary"))
	assert.True(t, dangerous)
	assert.Contains(t, reason, ".exe")

	dangerous, reason = s.Screen("Setup.MSI", nil)
	assert.True(t, dangerous)
	assert.Contains(t, reason, ".msi")
}

func TestScreenExecutableMagic(t *testing.T) {
	s := NewScreener()

	// PE 魔数伪装成图片
	dangerous, reason := s.Screen("photo.png", []byte{0x4D, 0x5A, 0x90, 0x00})
	assert.True(t, dangerous)
	assert.Equal(t, "executable file signature", reason)

	dangerous, _ = s.Screen("tool.pdf", []byte{0x7F, 0x45, 0x4C, 0x46, 0x02})
	assert.True(t, dangerous)
}

func TestScreenBenignAttachment(t *testing.T) {
	s := NewScreener()

	dangerous, reason := s.Screen("report.pdf", []byte("%PDF-1.7 ..."))
	assert.False(t, dangerous)
	assert.Empty(t, reason)

	dangerous, _ = s.Screen("notes.txt", []byte("plain text"))
	assert.False(t, dangerous)
}
