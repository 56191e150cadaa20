package security

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Screener 对入站附件做安全甄别。
//
// 甄别只打标记，不拦截：一次性邮箱收到什么就存什么，
// 危险判定交给展示层提示用户，误判不会弄丢邮件。
type Screener struct {
	dangerousExtensions map[string]bool
}

// executableMagic 常见可执行文件的魔数
var executableMagic = [][]byte{
	{0x4D, 0x5A},             // PE
	{0x7F, 0x45, 0x4C, 0x46}, // ELF
	{0xFE, 0xED, 0xFA, 0xCE}, // Mach-O
	{0xCE, 0xFA, 0xED, 0xFE}, // Mach-O（反序）
	{0xCF, 0xFA, 0xED, 0xFE}, // Mach-O 64 位
}

// NewScreener 创建附件甄别器
func NewScreener() *Screener {
	return &Screener{
		dangerousExtensions: map[string]bool{
			".exe": true,
			".bat": true,
			".cmd": true,
			".scr": true,
			".pif": true,
			".com": true,
			".vbs": true,
			".js":  true,
			".jar": true,
			".msi": true,
			".ps1": true,
		},
	}
}

// Screen 甄别一个附件，危险时返回 (true, 原因)。
func (s *Screener) Screen(filename string, content []byte) (bool, string) {
	ext := strings.ToLower(filepath.Ext(filename))
	if s.dangerousExtensions[ext] {
		return true, "dangerous file extension " + ext
	}

	for _, magic := range executableMagic {
		if bytes.HasPrefix(content, magic) {
			return true, "executable file signature"
		}
	}

	return false, ""
}
