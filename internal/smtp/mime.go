package smtp

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"throwbox/backend/internal/domain"
)

// Header 是一条原始邮件头（保留到达顺序）。
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ParsedEmail 表示解析后的邮件内容。
type ParsedEmail struct {
	MessageID   string // 协议 Message-ID，缺失时为原文哈希生成的替代 ID
	Subject     string
	FromAddress string
	FromName    string
	To          []string
	CC          []string
	ReplyTo     string
	Text        string
	HTML        string
	Headers     []Header // 最多 domain.HeaderSnapshotLimit 条
	Attachments []*domain.Attachment
}

// ParseEmail 解析邮件，提取头部、文本、HTML 和附件。
func ParseEmail(rawEmail []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(rawEmail))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	parsed := &ParsedEmail{
		MessageID:   extractMessageID(msg.Header, rawEmail),
		Subject:     decodeHeader(msg.Header.Get("Subject")),
		To:          parseAddressList(msg.Header.Get("To")),
		CC:          parseAddressList(msg.Header.Get("Cc")),
		Headers:     snapshotHeaders(rawEmail),
		Attachments: make([]*domain.Attachment, 0),
	}

	parsed.FromAddress, parsed.FromName = parseFrom(msg.Header.Get("From"))

	if replyTo, err := mail.ParseAddress(decodeHeader(msg.Header.Get("Reply-To"))); err == nil {
		parsed.ReplyTo = strings.ToLower(replyTo.Address)
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或解析失败，当作纯文本处理
		body, _ := io.ReadAll(msg.Body)
		parsed.Text = string(body)
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}

		mr := multipart.NewReader(msg.Body, boundary)
		if err := parseMultipart(mr, parsed); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
	} else {
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}

		if strings.HasPrefix(mediaType, "text/html") {
			parsed.HTML = body
		} else {
			parsed.Text = body
		}
	}

	return parsed, nil
}

// extractMessageID 取 Message-ID 头，缺失时用原文哈希生成确定性替代 ID。
// 替代 ID 对同一字节串稳定，重复投递仍然会命中幂等去重。
func extractMessageID(header mail.Header, rawEmail []byte) string {
	id := strings.TrimSpace(header.Get("Message-Id"))
	id = strings.Trim(id, "<>")
	if id != "" {
		return id
	}
	sum := sha256.Sum256(rawEmail)
	return "sha256-" + hex.EncodeToString(sum[:])
}

// parseFrom 解析 From 头，返回地址和显示名
func parseFrom(raw string) (address, name string) {
	decoded := decodeHeader(raw)
	addr, err := mail.ParseAddress(decoded)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(decoded)), ""
	}
	return strings.ToLower(addr.Address), addr.Name
}

// parseAddressList 解析地址列表头（To / Cc）
func parseAddressList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(decodeHeader(raw))
	if err != nil {
		return []string{strings.TrimSpace(raw)}
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

// snapshotHeaders 按到达顺序提取前 HeaderSnapshotLimit 条原始头部。
// net/mail 的 Header 是无序 map，这里直接扫描原文保留顺序。
func snapshotHeaders(rawEmail []byte) []Header {
	headerBlock := rawEmail
	if idx := bytes.Index(rawEmail, []byte("\r\n\r\n")); idx >= 0 {
		headerBlock = rawEmail[:idx]
	} else if idx := bytes.Index(rawEmail, []byte("\n\n")); idx >= 0 {
		headerBlock = rawEmail[:idx]
	}

	var headers []Header
	var current *Header

	for _, line := range strings.Split(string(headerBlock), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		// 续行折叠到上一条头部
		if line[0] == ' ' || line[0] == '\t' {
			if current != nil {
				current.Value += " " + strings.TrimSpace(line)
			}
			continue
		}

		if len(headers) >= domain.HeaderSnapshotLimit {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers = append(headers, Header{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
		current = &headers[len(headers)-1]
	}

	return headers
}

// parseMultipart 递归解析多部分邮件。
func parseMultipart(mr *multipart.Reader, parsed *ParsedEmail) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		contentType := part.Header.Get("Content-Type")
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			mediaType = "text/plain"
		}

		// 检查是否是附件
		disposition := part.Header.Get("Content-Disposition")
		contentID := strings.Trim(strings.TrimSpace(part.Header.Get("Content-Id")), "<>")
		if disposition != "" {
			dispType, dispParams, _ := mime.ParseMediaType(disposition)
			if dispType == "attachment" || dispType == "inline" {
				filename := dispParams["filename"]
				if filename == "" {
					filename = params["name"]
				}
				if filename == "" {
					filename = "unnamed"
				}
				filename = decodeHeader(filename)

				content, err := io.ReadAll(part)
				if err != nil {
					continue
				}

				if strings.EqualFold(part.Header.Get("Content-Transfer-Encoding"), "base64") {
					decoded, err := base64.StdEncoding.DecodeString(string(content))
					if err == nil {
						content = decoded
					}
				}

				parsed.Attachments = append(parsed.Attachments, &domain.Attachment{
					ID:          uuid.NewString(),
					Filename:    filename,
					ContentType: mediaType,
					Size:        int64(len(content)),
					IsInline:    dispType == "inline",
					ContentID:   contentID,
					Content:     content,
				})
				continue
			}
		}

		// 处理嵌套的 multipart
		if strings.HasPrefix(mediaType, "multipart/") {
			boundary := params["boundary"]
			if boundary != "" {
				nestedReader := multipart.NewReader(part, boundary)
				if err := parseMultipart(nestedReader, parsed); err != nil {
					return err
				}
			}
			continue
		}

		// 处理文本内容
		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}

		if strings.HasPrefix(mediaType, "text/html") {
			if parsed.HTML == "" {
				parsed.HTML = body
			}
		} else if strings.HasPrefix(mediaType, "text/plain") {
			if parsed.Text == "" {
				parsed.Text = body
			}
		}
	}

	return nil
}

// decodeBody 根据编码方式解码邮件体。
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	transferEncoding = strings.ToLower(strings.TrimSpace(transferEncoding))

	var decoded io.Reader = reader

	switch transferEncoding {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	case "7bit", "8bit", "binary", "":
		// 不需要解码
		decoded = reader
	default:
		// 未知编码，尝试直接读取
		decoded = reader
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	// 字符集转换
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := getCharsetEncoding(charset); enc != nil {
			decoder := enc.NewDecoder()
			converted, _, err := transform.Bytes(decoder, body)
			if err == nil {
				body = converted
			}
		}
	}

	return string(body), nil
}

// getCharsetEncoding 根据字符集名称返回编码器
func getCharsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp", "shift_jis", "euc-jp":
		return japanese.ShiftJIS
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}

// decodeHeader 解码 RFC 2047 编码的头部值
func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := new(mime.WordDecoder)
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		if enc := getCharsetEncoding(strings.ToLower(charset)); enc != nil {
			return transform.NewReader(input, enc.NewDecoder()), nil
		}
		return input, nil
	}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
