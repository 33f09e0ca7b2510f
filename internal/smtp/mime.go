package smtp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"

	"dropmail/backend/internal/domain"
)

// ErrMalformedMessage 邮件结构无法解析
var ErrMalformedMessage = errors.New("malformed message")

func init() {
	// go-message/charset 已覆盖 IANA 标准名称，这里补充常见的非标准别名
	charset.RegisterEncoding("gb2312", simplifiedchinese.GBK)
	charset.RegisterEncoding("x-gbk", simplifiedchinese.GBK)
	charset.RegisterEncoding("cp936", simplifiedchinese.GBK)
	charset.RegisterEncoding("big5-hkscs", traditionalchinese.Big5)
	charset.RegisterEncoding("x-sjis", japanese.ShiftJIS)
	charset.RegisterEncoding("ks_c_5601-1987", korean.EUCKR)
}

// ParsedEmail 表示解析后的邮件内容
type ParsedEmail struct {
	Subject     string
	From        string
	Text        string
	HTML        string
	Attachments []domain.Attachment
}

// ParseEmail 解析邮件，提取头部、正文和附件元数据
//
// 附件内容只用于统计大小，不会保留。未知字符集按原始字节处理，
// 非法 UTF-8 会被替换；首行不是头部字段时整封邮件视为纯文本正文。
// 其余结构错误均返回包装了 ErrMalformedMessage 的错误。
func ParseEmail(raw []byte) (*ParsedEmail, error) {
	if !hasHeaderBlock(raw) {
		// 没有头部的邮件整体按纯文本正文处理
		return &ParsedEmail{
			Text:        sanitizeText(string(raw)),
			Attachments: make([]domain.Attachment, 0),
		}, nil
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if mr == nil {
		return nil, ErrMalformedMessage
	}
	defer mr.Close()

	parsed := &ParsedEmail{
		Attachments: make([]domain.Attachment, 0),
	}

	if subject, err := mr.Header.Subject(); err == nil {
		parsed.Subject = sanitizeText(subject)
	} else {
		parsed.Subject = sanitizeText(mr.Header.Get("Subject"))
	}
	parsed.From = sanitizeText(firstAddress(mr.Header, "From"))

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if tolerable(err) && part == nil {
				continue
			}
			if !tolerable(err) {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			if err := parsed.readInline(h, part.Body); err != nil {
				return nil, err
			}
		case *mail.AttachmentHeader:
			att, err := readAttachment(h, part.Body)
			if err != nil {
				return nil, err
			}
			parsed.Attachments = append(parsed.Attachments, att)
		}
	}

	return parsed, nil
}

// readInline 保留第一个 text/plain 与第一个 text/html 正文
func (p *ParsedEmail) readInline(h *mail.InlineHeader, body io.Reader) error {
	mediaType, _, err := h.ContentType()
	if err != nil {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)

	switch {
	case mediaType == "text/plain" && p.Text == "":
		text, err := readBody(body)
		if err != nil {
			return err
		}
		p.Text = text
	case mediaType == "text/html" && p.HTML == "":
		html, err := readBody(body)
		if err != nil {
			return err
		}
		p.HTML = html
	default:
		if _, err := io.Copy(io.Discard, body); err != nil && !tolerable(err) {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}
	return nil
}

// readAttachment 读取附件元数据，内容边读边丢弃
func readAttachment(h *mail.AttachmentHeader, body io.Reader) (domain.Attachment, error) {
	filename, err := h.Filename()
	if err != nil || filename == "" {
		_, params, _ := h.ContentType()
		filename = params["name"]
	}
	if filename == "" {
		filename = "unnamed"
	}

	contentType, _, err := h.ContentType()
	if err != nil || contentType == "" {
		contentType = "application/octet-stream"
	}

	size, err := io.Copy(io.Discard, body)
	if err != nil && !tolerable(err) {
		return domain.Attachment{}, fmt.Errorf("%w: attachment %q: %v", ErrMalformedMessage, filename, err)
	}

	return domain.Attachment{
		Filename:    sanitizeText(filename),
		ContentType: strings.ToLower(contentType),
		Size:        size,
	}, nil
}

func readBody(body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil && !tolerable(err) {
		return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return sanitizeText(string(data)), nil
}

// sanitizeText 替换非法 UTF-8 序列并去掉 NUL
//
// 未知字符集的正文按原始字节保留，PostgreSQL 的 text 列拒绝这两类内容。
func sanitizeText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

// hasHeaderBlock 判断首行是否为头部字段（或空行分隔的空头部）
func hasHeaderBlock(raw []byte) bool {
	line := raw
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		line = raw[:i]
	}
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 {
		return true
	}
	return bytes.IndexByte(line, ':') > 0
}

// firstAddress 返回头部中第一个地址，无法解析时回退到原始值
func firstAddress(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err == nil && len(list) > 0 {
		return list[0].Address
	}
	return strings.TrimSpace(h.Get(key))
}

// tolerable 未知字符集或传输编码不视为结构错误
func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
