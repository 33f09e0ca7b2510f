package smtp

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseEmail(t *testing.T) {
	t.Run("纯文本邮件", func(t *testing.T) {
		raw := crlf(`From: Alice <alice@example.com>
To: abc123@dropmail.test
Subject: Hello

Hi there
`)
		parsed, err := ParseEmail(raw)
		require.NoError(t, err)

		assert.Equal(t, "alice@example.com", parsed.From)
		assert.Equal(t, "Hello", parsed.Subject)
		assert.Equal(t, "Hi there\r\n", parsed.Text)
		assert.Empty(t, parsed.HTML)
		assert.Empty(t, parsed.Attachments)
	})

	t.Run("缺少主题和发件人", func(t *testing.T) {
		parsed, err := ParseEmail(crlf("To: x@y.z\n\nbody\n"))
		require.NoError(t, err)
		assert.Empty(t, parsed.Subject)
		assert.Empty(t, parsed.From)
	})

	t.Run("编码的主题", func(t *testing.T) {
		raw := crlf("From: a@b.c\nSubject: =?UTF-8?B?5rWL6K+V?=\n\nbody\n")
		parsed, err := ParseEmail(raw)
		require.NoError(t, err)
		assert.Equal(t, "测试", parsed.Subject)
	})

	t.Run("多部分邮件与附件", func(t *testing.T) {
		raw := crlf(`From: bob@example.com
To: inbox@dropmail.test
Subject: Report
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="OUTER"

--OUTER
Content-Type: multipart/alternative; boundary="INNER"

--INNER
Content-Type: text/plain; charset=utf-8

plain body
--INNER
Content-Type: text/html; charset=utf-8

<p>html body</p>
--INNER--
--OUTER
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

aGVsbG8gd29ybGQ=
--OUTER--
`)
		parsed, err := ParseEmail(raw)
		require.NoError(t, err)

		assert.Equal(t, "plain body", parsed.Text)
		assert.Equal(t, "<p>html body</p>", parsed.HTML)
		require.Len(t, parsed.Attachments, 1)
		assert.Equal(t, "report.pdf", parsed.Attachments[0].Filename)
		assert.Equal(t, "application/pdf", parsed.Attachments[0].ContentType)
		assert.Equal(t, int64(len("hello world")), parsed.Attachments[0].Size)
	})

	t.Run("只保留第一个文本部分", func(t *testing.T) {
		raw := crlf(`From: a@b.c
Content-Type: multipart/mixed; boundary=B

--B
Content-Type: text/plain

first
--B
Content-Type: text/plain

second
--B--
`)
		parsed, err := ParseEmail(raw)
		require.NoError(t, err)
		assert.Equal(t, "first", parsed.Text)
	})

	t.Run("GBK字符集", func(t *testing.T) {
		// "你好" in GBK
		raw := append(crlf("From: a@b.c\nContent-Type: text/plain; charset=gb2312\n\n"), 0xc4, 0xe3, 0xba, 0xc3)
		parsed, err := ParseEmail(raw)
		require.NoError(t, err)
		assert.Equal(t, "你好", parsed.Text)
	})

	t.Run("未知字符集保留原始字节", func(t *testing.T) {
		raw := crlf("From: a@b.c\nContent-Type: text/plain; charset=x-made-up\n\nraw text\n")
		parsed, err := ParseEmail(raw)
		require.NoError(t, err)
		assert.Contains(t, parsed.Text, "raw text")
	})

	t.Run("非法字节替换为合法UTF-8", func(t *testing.T) {
		raw := crlf("From: a@b.c\nSubject: bad \xffsubject\nContent-Type: text/plain; charset=x-weird\n\n")
		raw = append(raw, 0xff, 0xfe, 0x00, 'a', 'b', 'c', '\r', '\n')
		parsed, err := ParseEmail(raw)
		require.NoError(t, err)

		assert.True(t, utf8.ValidString(parsed.Text))
		assert.NotContains(t, parsed.Text, "\x00")
		assert.Equal(t, "\uFFFDabc\r\n", parsed.Text)

		assert.True(t, utf8.ValidString(parsed.Subject))
		assert.NotContains(t, parsed.Subject, "\x00")
	})

	t.Run("没有头部的邮件按正文处理", func(t *testing.T) {
		parsed, err := ParseEmail([]byte("Hi there\r\nsecond line\r\n"))
		require.NoError(t, err)
		assert.Equal(t, "Hi there\r\nsecond line\r\n", parsed.Text)
		assert.Empty(t, parsed.Subject)
		assert.Empty(t, parsed.From)
		assert.Empty(t, parsed.Attachments)
	})
}

func TestParseEmail_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"头部格式错误": crlf("Subject: x\nFrom a@b.c without colon\n\nbody\n"),
		"缺少结束边界": crlf("From: a@b.c\nContent-Type: multipart/mixed; boundary=XYZ\n\nno boundary ever appears\n"),
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEmail(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}
