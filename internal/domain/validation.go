package domain

import (
	"errors"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidMailboxName = errors.New("invalid mailbox name")
	ErrInvalidRecipient   = errors.New("invalid recipient address")
)

// MaxMailboxNameLength RFC 5321 本地部分最大长度
const MaxMailboxNameLength = 64

var mailboxNameRegex = regexp.MustCompile(`^[a-z0-9]+$`)

// ValidateMailboxName 校验邮箱名，只接受非空的 [a-z0-9]+，且不超过 64 个字符
func ValidateMailboxName(name string) error {
	if name == "" || len(name) > MaxMailboxNameLength {
		return ErrInvalidMailboxName
	}
	if !mailboxNameRegex.MatchString(name) {
		return ErrInvalidMailboxName
	}
	return nil
}

// NormalizeMailboxName 去除空白并转为小写，再做校验
func NormalizeMailboxName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if err := ValidateMailboxName(name); err != nil {
		return "", err
	}
	return name, nil
}

// NormalizeAddress 去除尖括号与空白，并将地址转为小写
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return strings.ToLower(strings.TrimSpace(addr))
}

// SplitAddress 将地址拆分为本地部分和域名（均为小写）
func SplitAddress(addr string) (local, domain string) {
	addr = NormalizeAddress(addr)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}

// MailboxFromAddress 从收件地址推导邮箱名
//
// 邮箱名为 @ 之前的小写本地部分；为空或含非法字符时返回 ErrInvalidRecipient。
func MailboxFromAddress(addr string) (string, error) {
	local, _ := SplitAddress(addr)
	if err := ValidateMailboxName(local); err != nil {
		return "", ErrInvalidRecipient
	}
	return local, nil
}
