package service

import (
	"strings"

	"github.com/google/uuid"

	"dropmail/backend/internal/config"
)

// GeneratedMailbox 新生成的邮箱
type GeneratedMailbox struct {
	Mailbox string `json:"mailbox"`
	Address string `json:"address"`
}

// MailboxService 邮箱名生成与域名查询。
//
// 邮箱无需注册：任意合法名称在收到第一封邮件时即存在。
type MailboxService struct {
	cfg config.MailboxConfig
}

// NewMailboxService 创建邮箱服务
func NewMailboxService(cfg config.MailboxConfig) *MailboxService {
	return &MailboxService{cfg: cfg}
}

// Domain 返回默认邮箱域名
func (s *MailboxService) Domain() string {
	return s.cfg.Domain()
}

// Domains 返回全部可用域名
func (s *MailboxService) Domains() []string {
	return append([]string(nil), s.cfg.Domains...)
}

// Generate 生成一个随机邮箱名（12 位小写十六进制）
func (s *MailboxService) Generate() GeneratedMailbox {
	name := generateRandomLocalPart()
	return GeneratedMailbox{
		Mailbox: name,
		Address: name + "@" + s.Domain(),
	}
}

// generateRandomLocalPart 生成随机前缀。
func generateRandomLocalPart() string {
	base := strings.ReplaceAll(uuid.NewString(), "-", "")
	return base[:12]
}
