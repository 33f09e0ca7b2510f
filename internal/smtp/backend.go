package smtp

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"dropmail/backend/internal/domain"
	"dropmail/backend/internal/monitoring"
)

// deliveryTimeout 单封邮件写入存储的最长时间
const deliveryTimeout = 30 * time.Second

// SMTP 拒绝应答
var (
	ErrInvalidRecipient = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
		Message:      "Invalid recipient",
	}
	ErrRelayDenied = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "Relay not permitted",
	}
	ErrMessageTooLarge = &gosmtp.SMTPError{
		Code:         552,
		EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
		Message:      "Message too large",
	}
	ErrMalformedReply = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Malformed message",
	}
	ErrStorageFailure = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary storage failure, try again later",
	}
)

// Deliverer 将解析后的邮件写入邮箱
type Deliverer interface {
	Deliver(ctx context.Context, msg *domain.Message) (*domain.Message, error)
}

// BackendConfig SMTP 会话行为配置
type BackendConfig struct {
	Domains         []string // 本系统接收的域名
	StrictDomains   bool     // 为 true 时拒绝其他域名的收件人
	MaxMessageBytes int64    // 单封邮件最大字节数
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是一个只接收邮件的服务器：收件人的本地部分即邮箱名，邮箱无需预先创建。
// 不支持认证，也不会向外转发邮件。
type Backend struct {
	deliverer Deliverer
	cfg       BackendConfig
	domains   map[string]struct{}
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

// NewBackend 创建 SMTP Backend
func NewBackend(deliverer Deliverer, cfg BackendConfig, metrics *monitoring.Metrics, logger *zap.Logger) *Backend {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	domains := make(map[string]struct{}, len(cfg.Domains))
	for _, d := range cfg.Domains {
		domains[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}

	return &Backend{
		deliverer: deliverer,
		cfg:       cfg,
		domains:   domains,
		metrics:   metrics,
		logger:    logger,
	}
}

// NewSession 创建新的 SMTP 会话
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if nc := c.Conn(); nc != nil {
		remote = remoteHost(nc.RemoteAddr())
	}

	s := &session{
		backend: b,
		state:   StateConnected,
		logger:  b.logger.With(zap.String("remote", remote)),
	}
	b.metrics.SessionOpened()
	s.logger.Debug("SMTP session opened")
	return s, nil
}

// recipient 已接受的收件人
type recipient struct {
	mailbox string // 邮箱名（小写本地部分）
	address string // 信封中的收件地址
}

type session struct {
	backend    *Backend
	state      SessionState
	from       string
	recipients []recipient
	logger     *zap.Logger
}

// transition 切换会话状态
func (s *session) transition(next SessionState) {
	if s.state == next {
		return
	}
	s.logger.Debug("SMTP session state changed",
		zap.Stringer("from", s.state),
		zap.Stringer("to", next),
	)
	s.state = next
}

// Mail 处理 MAIL FROM，多次调用以最后一次为准
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.state == StateConnected {
		// go-smtp 只在 HELO/EHLO 之后调用 Mail
		s.transition(StateGreeted)
	}
	s.from = domain.NormalizeAddress(from)
	s.transition(StateSenderSet)
	return nil
}

// Rcpt 处理 RCPT TO
//
// 邮箱名由收件地址的本地部分转小写得到，非法时返回 550 5.1.1，
// 连接保持可用。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	mailbox, err := domain.MailboxFromAddress(to)
	if err != nil {
		s.transition(StateRejected)
		s.backend.metrics.RecordDelivery(monitoring.ResultInvalidRecipient, 0)
		s.logger.Info("SMTP recipient rejected", zap.String("rcpt", to))
		return ErrInvalidRecipient
	}

	if s.backend.cfg.StrictDomains {
		_, rcptDomain := domain.SplitAddress(to)
		if _, ok := s.backend.domains[rcptDomain]; !ok {
			s.transition(StateRejected)
			s.backend.metrics.RecordDelivery(monitoring.ResultInvalidRecipient, 0)
			s.logger.Info("SMTP relay attempt rejected", zap.String("rcpt", to))
			return ErrRelayDenied
		}
	}

	s.recipients = append(s.recipients, recipient{
		mailbox: mailbox,
		address: domain.NormalizeAddress(to),
	})
	s.transition(StateRecipientSet)
	return nil
}

// Data 接收邮件正文，完整接收后再解析并写入每个收件人的邮箱
func (s *session) Data(r io.Reader) error {
	s.transition(StateReceivingData)

	limit := s.backend.cfg.MaxMessageBytes
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		if errors.Is(err, gosmtp.ErrDataTooLarge) {
			return s.reject(monitoring.ResultTooLarge, ErrMessageTooLarge, len(raw))
		}
		s.logger.Info("SMTP message body could not be read", zap.Error(err))
		return s.reject(monitoring.ResultMalformed, ErrMalformedReply, len(raw))
	}
	if int64(len(raw)) > limit {
		return s.reject(monitoring.ResultTooLarge, ErrMessageTooLarge, len(raw))
	}

	parsed, err := ParseEmail(raw)
	if err != nil {
		s.logger.Info("SMTP message could not be decoded", zap.Error(err))
		return s.reject(monitoring.ResultMalformed, ErrMalformedReply, len(raw))
	}

	sender := parsed.From
	if sender == "" {
		sender = s.from
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	for _, rcpt := range s.recipients {
		msg := &domain.Message{
			Mailbox:     rcpt.mailbox,
			To:          rcpt.address,
			From:        sender,
			Subject:     parsed.Subject,
			Text:        parsed.Text,
			HTML:        parsed.HTML,
			Attachments: parsed.Attachments,
		}
		stored, err := s.backend.deliverer.Deliver(ctx, msg)
		if err != nil {
			s.logger.Error("Failed to store message",
				zap.String("mailbox", rcpt.mailbox),
				zap.Error(err),
			)
			return s.reject(monitoring.ResultStoreFailure, ErrStorageFailure, len(raw))
		}
		s.logger.Info("Message stored",
			zap.String("mailbox", rcpt.mailbox),
			zap.String("id", stored.ID),
			zap.Int("size", len(raw)),
		)
	}

	s.backend.metrics.RecordDelivery(monitoring.ResultPersisted, len(raw))
	s.transition(StatePersisted)
	return nil
}

// reject 记录拒绝结果并返回对应的 SMTP 应答
func (s *session) reject(result string, reply *gosmtp.SMTPError, size int) error {
	s.backend.metrics.RecordDelivery(result, size)
	s.transition(StateRejected)
	return reply
}

// Reset 处理 RSET 以及每个事务结束后的重置
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
	s.transition(StateGreeted)
}

// Logout 会话结束
func (s *session) Logout() error {
	s.from = ""
	s.recipients = nil
	s.transition(StateClosed)
	s.backend.metrics.SessionClosed()
	s.logger.Debug("SMTP session closed")
	return nil
}
