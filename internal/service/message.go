package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dropmail/backend/internal/domain"
	"dropmail/backend/internal/monitoring"
	"dropmail/backend/internal/storage"
)

var (
	// ErrInvalidMailbox 邮箱名不合法
	ErrInvalidMailbox = errors.New("invalid mailbox")
	// ErrMessageNotFound 邮件不存在或已过期
	ErrMessageNotFound = errors.New("message not found")
)

// Notifier 新邮件通知的发布端
type Notifier interface {
	Publish(ctx context.Context, channel string, event domain.NewEmailEvent) error
}

// Submitter 异步任务提交
type Submitter interface {
	TrySubmit(task func()) bool
}

// MessageService 封装邮件处理逻辑。
type MessageService struct {
	repo     storage.MessageRepository
	notifier Notifier
	tasks    Submitter
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// NewMessageService 创建邮件业务服务。
//
// 参数:
//   - repo: 邮件存储
//   - notifier: 新邮件通知，为 nil 时不发送通知
//   - tasks: 异步发布通知的协程池，为 nil 时同步发布
func NewMessageService(repo storage.MessageRepository, notifier Notifier, tasks Submitter, metrics *monitoring.Metrics, logger *zap.Logger) *MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{
		repo:     repo,
		notifier: notifier,
		tasks:    tasks,
		metrics:  metrics,
		logger:   logger,
	}
}

// Deliver 写入一封收到的邮件并通知订阅者
//
// 发件人和主题为空时使用默认值。通知是尽力而为的：
// 发布失败或协程池队列已满只记录日志，不影响投递结果。
func (s *MessageService) Deliver(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if err := domain.ValidateMailboxName(msg.Mailbox); err != nil {
		return nil, ErrInvalidMailbox
	}
	if strings.TrimSpace(msg.From) == "" {
		msg.From = domain.UnknownSender
	}
	if strings.TrimSpace(msg.Subject) == "" {
		msg.Subject = domain.DefaultSubject
	}

	stored, err := s.repo.InsertMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	s.notify(stored)
	return stored, nil
}

// notify 异步发布新邮件事件
func (s *MessageService) notify(msg *domain.Message) {
	if s.notifier == nil {
		return
	}

	event := domain.NewEmailEventFrom(msg)
	channel := msg.Mailbox
	publish := func() {
		if err := s.notifier.Publish(context.Background(), channel, event); err != nil {
			s.metrics.RecordNotification(monitoring.ResultFailed)
			s.logger.Warn("Failed to publish new mail notification",
				zap.String("mailbox", channel),
				zap.String("id", event.ID),
				zap.Error(err),
			)
			return
		}
		s.metrics.RecordNotification(monitoring.ResultDelivered)
	}

	if s.tasks == nil {
		publish()
		return
	}
	if !s.tasks.TrySubmit(publish) {
		s.metrics.RecordNotification(monitoring.ResultDropped)
		s.logger.Warn("Notification queue full, dropping event",
			zap.String("mailbox", channel),
			zap.String("id", event.ID),
		)
	}
}

// List 列出邮箱内的邮件摘要，最新的在前
func (s *MessageService) List(ctx context.Context, mailbox string) ([]domain.MessageSummary, error) {
	name, err := domain.NormalizeMailboxName(mailbox)
	if err != nil {
		return nil, ErrInvalidMailbox
	}
	return s.repo.ListMessages(ctx, name)
}

// Get 读取完整邮件，首次读取会将其标记为已读
func (s *MessageService) Get(ctx context.Context, id string) (*domain.Message, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrMessageNotFound
	}

	msg, err := s.repo.FetchMessage(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	s.metrics.RecordMessageRead()
	return msg, nil
}

// Delete 删除单封邮件，邮件不存在时返回 ErrMessageNotFound
func (s *MessageService) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrMessageNotFound
	}

	deleted, err := s.repo.DeleteMessage(ctx, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if !deleted {
		return ErrMessageNotFound
	}
	s.metrics.RecordMessagesDeleted(1)
	return nil
}

// Clear 清空邮箱，返回删除数量
func (s *MessageService) Clear(ctx context.Context, mailbox string) (int, error) {
	name, err := domain.NormalizeMailboxName(mailbox)
	if err != nil {
		return 0, ErrInvalidMailbox
	}

	count, err := s.repo.DeleteMailbox(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("clear mailbox: %w", err)
	}
	s.metrics.RecordMessagesDeleted(count)
	return count, nil
}
