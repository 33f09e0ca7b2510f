package storage

import (
	"context"
	"errors"
	"time"

	"dropmail/backend/internal/domain"
)

// ErrMessageNotFound 邮件不存在或已过期
var ErrMessageNotFound = errors.New("message not found")

// MessageRepository 定义邮件数据存取操作。
//
// 所有实现都必须对过期邮件（CreatedAt+保留期 <= 当前时间）保持不可见，
// 不依赖定时清理任务。删除操作均为幂等。
type MessageRepository interface {
	// InsertMessage 写入邮件，由存储层分配 ID 和 CreatedAt，返回入库后的副本
	InsertMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	// ListMessages 按创建时间倒序列出邮箱内未过期的邮件摘要
	ListMessages(ctx context.Context, mailbox string) ([]domain.MessageSummary, error)
	// FetchMessage 读取完整邮件，首次读取时将其标记为已读
	FetchMessage(ctx context.Context, id string) (*domain.Message, error)
	// DeleteMessage 删除单封邮件，返回是否确有邮件被删除
	DeleteMessage(ctx context.Context, id string) (bool, error)
	// DeleteMailbox 清空邮箱，返回删除数量
	DeleteMailbox(ctx context.Context, mailbox string) (int, error)
	// DeleteExpiredMessages 删除 CreatedAt 早于 before 的全部邮件，返回删除数量
	DeleteExpiredMessages(ctx context.Context, before time.Time) (int, error)
}

// Store 聚合所有存储接口。
type Store interface {
	MessageRepository
	Health() error
	Close() error
}
