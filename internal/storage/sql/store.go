package sql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dropmail/backend/internal/domain"
	"dropmail/backend/internal/storage"
)

const (
	// sweepBatchSize 每个清理事务最多删除的邮件数
	sweepBatchSize = 500
	// maxRetries 清理批次遇到可重试错误时的最大尝试次数
	maxRetries = 3
)

// Options SQL 存储配置
type Options struct {
	Driver          string // postgres, mysql, sqlite
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
	Retention       time.Duration // 邮件保留时长，读操作据此过滤过期邮件
}

// Store 基于 GORM 的 SQL 存储实现（支持 PostgreSQL、MySQL 和 SQLite）
//
// 关系型数据库没有原生 TTL，过期邮件在所有读路径上通过 created_at 谓词过滤，
// 物理删除由定时清理任务完成。
type Store struct {
	db     *gorm.DB
	driver string
	ttl    time.Duration
	now    func() time.Time
	log    *zap.Logger
}

// Open 根据驱动名称连接数据库并创建存储实例
func Open(opts Options, log *zap.Logger) (*Store, error) {
	dialector, err := dialectorFor(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}
	return NewStoreWithDialector(dialector, opts, log)
}

// dialectorFor 选择 GORM 方言
func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		normalized, err := normalizeMySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		return mysql.Open(normalized), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", driver)
	}
}

// normalizeMySQLDSN 强制 parseTime 与 UTC 时区，并默认使用 utf8mb4
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if !strings.Contains(dsn, "charset=") {
		if cfg.Params == nil {
			cfg.Params = make(map[string]string)
		}
		cfg.Params["charset"] = "utf8mb4"
	}
	return cfg.FormatDSN(), nil
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, opts Options, log *zap.Logger) (*Store, error) {
	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if opts.Driver == "sqlite" {
		// SQLite 内存库每个连接都是独立数据库，只保留一个长连接
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	} else {
		sqlDB.SetMaxOpenConns(valueOr(opts.MaxOpenConns, 25))
		sqlDB.SetMaxIdleConns(valueOr(opts.MaxIdleConns, 5))
		if opts.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
		} else {
			sqlDB.SetConnMaxLifetime(5 * time.Minute)
		}
	}

	if log == nil {
		log = zap.NewNop()
	}

	store := &Store{
		db:     db,
		driver: opts.Driver,
		ttl:    opts.Retention,
		now:    time.Now,
		log:    log,
	}

	if opts.AutoMigrate {
		if err := store.Migrate(); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return store, nil
}

func valueOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&domain.Message{}, &domain.Attachment{})
}

// cutoff 返回可见邮件的最早创建时间（不含）
func (s *Store) cutoff() time.Time {
	return s.now().UTC().Add(-s.ttl)
}

// InsertMessage 在一个事务中写入邮件及其附件元数据
func (s *Store) InsertMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if err := domain.ValidateMailboxName(msg.Mailbox); err != nil {
		return nil, err
	}

	stored := msg.Clone()
	stored.ID = uuid.NewString()
	stored.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	stored.IsRead = false
	for i := range stored.Attachments {
		stored.Attachments[i].ID = 0
		stored.Attachments[i].MessageID = stored.ID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(stored).Error
	})
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	return stored, nil
}

// attachmentCount 附件数量统计行
type attachmentCount struct {
	MessageID string
	N         int
}

// ListMessages 列出邮箱内未过期的邮件摘要（最新的在前）
func (s *Store) ListMessages(ctx context.Context, mailbox string) ([]domain.MessageSummary, error) {
	var messages []domain.Message
	err := s.db.WithContext(ctx).
		Omit("text", "html").
		Where("mailbox = ? AND created_at > ?", mailbox, s.cutoff()).
		Order("created_at DESC").
		Order("id DESC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	result := make([]domain.MessageSummary, 0, len(messages))
	if len(messages) == 0 {
		return result, nil
	}

	ids := make([]string, len(messages))
	for i := range messages {
		ids[i] = messages[i].ID
	}

	var counts []attachmentCount
	err = s.db.WithContext(ctx).
		Model(&domain.Attachment{}).
		Select("message_id, COUNT(*) AS n").
		Where("message_id IN ?", ids).
		Group("message_id").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("count attachments: %w", err)
	}

	byID := make(map[string]int, len(counts))
	for _, c := range counts {
		byID[c.MessageID] = c.N
	}

	for i := range messages {
		summary := messages[i].Summary()
		summary.AttachmentCount = byID[messages[i].ID]
		result = append(result, summary)
	}

	return result, nil
}

// FetchMessage 读取完整邮件，首次读取时以条件更新方式标记为已读
func (s *Store) FetchMessage(ctx context.Context, id string) (*domain.Message, error) {
	var msg domain.Message

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Preload("Attachments", func(db *gorm.DB) *gorm.DB {
			return db.Order("id")
		}).Where("id = ? AND created_at > ?", id, s.cutoff()).First(&msg).Error
		if err != nil {
			return err
		}

		if msg.IsRead {
			return nil
		}
		if err := tx.Model(&domain.Message{}).
			Where("id = ? AND is_read = ?", id, false).
			Update("is_read", true).Error; err != nil {
			return err
		}
		msg.IsRead = true
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, fmt.Errorf("fetch message: %w", err)
	}

	return &msg, nil
}

// DeleteMessage 删除单封邮件及其附件元数据
func (s *Store) DeleteMessage(ctx context.Context, id string) (bool, error) {
	var deleted int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := deleteByIDs(tx, []string{id})
		deleted = n
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}

	return deleted > 0, nil
}

// DeleteMailbox 在一个事务中清空邮箱
func (s *Store) DeleteMailbox(ctx context.Context, mailbox string) (int, error) {
	var deleted int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&domain.Message{}).Where("mailbox = ?", mailbox).Pluck("id", &ids).Error; err != nil {
			return err
		}
		n, err := deleteByIDs(tx, ids)
		deleted = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete mailbox: %w", err)
	}

	return int(deleted), nil
}

// DeleteExpiredMessages 分批删除过期邮件
//
// 每一批是一个独立事务，中途取消或失败不会留下半删除的邮件；
// 重复执行是幂等的。
func (s *Store) DeleteExpiredMessages(ctx context.Context, before time.Time) (int, error) {
	total := 0
	for {
		var n int
		err := s.withRetry(ctx, func() error {
			var err error
			n, err = s.deleteExpiredBatch(ctx, before.UTC())
			return err
		})
		total += n
		if err != nil {
			return total, fmt.Errorf("delete expired messages: %w", err)
		}
		if n < sweepBatchSize {
			return total, nil
		}
	}
}

// deleteExpiredBatch 删除一批过期邮件
func (s *Store) deleteExpiredBatch(ctx context.Context, before time.Time) (int, error) {
	var deleted int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&domain.Message{}).
			Where("created_at < ?", before).
			Order("created_at").
			Limit(sweepBatchSize).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		n, err := deleteByIDs(tx, ids)
		deleted = n
		return err
	})

	return int(deleted), err
}

// deleteByIDs 先删除附件再删除邮件，返回删除的邮件数
func deleteByIDs(tx *gorm.DB, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := tx.Where("message_id IN ?", ids).Delete(&domain.Attachment{}).Error; err != nil {
		return 0, err
	}
	result := tx.Where("id IN ?", ids).Delete(&domain.Message{})
	return result.RowsAffected, result.Error
}

// withRetry 对连接层的瞬时错误进行有限次重试
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = op()
		if err == nil || !retryable(err) {
			return err
		}

		s.log.Warn("retrying database operation",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return err
}

// retryable 判断错误是否可以安全重试
func retryable(err error) bool {
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ storage.Store = (*Store)(nil)
