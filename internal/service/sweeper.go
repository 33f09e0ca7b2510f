package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dropmail/backend/internal/monitoring"
	"dropmail/backend/internal/storage"
)

// ExpirySweeper 定期删除超过保留期的邮件
type ExpirySweeper struct {
	repo      storage.MessageRepository
	retention time.Duration
	interval  time.Duration
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewExpirySweeper 创建过期清理任务
//
// 参数:
//   - retention: 邮件保留时长，与存储层使用同一个值
//   - interval: 清理间隔
func NewExpirySweeper(repo storage.MessageRepository, retention, interval time.Duration, metrics *monitoring.Metrics, logger *zap.Logger) *ExpirySweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpirySweeper{
		repo:      repo,
		retention: retention,
		interval:  interval,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Run 按间隔执行清理，直到 ctx 被取消
func (s *ExpirySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Expiry sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("retention", s.retention),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopped")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce 执行一次清理
//
// 错误只记录日志，不向上返回；下一轮会再次尝试。
//
// 返回值:
//   - int: 删除的邮件数
func (s *ExpirySweeper) SweepOnce(ctx context.Context) int {
	start := s.now()
	cutoff := start.Add(-s.retention)

	deleted, err := s.repo.DeleteExpiredMessages(ctx, cutoff)
	s.metrics.RecordSweep(deleted, time.Since(start), err)

	if err != nil {
		if ctx.Err() != nil {
			return deleted
		}
		s.logger.Error("Failed to delete expired messages", zap.Error(err))
		return deleted
	}
	if deleted > 0 {
		s.logger.Info("Deleted expired messages",
			zap.Int("count", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted
}
