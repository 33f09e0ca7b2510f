package smtp

import (
	"context"
	"errors"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"dropmail/backend/internal/config"
	"dropmail/backend/internal/monitoring"
)

// Server 只收不发的 SMTP 服务器，连接在交给 go-smtp 之前先经过准入控制
type Server struct {
	smtp    *gosmtp.Server
	limiter *ConnectionLimiter
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewServer 根据配置创建 SMTP 服务器
//
// 参数:
//   - cfg: SMTP 配置
//   - backend: 会话处理
//   - limiter: 连接准入控制器
func NewServer(cfg config.SMTPConfig, backend *Backend, limiter *ConnectionLimiter, metrics *monitoring.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := gosmtp.NewServer(backend)
	s.Addr = cfg.BindAddr
	s.Domain = cfg.Hostname
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	// 多留一个字节，由会话自己判断是否超限
	s.MaxMessageBytes = cfg.MaxMessageBytes + 1
	// 单行长度只受邮件大小限制
	s.MaxLineLength = int(cfg.MaxMessageBytes) + 1
	s.MaxRecipients = cfg.MaxRecipients

	return &Server{
		smtp:    s,
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
	}
}

// ListenAndServe 监听配置的地址并阻塞，直到 ctx 被取消
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.smtp.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定监听器上提供服务，ctx 取消后关闭服务器并返回 nil
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	admission := NewAdmissionListener(ln, s.limiter, s.metrics, s.logger)

	s.logger.Info("SMTP server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("hostname", s.smtp.Domain),
		zap.Int64("max_message_bytes", s.smtp.MaxMessageBytes-1),
	)

	go s.cleanupLoop(ctx)
	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down SMTP server")
		_ = s.smtp.Close()
	}()

	err := s.smtp.Serve(admission)
	if err != nil && (errors.Is(err, gosmtp.ErrServerClosed) || ctx.Err() != nil) {
		return nil
	}
	return err
}

// cleanupLoop 按窗口周期清理空闲的限流记录
func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.limiter.Window())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := s.limiter.Cleanup(now); removed > 0 {
				s.logger.Debug("Rate limiter records cleaned", zap.Int("removed", removed))
			}
		}
	}
}
