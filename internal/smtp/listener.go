package smtp

import (
	"net"
	"time"

	"go.uber.org/zap"

	"dropmail/backend/internal/monitoring"
)

// rejectReply 准入拒绝时直接写给客户端的 SMTP 应答
const rejectReply = "421 4.7.0 Too many connections, try again later\r\n"

// rejectWriteTimeout 写入拒绝应答的最长等待时间
const rejectWriteTimeout = 5 * time.Second

// AdmissionListener 在 go-smtp 接手连接之前执行准入控制
//
// 被拒绝的连接收到 421 应答后立即关闭，不会创建 SMTP 会话。
type AdmissionListener struct {
	net.Listener

	limiter *ConnectionLimiter
	metrics *monitoring.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewAdmissionListener 包装监听器
func NewAdmissionListener(inner net.Listener, limiter *ConnectionLimiter, metrics *monitoring.Metrics, logger *zap.Logger) *AdmissionListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdmissionListener{
		Listener: inner,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Accept 返回下一个通过准入检查的连接
func (l *AdmissionListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		source := remoteHost(conn.RemoteAddr())
		if l.limiter.Allow(source, l.now()) {
			l.metrics.RecordConnection(monitoring.ResultAdmitted)
			return conn, nil
		}

		l.metrics.RecordConnection(monitoring.ResultRateLimited)
		l.logger.Info("SMTP connection rejected by rate limit", zap.String("remote", source))
		go reject(conn)
	}
}

// reject 写入 421 应答并关闭连接，不阻塞 Accept 循环
func reject(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	_, _ = conn.Write([]byte(rejectReply))
}

// remoteHost 提取远端 IP，端口不参与限流
func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
