package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SMTP 投递结果标签
const (
	ResultPersisted        = "persisted"
	ResultInvalidRecipient = "invalid_recipient"
	ResultTooLarge         = "too_large"
	ResultMalformed        = "malformed"
	ResultStoreFailure     = "store_failure"
	ResultAdmitted         = "admitted"
	ResultRateLimited      = "rate_limited"
	ResultDelivered        = "delivered"
	ResultDropped          = "dropped"
	ResultFailed           = "failed"
	ResultOK               = "ok"
	ResultError            = "error"
)

// Metrics 监控指标
//
// 所有 Record/Update 方法都允许在 nil 接收者上调用，此时不做任何事。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// SMTP 指标
	SMTPConnections    *prometheus.CounterVec
	SMTPSessionsActive prometheus.Gauge
	SMTPMessages       *prometheus.CounterVec
	SMTPMessageSize    prometheus.Histogram

	// 邮件指标
	MessagesRead    prometheus.Counter
	MessagesDeleted prometheus.Counter

	// 清理任务指标
	SweepRuns     *prometheus.CounterVec
	SweepDeleted  prometheus.Counter
	SweepDuration prometheus.Histogram

	// 通知指标
	Notifications    *prometheus.CounterVec
	WebsocketClients prometheus.Gauge

	// 错误与限流指标
	ErrorsTotal     *prometheus.CounterVec
	PanicsTotal     prometheus.Counter
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 创建监控指标并注册到 registry
//
// registry 为 nil 时创建一个新的注册表，并附带 Go 运行时与进程指标。
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dropmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		SMTPConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropmail_smtp_connections_total",
				Help: "SMTP connection attempts by admission result",
			},
			[]string{"result"},
		),

		SMTPSessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dropmail_smtp_sessions_active",
				Help: "Number of open SMTP sessions",
			},
		),

		SMTPMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropmail_smtp_messages_total",
				Help: "SMTP messages by delivery result",
			},
			[]string{"result"},
		),

		SMTPMessageSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dropmail_smtp_message_size_bytes",
				Help:    "Size of accepted SMTP message bodies",
				Buckets: prometheus.ExponentialBuckets(512, 4, 8),
			},
		),

		MessagesRead: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dropmail_messages_read_total",
				Help: "Total number of messages fetched individually",
			},
		),

		MessagesDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dropmail_messages_deleted_total",
				Help: "Total number of messages deleted through the API",
			},
		),

		SweepRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropmail_sweep_runs_total",
				Help: "Expiry sweep runs by result",
			},
			[]string{"result"},
		),

		SweepDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dropmail_sweep_deleted_total",
				Help: "Total number of messages removed by the expiry sweep",
			},
		),

		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dropmail_sweep_duration_seconds",
				Help:    "Expiry sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropmail_notifications_total",
				Help: "New mail notifications by result",
			},
			[]string{"result"},
		),

		WebsocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dropmail_websocket_clients",
				Help: "Number of connected websocket clients",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropmail_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dropmail_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropmail_rate_limit_blocks_total",
				Help: "Total number of requests blocked by rate limiting",
			},
			[]string{"limit_type"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordConnection 记录 SMTP 连接准入结果
func (m *Metrics) RecordConnection(result string) {
	if m == nil {
		return
	}
	m.SMTPConnections.WithLabelValues(result).Inc()
	if result == ResultRateLimited {
		m.RateLimitBlocks.WithLabelValues("smtp").Inc()
	}
}

// SessionOpened 会话开始
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SMTPSessionsActive.Inc()
}

// SessionClosed 会话结束
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SMTPSessionsActive.Dec()
}

// RecordDelivery 记录一次 SMTP 投递结果
func (m *Metrics) RecordDelivery(result string, size int) {
	if m == nil {
		return
	}
	m.SMTPMessages.WithLabelValues(result).Inc()
	if result == ResultPersisted {
		m.SMTPMessageSize.Observe(float64(size))
	}
}

// RecordMessageRead 记录邮件读取
func (m *Metrics) RecordMessageRead() {
	if m == nil {
		return
	}
	m.MessagesRead.Inc()
}

// RecordMessagesDeleted 记录邮件删除
func (m *Metrics) RecordMessagesDeleted(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.MessagesDeleted.Add(float64(count))
}

// RecordSweep 记录一次过期清理
func (m *Metrics) RecordSweep(deleted int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SweepRuns.WithLabelValues(ResultError).Inc()
		m.RecordError("sweep_failed", "sweeper")
	} else {
		m.SweepRuns.WithLabelValues(ResultOK).Inc()
	}
	if deleted > 0 {
		m.SweepDeleted.Add(float64(deleted))
	}
	m.SweepDuration.Observe(duration.Seconds())
}

// RecordNotification 记录新邮件通知结果
func (m *Metrics) RecordNotification(result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result).Inc()
}

// UpdateWebsocketClients 更新 websocket 连接数
func (m *Metrics) UpdateWebsocketClients(count int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Set(float64(count))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流拦截
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus 抓取端点
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
