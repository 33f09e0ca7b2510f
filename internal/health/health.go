package health

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// checkTimeout 单项检查的最长执行时间
const checkTimeout = 3 * time.Second

// maxGoroutines 存活检查的协程数量上限
const maxGoroutines = 10000

// Pinger 可探测可用性的依赖（存储后端、Redis 等）
type Pinger interface {
	Health() error
}

// Status 健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Report 健康报告
type Report struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// HealthChecker 健康检查器
//
// 存活检查只关心进程本身；就绪检查覆盖存储等外部依赖。
type HealthChecker struct {
	health    healthcheck.Handler
	logger    *zap.Logger
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]healthcheck.Check
}

// NewHealthChecker 创建健康检查器
//
// 参数:
//   - store: 邮件存储，作为就绪检查
//   - registry: 检查结果同时导出为 Prometheus 指标，为 nil 时不导出
func NewHealthChecker(store Pinger, registry prometheus.Registerer, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}

	var handler healthcheck.Handler
	if registry != nil {
		handler = healthcheck.NewMetricsHandler(registry, "dropmail")
	} else {
		handler = healthcheck.NewHandler()
	}

	hc := &HealthChecker{
		health:    handler,
		logger:    logger,
		startTime: time.Now(),
		checks:    make(map[string]healthcheck.Check),
	}

	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	if store != nil {
		hc.AddReadinessCheck("storage", store.Health)
	}

	return hc
}

// AddReadinessCheck 添加就绪检查
func (hc *HealthChecker) AddReadinessCheck(name string, check func() error) {
	wrapped := healthcheck.Timeout(check, checkTimeout)

	hc.mu.Lock()
	hc.checks[name] = wrapped
	hc.mu.Unlock()

	hc.health.AddReadinessCheck(name, wrapped)
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查端点
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查端点
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行全部就绪检查并生成报告
func (hc *HealthChecker) CheckHealth() Report {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make(map[string]healthcheck.Check, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(hc.startTime).Truncate(time.Second).String(),
		Checks:    make(map[string]string, len(names)),
	}

	for _, name := range names {
		if err := checks[name](); err != nil {
			report.Status = StatusUnhealthy
			report.Checks[name] = "ERROR: " + err.Error()
			hc.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		report.Checks[name] = "OK"
	}

	return report
}
