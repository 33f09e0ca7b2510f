package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"dropmail/backend/internal/monitoring"
)

// maxTrackedClients 最多跟踪的客户端 IP 数
const maxTrackedClients = 10000

// IPRateLimiter 按客户端 IP 限流
//
// 每个 IP 一个令牌桶：容量为 limit，每 window/limit 补充一个令牌，
// 因此长期速率不超过每 window 内 limit 次。
type IPRateLimiter struct {
	limit    int
	window   time.Duration
	every    rate.Limit
	limiters *lru.Cache[string, *rate.Limiter]
	metrics  *monitoring.Metrics
}

// NewIPRateLimiter 创建按 IP 的限流器
//
// 参数:
//   - limit: 窗口内允许的请求数
//   - window: 窗口长度
func NewIPRateLimiter(limit int, window time.Duration, metrics *monitoring.Metrics) *IPRateLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	cache, _ := lru.New[string, *rate.Limiter](maxTrackedClients)

	return &IPRateLimiter{
		limit:    limit,
		window:   window,
		every:    rate.Every(window / time.Duration(limit)),
		limiters: cache,
		metrics:  metrics,
	}
}

// limiter 获取 IP 对应的令牌桶
func (l *IPRateLimiter) limiter(ip string) *rate.Limiter {
	if lim, ok := l.limiters.Get(ip); ok {
		return lim
	}
	fresh := rate.NewLimiter(l.every, l.limit)
	if prev, found, _ := l.limiters.PeekOrAdd(ip, fresh); found {
		return prev
	}
	return fresh
}

// Allow 判断 IP 此刻是否允许请求
func (l *IPRateLimiter) Allow(ip string, now time.Time) bool {
	return l.limiter(ip).AllowN(now, 1)
}

// Middleware 返回 gin 限流中间件，超限时响应 429
func (l *IPRateLimiter) Middleware() gin.HandlerFunc {
	retryAfter := strconv.Itoa(int((l.window / time.Duration(l.limit)).Seconds()) + 1)

	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP(), time.Now()) {
			l.metrics.RecordRateLimitBlock("http")
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "请求过于频繁，请稍后再试",
			})
			return
		}
		c.Next()
	}
}
