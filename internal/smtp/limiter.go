package smtp

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// 默认准入参数
const (
	DefaultConnectionLimit   = 10
	DefaultConnectionWindow  = 60 * time.Second
	DefaultMaxTrackedSources = 10000
)

// ConnectionLimiter SMTP 连接准入控制器（按来源地址的滑动窗口）
//
// 每个来源地址保存窗口内的连接时间戳，记录存放在容量受限的 LRU 中，
// 超出容量时淘汰最久未出现的地址。每条记录有独立的锁，不同地址互不阻塞。
type ConnectionLimiter struct {
	limit   int
	window  time.Duration
	sources *lru.Cache[string, *sourceWindow]
}

// sourceWindow 单个来源地址的连接记录
type sourceWindow struct {
	mu   sync.Mutex
	hits []time.Time
}

// NewConnectionLimiter 创建连接准入控制器
//
// 参数:
//   - limit: 窗口内允许的最大连接数
//   - window: 滑动窗口长度
//   - maxSources: 最多跟踪的来源地址数量
func NewConnectionLimiter(limit int, window time.Duration, maxSources int) *ConnectionLimiter {
	if limit <= 0 {
		limit = DefaultConnectionLimit
	}
	if window <= 0 {
		window = DefaultConnectionWindow
	}
	if maxSources <= 0 {
		maxSources = DefaultMaxTrackedSources
	}

	// 仅在容量非正时返回错误，上面已保证
	cache, _ := lru.New[string, *sourceWindow](maxSources)

	return &ConnectionLimiter{
		limit:   limit,
		window:  window,
		sources: cache,
	}
}

// Allow 判断来源地址此刻是否允许建立新连接
//
// 返回值:
//   - bool: 允许时返回 true，并记录本次连接
func (l *ConnectionLimiter) Allow(addr string, now time.Time) bool {
	w, ok := l.sources.Get(addr)
	if !ok {
		fresh := &sourceWindow{}
		prev, found, _ := l.sources.PeekOrAdd(addr, fresh)
		if found {
			w = prev
		} else {
			w = fresh
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now.Add(-l.window))
	if len(w.hits) >= l.limit {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}

// Cleanup 移除窗口内已无连接记录的来源地址
//
// 返回值:
//   - int: 移除的地址数量
func (l *ConnectionLimiter) Cleanup(now time.Time) int {
	cutoff := now.Add(-l.window)
	removed := 0

	for _, addr := range l.sources.Keys() {
		w, ok := l.sources.Peek(addr)
		if !ok {
			continue
		}
		w.mu.Lock()
		w.prune(cutoff)
		empty := len(w.hits) == 0
		w.mu.Unlock()

		if empty {
			l.sources.Remove(addr)
			removed++
		}
	}
	return removed
}

// Tracked 当前跟踪的来源地址数量
func (l *ConnectionLimiter) Tracked() int {
	return l.sources.Len()
}

// Window 返回滑动窗口长度
func (l *ConnectionLimiter) Window() time.Duration {
	return l.window
}

// prune 丢弃不晚于 cutoff 的时间戳，调用方需持有锁
func (w *sourceWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}
