package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"dropmail/backend/internal/monitoring"
)

// WorkerPool 协程池
//
// 用于限制并发协程数量，避免创建过多协程导致资源耗尽。
// 新邮件通知通过 TrySubmit 投递，队列满时由调用方决定丢弃。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func()
	wg         sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// Option 协程池选项
type Option func(*WorkerPool)

// WithLogger 设置 panic 日志输出
func WithLogger(logger *zap.Logger) Option {
	return func(p *WorkerPool) {
		p.logger = logger
	}
}

// WithMetrics 设置监控指标
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(p *WorkerPool) {
		p.metrics = metrics
	}
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, opts ...Option) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	pool := &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(pool)
	}

	return pool
}

// Start 启动协程池
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// TrySubmit 尝试提交任务
//
// 如果队列已满或协程池已停止，立即返回 false
func (p *WorkerPool) TrySubmit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return false
	}
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Stop 停止协程池，等待队列中已有的任务执行完毕
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// QueueLen 当前排队的任务数
func (p *WorkerPool) QueueLen() int {
	return len(p.taskQueue)
}

// worker 工作协程
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

// run 执行任务（捕获 panic）
func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordPanic()
			p.logger.Error("Worker task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}
