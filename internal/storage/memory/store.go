package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dropmail/backend/internal/domain"
	"dropmail/backend/internal/storage"
)

// Store 使用内存保存邮件数据，主要用于开发和单机部署。
//
// 每个邮箱是一个独立分片，拥有自己的读写锁；分片索引与邮件 ID 索引
// 使用 sync.Map，因此不同邮箱的操作互不阻塞。
type Store struct {
	boxes sync.Map // mailbox name -> *mailbox
	index sync.Map // message ID -> mailbox name

	ttl time.Duration
	now func() time.Time
}

// mailbox 单个邮箱分片
type mailbox struct {
	mu       sync.RWMutex
	messages map[string]*domain.Message
	dead     bool // 已从 boxes 中移除，写入方需要重新获取分片
}

// Option 内存存储选项
type Option func(*Store)

// WithClock 替换时间来源，测试中用于模拟时间流逝
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore 创建一个内存存储实例。
//
// 参数:
//   - ttl: 邮件保留时长，超过后读操作不再返回该邮件
func NewStore(ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		ttl: ttl,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// shard 获取或创建邮箱分片
func (s *Store) shard(name string) *mailbox {
	if v, ok := s.boxes.Load(name); ok {
		return v.(*mailbox)
	}
	v, _ := s.boxes.LoadOrStore(name, &mailbox{messages: make(map[string]*domain.Message)})
	return v.(*mailbox)
}

// InsertMessage 保存邮件
func (s *Store) InsertMessage(_ context.Context, msg *domain.Message) (*domain.Message, error) {
	if err := domain.ValidateMailboxName(msg.Mailbox); err != nil {
		return nil, err
	}

	stored := msg.Clone()
	stored.ID = uuid.NewString()
	stored.CreatedAt = s.now().UTC()
	stored.IsRead = false
	for i := range stored.Attachments {
		stored.Attachments[i].MessageID = stored.ID
	}

	for {
		mb := s.shard(stored.Mailbox)
		mb.mu.Lock()
		if mb.dead {
			// 分片刚被清理协程回收，重新获取
			mb.mu.Unlock()
			continue
		}
		mb.messages[stored.ID] = stored
		s.index.Store(stored.ID, stored.Mailbox)
		mb.mu.Unlock()
		break
	}

	return stored.Clone(), nil
}

// ListMessages 列出邮箱内未过期的邮件摘要（最新的在前）
func (s *Store) ListMessages(_ context.Context, name string) ([]domain.MessageSummary, error) {
	v, ok := s.boxes.Load(name)
	if !ok {
		return []domain.MessageSummary{}, nil
	}
	mb := v.(*mailbox)
	now := s.now()

	// 过期邮件在列表时顺带删除，不依赖清理任务
	mb.mu.Lock()
	result := make([]domain.MessageSummary, 0, len(mb.messages))
	for id, msg := range mb.messages {
		if msg.ExpiredAt(now, s.ttl) {
			delete(mb.messages, id)
			s.index.Delete(id)
			continue
		}
		result = append(result, msg.Summary())
	}
	mb.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return result, nil
}

// FetchMessage 读取完整邮件并标记为已读
func (s *Store) FetchMessage(_ context.Context, id string) (*domain.Message, error) {
	v, ok := s.index.Load(id)
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	bv, ok := s.boxes.Load(v.(string))
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	mb := bv.(*mailbox)

	mb.mu.Lock()
	defer mb.mu.Unlock()

	msg, ok := mb.messages[id]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	if msg.ExpiredAt(s.now(), s.ttl) {
		// 惰性删除已过期的邮件
		delete(mb.messages, id)
		s.index.Delete(id)
		return nil, storage.ErrMessageNotFound
	}

	msg.IsRead = true
	return msg.Clone(), nil
}

// DeleteMessage 删除单封邮件
func (s *Store) DeleteMessage(_ context.Context, id string) (bool, error) {
	v, ok := s.index.LoadAndDelete(id)
	if !ok {
		return false, nil
	}
	bv, ok := s.boxes.Load(v.(string))
	if !ok {
		return false, nil
	}
	mb := bv.(*mailbox)

	mb.mu.Lock()
	defer mb.mu.Unlock()

	if _, ok := mb.messages[id]; !ok {
		return false, nil
	}
	delete(mb.messages, id)
	return true, nil
}

// DeleteMailbox 清空邮箱中的全部邮件
func (s *Store) DeleteMailbox(_ context.Context, name string) (int, error) {
	v, ok := s.boxes.Load(name)
	if !ok {
		return 0, nil
	}
	mb := v.(*mailbox)

	mb.mu.Lock()
	defer mb.mu.Unlock()

	count := len(mb.messages)
	for id := range mb.messages {
		s.index.Delete(id)
	}
	mb.messages = make(map[string]*domain.Message)

	return count, nil
}

// DeleteExpiredMessages 删除 CreatedAt 早于 before 的邮件，并回收空邮箱分片
func (s *Store) DeleteExpiredMessages(ctx context.Context, before time.Time) (int, error) {
	count := 0

	s.boxes.Range(func(key, value any) bool {
		if ctx.Err() != nil {
			return false
		}

		mb := value.(*mailbox)
		mb.mu.Lock()
		for id, msg := range mb.messages {
			if msg.CreatedAt.Before(before) {
				delete(mb.messages, id)
				s.index.Delete(id)
				count++
			}
		}
		if len(mb.messages) == 0 {
			mb.dead = true
			s.boxes.CompareAndDelete(key, mb)
		}
		mb.mu.Unlock()
		return true
	})

	return count, ctx.Err()
}

// Count 返回当前保存的邮件总数（包含尚未清理的过期邮件）
func (s *Store) Count() int {
	count := 0
	s.boxes.Range(func(_, value any) bool {
		mb := value.(*mailbox)
		mb.mu.RLock()
		count += len(mb.messages)
		mb.mu.RUnlock()
		return true
	})
	return count
}

// Health 内存存储始终可用
func (s *Store) Health() error {
	return nil
}

// Close 内存存储无需释放资源
func (s *Store) Close() error {
	return nil
}

var _ storage.Store = (*Store)(nil)
