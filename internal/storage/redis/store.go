package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"dropmail/backend/internal/domain"
	"dropmail/backend/internal/storage"
)

// 邮件哈希的字段名
const (
	fieldData    = "data"
	fieldMailbox = "mailbox"
	fieldRead    = "read"
)

// fetchScript 仅在邮件仍存在时设置已读标记，避免为已过期或已删除的邮件重建无 TTL 的键
var fetchScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
redis.call('HSET', KEYS[1], 'read', '1')
return redis.call('HGET', KEYS[1], 'data')
`)

// Store Redis 邮件存储
//
// 每封邮件是一个带原生 TTL 的哈希键，到期由 Redis 自动删除；
// 邮箱索引是按创建时间打分的有序集合，读取时按保留期过滤并顺带清理悬空成员。
type Store struct {
	client *Client
	ttl    time.Duration
	now    func() time.Time
}

// NewStore 创建 Redis 邮件存储
func NewStore(client *Client, ttl time.Duration) *Store {
	return &Store{
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *Store) messageKey(id string) string {
	return s.client.Key("message", id)
}

func (s *Store) inboxKey(mailbox string) string {
	return s.client.Key("inbox", mailbox)
}

// scoreBound 生成不含边界的分数区间端点
func scoreBound(t time.Time) string {
	return "(" + strconv.FormatInt(t.UnixMilli(), 10)
}

// InsertMessage 在一个 MULTI 事务中写入邮件哈希与邮箱索引
func (s *Store) InsertMessage(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	if err := domain.ValidateMailboxName(msg.Mailbox); err != nil {
		return nil, err
	}

	stored := msg.Clone()
	stored.ID = uuid.NewString()
	stored.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	stored.IsRead = false
	for i := range stored.Attachments {
		stored.Attachments[i].MessageID = stored.ID
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	key := s.messageKey(stored.ID)
	inbox := s.inboxKey(stored.Mailbox)

	_, err = s.client.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldData, data, fieldMailbox, stored.Mailbox, fieldRead, "0")
		pipe.PExpire(ctx, key, s.ttl)
		pipe.ZAdd(ctx, inbox, goredis.Z{
			Score:  float64(stored.CreatedAt.UnixMilli()),
			Member: stored.ID,
		})
		// 索引的寿命跟随最新一封邮件
		pipe.PExpire(ctx, inbox, s.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	return stored, nil
}

// ListMessages 列出邮箱内未过期的邮件摘要（最新的在前）
func (s *Store) ListMessages(ctx context.Context, mailbox string) ([]domain.MessageSummary, error) {
	inbox := s.inboxKey(mailbox)
	now := s.now()

	ids, err := s.client.rdb.ZRevRangeByScore(ctx, inbox, &goredis.ZRangeBy{
		Min: scoreBound(now.Add(-s.ttl)),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	result := make([]domain.MessageSummary, 0, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	cmds := make([]*goredis.SliceCmd, len(ids))
	_, err = s.client.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, s.messageKey(id), fieldData, fieldRead)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var stale []any
	for i, cmd := range cmds {
		vals := cmd.Val()
		raw, ok := vals[0].(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}

		var msg domain.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", ids[i], err)
		}
		if msg.ExpiredAt(now, s.ttl) {
			continue
		}
		msg.IsRead = vals[1] == "1"
		result = append(result, msg.Summary())
	}

	if len(stale) > 0 {
		// 邮件键已由 TTL 删除，清理索引中的悬空成员
		s.client.rdb.ZRem(ctx, inbox, stale...)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return result, nil
}

// FetchMessage 读取完整邮件并标记为已读
func (s *Store) FetchMessage(ctx context.Context, id string) (*domain.Message, error) {
	raw, err := fetchScript.Run(ctx, s.client.rdb, []string{s.messageKey(id)}).Text()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, fmt.Errorf("fetch message: %w", err)
	}

	var msg domain.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	if msg.ExpiredAt(s.now(), s.ttl) {
		return nil, storage.ErrMessageNotFound
	}

	msg.IsRead = true
	return &msg, nil
}

// DeleteMessage 删除单封邮件
func (s *Store) DeleteMessage(ctx context.Context, id string) (bool, error) {
	key := s.messageKey(id)

	mailbox, err := s.client.rdb.HGet(ctx, key, fieldMailbox).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("delete message: %w", err)
	}

	var del *goredis.IntCmd
	_, err = s.client.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		del = pipe.Del(ctx, key)
		pipe.ZRem(ctx, s.inboxKey(mailbox), id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}

	return del.Val() > 0, nil
}

// DeleteMailbox 清空邮箱
func (s *Store) DeleteMailbox(ctx context.Context, mailbox string) (int, error) {
	inbox := s.inboxKey(mailbox)

	ids, err := s.client.rdb.ZRange(ctx, inbox, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("delete mailbox: %w", err)
	}

	return s.deleteMembers(ctx, inbox, ids, func(pipe goredis.Pipeliner) {
		pipe.Del(ctx, inbox)
	})
}

// DeleteExpiredMessages 遍历全部邮箱索引，删除 CreatedAt 早于 before 的邮件
//
// 多数过期邮件已被 Redis TTL 删除，这里统计的是仍然存在的部分。
func (s *Store) DeleteExpiredMessages(ctx context.Context, before time.Time) (int, error) {
	total := 0
	bound := scoreBound(before)

	iter := s.client.rdb.Scan(ctx, 0, s.inboxKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		inbox := iter.Val()

		ids, err := s.client.rdb.ZRangeByScore(ctx, inbox, &goredis.ZRangeBy{
			Min: "-inf",
			Max: bound,
		}).Result()
		if err != nil {
			return total, fmt.Errorf("delete expired messages: %w", err)
		}

		n, err := s.deleteMembers(ctx, inbox, ids, func(pipe goredis.Pipeliner) {
			pipe.ZRemRangeByScore(ctx, inbox, "-inf", bound)
		})
		total += n
		if err != nil {
			return total, fmt.Errorf("delete expired messages: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return total, fmt.Errorf("delete expired messages: %w", err)
	}

	return total, nil
}

// deleteMembers 在一个事务中删除邮件键并执行索引清理
func (s *Store) deleteMembers(ctx context.Context, inbox string, ids []string, cleanup func(goredis.Pipeliner)) (int, error) {
	if len(ids) == 0 {
		if _, err := s.client.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			cleanup(pipe)
			return nil
		}); err != nil {
			return 0, err
		}
		return 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.messageKey(id)
	}

	var del *goredis.IntCmd
	_, err := s.client.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		del = pipe.Del(ctx, keys...)
		cleanup(pipe)
		return nil
	})
	if err != nil {
		return 0, err
	}

	return int(del.Val()), nil
}

// Health 检查 Redis 连接
func (s *Store) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.client.Ping(ctx)
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

var _ storage.Store = (*Store)(nil)
