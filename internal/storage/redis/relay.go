package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dropmail/backend/internal/domain"
)

// Dispatcher 本地通知分发（通常是 websocket.Hub）
type Dispatcher interface {
	Publish(ctx context.Context, channel string, event domain.NewEmailEvent) error
}

// Relay 通过 Redis Pub/Sub 在多个进程之间转发新邮件通知
//
// SMTP 进程调用 Publish 把通知写入 Redis 频道，
// 每个持有 websocket 连接的进程运行 Run 订阅并分发到本地 Hub。
type Relay struct {
	client *Client
	local  Dispatcher
	log    *zap.Logger
}

// NewRelay 创建通知中继
func NewRelay(client *Client, local Dispatcher, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		client: client,
		local:  local,
		log:    log,
	}
}

func (r *Relay) channelPrefix() string {
	return r.client.Key("new_mail") + ":"
}

// Publish 向邮箱对应的 Redis 频道发布新邮件通知
func (r *Relay) Publish(ctx context.Context, channel string, event domain.NewEmailEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.rdb.Publish(ctx, r.channelPrefix()+strings.ToLower(channel), data).Err()
}

// Run 订阅所有邮箱频道并分发到本地，直到 ctx 被取消
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.rdb.PSubscribe(ctx, r.channelPrefix()+"*")
	defer pubsub.Close()

	// 等待订阅确认，确保 Run 返回前的发布不会丢失
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe new mail channels: %w", err)
	}

	r.log.Info("relay subscribed", zap.String("pattern", r.channelPrefix()+"*"))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var event domain.NewEmailEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.log.Warn("dropping malformed relay payload",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}

			mailbox := strings.TrimPrefix(msg.Channel, r.channelPrefix())
			_ = r.local.Publish(ctx, mailbox, event)
		}
	}
}
