package domain

import "time"

// NewEmailEvent 新邮件到达通知。
//
// 只携带摘要字段，正文需通过读取接口单独获取。
type NewEmailEvent struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewEmailEventFrom 由已入库的邮件构造通知
func NewEmailEventFrom(m *Message) NewEmailEvent {
	return NewEmailEvent{
		ID:        m.ID,
		From:      m.From,
		Subject:   m.Subject,
		CreatedAt: m.CreatedAt,
	}
}
