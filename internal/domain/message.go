package domain

import "time"

// 默认值，发件人或主题缺失时使用
const (
	UnknownSender  = "unknown@unknown.com"
	DefaultSubject = "(No Subject)"
)

// Message 表示一封投递到临时邮箱的邮件。
//
// 除 IsRead 外，邮件创建后所有字段均不可变。
type Message struct {
	ID          string       `json:"id" gorm:"primaryKey;type:varchar(36)"`             // 邮件唯一标识
	Mailbox     string       `json:"mailbox" gorm:"size:64;index;not null"`             // 邮箱名（收件地址 @ 前的小写部分）
	To          string       `json:"to" gorm:"size:320"`                                // 原始收件地址
	From        string       `json:"from" gorm:"size:320"`                              // 发件人地址
	Subject     string       `json:"subject" gorm:"size:998"`                           // 邮件主题
	Text        string       `json:"text"`                                              // 纯文本正文
	HTML        string       `json:"html"`                                              // HTML 正文
	Attachments []Attachment `json:"attachments" gorm:"foreignKey:MessageID"`           // 附件元数据
	IsRead      bool         `json:"read" gorm:"column:is_read;not null;default:false"` // 是否已读
	CreatedAt   time.Time    `json:"createdAt" gorm:"index;not null"`                   // 入库时间
}

// MessageSummary 邮件列表项，不包含正文和附件内容
type MessageSummary struct {
	ID              string    `json:"id"`
	Mailbox         string    `json:"mailbox"`
	To              string    `json:"to"`
	From            string    `json:"from"`
	Subject         string    `json:"subject"`
	IsRead          bool      `json:"read"`
	AttachmentCount int       `json:"attachmentCount"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Summary 生成邮件的列表投影
func (m *Message) Summary() MessageSummary {
	return MessageSummary{
		ID:              m.ID,
		Mailbox:         m.Mailbox,
		To:              m.To,
		From:            m.From,
		Subject:         m.Subject,
		IsRead:          m.IsRead,
		AttachmentCount: len(m.Attachments),
		CreatedAt:       m.CreatedAt,
	}
}

// Clone 返回邮件的深拷贝，存储层借此避免调用方修改内部状态
func (m *Message) Clone() *Message {
	cp := *m
	if m.Attachments != nil {
		cp.Attachments = make([]Attachment, len(m.Attachments))
		copy(cp.Attachments, m.Attachments)
	}
	return &cp
}

// ExpiredAt 判断邮件在 now 时刻是否已超过保留期
//
// 邮件在 [CreatedAt, CreatedAt+retention) 内可见。
func (m *Message) ExpiredAt(now time.Time, retention time.Duration) bool {
	if retention <= 0 {
		return false
	}
	return !now.Before(m.CreatedAt.Add(retention))
}
