package domain

// Attachment 表示邮件附件的元数据。附件内容在解析时即被丢弃，从不入库。
type Attachment struct {
	ID          uint   `json:"-" gorm:"primaryKey;autoIncrement"`
	MessageID   string `json:"-" gorm:"type:varchar(36);index;not null"` // 所属邮件ID
	Filename    string `json:"filename" gorm:"size:255"`                 // 文件名
	ContentType string `json:"contentType" gorm:"size:255"`              // MIME类型
	Size        int64  `json:"size"`                                     // 大小（字节）
}
