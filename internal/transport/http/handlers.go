package httptransport

import (
	"github.com/gin-gonic/gin"

	"dropmail/backend/internal/domain"
	"dropmail/backend/internal/service"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	mailboxes *service.MailboxService
	messages  *service.MessageService
}

// NewHandler 创建 HTTP 处理器
func NewHandler(mailboxes *service.MailboxService, messages *service.MessageService) *Handler {
	return &Handler{
		mailboxes: mailboxes,
		messages:  messages,
	}
}

// GetDomain 返回默认邮箱域名
func (h *Handler) GetDomain(c *gin.Context) {
	Success(c, gin.H{
		"domain":  h.mailboxes.Domain(),
		"domains": h.mailboxes.Domains(),
	})
}

// GenerateMailbox 生成随机邮箱名
//
// 邮箱不需要预先创建，生成的名称只是一个建议。
func (h *Handler) GenerateMailbox(c *gin.Context) {
	Success(c, h.mailboxes.Generate())
}

// ListInbox 列出邮箱内的邮件摘要
func (h *Handler) ListInbox(c *gin.Context) {
	list, err := h.messages.List(c.Request.Context(), c.Param("mailbox"))
	if err != nil {
		respondError(c, err, MsgMessageListFailed)
		return
	}
	if list == nil {
		list = []domain.MessageSummary{}
	}
	Success(c, list)
}

// ClearInbox 清空邮箱
func (h *Handler) ClearInbox(c *gin.Context) {
	count, err := h.messages.Clear(c.Request.Context(), c.Param("mailbox"))
	if err != nil {
		respondError(c, err, MsgMailboxClearFailed)
		return
	}
	SuccessWithMsg(c, "邮箱已清空", gin.H{"deleted": count})
}

// GetMessage 读取完整邮件，同时将其标记为已读
func (h *Handler) GetMessage(c *gin.Context) {
	msg, err := h.messages.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, MsgMessageGetFailed)
		return
	}
	Success(c, msg)
}

// DeleteMessage 删除单封邮件
func (h *Handler) DeleteMessage(c *gin.Context) {
	if err := h.messages.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err, MsgMessageDeleteFailed)
		return
	}
	SuccessWithMsg(c, "邮件已删除", nil)
}
