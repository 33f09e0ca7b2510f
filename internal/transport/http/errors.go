package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dropmail/backend/internal/service"
	"dropmail/backend/internal/storage"
)

// errorMapping 业务错误对应的状态码与中文消息
type errorMapping struct {
	status int
	msg    string
}

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]errorMapping{
	service.ErrInvalidMailbox:  {http.StatusBadRequest, MsgInvalidMailbox},
	service.ErrMessageNotFound: {http.StatusNotFound, MsgMessageNotFound},
	storage.ErrMessageNotFound: {http.StatusNotFound, MsgMessageNotFound},
}

// respondError 将业务错误转换为统一响应；未知错误按 fallback 返回 500
func respondError(c *gin.Context, err error, fallback string) {
	for target, m := range errorMessages {
		if errors.Is(err, target) {
			Error(c, m.status, m.msg)
			return
		}
	}
	_ = c.Error(err)
	InternalError(c, fallback)
}

// 通用错误消息
const (
	MsgInvalidMailbox  = "邮箱名只能包含小写字母和数字"
	MsgMessageNotFound = "邮件不存在或已过期"

	MsgMessageListFailed   = "获取邮件列表失败"
	MsgMessageGetFailed    = "获取邮件详情失败"
	MsgMessageDeleteFailed = "删除邮件失败"
	MsgMailboxClearFailed  = "清空邮箱失败"
)
