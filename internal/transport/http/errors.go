package httptransport

import (
	"github.com/0xt4cs/EphemeralMail/internal/service"
	"github.com/0xt4cs/EphemeralMail/internal/storage"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	service.ErrPrefixInvalid:        "邮箱前缀格式无效",
	service.ErrGenerateExhausted:    "地址生成失败，请重试",
	storage.ErrAddressNotFound:      "邮箱不存在",
	storage.ErrMessageNotFound:      "邮件不存在",
	storage.ErrSessionNotFound:      "会话不存在",
	storage.ErrDomainBlacklisted:    "域名已在黑名单中",
	storage.ErrDomainNotBlacklisted: "域名不在黑名单中",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	if msg, ok := errorMessages[err]; ok {
		return msg
	}
	return err.Error()
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest = "请求参数格式错误"
	MsgInvalidAddress = "邮箱地址格式无效"
	MsgInvalidPage    = "分页参数无效"

	// 权限相关
	MsgNotOwner        = "您无权访问该邮箱"
	MsgWriteDenied     = "删除操作需要有效的会话"
	MsgSessionNotFound = "会话不存在或已过期"

	// 地址相关
	MsgAddressCreateFailed = "创建邮箱失败"
	MsgAddressListFailed   = "获取邮箱列表失败"
	MsgAddressNotFound     = "邮箱不存在"

	// 邮件相关
	MsgMessageNotFound   = "邮件不存在"
	MsgMessageListFailed = "获取邮件列表失败"
	MsgMessageGetFailed  = "获取邮件详情失败"
	MsgDeleteFailed      = "删除失败"

	// 管理端相关
	MsgStatisticsGetFailed = "获取统计数据失败"
	MsgBlacklistFailed     = "黑名单操作失败"
	MsgCleanupTriggered    = "清理任务已触发"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)
