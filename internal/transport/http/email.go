package httptransport

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/domain"
	"github.com/0xt4cs/EphemeralMail/internal/middleware"
	"github.com/0xt4cs/EphemeralMail/internal/monitoring"
	"github.com/0xt4cs/EphemeralMail/internal/service"
	"github.com/0xt4cs/EphemeralMail/internal/storage"
)

// Handler 聚合面向用户的 HTTP 处理逻辑。
type Handler struct {
	registry  *service.AddressRegistry
	messages  *service.MessageService
	validator *domain.EmailValidator
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// NewHandler 创建处理器。metrics 可以为 nil。
func NewHandler(registry *service.AddressRegistry, messages *service.MessageService, metrics *monitoring.Metrics, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		registry:  registry,
		messages:  messages,
		validator: domain.NewEmailValidator(),
		metrics:   metrics,
		log:       log,
	}
}

type createAddressRequest struct {
	Prefix string `json:"prefix"`
}

// CreateAddress 生成或认领一个邮箱地址。
//
// POST /v1/addresses
// 无 prefix 时随机生成；带 prefix 且地址已存在时认领该地址，
// 归属转移到当前会话，响应以 claimed 字段区分两种结果。
func (h *Handler) CreateAddress(c *gin.Context) {
	var req createAddressRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, MsgInvalidRequest)
			return
		}
	}

	result, err := h.registry.Generate(req.Prefix, middleware.SessionToken(c), middleware.Fingerprint(c))
	if err != nil {
		if errors.Is(err, service.ErrPrefixInvalid) {
			BadRequest(c, GetErrorMessage(err))
			return
		}
		h.log.Error("address generation failed", zap.Error(err))
		InternalError(c, MsgAddressCreateFailed)
		return
	}

	payload := gin.H{
		"address": result.Address,
		"claimed": result.Outcome == service.OutcomeClaimedExisting,
	}
	if result.Outcome == service.OutcomeClaimedExisting {
		if h.metrics != nil {
			h.metrics.AddressesClaimed.Inc()
		}
		SuccessWithMsg(c, "已认领现有邮箱", payload)
		return
	}
	if h.metrics != nil {
		h.metrics.AddressesCreated.Inc()
	}
	Created(c, payload)
}

// ListAddresses 列出当前身份名下的全部邮箱。
//
// GET /v1/addresses
func (h *Handler) ListAddresses(c *gin.Context) {
	addresses, err := h.registry.ListForIdentity(middleware.SessionToken(c), middleware.Fingerprint(c))
	if err != nil {
		h.log.Error("address listing failed", zap.Error(err))
		InternalError(c, MsgAddressListFailed)
		return
	}
	Success(c, gin.H{"addresses": addresses, "total": len(addresses)})
}

// GetAddress 返回邮箱详情（需要读权限）。
//
// GET /v1/addresses/:address
func (h *Handler) GetAddress(c *gin.Context) {
	address := domain.NormalizeAddress(c.Param("address"))
	if !h.requireOwnership(c, address) {
		return
	}

	info, err := h.registry.Info(address)
	if err != nil {
		NotFound(c, MsgAddressNotFound)
		return
	}
	Success(c, info)
}

// CheckAvailability 查询地址是否可注册（公开接口）。
//
// GET /v1/addresses/availability?address=foo@drop.example
func (h *Handler) CheckAvailability(c *gin.Context) {
	address := domain.NormalizeAddress(c.Query("address"))
	if err := h.validator.ValidateEmail(address); err != nil {
		BadRequest(c, MsgInvalidAddress)
		return
	}

	available, err := h.registry.Availability(address)
	if err != nil {
		h.log.Error("availability lookup failed", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}
	Success(c, gin.H{"address": address, "available": available})
}

// ListMessages 分页列出邮箱内的邮件（需要读权限）。
//
// GET /v1/addresses/:address/messages?page=1&limit=20&unread=true&search=keyword
func (h *Handler) ListMessages(c *gin.Context) {
	address := domain.NormalizeAddress(c.Param("address"))
	if !h.requireOwnership(c, address) {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 || limit < 0 {
		BadRequest(c, MsgInvalidPage)
		return
	}

	list, err := h.messages.List(domain.MessageListQuery{
		Address:    address,
		Page:       page,
		PageSize:   limit,
		UnreadOnly: c.Query("unread") == "true",
		Search:     c.Query("search"),
	})
	if err != nil {
		h.log.Error("message listing failed", zap.String("address", address), zap.Error(err))
		InternalError(c, MsgMessageListFailed)
		return
	}
	Success(c, list)
}

// UnreadCount 返回邮箱内未读邮件数（需要读权限）。
//
// GET /v1/addresses/:address/messages/unread-count
func (h *Handler) UnreadCount(c *gin.Context) {
	address := domain.NormalizeAddress(c.Param("address"))
	if !h.requireOwnership(c, address) {
		return
	}

	count, err := h.messages.UnreadCount(address)
	if err != nil {
		InternalError(c, MsgInternalError)
		return
	}
	Success(c, gin.H{"address": address, "unreadCount": count})
}

// GetMessage 返回邮件详情并标记为已读（需要读权限）。
//
// GET /v1/messages/:id
func (h *Handler) GetMessage(c *gin.Context) {
	id := c.Param("id")
	message, err := h.messages.Get(id)
	if err != nil {
		NotFound(c, MsgMessageNotFound)
		return
	}
	if !h.requireOwnership(c, message.To) {
		return
	}

	message, err = h.messages.GetAndMarkRead(id)
	if err != nil {
		InternalError(c, MsgMessageGetFailed)
		return
	}
	Success(c, message)
}

// DeleteMessage 删除单封邮件（需要写权限，仅会话令牌）。
//
// DELETE /v1/messages/:id
func (h *Handler) DeleteMessage(c *gin.Context) {
	id := c.Param("id")
	message, err := h.messages.Get(id)
	if err != nil {
		NotFound(c, MsgMessageNotFound)
		return
	}
	if !h.requireWriteAccess(c, message.To) {
		return
	}

	if err := h.messages.Delete(id); err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, MsgMessageNotFound)
			return
		}
		InternalError(c, MsgDeleteFailed)
		return
	}
	if h.metrics != nil {
		h.metrics.MessagesDeleted.Inc()
	}
	SuccessWithMsg(c, "删除成功", nil)
}

// PurgeAddress 删除邮箱的全部邮件并注销地址（需要写权限）。
//
// DELETE /v1/addresses/:address/messages
func (h *Handler) PurgeAddress(c *gin.Context) {
	address := domain.NormalizeAddress(c.Param("address"))
	if !h.requireWriteAccess(c, address) {
		return
	}

	deleted, err := h.messages.PurgeAddress(address)
	if err != nil {
		h.log.Error("address purge failed", zap.String("address", address), zap.Error(err))
		InternalError(c, MsgDeleteFailed)
		return
	}
	if h.metrics != nil {
		h.metrics.AddressesPurged.Inc()
	}
	SuccessWithMsg(c, "删除成功", gin.H{"deletedCount": deleted})
}

// requireOwnership 校验读权限：会话或指纹任一匹配即可。
func (h *Handler) requireOwnership(c *gin.Context, address string) bool {
	ok, err := h.registry.VerifyOwnership(address, middleware.SessionToken(c), middleware.Fingerprint(c))
	if err != nil {
		InternalError(c, MsgInternalError)
		return false
	}
	if !ok {
		Forbidden(c, MsgNotOwner)
		return false
	}
	return true
}

// requireWriteAccess 校验写权限：只认会话令牌。
func (h *Handler) requireWriteAccess(c *gin.Context, address string) bool {
	ok, err := h.registry.VerifyWriteAccess(address, middleware.SessionToken(c))
	if err != nil {
		InternalError(c, MsgInternalError)
		return false
	}
	if !ok {
		Forbidden(c, MsgWriteDenied)
		return false
	}
	return true
}
