package httptransport

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/service"
	"github.com/0xt4cs/EphemeralMail/internal/storage"
)

// AdminHandler 管理端接口。
type AdminHandler struct {
	admin     *service.AdminService
	registry  *service.AddressRegistry
	sessions  *service.SessionManager
	blacklist *service.BlacklistService
	cleanup   *service.CleanupScheduler
	log       *zap.Logger
}

// NewAdminHandler 创建管理处理器。
func NewAdminHandler(
	admin *service.AdminService,
	registry *service.AddressRegistry,
	sessions *service.SessionManager,
	blacklist *service.BlacklistService,
	cleanup *service.CleanupScheduler,
	log *zap.Logger,
) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{
		admin:     admin,
		registry:  registry,
		sessions:  sessions,
		blacklist: blacklist,
		cleanup:   cleanup,
		log:       log,
	}
}

// Statistics 返回系统统计。
//
// GET /v1/admin/stats
func (h *AdminHandler) Statistics(c *gin.Context) {
	stats, err := h.admin.Statistics()
	if err != nil {
		h.log.Error("statistics query failed", zap.Error(err))
		InternalError(c, MsgStatisticsGetFailed)
		return
	}
	Success(c, stats)
}

// TriggerCleanup 立即执行一轮过期数据清扫。
//
// POST /v1/admin/cleanup
func (h *AdminHandler) TriggerCleanup(c *gin.Context) {
	h.cleanup.RunMessageSweep()
	h.cleanup.RunSessionSweep()
	SuccessWithMsg(c, MsgCleanupTriggered, nil)
}

// ListAddresses 分页返回全部地址。
//
// GET /v1/admin/addresses?page=1&limit=50
func (h *AdminHandler) ListAddresses(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	addresses, total, err := h.registry.ListAll(page, limit)
	if err != nil {
		h.log.Error("admin address listing failed", zap.Error(err))
		InternalError(c, MsgAddressListFailed)
		return
	}
	Success(c, gin.H{
		"addresses": addresses,
		"total":     total,
		"page":      page,
		"limit":     limit,
	})
}

// ListSessions 返回当前活跃会话。
//
// GET /v1/admin/sessions
func (h *AdminHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.ActiveSessions()
	if err != nil {
		h.log.Error("admin session listing failed", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}
	Success(c, gin.H{"sessions": sessions, "total": len(sessions)})
}

// ListBlacklist 返回黑名单全量。
//
// GET /v1/admin/blacklist
func (h *AdminHandler) ListBlacklist(c *gin.Context) {
	domains, err := h.blacklist.List()
	if err != nil {
		InternalError(c, MsgBlacklistFailed)
		return
	}
	Success(c, gin.H{"domains": domains, "total": len(domains)})
}

type blacklistRequest struct {
	Domain string `json:"domain" binding:"required"`
	Reason string `json:"reason"`
}

// AddBlacklist 将域加入黑名单。
//
// POST /v1/admin/blacklist
func (h *AdminHandler) AddBlacklist(c *gin.Context) {
	var req blacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.blacklist.Block(req.Domain, req.Reason); err != nil {
		h.log.Error("blacklist add failed", zap.String("domain", req.Domain), zap.Error(err))
		InternalError(c, MsgBlacklistFailed)
		return
	}
	Created(c, gin.H{"domain": req.Domain})
}

// RemoveBlacklist 将域移出黑名单。
//
// DELETE /v1/admin/blacklist/:domain
func (h *AdminHandler) RemoveBlacklist(c *gin.Context) {
	name := c.Param("domain")
	if err := h.blacklist.Unblock(name); err != nil {
		if errors.Is(err, storage.ErrDomainNotBlacklisted) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		InternalError(c, MsgBlacklistFailed)
		return
	}
	SuccessWithMsg(c, "删除成功", nil)
}
