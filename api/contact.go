package api

import (
	"buildsite/config"
	"buildsite/service"

	"github.com/gin-gonic/gin"
)

// ContactHandler 联系表单处理器
type ContactHandler struct {
	svc *service.ContactService
}

// NewContactHandler 创建联系表单处理器
func NewContactHandler(svc *service.ContactService) *ContactHandler {
	return &ContactHandler{svc: svc}
}

// ContactListResponse 留言列表，附带未读数
type ContactListResponse struct {
	PageResponse
	Unread int64 `json:"unread"`
}

// Submit 官网提交留言
// @Summary 提交留言
// @Tags 官网
// @Accept json
// @Produce json
// @Param body body service.ContactMessageInput true "留言"
// @Success 200 {object} Response
// @Failure 429 {object} Response
// @Router /api/v1/contact [post]
func (h *ContactHandler) Submit(c *gin.Context) {
	var req service.ContactMessageInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, config.SafeErrorMessage(err, "请填写姓名、邮箱和留言内容"))
		return
	}
	if _, err := h.svc.Submit(c.Request.Context(), req); err != nil {
		ServiceError(c, err, "提交失败")
		return
	}
	SuccessWithMessage(c, "提交成功，我们会尽快与您联系", nil)
}

// List 留言列表
// @Summary 留言列表
// @Tags 留言管理
// @Produce json
// @Security BearerAuth
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(10)
// @Param unread query bool false "仅未读"
// @Success 200 {object} Response{data=ContactListResponse}
// @Router /admin/contact-messages [get]
func (h *ContactHandler) List(c *gin.Context) {
	page, size := pageParams(c)
	unreadOnly := boolQuery(c, "unread")
	list, total, unread, err := h.svc.List(c.Request.Context(), service.ContactQuery{
		Page:       page,
		PageSize:   size,
		UnreadOnly: unreadOnly != nil && *unreadOnly,
	})
	if err != nil {
		ServiceError(c, err, "获取留言失败")
		return
	}
	Success(c, ContactListResponse{
		PageResponse: PageResponse{Total: total, Page: page, PageSize: size, List: list},
		Unread:       unread,
	})
}

// MarkRead 标记已读
// @Summary 标记留言已读
// @Tags 留言管理
// @Produce json
// @Security BearerAuth
// @Param id path int true "留言 ID"
// @Success 200 {object} Response
// @Router /admin/contact-messages/{id}/read [put]
func (h *ContactHandler) MarkRead(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.svc.MarkRead(c.Request.Context(), id); err != nil {
		ServiceError(c, err, "操作失败")
		return
	}
	SuccessWithMessage(c, "已标记为已读", nil)
}

// Delete 删除留言
// @Summary 删除留言
// @Tags 留言管理
// @Produce json
// @Security BearerAuth
// @Param id path int true "留言 ID"
// @Success 200 {object} Response
// @Router /admin/contact-messages/{id} [delete]
func (h *ContactHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		ServiceError(c, err, "删除留言失败")
		return
	}
	SuccessWithMessage(c, "删除成功", nil)
}
