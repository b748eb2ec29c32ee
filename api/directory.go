package api

import (
	"buildsite/config"
	"buildsite/service"

	"github.com/gin-gonic/gin"
)

// CustomerHandler 客户管理处理器
type CustomerHandler struct {
	svc *service.CustomerService
}

// NewCustomerHandler 创建客户管理处理器
func NewCustomerHandler(svc *service.CustomerService) *CustomerHandler {
	return &CustomerHandler{svc: svc}
}

func directoryQuery(c *gin.Context) service.DirectoryQuery {
	page, size := pageParams(c)
	return service.DirectoryQuery{
		Page:     page,
		PageSize: size,
		Keyword:  c.Query("keyword"),
		Active:   boolQuery(c, "is_active"),
	}
}

// List 客户列表
// @Summary 客户列表
// @Tags 客户管理
// @Produce json
// @Security BearerAuth
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(10)
// @Param keyword query string false "编号、名称或公司关键字"
// @Param is_active query bool false "是否启用"
// @Success 200 {object} Response{data=PageResponse}
// @Router /admin/customers [get]
func (h *CustomerHandler) List(c *gin.Context) {
	q := directoryQuery(c)
	list, total, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		ServiceError(c, err, "获取客户列表失败")
		return
	}
	Success(c, PageResponse{Total: total, Page: q.Page, PageSize: q.PageSize, List: list})
}

// Get 客户详情
// @Summary 客户详情
// @Tags 客户管理
// @Produce json
// @Security BearerAuth
// @Param id path int true "客户 ID"
// @Success 200 {object} Response{data=models.Customer}
// @Router /admin/customers/{id} [get]
func (h *CustomerHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	customer, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		ServiceError(c, err, "获取客户失败")
		return
	}
	Success(c, customer)
}

// Create 创建客户，自动生成 CUS-YYYYMMDD-NNN 编号
// @Summary 创建客户
// @Tags 客户管理
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body service.ContactInput true "客户信息"
// @Success 200 {object} Response{data=models.Customer}
// @Failure 409 {object} Response
// @Failure 503 {object} Response
// @Router /admin/customers [post]
func (h *CustomerHandler) Create(c *gin.Context) {
	var req service.ContactInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, config.SafeErrorMessage(err, "参数错误"))
		return
	}
	customer, err := h.svc.Create(adminContext(c), req)
	if err != nil {
		ServiceError(c, err, "创建客户失败")
		return
	}
	SuccessWithMessage(c, "创建成功", customer)
}

// Update 更新客户
// @Summary 更新客户
// @Tags 客户管理
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "客户 ID"
// @Param body body service.ContactInput true "修改内容"
// @Success 200 {object} Response{data=models.Customer}
// @Router /admin/customers/{id} [put]
func (h *CustomerHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req service.ContactInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, config.SafeErrorMessage(err, "参数错误"))
		return
	}
	customer, err := h.svc.Update(adminContext(c), id, req)
	if err != nil {
		ServiceError(c, err, "更新客户失败")
		return
	}
	SuccessWithMessage(c, "更新成功", customer)
}

// Delete 删除客户，关联项目的客户字段置空
// @Summary 删除客户
// @Tags 客户管理
// @Produce json
// @Security BearerAuth
// @Param id path int true "客户 ID"
// @Success 200 {object} Response
// @Router /admin/customers/{id} [delete]
func (h *CustomerHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(adminContext(c), id); err != nil {
		ServiceError(c, err, "删除客户失败")
		return
	}
	SuccessWithMessage(c, "删除成功", nil)
}

// InvestorHandler 投资人管理处理器
type InvestorHandler struct {
	svc *service.InvestorService
}

// NewInvestorHandler 创建投资人管理处理器
func NewInvestorHandler(svc *service.InvestorService) *InvestorHandler {
	return &InvestorHandler{svc: svc}
}

// List 投资人列表
// @Summary 投资人列表
// @Tags 投资人管理
// @Produce json
// @Security BearerAuth
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(10)
// @Param keyword query string false "编号或名称关键字"
// @Param is_active query bool false "是否启用"
// @Success 200 {object} Response{data=PageResponse}
// @Router /admin/investors [get]
func (h *InvestorHandler) List(c *gin.Context) {
	q := directoryQuery(c)
	list, total, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		ServiceError(c, err, "获取投资人列表失败")
		return
	}
	Success(c, PageResponse{Total: total, Page: q.Page, PageSize: q.PageSize, List: list})
}

// Get 投资人详情
// @Summary 投资人详情
// @Tags 投资人管理
// @Produce json
// @Security BearerAuth
// @Param id path int true "投资人 ID"
// @Success 200 {object} Response{data=models.Investor}
// @Router /admin/investors/{id} [get]
func (h *InvestorHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	investor, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		ServiceError(c, err, "获取投资人失败")
		return
	}
	Success(c, investor)
}

// Create 创建投资人，自动生成 INV-YYYYMMDD-NNN 编号
// @Summary 创建投资人
// @Tags 投资人管理
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body service.ContactInput true "投资人信息"
// @Success 200 {object} Response{data=models.Investor}
// @Failure 409 {object} Response
// @Failure 503 {object} Response
// @Router /admin/investors [post]
func (h *InvestorHandler) Create(c *gin.Context) {
	var req service.ContactInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, config.SafeErrorMessage(err, "参数错误"))
		return
	}
	investor, err := h.svc.Create(adminContext(c), req)
	if err != nil {
		ServiceError(c, err, "创建投资人失败")
		return
	}
	SuccessWithMessage(c, "创建成功", investor)
}

// Update 更新投资人
// @Summary 更新投资人
// @Tags 投资人管理
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "投资人 ID"
// @Param body body service.ContactInput true "修改内容"
// @Success 200 {object} Response{data=models.Investor}
// @Router /admin/investors/{id} [put]
func (h *InvestorHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req service.ContactInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, config.SafeErrorMessage(err, "参数错误"))
		return
	}
	investor, err := h.svc.Update(adminContext(c), id, req)
	if err != nil {
		ServiceError(c, err, "更新投资人失败")
		return
	}
	SuccessWithMessage(c, "更新成功", investor)
}

// Delete 删除投资人，仍有项目引用时返回 409
// @Summary 删除投资人
// @Tags 投资人管理
// @Produce json
// @Security BearerAuth
// @Param id path int true "投资人 ID"
// @Success 200 {object} Response
// @Failure 409 {object} Response
// @Router /admin/investors/{id} [delete]
func (h *InvestorHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(adminContext(c), id); err != nil {
		ServiceError(c, err, "删除投资人失败")
		return
	}
	SuccessWithMessage(c, "删除成功", nil)
}
