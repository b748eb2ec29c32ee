package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"buildsite/config"
	"buildsite/ledger"
	"buildsite/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// ProjectHandler 项目管理处理器
type ProjectHandler struct {
	svc *service.ProjectService
}

// NewProjectHandler 创建项目管理处理器
func NewProjectHandler(svc *service.ProjectService) *ProjectHandler {
	return &ProjectHandler{svc: svc}
}

// ProjectRequest 创建/更新项目请求
// 字段缺失表示不修改；budget、actual_cost、start_date、end_date、customer_id 传 null 或空串表示清空
// investorsJson、investorPaymentsJson、expensesJson 可以是数组或内容为数组的字符串，传入时整体替换对应账目
type ProjectRequest struct {
	Title       service.Field[string] `json:"title" swaggertype:"string"`
	Description service.Field[string] `json:"description" swaggertype:"string"`
	Location    service.Field[string] `json:"location" swaggertype:"string"`
	Type        service.Field[string] `json:"type" swaggertype:"string"`
	Status      service.Field[string] `json:"status" swaggertype:"string" example:"planning"`
	Progress    service.Field[int]    `json:"progress" swaggertype:"integer"`
	Published   service.Field[bool]   `json:"published" swaggertype:"boolean"`
	Notes       service.Field[string] `json:"notes" swaggertype:"string"`

	CustomerID json.RawMessage `json:"customer_id" swaggertype:"integer"`
	Budget     json.RawMessage `json:"budget" swaggertype:"string" example:"150000.00"`
	ActualCost json.RawMessage `json:"actual_cost" swaggertype:"string"`
	StartDate  json.RawMessage `json:"start_date" swaggertype:"string" example:"2026-01-15"`
	EndDate    json.RawMessage `json:"end_date" swaggertype:"string"`

	// Version 客户端读取时的版本号，不一致时返回 409
	Version *uint `json:"version"`

	InvestorsJSON        json.RawMessage `json:"investorsJson" swaggertype:"array,object"`
	InvestorPaymentsJSON json.RawMessage `json:"investorPaymentsJson" swaggertype:"array,object"`
	ExpensesJSON         json.RawMessage `json:"expensesJson" swaggertype:"array,object"`
}

// toPatch 转换为服务层参数
func (r ProjectRequest) toPatch() (service.ProjectPatch, error) {
	patch := service.ProjectPatch{
		Title:           r.Title,
		Description:     r.Description,
		Location:        r.Location,
		Type:            r.Type,
		Status:          r.Status,
		Progress:        r.Progress,
		Published:       r.Published,
		Notes:           r.Notes,
		ExpectedVersion: r.Version,
	}

	var err error
	if patch.CustomerID, err = idField("customer_id", r.CustomerID); err != nil {
		return patch, err
	}
	if patch.Budget, err = moneyField("budget", r.Budget); err != nil {
		return patch, err
	}
	if patch.ActualCost, err = moneyField("actual_cost", r.ActualCost); err != nil {
		return patch, err
	}
	if patch.StartDate, err = dateField("start_date", r.StartDate); err != nil {
		return patch, err
	}
	if patch.EndDate, err = dateField("end_date", r.EndDate); err != nil {
		return patch, err
	}

	if patch.Ledger.Assignments, err = ledger.ParseAssignments(r.InvestorsJSON); err != nil {
		return patch, fmt.Errorf("%w: %w", service.ErrValidation, err)
	}
	if patch.Ledger.InstallmentGroups, err = ledger.ParseInstallmentGroups(r.InvestorPaymentsJSON); err != nil {
		return patch, fmt.Errorf("%w: %w", service.ErrValidation, err)
	}
	if patch.Ledger.Expenses, err = ledger.ParseExpenses(r.ExpensesJSON); err != nil {
		return patch, fmt.Errorf("%w: %w", service.ErrValidation, err)
	}
	return patch, nil
}

func moneyField(name string, raw json.RawMessage) (service.Field[decimal.Decimal], error) {
	if len(raw) == 0 {
		return service.Field[decimal.Decimal]{}, nil
	}
	d, ok, err := ledger.ParseAmount(raw)
	if err != nil {
		return service.Field[decimal.Decimal]{}, fmt.Errorf("%w: %s %v", service.ErrValidation, name, err)
	}
	if !ok {
		return service.Clear[decimal.Decimal](), nil
	}
	return service.Set(d), nil
}

func dateField(name string, raw json.RawMessage) (service.Field[time.Time], error) {
	if len(raw) == 0 {
		return service.Field[time.Time]{}, nil
	}
	t, err := ledger.ParseDate(raw)
	if err != nil {
		return service.Field[time.Time]{}, fmt.Errorf("%w: %s %v", service.ErrValidation, name, err)
	}
	if t == nil {
		return service.Clear[time.Time](), nil
	}
	return service.Set(*t), nil
}

// idField customer_id 传 null、空串或 0 表示解除关联
func idField(name string, raw json.RawMessage) (service.Field[uint], error) {
	if len(raw) == 0 {
		return service.Field[uint]{}, nil
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		s = string(raw)
	}
	switch s {
	case "", "null", "0":
		return service.Clear[uint](), nil
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return service.Field[uint]{}, fmt.Errorf("%w: %s 无效: %s", service.ErrValidation, name, s)
	}
	return service.Set(uint(id)), nil
}

// List 项目列表
// @Summary 项目列表
// @Tags 项目管理
// @Produce json
// @Security BearerAuth
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(10)
// @Param status query string false "状态"
// @Param type query string false "类型"
// @Param published query bool false "是否发布"
// @Param keyword query string false "名称或地点关键字"
// @Success 200 {object} Response{data=PageResponse}
// @Router /admin/projects [get]
func (h *ProjectHandler) List(c *gin.Context) {
	page, size := pageParams(c)
	list, total, err := h.svc.List(c.Request.Context(), service.ProjectQuery{
		Page:      page,
		PageSize:  size,
		Status:    c.Query("status"),
		Type:      c.Query("type"),
		Published: boolQuery(c, "published"),
		Keyword:   c.Query("keyword"),
	})
	if err != nil {
		ServiceError(c, err, "获取项目列表失败")
		return
	}
	Success(c, PageResponse{Total: total, Page: page, PageSize: size, List: list})
}

// Get 项目详情（含投资人、分期付款、支出明细）
// @Summary 项目详情
// @Tags 项目管理
// @Produce json
// @Security BearerAuth
// @Param id path int true "项目 ID"
// @Success 200 {object} Response{data=models.Project}
// @Failure 404 {object} Response
// @Router /admin/projects/{id} [get]
func (h *ProjectHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	p, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		ServiceError(c, err, "获取项目失败")
		return
	}
	Success(c, p)
}

// Create 创建项目
// @Summary 创建项目
// @Tags 项目管理
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body ProjectRequest true "项目"
// @Success 200 {object} Response{data=service.UpdateResult}
// @Failure 400 {object} Response{data=RejectedRows}
// @Router /admin/projects [post]
func (h *ProjectHandler) Create(c *gin.Context) {
	var req ProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, config.SafeErrorMessage(err, "参数错误"))
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		ServiceError(c, err, "参数错误")
		return
	}
	result, err := h.svc.Create(adminContext(c), patch)
	if err != nil {
		ServiceError(c, err, "创建项目失败")
		return
	}
	SuccessWithMessage(c, "创建成功", result)
}

// Update 更新项目，账目字段在同一事务内整体替换
// @Summary 更新项目
// @Tags 项目管理
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "项目 ID"
// @Param body body ProjectRequest true "修改内容"
// @Success 200 {object} Response{data=service.UpdateResult}
// @Failure 400 {object} Response{data=RejectedRows}
// @Failure 404 {object} Response
// @Failure 409 {object} Response
// @Failure 503 {object} Response
// @Router /admin/projects/{id} [put]
func (h *ProjectHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req ProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, config.SafeErrorMessage(err, "参数错误"))
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		ServiceError(c, err, "参数错误")
		return
	}
	result, err := h.svc.Update(adminContext(c), id, patch)
	if err != nil {
		ServiceError(c, err, "更新项目失败")
		return
	}
	SuccessWithMessage(c, "更新成功", result)
}

// Delete 删除项目及其账目
// @Summary 删除项目
// @Tags 项目管理
// @Produce json
// @Security BearerAuth
// @Param id path int true "项目 ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /admin/projects/{id} [delete]
func (h *ProjectHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(adminContext(c), id); err != nil {
		ServiceError(c, err, "删除项目失败")
		return
	}
	SuccessWithMessage(c, "删除成功", nil)
}

// ListPublished 官网项目列表
// @Summary 官网项目列表
// @Tags 官网
// @Produce json
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(10)
// @Param type query string false "类型"
// @Success 200 {object} Response{data=PageResponse}
// @Router /api/v1/projects [get]
func (h *ProjectHandler) ListPublished(c *gin.Context) {
	page, size := pageParams(c)
	list, total, err := h.svc.ListPublished(c.Request.Context(), page, size, c.Query("type"))
	if err != nil {
		ServiceError(c, err, "获取项目列表失败")
		return
	}
	Success(c, PageResponse{Total: total, Page: page, PageSize: size, List: list})
}

// GetPublished 官网项目详情
// @Summary 官网项目详情
// @Tags 官网
// @Produce json
// @Param id path int true "项目 ID"
// @Success 200 {object} Response{data=service.PublicProject}
// @Failure 404 {object} Response
// @Router /api/v1/projects/{id} [get]
func (h *ProjectHandler) GetPublished(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	p, err := h.svc.GetPublished(c.Request.Context(), id)
	if err != nil {
		ServiceError(c, err, "获取项目失败")
		return
	}
	Success(c, p)
}
