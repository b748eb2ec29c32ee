package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"buildsite/config"
	"buildsite/ledger"
	"buildsite/logger"
	"buildsite/middleware"
	"buildsite/sequence"
	"buildsite/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response 通用响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// PageResponse 分页响应结构
type PageResponse struct {
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	List     interface{} `json:"list"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    200,
		Message: "success",
		Data:    data,
	})
}

// SuccessWithMessage 带消息的成功响应
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    200,
		Message: message,
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	c.JSON(code, Response{
		Code:    code,
		Message: message,
	})
}

// BadRequest 400 错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

// InternalError 500 错误响应
func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, message)
}

// NotFound 404 错误响应
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, message)
}

// Conflict 409 错误响应
func Conflict(c *gin.Context, message string) {
	Error(c, http.StatusConflict, message)
}

// RejectedRows 账目校验失败时返回的无效行
type RejectedRows struct {
	Rejected []ledger.Rejection `json:"rejected"`
}

// ServiceError 把服务层错误映射为 HTTP 响应
// 校验、不存在、冲突类错误的信息可直接展示；其余错误按 SafeErrorMessage 处理
func ServiceError(c *gin.Context, err error, fallback string) {
	log := logger.FromContext(c.Request.Context())

	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, Response{
			Code:    http.StatusBadRequest,
			Message: err.Error(),
			Data:    RejectedRows{Rejected: verr.Rejected},
		})
	case errors.Is(err, service.ErrValidation):
		BadRequest(c, err.Error())
	case errors.Is(err, service.ErrNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, service.ErrVersionConflict),
		errors.Is(err, service.ErrInUse),
		errors.Is(err, sequence.ErrSequenceExhausted):
		Conflict(c, err.Error())
	case service.IsRetryable(err):
		log.Warn("事务中止", zap.Error(err))
		c.Header("Retry-After", "1")
		Error(c, http.StatusServiceUnavailable, service.ErrTransactionAborted.Error())
	default:
		log.Error(fallback, zap.Error(err))
		InternalError(c, config.SafeErrorMessage(err, fallback))
	}
}

// adminContext 请求上下文，日志附带当前管理员
func adminContext(c *gin.Context) context.Context {
	ctx := c.Request.Context()
	admin := middleware.GetCurrentAdmin(c)
	if admin == "" {
		return ctx
	}
	return logger.WithContext(ctx, logger.FromContext(ctx).With(zap.String("admin", admin)))
}

// parseID 解析路径参数 id
func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		BadRequest(c, "无效的 ID")
		return 0, false
	}
	return uint(id), true
}

// pageParams 读取 page / page_size 查询参数
func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	if size > 100 {
		size = 100
	}
	return page, size
}

// boolQuery 可选的布尔查询参数，未提供或无法解析时为 nil
func boolQuery(c *gin.Context, key string) *bool {
	v, ok := c.GetQuery(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}
