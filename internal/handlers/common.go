package handlers

import (
	"net/http"
	"strconv"

	"liveconsult/internal/middleware"
	"liveconsult/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	PageSize int         `json:"page_size"`
	// NextBefore 传给下一页的 before 参数；0 表示没有更早的数据
	NextBefore uint `json:"next_before,omitempty"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// httpStatus maps a service error onto an HTTP status code.
func httpStatus(err error) int {
	switch services.ErrorCode(err) {
	case services.CodeNotFound:
		return http.StatusNotFound
	case services.CodeUnauthorized:
		return http.StatusForbidden
	case services.CodeInvalidState:
		return http.StatusConflict
	case services.CodeExternalDependency:
		return http.StatusBadGateway
	case services.CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, logger *logrus.Logger, action string, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.WithError(err).WithField("path", c.FullPath()).Errorf("Failed to %s", action)
	}
	c.JSON(status, ErrorResponse{
		Error:   services.ErrorCode(err),
		Message: err.Error(),
		Code:    status,
	})
}

func badRequest(c *gin.Context, title string, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   title,
		Message: err.Error(),
		Code:    http.StatusBadRequest,
	})
}

// currentUser returns the authenticated user or aborts with 401.
func currentUser(c *gin.Context) (uint, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "authentication required",
			Code:    http.StatusUnauthorized,
		})
	}
	return uid, ok
}

func parseIDParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid " + name,
			Message: "ID must be a valid number",
			Code:    http.StatusBadRequest,
		})
		return 0, false
	}
	return uint(id), true
}

func queryInt(c *gin.Context, name string, def int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
