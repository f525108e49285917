package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Pinger is any dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler 健康/就绪检查
type HealthHandler struct {
	version  string
	required map[string]Pinger
	optional map[string]Pinger
	logger   *logrus.Logger
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(version string, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthHandler{
		version:  version,
		required: make(map[string]Pinger),
		optional: make(map[string]Pinger),
		logger:   logger,
	}
}

// Require registers a dependency whose failure makes the service not ready.
func (h *HealthHandler) Require(name string, p Pinger) *HealthHandler {
	h.required[name] = p
	return h
}

// Optional registers a dependency that only degrades health.
func (h *HealthHandler) Optional(name string, p Pinger) *HealthHandler {
	h.optional[name] = p
	return h
}

// Health 健康检查端点；部分依赖不可用时返回 200 + degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}
	requiredOK, optionalOK := true, true
	for name, p := range h.required {
		info := check(ctx, p)
		resp.Services[name] = info
		if info.Status != "healthy" {
			requiredOK = false
		}
	}
	for name, p := range h.optional {
		info := check(ctx, p)
		resp.Services[name] = info
		if info.Status != "healthy" {
			optionalOK = false
		}
	}

	status := http.StatusOK
	switch {
	case !requiredOK:
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case !optionalOK:
		resp.Status = "degraded"
	}
	if resp.Status != "healthy" {
		h.logger.WithField("status", resp.Status).Warn("health check not healthy")
	}
	c.JSON(status, resp)
}

// Ready 就绪检查端点，只检查必需依赖
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	names := make([]string, 0, len(h.required))
	for name := range h.required {
		names = append(names, name)
	}
	sort.Strings(names)
	services := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.required[name].Ping(ctx); err != nil {
			services[name] = "not_ready"
			ready = false
			continue
		}
		services[name] = "ready"
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  services,
	})
}

func check(ctx context.Context, p Pinger) ServiceInfo {
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return ServiceInfo{Status: "unhealthy", Latency: time.Since(start).String(), Error: err.Error()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}

// RegisterHealthRoutes 注册健康检查路由
func RegisterHealthRoutes(r gin.IRoutes, h *HealthHandler) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
}
