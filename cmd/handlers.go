package main

import (
	"image-gateway/core"
	"image-gateway/models"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// app 管理接口共享的依赖
type app struct {
	db         *gorm.DB
	log        *logrus.Logger
	pool       *core.CredentialPool
	keyManager *core.KeyStateManager
}

// handleRoot 处理根路径请求
func handleRoot(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    "Image Generation Gateway",
			"version": "1.0.0",
			"endpoints": gin.H{
				"generate":    "/api/generate",
				"describe":    "/api/describe",
				"health":      "/health",
				"admin_stats": "/admin/stats",
			},
			"credentials": a.pool.Size(),
			"timestamp":   time.Now().Unix(),
		})
	}
}

// handleHealth 处理健康检查，没有凭证时返回 503
func handleHealth(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, code := "healthy", http.StatusOK
		if a.pool.Size() == 0 {
			status, code = "unconfigured", http.StatusServiceUnavailable
		}
		c.JSON(code, models.HealthResponse{
			Status:      status,
			Gateway:     "Image Generation Gateway",
			Credentials: a.pool.Size(),
			Strategy:    a.pool.StrategyName(),
			Timestamp:   time.Now().Unix(),
		})
	}
}

// handleStats 凭证维度的持久化统计
func handleStats(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		var stats []models.CredentialStats
		if err := a.db.Order("fingerprint").Find(&stats).Error; err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to query stats: "+err.Error()))
			return
		}

		type credentialStat struct {
			Fingerprint    string  `json:"fingerprint"`
			Success        int     `json:"success"`
			Error          int     `json:"error"`
			RateLimited    int     `json:"rate_limited"`
			RequestCount   int64   `json:"request_count"`
			AverageLatency float64 `json:"average_latency_ms"`
		}
		out := make([]credentialStat, 0, len(stats))
		var total int64
		for _, s := range stats {
			total += s.RequestCount
			out = append(out, credentialStat{
				Fingerprint:    s.Fingerprint,
				Success:        s.Success,
				Error:          s.Error,
				RateLimited:    s.RateLimited,
				RequestCount:   s.RequestCount,
				AverageLatency: s.AverageLatency(),
			})
		}

		c.JSON(http.StatusOK, models.NewSuccessResponse("Stats retrieved successfully", gin.H{
			"pool_size":      a.pool.Size(),
			"strategy":       a.pool.StrategyName(),
			"cursor":         a.pool.Cursor(),
			"total_requests": total,
			"credentials":    out,
		}))
	}
}

// handleCredentials 当前进程内观测到的凭证状态
func handleCredentials(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshot := a.keyManager.Snapshot(a.pool.Fingerprints())
		c.JSON(http.StatusOK, models.NewSuccessResponse("Credentials retrieved successfully", snapshot))
	}
}

// handleLogs 最近的请求日志，?limit= 默认 50，最大 500
func handleLogs(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, models.NewErrorResponse("invalid limit: must be a positive number"))
				return
			}
			limit = n
		}
		if limit > 500 {
			limit = 500
		}

		var logs []models.RequestLog
		if err := a.db.Order("id desc").Limit(limit).Find(&logs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to query logs: "+err.Error()))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("Logs retrieved successfully", logs))
	}
}
