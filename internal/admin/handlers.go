package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler は管理APIのエンドポイントを実装する
type Handler struct {
	provider Provider
	started  time.Time
	now      func() time.Time
}

// NewHandler は Handler を作成する
func NewHandler(p Provider, started time.Time) *Handler {
	return &Handler{provider: p, started: started, now: time.Now}
}

func (h *Handler) status() HealthStatus {
	if h.provider.Stopping() {
		return Stopping
	}
	return Healthy
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    h.status(),
		Timestamp: h.now(),
	}

	code := http.StatusOK
	if response.Status != Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}

// GetStatus はエージェントの状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	now := h.now()
	response := StatusResponse{
		Status:    h.status(),
		Uptime:    now.Sub(h.started).Truncate(time.Second).String(),
		Loop:      h.provider.LoopStats(),
		Webserver: h.provider.WebserverInfo(),
		Timestamp: now,
	}

	c.JSON(http.StatusOK, response)
}

// register はルートを設定する
func (h *Handler) register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)
	r.GET("/api/status", h.GetStatus)
}
