package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"medreport-ai/internal/bootstrap"
	"medreport-ai/internal/transport/http/response"
)

type HealthHandler struct {
	app *bootstrap.App
}

type dependencyStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func NewHealthHandler(app *bootstrap.App) *HealthHandler {
	return &HealthHandler{app: app}
}

// Check reports the engine state and the reachability of optional backends.
// The service is healthy as long as the process is up; a model that has not
// loaded yet still answers here with model_loaded=false.
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := h.app.Engine.Status()

	c.JSON(http.StatusOK, gin.H{
		"app":          h.app.Config.App.Name,
		"env":          h.app.Config.App.Env,
		"uptime_sec":   int(time.Since(h.app.StartedAt).Seconds()),
		"model_loaded": status.Loaded,
		"device":       status.Device,
		"quantization": status.Quantization,
		"index_size":   h.app.Index.Len(),
		"dependencies": gin.H{
			"mysql":    h.checkMySQL(ctx),
			"redis":    h.checkRedis(ctx),
			"rabbitmq": h.checkRabbitMQ(),
		},
	})
}

// ReloadModel tears the model down and loads it again, serialized against
// in-flight generation. This is the only way out of a failed load.
func (h *HealthHandler) ReloadModel(c *gin.Context) {
	if err := h.app.Engine.Reload(c.Request.Context()); err != nil {
		response.Error(c, http.StatusServiceUnavailable, response.CodeModelUnavailable, err.Error())
		return
	}
	response.OK(c, h.app.Engine.Status())
}

func (h *HealthHandler) checkMySQL(ctx context.Context) dependencyStatus {
	if h.app.MySQL == nil {
		return dependencyStatus{OK: false, Message: "disabled"}
	}
	sqlDB, err := h.app.MySQL.DB()
	if err != nil {
		return dependencyStatus{OK: false, Message: err.Error()}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return dependencyStatus{OK: false, Message: err.Error()}
	}
	return dependencyStatus{OK: true}
}

func (h *HealthHandler) checkRedis(ctx context.Context) dependencyStatus {
	if h.app.Redis == nil {
		return dependencyStatus{OK: false, Message: "disabled"}
	}
	if err := h.app.Redis.Ping(ctx).Err(); err != nil {
		return dependencyStatus{OK: false, Message: err.Error()}
	}
	return dependencyStatus{OK: true}
}

func (h *HealthHandler) checkRabbitMQ() dependencyStatus {
	if h.app.MQConn == nil || h.app.MQConn.IsClosed() {
		return dependencyStatus{OK: false, Message: "disabled or closed"}
	}
	return dependencyStatus{OK: true}
}
