package worker

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ocrgate/internal/redis"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// StatusHandler serves the worker process's health and metrics.
type StatusHandler struct {
	broker     pinger
	registry   *Registry
	dispatcher *Dispatcher
}

func NewStatusHandler(broker pinger, registry *Registry, dispatcher *Dispatcher) *StatusHandler {
	return &StatusHandler{broker: broker, registry: registry, dispatcher: dispatcher}
}

func (h *StatusHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// health is always 200, like the ingest API.
func (h *StatusHandler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := gin.H{"ok": true, "redis": "ok"}
	if err := h.broker.Ping(ctx); err != nil {
		status["redis"] = "error:" + string(redis.KindOf(err))
	} else if h.registry != nil {
		if workers, err := h.registry.List(ctx); err == nil {
			status["workers"] = len(workers)
		}
	}
	if h.dispatcher != nil {
		running, idle := h.dispatcher.pool.size()
		status["pending"] = h.dispatcher.Pending()
		status["busy"] = running - idle
	}
	c.JSON(http.StatusOK, status)
}
