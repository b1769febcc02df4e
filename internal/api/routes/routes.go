package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillon/dmarcwatch/internal/api/handlers"
	"github.com/quillon/dmarcwatch/internal/scheduler"
)

// Register wires up the operational API: health, scheduler status, manual
// pipeline triggers and prometheus metrics.
func Register(router *gin.Engine, pipeline *scheduler.Pipeline, registry *prometheus.Registry) {
	router.GET("/api/v1/health", handlers.HealthHandler)

	pipelineHandler := handlers.NewPipelineHandler(pipeline)

	api := router.Group("/api/v1")
	api.GET("/pipeline/status", pipelineHandler.Status)
	api.POST("/pipeline/run", pipelineHandler.RunFull)
	api.POST("/pipeline/intake", pipelineHandler.RunIntake)
	api.POST("/pipeline/assess", pipelineHandler.RunAssess)

	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
}
