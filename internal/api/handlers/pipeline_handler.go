package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillon/dmarcwatch/internal/scheduler"
)

// PipelineHandler exposes scheduler status and the manual trigger surface.
type PipelineHandler struct {
	pipeline *scheduler.Pipeline
}

// NewPipelineHandler creates a handler bound to the pipeline scheduler.
func NewPipelineHandler(p *scheduler.Pipeline) *PipelineHandler {
	return &PipelineHandler{pipeline: p}
}

// Status returns the scheduler state and last-run outcome.
func (h *PipelineHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Status())
}

// RunFull triggers a full intake+assessment run.
func (h *PipelineHandler) RunFull(c *gin.Context) {
	h.trigger(c, scheduler.ModeFull)
}

// RunIntake triggers an intake-only run.
func (h *PipelineHandler) RunIntake(c *gin.Context) {
	h.trigger(c, scheduler.ModeIntake)
}

// RunAssess triggers an assessment-only run.
func (h *PipelineHandler) RunAssess(c *gin.Context) {
	h.trigger(c, scheduler.ModeAssess)
}

func (h *PipelineHandler) trigger(c *gin.Context, mode scheduler.Mode) {
	if !h.pipeline.Trigger(mode) {
		c.JSON(http.StatusConflict, gin.H{"error": "a pipeline run is already in progress"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "mode": string(mode)})
}
