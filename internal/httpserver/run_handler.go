package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"newsdigest/internal/pipeline"
	"newsdigest/internal/repository"
)

type RunHandler struct {
	trigger Trigger
	status  RunStatus
	store   RunStore
	runCtx  context.Context
	logger  *zap.Logger
}

// TriggerRun 手动触发一次 run，立即返回 run id
// POST /runs
func (h *RunHandler) TriggerRun(c *gin.Context) {
	runID, _, err := h.trigger.TriggerNow(h.runCtx)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		body := gin.H{"error": "run in progress"}
		if run, ok := h.status.Active(); ok {
			body["active_run_id"] = run.ID
		}
		c.JSON(http.StatusConflict, body)
		return
	case errors.Is(err, pipeline.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	case err != nil:
		h.logger.Error("manual trigger failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start run"})
		return
	}

	h.logger.Info("manual run triggered", zap.String("run_id", runID), zap.String("subject", c.GetString("subject")))
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

// ActiveRun GET /runs/active
func (h *RunHandler) ActiveRun(c *gin.Context) {
	run, ok := h.status.Active()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active run"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetRun GET /runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to get run", zap.String("run_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get run"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListRuns GET /runs?limit=20
func (h *RunHandler) ListRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})
		return
	}

	runs, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}
