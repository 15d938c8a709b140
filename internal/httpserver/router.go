// Package httpserver exposes health, metrics and run control endpoints.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"newsdigest/internal/model"
	"newsdigest/pkg/rbac"
)

// Trigger 手动触发入口
type Trigger interface {
	TriggerNow(ctx context.Context) (string, <-chan model.PipelineRun, error)
	NextRun() time.Time
}

// RunStatus 当前 run 的状态
type RunStatus interface {
	Active() (model.PipelineRun, bool)
	Accepting() bool
}

// RunStore run 历史
type RunStore interface {
	Get(ctx context.Context, id string) (model.PipelineRun, error)
	List(ctx context.Context, limit int) ([]model.PipelineRun, error)
}

// Replayer outbox 重放，没有数据库时为 nil
type Replayer interface {
	ReplayEvent(ctx context.Context, eventID int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

// Check 一个依赖的就绪检查
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

type Options struct {
	JWTSecret string
	Trigger   Trigger
	Status    RunStatus
	Runs      RunStore
	Replayer  Replayer
	Checks    []Check
	// 手动触发的 run 挂在这个 context 下，而不是请求的 context
	RunContext context.Context
	Logger     *zap.Logger
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(opts Options) *Router {
	if opts.RunContext == nil {
		opts.RunContext = context.Background()
	}
	r := gin.Default()

	// Health endpoints (放在最前面)
	r.GET("/healthz", healthHandler(opts.Status, opts.Trigger))
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", readyHandler(opts.Status, opts.Checks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	runs := &RunHandler{
		trigger: opts.Trigger,
		status:  opts.Status,
		store:   opts.Runs,
		runCtx:  opts.RunContext,
		logger:  opts.Logger,
	}

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(opts.JWTSecret))
	{
		auth.POST("/runs", RequirePermission(rbac.PermissionRunTrigger), runs.TriggerRun)
		auth.GET("/runs", RequirePermission(rbac.PermissionRunRead), runs.ListRuns)
		auth.GET("/runs/active", RequirePermission(rbac.PermissionRunRead), runs.ActiveRun)
		auth.GET("/runs/:id", RequirePermission(rbac.PermissionRunRead), runs.GetRun)

		if opts.Replayer != nil {
			admin := &AdminHandler{replayer: opts.Replayer, logger: opts.Logger}
			replay := auth.Group("/admin/outbox", RequirePermission(rbac.PermissionOutboxReplay))
			replay.POST("/replay", admin.ReplayOutboxEvent)
			replay.POST("/replay-failed", admin.ReplayFailedEvents)
		}
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}

func healthHandler(status RunStatus, trigger Trigger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"status":    "ok",
			"accepting": status.Accepting(),
			"next_run":  trigger.NextRun(),
		}
		if run, ok := status.Active(); ok {
			body["active_run"] = gin.H{"id": run.ID, "state": run.State}
		}
		c.JSON(http.StatusOK, body)
	}
}

func readyHandler(status RunStatus, checks []Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		results := make(gin.H, len(checks)+1)
		ready := true
		for _, check := range checks {
			if err := check.Probe(ctx); err != nil {
				results[check.Name] = err.Error()
				ready = false
				continue
			}
			results[check.Name] = "ok"
		}
		if !status.Accepting() {
			results["orchestrator"] = "draining"
			ready = false
		} else {
			results["orchestrator"] = "ok"
		}

		if !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": results})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": results})
	}
}
