package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Handler serves the engine over HTTP.
type Handler struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Production *workflow.ProductionEngine
	Purchases  *workflow.PurchaseService
	Auditor    *workflow.Auditor
}

func NewHandler(db *gorm.DB, logger *logrus.Logger) *Handler {
	return &Handler{
		DB:         db,
		Logger:     logger,
		Production: workflow.NewProductionEngine(db, logger),
		Purchases:  workflow.NewPurchaseService(db, logger),
		Auditor:    workflow.NewAuditor(db, logger),
	}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	production := r.Group("/production")
	production.POST("/runs", h.CommitRun)
	production.GET("/runs", h.ListRuns)
	production.GET("/runs/:id", h.GetRun)
	production.GET("/runs/:id/events", h.GetRunEvents)
	production.POST("/multi-step", h.CreateMultiStepRun)
	production.POST("/runs/:id/start", h.StartRun)
	production.POST("/runs/:id/steps/:seq/complete", h.CompleteStep)
	production.GET("/runs/:id/lineage", h.GetLineage)
	production.POST("/chains/plan", h.PlanChain)

	inventory := r.Group("/inventory")
	inventory.POST("/receipts", h.ReceivePurchase)
	inventory.POST("/bills", h.SubmitBill)
	inventory.POST("/bills/:id/approve", h.ApproveBill)
	inventory.POST("/layers/:id/qc", h.ReleaseBatch)
	inventory.POST("/items/:id/resync", h.ResyncItem)

	r.GET("/reconciliation", h.Reconcile)
	r.POST("/reconciliation/fix", h.ReconcileFix)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(config.GetMetricsRegistry(), promhttp.HandlerOpts{})))
	r.GET("/health", h.Health)
}

// respondError maps engine errors to their HTTP status. Opaque errors are 500s.
func (h *Handler) respondError(c *gin.Context, err error) {
	pe, ok := models.AsProductionError(err)
	if !ok {
		pe = models.ErrInternal("unexpected error", err)
	}
	status := pe.HTTPStatus()
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{
		"error":   pe.Message,
		"kind":    pe.Kind,
		"details": pe.Details,
	})
}

func (h *Handler) bindJSON(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		h.respondError(c, models.ErrValidation("invalid request: %s", err.Error()))
		return false
	}
	return true
}

func (h *Handler) intParam(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v <= 0 {
		h.respondError(c, models.ErrValidation("invalid %s", name))
		return 0, false
	}
	return v, true
}

func (h *Handler) Health(c *gin.Context) {
	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
