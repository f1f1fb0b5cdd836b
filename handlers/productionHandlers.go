package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/workflow"
)

func (h *Handler) CommitRun(c *gin.Context) {
	var input workflow.CommitRunInput
	if !h.bindJSON(c, &input) {
		return
	}
	result, err := h.Production.CommitProductionRun(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *Handler) GetRun(c *gin.Context) {
	runId, ok := h.intParam(c, "id")
	if !ok {
		return
	}
	detail, err := workflow.GetRunDetailCached(h.DB.WithContext(c.Request.Context()), h.Logger, runId)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// ListRuns pages runs newest first; pass page_info.endCursor back as ?after=.
func (h *Handler) ListRuns(c *gin.Context) {
	var filter workflow.ListRunsFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		h.respondError(c, models.ErrValidation("invalid query: %s", err.Error()))
		return
	}
	page, err := workflow.ListRuns(h.DB.WithContext(c.Request.Context()), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) GetRunEvents(c *gin.Context) {
	runId, ok := h.intParam(c, "id")
	if !ok {
		return
	}
	events, err := models.GetOutboxStatuses(h.DB.WithContext(c.Request.Context()), "production_run", runId)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) CreateMultiStepRun(c *gin.Context) {
	var input workflow.MultiStepRunInput
	if !h.bindJSON(c, &input) {
		return
	}
	detail, err := h.Production.CreateMultiStepRun(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, detail)
}

func (h *Handler) StartRun(c *gin.Context) {
	runId, ok := h.intParam(c, "id")
	if !ok {
		return
	}
	detail, err := h.Production.StartRun(c.Request.Context(), runId)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handler) CompleteStep(c *gin.Context) {
	runId, ok := h.intParam(c, "id")
	if !ok {
		return
	}
	seq, ok := h.intParam(c, "seq")
	if !ok {
		return
	}
	var input workflow.CompleteStepInput
	if !h.bindJSON(c, &input) {
		return
	}
	input.RunId = runId
	input.Sequence = seq

	result, err := h.Production.CompleteStep(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetLineage(c *gin.Context) {
	runId, ok := h.intParam(c, "id")
	if !ok {
		return
	}
	direction := workflow.LineageDirection(c.DefaultQuery("direction", string(workflow.LineageUpstream)))
	kind := models.DependencyKind(c.DefaultQuery("kind", string(models.DependencyKindActual)))
	depth, _ := strconv.Atoi(c.Query("depth"))

	lineage, err := workflow.GetRunLineage(h.DB.WithContext(c.Request.Context()), runId, direction, kind, depth)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lineage)
}

func (h *Handler) PlanChain(c *gin.Context) {
	var input workflow.PlanChainInput
	if !h.bindJSON(c, &input) {
		return
	}
	chain, err := h.Production.PlanChain(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusOK
	if input.Materialize {
		status = http.StatusCreated
	}
	c.JSON(status, chain)
}
