package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/workflow"
)

func parseItemIds(raw string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, models.ErrValidation("invalid item id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Reconcile runs a read-only auditor pass. ?item_ids=1,2 narrows it to items;
// ?cached=true returns the last full pass summary when one is cached.
func (h *Handler) Reconcile(c *gin.Context) {
	if c.Query("cached") == "true" {
		last, found, err := workflow.LastReconciliation()
		if err != nil {
			h.Logger.WithField("field", "Reconcile").Warn("read cached summary: " + err.Error())
		}
		if found {
			c.JSON(http.StatusOK, last)
			return
		}
	}
	ids, err := parseItemIds(c.Query("item_ids"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.Auditor.Run(c.Request.Context(), workflow.ReconciliationOptions{ItemIds: ids})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type reconcileFixRequest struct {
	ItemIds []int `json:"item_ids"`
}

// ReconcileFix runs an auditor pass with fixes; the caller must be an admin.
func (h *Handler) ReconcileFix(c *gin.Context) {
	var req reconcileFixRequest
	if c.Request.ContentLength > 0 && !h.bindJSON(c, &req) {
		return
	}
	result, err := h.Auditor.Run(c.Request.Context(), workflow.ReconciliationOptions{AutoFix: true, ItemIds: req.ItemIds})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
