package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/workflow"
	"gorm.io/gorm"
)

func (h *Handler) ReceivePurchase(c *gin.Context) {
	var input workflow.ReceivePurchaseInput
	if !h.bindJSON(c, &input) {
		return
	}
	result, err := h.Purchases.ReceivePurchase(c.Request.Context(), input)
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

func (h *Handler) SubmitBill(c *gin.Context) {
	var input workflow.SubmitBillInput
	if !h.bindJSON(c, &input) {
		return
	}
	bill, err := h.Purchases.SubmitPurchaseBill(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bill)
}

func (h *Handler) ApproveBill(c *gin.Context) {
	billId, ok := h.intParam(c, "id")
	if !ok {
		return
	}
	bill, err := h.Purchases.ApprovePurchaseBill(c.Request.Context(), billId)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bill)
}

type releaseBatchRequest struct {
	Status models.QcStatus `json:"status"`
	Reason string          `json:"reason"`
}

func (h *Handler) ReleaseBatch(c *gin.Context) {
	layerId, ok := h.intParam(c, "id")
	if !ok {
		return
	}
	var req releaseBatchRequest
	if !h.bindJSON(c, &req) {
		return
	}
	layer, err := h.Production.ReleaseBatch(c.Request.Context(), workflow.ReleaseBatchInput{
		LayerId: layerId,
		Status:  req.Status,
		Reason:  req.Reason,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, layer)
}

func (h *Handler) ResyncItem(c *gin.Context) {
	itemId, ok := h.intParam(c, "id")
	if !ok {
		return
	}
	var item *models.Item
	err := h.DB.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if _, err := models.GetItem(tx, itemId); err != nil {
			return err
		}
		if err := workflow.SyncItemCaches(tx, h.Logger, []int{itemId}); err != nil {
			return err
		}
		var err error
		item, err = models.GetItem(tx, itemId)
		return err
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}
