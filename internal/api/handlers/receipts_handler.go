package handlers

import (
	"context"
	"net/http"

	"example.com/receiptops/internal/models"
	"example.com/receiptops/internal/pipeline"
	"example.com/receiptops/internal/repositories"
	"example.com/receiptops/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ReceiptsHandler exposes intake, inspection and the operator interface
type ReceiptsHandler struct {
	service  *pipeline.Service
	receipts *repositories.ReceiptRepository
	events   *repositories.EventRepository
	tracer   tracing.Tracer
}

// NewReceiptsHandler creates a new receipts handler
func NewReceiptsHandler(service *pipeline.Service, receipts *repositories.ReceiptRepository, events *repositories.EventRepository, tracer tracing.Tracer) *ReceiptsHandler {
	return &ReceiptsHandler{
		service:  service,
		receipts: receipts,
		events:   events,
		tracer:   tracer,
	}
}

// RegisterRoutes registers the receipt routes
func (h *ReceiptsHandler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/receipts", h.ingestReceipt)
		v1.GET("/receipts/:id", h.getReceipt)
		v1.DELETE("/receipts/:id", h.deleteReceipt)
		v1.POST("/receipts/:id/brand", h.overrideBrand)
		v1.POST("/lines/:id/validation", h.overrideLine)
	}
}

type ingestRequest struct {
	SourceFile string `json:"source_file" binding:"required"`
	Text       string `json:"text" binding:"required"`
}

// ingestReceipt accepts one OCR text and runs the pipeline asynchronously
func (h *ReceiptsHandler) ingestReceipt(c *gin.Context) {
	txn := h.tracer.StartTransaction("ingest-receipt")
	defer h.tracer.EndTransaction(txn)

	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, isNew, err := h.service.Ingest(c.Request.Context(), req.SourceFile, req.Text)
	if err != nil {
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest receipt"})
		return
	}

	if isNew {
		// Detach from the request context: processing outlives the response
		go func() {
			if err := h.service.ProcessReceipt(context.Background(), id); err != nil {
				log.Error().Err(err).Str("receipt_id", id.String()).Msg("background processing failed")
			}
		}()
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"id": id, "is_new": isNew})
}

// getReceipt returns a receipt with its lines and full event trail
func (h *ReceiptsHandler) getReceipt(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid receipt ID"})
		return
	}

	receipt, err := h.receipts.GetByIDWithLines(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found"})
		return
	}

	events, err := h.events.ListForReceipt(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load event trail"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"receipt": receipt,
		"events":  events,
	})
}

// deleteReceipt is the explicit operator deletion with cascade
func (h *ReceiptsHandler) deleteReceipt(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid receipt ID"})
		return
	}

	if err := h.service.DeleteReceipt(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete receipt"})
		return
	}
	c.Status(http.StatusNoContent)
}

type brandOverrideRequest struct {
	BrandID uuid.UUID `json:"brand_id" binding:"required"`
}

// overrideBrand manually sets a receipt's brand through the state machine
func (h *ReceiptsHandler) overrideBrand(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid receipt ID"})
		return
	}

	var req brandOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.OverrideBrand(c.Request.Context(), id, req.BrandID); err != nil {
		if errors.Is(err, pipeline.ErrInvalidTransition) || errors.Is(err, repositories.ErrStaleState) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to override brand"})
		return
	}
	c.Status(http.StatusNoContent)
}

type lineOverrideRequest struct {
	Verdict models.LineValidation `json:"verdict" binding:"required"`
}

// overrideLine forces a validation verdict on one line
func (h *ReceiptsHandler) overrideLine(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid line ID"})
		return
	}

	var req lineOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.OverrideLine(c.Request.Context(), id, req.Verdict); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
