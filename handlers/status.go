package handlers

import (
	"context"
	"net/http"

	auditRepo "slotwatch/database/repository/audit"
	"slotwatch/models"
	"slotwatch/services/booking"
	"slotwatch/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CoordinationHandler exposes the booking state machine and workflow to
// operators.
type CoordinationHandler struct {
	Machine   *booking.BookingStateMachine
	Workflow  booking.BookingWorkflow
	AuditRepo auditRepo.BookingAuditRepository
	Logger    *zap.Logger
}

func NewCoordinationHandler(machine *booking.BookingStateMachine, workflow booking.BookingWorkflow, repo auditRepo.BookingAuditRepository, logger *zap.Logger) *CoordinationHandler {
	return &CoordinationHandler{
		Machine:   machine,
		Workflow:  workflow,
		AuditRepo: repo,
		Logger:    logger,
	}
}

// GetStateHandler reports the machine's current state and queue occupancy.
func (h *CoordinationHandler) GetStateHandler(c *gin.Context) {
	queue := h.Machine.Queue()
	c.JSON(http.StatusOK, gin.H{
		"state":       h.Machine.State(),
		"in_progress": h.Machine.IsBookingInProgress(),
		"can_cancel":  h.Machine.CanCancel(),
		"queue": gin.H{
			"locked":    queue.IsLocked(),
			"operation": queue.CurrentOperation(),
			"length":    queue.QueueLength(),
		},
	})
}

// GetHistoryHandler returns the transition history, oldest first.
func (h *CoordinationHandler) GetHistoryHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"history": h.Machine.History()})
}

// GetContextHandler returns the merged booking context.
func (h *CoordinationHandler) GetContextHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"context": h.Machine.Context()})
}

// StartWatchHandler kicks off a booking attempt for the posted details. The
// attempt runs asynchronously; callers follow it via the state endpoints.
func (h *CoordinationHandler) StartWatchHandler(c *gin.Context) {
	var details models.BookingDetails
	if err := c.ShouldBindJSON(&details); err != nil {
		utils.JSONError(c, http.StatusBadRequest, "invalid booking details", err.Error())
		return
	}
	if h.Machine.IsBookingInProgress() {
		utils.JSONError(c, http.StatusConflict, "a booking attempt is already in progress", string(h.Machine.State()))
		return
	}
	if details.BookingID == "" {
		details.BookingID = uuid.New().String()
	}

	go func() {
		if _, err := h.Workflow.RunAttempt(context.Background(), details); err != nil && h.Logger != nil {
			h.Logger.Error("booking attempt failed",
				zap.String("booking_id", details.BookingID), zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"booking_id": details.BookingID})
}

// CancelHandler cancels the in-flight attempt.
func (h *CoordinationHandler) CancelHandler(c *gin.Context) {
	if !h.Machine.CanCancel() {
		utils.JSONError(c, http.StatusConflict, "nothing to cancel", string(h.Machine.State()))
		return
	}
	err := h.Machine.TransitionTo(c.Request.Context(), booking.StateCancelled, map[string]any{
		"reason": "operator_cancelled",
	})
	if err != nil {
		utils.JSONError(c, http.StatusConflict, "cancel rejected", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.Machine.State()})
}

// EmergencyStopHandler force-resets the coordination layer.
func (h *CoordinationHandler) EmergencyStopHandler(c *gin.Context) {
	h.Machine.EmergencyStop()
	c.JSON(http.StatusOK, gin.H{"state": h.Machine.State()})
}

// ListRecordsHandler returns recently archived booking outcomes.
func (h *CoordinationHandler) ListRecordsHandler(c *gin.Context) {
	if h.AuditRepo == nil {
		c.JSON(http.StatusOK, gin.H{"records": []models.BookingRecord{}})
		return
	}
	records, err := h.AuditRepo.ListRecent(c.Request.Context(), 20)
	if err != nil {
		utils.JSONError(c, http.StatusInternalServerError, "failed to list booking records", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// HealthHandler is the liveness probe.
func (h *CoordinationHandler) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
