package routes

import (
	"slotwatch/handlers"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the approval surface and the operator endpoints.
func RegisterRoutes(r *gin.Engine, coord *handlers.CoordinationHandler, hub *handlers.ApprovalHub) {
	r.GET("/health", coord.HealthHandler)

	// Approval surface: page plus its post-back channel.
	r.GET("/confirm/:confirmationId", hub.GetConfirmationPage)

	api := r.Group("/api")
	{
		api.POST("/confirmation/response", hub.PostConfirmationResponse)
		api.POST("/confirmation/:confirmationId/dismiss", hub.PostDismiss)

		bookingGroup := api.Group("/booking")
		{
			bookingGroup.GET("/state", coord.GetStateHandler)
			bookingGroup.GET("/history", coord.GetHistoryHandler)
			bookingGroup.GET("/context", coord.GetContextHandler)
			bookingGroup.GET("/records", coord.ListRecordsHandler)
			bookingGroup.POST("/watch", coord.StartWatchHandler)
			bookingGroup.POST("/cancel", coord.CancelHandler)
			bookingGroup.POST("/emergency-stop", coord.EmergencyStopHandler)
		}
	}
}
