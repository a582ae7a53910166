package routes

import (
	"github.com/gin-gonic/gin"

	"pnldesk/internal/handlers"
)

// SetupPnlRoutes sets up the summary, weekly, retention and stream routes
func SetupPnlRoutes(r *gin.Engine, h *handlers.PnlHandler) {
	pnl := r.Group("/pnl")
	{
		pnl.GET("/summary/:user_id", h.GetSummary)
		pnl.GET("/weekly/:user_id", h.GetWeekly)
		pnl.POST("/recompute/:user_id", h.RequestRecompute)
		pnl.POST("/retention", h.PurgeCache)
	}

	r.GET("/ws/account", h.AccountStream)
}
