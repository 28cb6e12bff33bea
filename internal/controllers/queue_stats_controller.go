package controllers

import (
	"net/http"

	"github.com/mangaforge/mangaforge/internal/services"

	"github.com/gin-gonic/gin"
)

type queueStatsController struct{ svc services.TaskService }

func NewQueueStatsController(svc services.TaskService) *queueStatsController {
	return &queueStatsController{svc}
}

func (h *queueStatsController) Handle(c *gin.Context) {
	stats, err := h.svc.QueueStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
