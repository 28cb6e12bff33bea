package controllers

import (
	"net/http"

	"github.com/mangaforge/mangaforge/internal/services"

	"github.com/gin-gonic/gin"
)

type taskStatusController struct{ svc services.TaskService }

func NewTaskStatusController(svc services.TaskService) *taskStatusController {
	return &taskStatusController{svc}
}

func (h *taskStatusController) Handle(c *gin.Context) {
	status, err := h.svc.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, status)
}
