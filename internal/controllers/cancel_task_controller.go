package controllers

import (
	"errors"
	"net/http"

	"github.com/mangaforge/mangaforge/internal/services"

	"github.com/gin-gonic/gin"
)

type cancelTaskController struct{ svc services.TaskService }

func NewCancelTaskController(svc services.TaskService) *cancelTaskController {
	return &cancelTaskController{svc}
}

func (h *cancelTaskController) Handle(c *gin.Context) {
	task, err := h.svc.Cancel(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, task)
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, services.ErrNotCancelable):
		c.JSON(http.StatusConflict, gin.H{"error": "task already finished"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
