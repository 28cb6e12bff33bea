package controllers

import (
	"errors"
	"net/http"

	"github.com/mangaforge/mangaforge/internal/services"

	"github.com/gin-gonic/gin"
)

type taskResultController struct{ svc services.TaskService }

func NewTaskResultController(svc services.TaskService) *taskResultController {
	return &taskResultController{svc}
}

func (h *taskResultController) Handle(c *gin.Context) {
	res, err := h.svc.Result(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, services.ErrNotCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": "task is not completed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
