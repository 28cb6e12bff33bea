package controllers

import (
	"net/http"

	"github.com/mangaforge/mangaforge/internal/services"
	"github.com/mangaforge/mangaforge/pkg/capability"

	"github.com/gin-gonic/gin"
)

type providersController struct{ svc services.ProviderService }

func NewProvidersController(svc services.ProviderService) *providersController {
	return &providersController{svc}
}

func (h *providersController) ListKinds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"kinds": h.svc.Kinds()})
}

func (h *providersController) List(c *gin.Context) {
	infos, err := h.svc.List(capability.Kind(c.Param("kind")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": infos})
}

func (h *providersController) Health(c *gin.Context) {
	health, err := h.svc.CheckHealth(c.Request.Context(), capability.Kind(c.Param("kind")), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, health)
}

func (h *providersController) Models(c *gin.Context) {
	models, err := h.svc.ListModels(c.Request.Context(), capability.Kind(c.Param("kind")), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}
