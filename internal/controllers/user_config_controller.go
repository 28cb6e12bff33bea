package controllers

import (
	"net/http"
	"strings"

	"github.com/mangaforge/mangaforge/internal/services"
	"github.com/mangaforge/mangaforge/pkg/capability"

	"github.com/gin-gonic/gin"
)

type userConfigController struct{ svc services.ProviderService }

func NewUserConfigController(svc services.ProviderService) *userConfigController {
	return &userConfigController{svc}
}

func userID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader("X-User-Id"))
}

func (h *userConfigController) Save(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-Id header is required"})
		return
	}
	var cfg capability.ProviderConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.svc.SaveUserConfig(c.Request.Context(), uid, capability.Kind(c.Param("kind")), cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

func (h *userConfigController) List(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-Id header is required"})
		return
	}
	configs, err := h.svc.ListUserConfigs(c.Request.Context(), uid, capability.Kind(c.Param("kind")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": configs})
}

func (h *userConfigController) Delete(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-Id header is required"})
		return
	}
	err := h.svc.DeleteUserConfig(c.Request.Context(), uid, capability.Kind(c.Param("kind")), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
