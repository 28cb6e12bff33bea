package controllers

import (
	"errors"
	"net/http"

	"github.com/mangaforge/mangaforge/internal/services"
	"github.com/mangaforge/mangaforge/pkg/domain"

	"github.com/gin-gonic/gin"
)

type episodesController struct{ svc services.EpisodeService }

func NewEpisodesController(svc services.EpisodeService) *episodesController {
	return &episodesController{svc}
}

func (h *episodesController) Create(c *gin.Context) {
	var ep domain.Episode
	if err := c.ShouldBindJSON(&ep); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	ep.ProjectID = c.Param("projectId")
	created, err := h.svc.Create(c.Request.Context(), &ep)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *episodesController) Get(c *gin.Context) {
	ep, err := h.svc.Get(c.Request.Context(), c.Param("projectId"), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (h *episodesController) List(c *gin.Context) {
	eps, err := h.svc.List(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"episodes": eps})
}

func (h *episodesController) Update(c *gin.Context) {
	var ep domain.Episode
	if err := c.ShouldBindJSON(&ep); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	ep.ID = c.Param("id")
	ep.ProjectID = c.Param("projectId")
	updated, err := h.svc.Update(c.Request.Context(), &ep)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *episodesController) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("projectId"), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
