package controllers

import (
	"net/http"
	"strings"

	"github.com/mangaforge/mangaforge/internal/services"
	"github.com/mangaforge/mangaforge/pkg/domain"

	"github.com/gin-gonic/gin"
)

type submitTaskController struct{ svc services.TaskService }

func NewSubmitTaskController(svc services.TaskService) *submitTaskController {
	return &submitTaskController{svc}
}

type submitReq struct {
	EpisodeID      string  `json:"episodeId"`
	ProjectID      string  `json:"projectId"`
	ScriptOverride string  `json:"scriptOverride,omitempty"`
	Style          string  `json:"style,omitempty"`
	AspectRatio    string  `json:"aspectRatio,omitempty"`
	TargetDuration int     `json:"targetDuration,omitempty"`
	AddSubtitles   bool    `json:"addSubtitles"`
	BGMPath        string  `json:"bgmPath,omitempty"`
	BGMVolume      float64 `json:"bgmVolume,omitempty"`
	RegenerateFrom string  `json:"regenerateFromStage,omitempty"`
	TextProvider   string  `json:"textProvider,omitempty"`
	Idempotency    string  `json:"idempotencyKey,omitempty"`
}

func (h *submitTaskController) Handle(c *gin.Context) {
	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	userID := strings.TrimSpace(c.GetHeader("X-User-Id"))
	genReq := domain.GenerationRequest{
		EpisodeID:      req.EpisodeID,
		ScriptOverride: req.ScriptOverride,
		Style:          req.Style,
		AspectRatio:    req.AspectRatio,
		TargetDuration: req.TargetDuration,
		AddSubtitles:   req.AddSubtitles,
		BGMPath:        req.BGMPath,
		BGMVolume:      req.BGMVolume,
		RegenerateFrom: domain.Stage(req.RegenerateFrom),
		UserID:         userID,
		TextProvider:   req.TextProvider,
	}

	task, created, err := h.svc.Submit(c.Request.Context(), genReq, req.ProjectID, req.Idempotency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !created {
		c.JSON(http.StatusOK, task)
		return
	}
	c.JSON(http.StatusAccepted, task)
}
