package app

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mangaforge/mangaforge/internal/controllers"
	"github.com/mangaforge/mangaforge/internal/middleware"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	app.Engine.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	v1 := app.Engine.Group("/v1/mangaforge")
	{
		v1.POST("/tasks",
			middleware.RateLimitSubmit(app.RateLimiter, app.Config),
			controllers.NewSubmitTaskController(app.Tasks).Handle)
		v1.GET("/tasks/:id", controllers.NewGetTaskController(app.Tasks).Handle)
		v1.GET("/tasks/:id/status", controllers.NewTaskStatusController(app.Tasks).Handle)
		v1.GET("/tasks/:id/result", controllers.NewTaskResultController(app.Tasks).Handle)
		v1.POST("/tasks/:id/cancel", controllers.NewCancelTaskController(app.Tasks).Handle)
		v1.GET("/queues/stats", controllers.NewQueueStatsController(app.Tasks).Handle)

		providers := controllers.NewProvidersController(app.Providers)
		v1.GET("/providers", providers.ListKinds)
		v1.GET("/providers/:kind", providers.List)
		v1.GET("/providers/:kind/:name/health", providers.Health)
		v1.GET("/providers/:kind/:name/models", providers.Models)

		userCfg := controllers.NewUserConfigController(app.Providers)
		v1.PUT("/configs/:kind", userCfg.Save)
		v1.GET("/configs/:kind", userCfg.List)
		v1.DELETE("/configs/:kind/:name", userCfg.Delete)

		episodes := controllers.NewEpisodesController(app.Episodes)
		v1.POST("/projects/:projectId/episodes", episodes.Create)
		v1.GET("/projects/:projectId/episodes", episodes.List)
		v1.GET("/projects/:projectId/episodes/:id", episodes.Get)
		v1.PUT("/projects/:projectId/episodes/:id", episodes.Update)
		v1.DELETE("/projects/:projectId/episodes/:id", episodes.Delete)

		ws := controllers.NewProgressWSController(app.Hub, app.Tasks, app.Logger)
		v1.GET("/ws/tasks/:id/progress", ws.HandleTask)
		v1.GET("/ws/users/:id/progress", ws.HandleUser)
	}
}
