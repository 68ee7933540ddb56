package api

import (
	"net/http"

	"alcyxob/runplan/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func SetupRoutes(
	router *gin.Engine,
	jwtSecret string,
	planService service.PlanService,
	planner InteractivePlanner,
	logger *zap.Logger,
) {
	planHandler := NewPlanHandler(planService, logger)
	generateHandler := NewGenerateHandler(planService, planner, jwtSecret, logger)

	authMiddleware := AuthMiddleware(jwtSecret)

	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiV1 := router.Group("/api/v1")
	{
		// Scheduled sweeps come without a token; a manual trigger for one
		// intake is authenticated inside the handler.
		apiV1.POST("/generate-plan-background", generateHandler.TriggerBackground)
	}

	protected := apiV1.Group("")
	protected.Use(authMiddleware)
	{
		protected.POST("/generate-plan", generateHandler.GeneratePlan)

		intakeGroup := protected.Group("/intakes")
		{
			intakeGroup.POST("", planHandler.SubmitIntake)
			intakeGroup.GET("", planHandler.ListIntakes)
			intakeGroup.GET("/:intakeId", planHandler.GetIntake)
			intakeGroup.PUT("/:intakeId", planHandler.UpdateIntake)
			intakeGroup.DELETE("/:intakeId", planHandler.DeletePlan)

			// GET /api/v1/intakes/{intakeId}/plan is polled while chunks generate
			intakeGroup.GET("/:intakeId/plan", planHandler.GetPlan)
			intakeGroup.GET("/:intakeId/chunks", planHandler.ListChunks)
			intakeGroup.POST("/:intakeId/resubmit", planHandler.Resubmit)
			intakeGroup.POST("/:intakeId/weeks", planHandler.GenerateWeeks)
		}

		protected.GET("/chunks/:chunkId/raw-output", planHandler.GetRawOutput)
	}
}
