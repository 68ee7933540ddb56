package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"alcyxob/runplan/internal/llm"
	"alcyxob/runplan/internal/service"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// InteractivePlanner produces a whole plan in one model call.
type InteractivePlanner interface {
	GenerateInteractive(ctx context.Context, prompt string) (*llm.InteractiveResult, error)
}

type GenerateHandler struct {
	planService service.PlanService
	planner     InteractivePlanner
	jwtSecret   string
	logger      *zap.Logger
}

func NewGenerateHandler(planService service.PlanService, planner InteractivePlanner, jwtSecret string, logger *zap.Logger) *GenerateHandler {
	return &GenerateHandler{planService: planService, planner: planner, jwtSecret: jwtSecret, logger: logger}
}

// --- DTOs ---

type TriggerRequest struct {
	Trigger  string `json:"trigger"`
	IntakeID string `json:"intake_id"`
}

type TriggerResponse struct {
	Message string `json:"message"`
	Queued  int    `json:"queued"`
}

type GeneratePlanRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// --- Handler Methods ---

// TriggerBackground godoc
// @Summary Queue pending chunks for generation
// @Description With trigger "manual" and an intake_id the caller's pending chunks are queued; any other body queues every pending chunk.
// @Tags Generation
// @Accept json
// @Produce json
// @Param request body TriggerRequest false "Trigger"
// @Success 200 {object} TriggerResponse
// @Failure 401 {object} gin.H "Token required for a manual trigger"
// @Failure 500 {object} gin.H "Store read failure"
// @Router /generate-plan-background [post]
func (h *GenerateHandler) TriggerBackground(c *gin.Context) {
	var req TriggerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, "Validation error: "+err.Error())
			return
		}
	}

	intakeID := primitive.NilObjectID
	if req.Trigger == "manual" && req.IntakeID != "" {
		id, ok := h.authorizeIntake(c, req.IntakeID)
		if !ok {
			return
		}
		intakeID = id
	}

	queued, err := h.planService.EnqueuePending(c.Request.Context(), intakeID)
	if err != nil {
		_ = c.Error(err)
		h.logger.Error("Failed to queue pending chunks", zap.String("intake_id", req.IntakeID), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "Failed to load pending chunks")
		return
	}

	msg := fmt.Sprintf("Queued %d pending chunk(s)", queued)
	if queued == 0 {
		msg = "No pending chunks"
	}
	c.JSON(http.StatusOK, TriggerResponse{Message: msg, Queued: queued})
}

// authorizeIntake checks the bearer token and that its subject owns the intake.
func (h *GenerateHandler) authorizeIntake(c *gin.Context, rawID string) (primitive.ObjectID, bool) {
	userID, err := authenticate(c, h.jwtSecret)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, err.Error())
		return primitive.NilObjectID, false
	}
	id, err := primitive.ObjectIDFromHex(rawID)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "Invalid intake_id format.")
		return primitive.NilObjectID, false
	}
	if _, err := h.planService.GetIntake(c.Request.Context(), userID, id); err != nil {
		switch {
		case errors.Is(err, service.ErrIntakeNotFound):
			abortWithError(c, http.StatusNotFound, err.Error())
		case errors.Is(err, service.ErrAccessDenied):
			abortWithError(c, http.StatusForbidden, err.Error())
		default:
			_ = c.Error(err)
			abortWithError(c, http.StatusInternalServerError, "Failed to load intake")
		}
		return primitive.NilObjectID, false
	}
	return id, true
}

// GeneratePlan godoc
// @Summary Generate a plan in a single call
// @Description Sends the prompt to the interactive model. Replies that are not JSON come back wrapped in a fallback plan.
// @Tags Generation
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body GeneratePlanRequest true "Prompt"
// @Success 200 {object} llm.InteractiveResult
// @Failure 502 {object} gin.H "Model request failed"
// @Failure 504 {object} gin.H "Model timed out"
// @Router /generate-plan [post]
func (h *GenerateHandler) GeneratePlan(c *gin.Context) {
	var req GeneratePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	res, err := h.planner.GenerateInteractive(c.Request.Context(), req.Prompt)
	if err != nil {
		_ = c.Error(err)
		var pe *llm.PlanError
		if errors.As(err, &pe) && pe.Kind == llm.KindTimeout {
			abortWithError(c, http.StatusGatewayTimeout, pe.Message)
			return
		}
		h.logger.Error("Interactive generation failed", zap.Error(err))
		abortWithError(c, http.StatusBadGateway, "Plan generation failed")
		return
	}
	c.JSON(http.StatusOK, res)
}
