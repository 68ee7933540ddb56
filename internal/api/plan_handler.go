package api

import (
	"errors"
	"net/http"

	"alcyxob/runplan/internal/domain"
	"alcyxob/runplan/internal/service"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type PlanHandler struct {
	planService service.PlanService
	logger      *zap.Logger
}

func NewPlanHandler(planService service.PlanService, logger *zap.Logger) *PlanHandler {
	return &PlanHandler{planService: planService, logger: logger}
}

// --- DTOs ---

type SubmitIntakeResponse struct {
	Intake *domain.Intake `json:"intake"`
	Chunk  *domain.Chunk  `json:"chunk"`
}

type ResubmitRequest struct {
	WeekRange string `json:"week_range"` // Defaults to "1-4"
}

type GenerateWeeksRequest struct {
	StartWeek int `json:"start_week" binding:"required,min=1"`
	EndWeek   int `json:"end_week" binding:"required,min=1"`
}

type ChunkResponse struct {
	Chunk *domain.Chunk `json:"chunk"`
}

// --- Handler Methods ---

// SubmitIntake godoc
// @Summary Submit a runner profile
// @Description Stores the intake and queues generation of the first weeks.
// @Tags Intakes
// @Accept json
// @Produce json
// @Security BearerAuth
// @Success 201 {object} SubmitIntakeResponse
// @Failure 400 {object} gin.H "Validation error"
// @Router /intakes [post]
func (h *PlanHandler) SubmitIntake(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var req domain.Intake
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	intake, chunk, err := h.planService.SubmitIntake(c.Request.Context(), userID, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, SubmitIntakeResponse{Intake: intake, Chunk: chunk})
}

// ListIntakes returns the caller's intakes, newest first.
func (h *PlanHandler) ListIntakes(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	intakes, err := h.planService.ListIntakes(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if intakes == nil {
		intakes = []domain.Intake{}
	}
	c.JSON(http.StatusOK, intakes)
}

func (h *PlanHandler) GetIntake(c *gin.Context) {
	userID, intakeID, ok := userAndObjectID(c, "intakeId")
	if !ok {
		return
	}
	view, err := h.planService.GetIntake(c.Request.Context(), userID, intakeID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *PlanHandler) UpdateIntake(c *gin.Context) {
	userID, intakeID, ok := userAndObjectID(c, "intakeId")
	if !ok {
		return
	}
	var req domain.Intake
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}
	intake, err := h.planService.UpdateIntake(c.Request.Context(), userID, intakeID, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, intake)
}

// DeletePlan godoc
// @Summary Delete a plan
// @Description Removes the intake, all of its chunks and archived model output.
// @Tags Intakes
// @Security BearerAuth
// @Param intakeId path string true "Intake ObjectID Hex"
// @Success 204 "Deleted"
// @Failure 403 {object} gin.H "Forbidden"
// @Failure 404 {object} gin.H "Intake not found"
// @Router /intakes/{intakeId} [delete]
func (h *PlanHandler) DeletePlan(c *gin.Context) {
	userID, intakeID, ok := userAndObjectID(c, "intakeId")
	if !ok {
		return
	}
	if err := h.planService.DeletePlan(c.Request.Context(), userID, intakeID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetPlan godoc
// @Summary Get the merged plan
// @Description Returns the intake, the merged week sequence and per-chunk status. Polled while generating.
// @Tags Plans
// @Produce json
// @Security BearerAuth
// @Param intakeId path string true "Intake ObjectID Hex"
// @Success 200 {object} service.PlanView
// @Router /intakes/{intakeId}/plan [get]
func (h *PlanHandler) GetPlan(c *gin.Context) {
	userID, intakeID, ok := userAndObjectID(c, "intakeId")
	if !ok {
		return
	}
	view, err := h.planService.GetPlanView(c.Request.Context(), userID, intakeID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *PlanHandler) ListChunks(c *gin.Context) {
	userID, intakeID, ok := userAndObjectID(c, "intakeId")
	if !ok {
		return
	}
	chunks, err := h.planService.ListChunks(c.Request.Context(), userID, intakeID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if chunks == nil {
		chunks = []domain.Chunk{}
	}
	c.JSON(http.StatusOK, chunks)
}

// Resubmit godoc
// @Summary Regenerate a week range
// @Description Supersedes the chunks of the range and queues a fresh one.
// @Tags Plans
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param intakeId path string true "Intake ObjectID Hex"
// @Param request body ResubmitRequest false "Week range, default 1-4"
// @Success 202 {object} ChunkResponse
// @Failure 409 {object} gin.H "Range still generating"
// @Router /intakes/{intakeId}/resubmit [post]
func (h *PlanHandler) Resubmit(c *gin.Context) {
	userID, intakeID, ok := userAndObjectID(c, "intakeId")
	if !ok {
		return
	}
	var req ResubmitRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, "Validation error: "+err.Error())
			return
		}
	}
	if req.WeekRange == "" {
		req.WeekRange = "1-4"
	}

	chunk, err := h.planService.Resubmit(c.Request.Context(), userID, intakeID, req.WeekRange)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ChunkResponse{Chunk: chunk})
}

func (h *PlanHandler) GenerateWeeks(c *gin.Context) {
	userID, intakeID, ok := userAndObjectID(c, "intakeId")
	if !ok {
		return
	}
	var req GenerateWeeksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}
	chunk, err := h.planService.GenerateWeeks(c.Request.Context(), userID, intakeID, req.StartWeek, req.EndWeek)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ChunkResponse{Chunk: chunk})
}

// GetRawOutput returns the model reply kept for a failed chunk, as a
// presigned link or inline text.
func (h *PlanHandler) GetRawOutput(c *gin.Context) {
	userID, chunkID, ok := userAndObjectID(c, "chunkId")
	if !ok {
		return
	}
	view, err := h.planService.RawOutput(c.Request.Context(), userID, chunkID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// --- Helpers ---

// respondError maps service errors to HTTP codes.
func (h *PlanHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrIntakeNotFound),
		errors.Is(err, service.ErrChunkNotFound),
		errors.Is(err, service.ErrNoRawOutput):
		abortWithError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrAccessDenied):
		abortWithError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrInvalidWeekRange),
		errors.Is(err, service.ErrInvalidIntake):
		abortWithError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrChunkExists):
		abortWithError(c, http.StatusConflict, err.Error())
	default:
		_ = c.Error(err)
		h.logger.Error("Plan request failed", zap.String("path", c.FullPath()), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "Internal server error")
	}
}

func requireUserID(c *gin.Context) (string, bool) {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, "Unable to identify user.")
		return "", false
	}
	return userID, true
}

func userAndObjectID(c *gin.Context, param string) (string, primitive.ObjectID, bool) {
	userID, ok := requireUserID(c)
	if !ok {
		return "", primitive.NilObjectID, false
	}
	id, err := primitive.ObjectIDFromHex(c.Param(param))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "Invalid "+param+" format.")
		return "", primitive.NilObjectID, false
	}
	return userID, id, true
}
