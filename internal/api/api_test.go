package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"alcyxob/runplan/internal/llm"
	"alcyxob/runplan/internal/queue"
	"alcyxob/runplan/internal/repository/memory"
	"alcyxob/runplan/internal/service"
	"alcyxob/runplan/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "test-secret"

type fakeInteractive struct {
	res *llm.InteractiveResult
	err error
}

func (f *fakeInteractive) GenerateInteractive(ctx context.Context, prompt string) (*llm.InteractiveResult, error) {
	return f.res, f.err
}

type apiFixture struct {
	router  *gin.Engine
	queue   *queue.MemoryQueue
	planner *fakeInteractive
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	store := memory.NewStore()
	q := queue.NewMemoryQueue()
	t.Cleanup(func() { _ = q.Close() })
	svc := service.NewPlanService(store.Intakes(), store.Chunks(), q, storage.NewMemoryArchive(), time.Minute, 2*time.Minute, logger)
	planner := &fakeInteractive{}

	router := gin.New()
	router.Use(RequestLogger(logger))
	SetupRoutes(router, testSecret, svc, planner, logger)
	return &apiFixture{router: router, queue: q, planner: planner}
}

func signToken(t *testing.T, subject string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// submit creates an intake for the token's subject and returns the intake
// and first chunk ids.
func (f *apiFixture) submit(t *testing.T, token string) (intakeID, chunkID string) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/intakes", token, map[string]any{
		"training_for": "Half Marathon",
		"plan_length":  "12 Weeks",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Intake struct {
			ID string `json:"id"`
		} `json:"intake"`
		Chunk struct {
			ID        string `json:"id"`
			WeekRange string `json:"week_range"`
		} `json:"chunk"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "1-4", resp.Chunk.WeekRange)
	return resp.Intake.ID, resp.Chunk.ID
}

func TestPing(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestAuthMiddleware(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/intakes", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/intakes", signToken(t, "user-1", -time.Minute), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token has expired")

	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-1"}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	w = f.do(t, http.MethodGet, "/api/v1/intakes", other, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/intakes", signToken(t, "user-1", time.Hour), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestSubmitIntakeAndPlanView(t *testing.T) {
	f := newAPIFixture(t)
	token := signToken(t, "user-1", time.Hour)
	intakeID, chunkID := f.submit(t, token)
	assert.Equal(t, 1, f.queue.Len())

	w := f.do(t, http.MethodGet, "/api/v1/intakes/"+intakeID+"/plan", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		Generating bool `json:"generating"`
		Plan       struct {
			Empty bool `json:"empty"`
		} `json:"plan"`
		Chunks []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.True(t, view.Generating)
	assert.True(t, view.Plan.Empty)
	require.Len(t, view.Chunks, 1)
	assert.Equal(t, chunkID, view.Chunks[0].ID)
	assert.Equal(t, "pending", view.Chunks[0].Status)

	w = f.do(t, http.MethodGet, "/api/v1/intakes/"+intakeID+"/chunks", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitIntake_Validation(t *testing.T) {
	f := newAPIFixture(t)
	token := signToken(t, "user-1", time.Hour)

	w := f.do(t, http.MethodPost, "/api/v1/intakes", token, map[string]any{"unit_preference": "furlongs"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/intakes", token, map[string]any{"age": "old"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Validation error")
}

func TestOwnershipAndIDs(t *testing.T) {
	f := newAPIFixture(t)
	intakeID, _ := f.submit(t, signToken(t, "user-1", time.Hour))
	intruder := signToken(t, "user-2", time.Hour)

	w := f.do(t, http.MethodGet, "/api/v1/intakes/"+intakeID, intruder, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/intakes/not-an-id", intruder, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/intakes/000000000000000000000000", intruder, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResubmitAndGenerateWeeks(t *testing.T) {
	f := newAPIFixture(t)
	token := signToken(t, "user-1", time.Hour)
	intakeID, _ := f.submit(t, token)

	// The first chunk is still pending.
	w := f.do(t, http.MethodPost, "/api/v1/intakes/"+intakeID+"/resubmit", token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/intakes/"+intakeID+"/resubmit", token, map[string]any{"week_range": "9-4"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/intakes/"+intakeID+"/weeks", token, map[string]any{"start_week": 5, "end_week": 8})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp struct {
		Chunk struct {
			WeekRange string `json:"week_range"`
		} `json:"chunk"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "5-8", resp.Chunk.WeekRange)

	w = f.do(t, http.MethodPost, "/api/v1/intakes/"+intakeID+"/weeks", token, map[string]any{"start_week": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRawOutputMissing(t *testing.T) {
	f := newAPIFixture(t)
	token := signToken(t, "user-1", time.Hour)
	_, chunkID := f.submit(t, token)

	w := f.do(t, http.MethodGet, "/api/v1/chunks/"+chunkID+"/raw-output", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/chunks/"+chunkID+"/raw-output", signToken(t, "user-2", time.Hour), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestDeletePlan(t *testing.T) {
	f := newAPIFixture(t)
	token := signToken(t, "user-1", time.Hour)
	intakeID, _ := f.submit(t, token)

	w := f.do(t, http.MethodDelete, "/api/v1/intakes/"+intakeID, token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/intakes/"+intakeID+"/plan", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTriggerBackground(t *testing.T) {
	f := newAPIFixture(t)
	token := signToken(t, "user-1", time.Hour)
	intakeID, _ := f.submit(t, token)

	// Scheduled sweep: no token, no body.
	w := f.do(t, http.MethodPost, "/api/v1/generate-plan-background", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Queued 1 pending chunk(s)","queued":1}`, w.Body.String())

	manual := map[string]any{"trigger": "manual", "intake_id": intakeID}
	w = f.do(t, http.MethodPost, "/api/v1/generate-plan-background", "", manual)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/generate-plan-background", signToken(t, "user-2", time.Hour), manual)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/generate-plan-background", token, manual)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"queued":1`)
}

func TestGeneratePlan(t *testing.T) {
	f := newAPIFixture(t)
	token := signToken(t, "user-1", time.Hour)

	w := f.do(t, http.MethodPost, "/api/v1/generate-plan", token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.planner.res = &llm.InteractiveResult{Plan: map[string]any{"plan_title": "Base"}, GeneratedAt: time.Now()}
	w = f.do(t, http.MethodPost, "/api/v1/generate-plan", token, map[string]any{"prompt": "plan please"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"plan_title":"Base"`)

	f.planner.res = nil
	f.planner.err = &llm.PlanError{Kind: llm.KindTimeout, Message: "OpenAI timed out."}
	w = f.do(t, http.MethodPost, "/api/v1/generate-plan", token, map[string]any{"prompt": "plan please"})
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "OpenAI timed out.")

	f.planner.err = &llm.PlanError{Kind: llm.KindUpstreamFailure, Message: "status 500"}
	w = f.do(t, http.MethodPost, "/api/v1/generate-plan", token, map[string]any{"prompt": "plan please"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
