package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"offlinesync/internal/config"
	"offlinesync/internal/dispatch"
	"offlinesync/internal/logging"
	"offlinesync/internal/model"
	"offlinesync/internal/repository"
	"offlinesync/internal/service"
	"offlinesync/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "test-secret"

type apiEnv struct {
	db     *gorm.DB
	router *gin.Engine
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	clock := testutil.NewClock(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	log := logging.Discard()

	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret

	dispatcher, err := dispatch.New(dispatch.Handlers(dispatch.Stores{
		Devices:     repository.NewDeviceRepository(db),
		Preferences: repository.NewUserRepository(db),
		Zones:       repository.NewZoneRepository(db),
		Activities:  repository.NewActivityRepository(db),
	}, clock.Now), log)
	require.NoError(t, err)

	queue := service.NewQueueService(db, &cfg.Sync, log, clock.Now)
	sync := service.NewSyncService(db, service.SyncServiceOptions{
		Config:     &cfg.Sync,
		Topic:      cfg.Kafka.Topic.SyncResult,
		Dispatcher: dispatcher,
		Logger:     log,
		Now:        clock.Now,
	})

	return &apiEnv{
		db:     db,
		router: SetupRouter(NewHandler(queue, sync), cfg, log),
	}
}

type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *apiEnv) do(t *testing.T, method, path, uid, body string) (int, envelope) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		token, err := GenerateToken([]byte(testSecret), uid, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	env := newAPIEnv(t)

	code, body := env.do(t, http.MethodPost, "/api/v1/sync/process", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHENTICATED", body.Code)
	assert.Equal(t, "User must be authenticated", body.Message)

	other, err := GenerateToken([]byte("other-secret"), "u1", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil)
	req.Header.Set("Authorization", "Bearer "+other)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := GenerateToken([]byte(testSecret), "u1", -time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestQueueAndProcess(t *testing.T) {
	env := newAPIEnv(t)

	code, body := env.do(t, http.MethodPost, "/api/v1/sync/actions", "u1",
		`{"action":"activity_log","payload":{"event":"sip","properties":{"ml":20}}}`)
	require.Equal(t, http.StatusOK, code, body.Message)

	var queued struct {
		Success  bool   `json:"success"`
		ActionID string `json:"actionId"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &queued))
	assert.True(t, queued.Success)
	assert.NotEmpty(t, queued.ActionID)

	code, body = env.do(t, http.MethodPost, "/api/v1/sync/process", "u1", "")
	require.Equal(t, http.StatusOK, code, body.Message)

	var processed struct {
		Success          bool                   `json:"success"`
		ProcessedActions int                    `json:"processedActions"`
		Results          []service.ActionResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &processed))
	assert.True(t, processed.Success)
	assert.Equal(t, 1, processed.ProcessedActions)
	require.Len(t, processed.Results, 1)
	assert.Equal(t, queued.ActionID, processed.Results[0].ActionID)
	assert.Equal(t, service.ResultCompleted, processed.Results[0].Status)

	code, body = env.do(t, http.MethodGet, "/api/v1/sync/status", "u1", "")
	require.Equal(t, http.StatusOK, code)
	var status service.SyncStatus
	require.NoError(t, json.Unmarshal(body.Data, &status))
	assert.Zero(t, status.QueuedActions)
	assert.EqualValues(t, 1, status.SuccessfulSyncs)
	assert.NotNil(t, status.LastSyncAt)

	code, body = env.do(t, http.MethodGet, "/api/v1/sync/last-sync", "u1", "")
	require.Equal(t, http.StatusOK, code)
	var last service.LastSync
	require.NoError(t, json.Unmarshal(body.Data, &last))
	assert.NotNil(t, last.LastSyncAt)
}

func TestProcess_EmptyQueue(t *testing.T) {
	env := newAPIEnv(t)

	code, body := env.do(t, http.MethodPost, "/api/v1/sync/process", "u1", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"success":true,"processedActions":0,"results":[]}`, string(body.Data))
}

func TestQueueAction_BadRequest(t *testing.T) {
	env := newAPIEnv(t)

	for _, payload := range []string{
		`{"payload":{"event":"sip"}}`,
		`{"action":"activity_log"}`,
		`{"action":"activity_log","payload":null}`,
		`not json`,
	} {
		code, body := env.do(t, http.MethodPost, "/api/v1/sync/actions", "u1", payload)
		assert.Equal(t, http.StatusBadRequest, code, payload)
		assert.Equal(t, "INVALID_ARGUMENT", body.Code, payload)
	}
}

func bulkBody(n int) string {
	items := make([]string, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, fmt.Sprintf(`{"action":"activity_log","payload":{"event":"e%d"}}`, i))
	}
	return `{"actions":[` + strings.Join(items, ",") + `]}`
}

func TestBulkSync(t *testing.T) {
	env := newAPIEnv(t)

	code, body := env.do(t, http.MethodPost, "/api/v1/sync/actions/bulk", "u1", bulkBody(3))
	require.Equal(t, http.StatusOK, code, body.Message)
	assert.JSONEq(t, `{"success":true,"queuedActions":3,"message":"`+bulkQueuedMessage+`"}`, string(body.Data))

	code, body = env.do(t, http.MethodPost, "/api/v1/sync/actions/bulk", "u1", bulkBody(101))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Too many actions (max 100)", body.Message)

	code, body = env.do(t, http.MethodPost, "/api/v1/sync/actions/bulk", "u1", `{"actions":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Actions array is required", body.Message)

	var count int64
	require.NoError(t, env.db.Model(&model.ActionRecord{}).Count(&count).Error)
	assert.EqualValues(t, 3, count)
}

func TestListActions(t *testing.T) {
	env := newAPIEnv(t)
	code, _ := env.do(t, http.MethodPost, "/api/v1/sync/actions/bulk", "u1", bulkBody(5))
	require.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodPost, "/api/v1/sync/actions/bulk", "u2", bulkBody(2))
	require.Equal(t, http.StatusOK, code)

	code, body := env.do(t, http.MethodGet, "/api/v1/sync/actions?status=pending&page=1&page_size=2", "u1", "")
	require.Equal(t, http.StatusOK, code, body.Message)

	var list struct {
		Items    []model.ActionRecord `json:"items"`
		Total    int64                `json:"total"`
		Page     int                  `json:"page"`
		PageSize int                  `json:"pageSize"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &list))
	assert.EqualValues(t, 5, list.Total)
	assert.Len(t, list.Items, 2)
	assert.Equal(t, 2, list.PageSize)
	for _, item := range list.Items {
		assert.Equal(t, "u1", item.UserID)
	}

	code, _ = env.do(t, http.MethodGet, "/api/v1/sync/actions?status=bogus", "u1", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodGet, "/api/v1/sync/actions?page=x", "u1", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCORS(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sync/status", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
