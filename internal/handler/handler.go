package handler

import (
	"context"
	"strconv"

	"offlinesync/internal/apperror"
	"offlinesync/internal/service"
	"offlinesync/pkg/response"

	"github.com/gin-gonic/gin"
)

const bulkQueuedMessage = "Actions queued successfully. Use processSyncQueue to process them."

type QueueService interface {
	Enqueue(ctx context.Context, userID string, req *service.EnqueueRequest) (string, error)
	BulkEnqueue(ctx context.Context, userID string, reqs []*service.EnqueueRequest) (int, error)
}

type SyncService interface {
	ProcessQueue(ctx context.Context, userID string) (*service.ProcessResult, error)
	GetSyncStatus(ctx context.Context, userID string) (*service.SyncStatus, error)
	GetLastSyncTimestamp(ctx context.Context, userID string) (*service.LastSync, error)
	ListActions(ctx context.Context, userID, status string, page, pageSize int) (*service.ActionList, error)
}

// Handler 同步接口
type Handler struct {
	queueService QueueService
	syncService  SyncService
}

func NewHandler(queueService QueueService, syncService SyncService) *Handler {
	return &Handler{
		queueService: queueService,
		syncService:  syncService,
	}
}

// QueueAction 单条入队
// POST /api/v1/sync/actions
func (h *Handler) QueueAction(c *gin.Context) {
	var req service.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.InvalidArgument("Action and payload are required"))
		return
	}

	actionID, err := h.queueService.Enqueue(c.Request.Context(), CurrentUserID(c), &req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{
		"success":  true,
		"actionId": actionID,
	})
}

type BulkSyncRequest struct {
	Actions []*service.EnqueueRequest `json:"actions"`
}

// BulkSync 批量入队
// POST /api/v1/sync/actions/bulk
func (h *Handler) BulkSync(c *gin.Context) {
	var req BulkSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.InvalidArgument("Actions array is required"))
		return
	}

	queued, err := h.queueService.BulkEnqueue(c.Request.Context(), CurrentUserID(c), req.Actions)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{
		"success":       true,
		"queuedActions": queued,
		"message":       bulkQueuedMessage,
	})
}

// ProcessQueue 处理当前用户的一批记录
// POST /api/v1/sync/process
func (h *Handler) ProcessQueue(c *gin.Context) {
	result, err := h.syncService.ProcessQueue(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	results := result.Results
	if results == nil {
		results = []service.ActionResult{}
	}
	response.Success(c, gin.H{
		"success":          true,
		"processedActions": result.ProcessedActions,
		"results":          results,
	})
}

// GetSyncStatus GET /api/v1/sync/status
func (h *Handler) GetSyncStatus(c *gin.Context) {
	status, err := h.syncService.GetSyncStatus(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// GetLastSync GET /api/v1/sync/last-sync
func (h *Handler) GetLastSync(c *gin.Context) {
	last, err := h.syncService.GetLastSyncTimestamp(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, last)
}

// ListActions 分页查询队列记录
// GET /api/v1/sync/actions?status=failed&page=1&page_size=20
func (h *Handler) ListActions(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		response.Error(c, apperror.InvalidArgument("page 参数错误"))
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil {
		response.Error(c, apperror.InvalidArgument("page_size 参数错误"))
		return
	}

	list, err := h.syncService.ListActions(c.Request.Context(), CurrentUserID(c), c.Query("status"), page, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, list)
}
