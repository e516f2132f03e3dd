package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"offlinesync/internal/apperror"
	"offlinesync/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestProcessQueue_HappyPathDeviceReading(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.devices.Create(ctx, &model.Device{ID: "cup-1", UserID: "u1"}))

	id := env.enqueue(t, "u1", model.ActionTypeDeviceReading, 0, `{"deviceId":"cup-1","reading":{"ml":330,"temp":4}}`)
	env.clock.Advance(time.Minute)

	res, err := env.sync.ProcessQueue(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedActions)
	assert.Equal(t, []ActionResult{{ActionID: id, Status: ResultCompleted}}, res.Results)

	device, err := env.devices.GetByID(ctx, "cup-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ml":330,"temp":4}`, string(device.LastReading))

	rec := env.record(t, id)
	assert.Equal(t, model.ActionStatusCompleted, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Nil(t, rec.LastError)
	require.NotNil(t, rec.CompletedAt)
	assert.True(t, start.Add(time.Minute).Equal(*rec.CompletedAt))
	assert.JSONEq(t, `{"readingId":"`+id+`"}`, string(rec.Result))

	profile := env.profile(t, "u1")
	assert.EqualValues(t, 0, profile.SyncStatus.QueuedActions)
	assert.EqualValues(t, 1, profile.SyncStatus.SuccessfulSyncs)
	assert.EqualValues(t, 0, profile.SyncStatus.FailedSyncs)
	require.NotNil(t, profile.SyncStatus.LastSyncAt)
	assert.True(t, start.Add(time.Minute).Equal(*profile.SyncStatus.LastSyncAt))
}

func TestProcessQueue_PriorityOrder(t *testing.T) {
	env := newTestEnv(t, nil)

	env.clock.Advance(time.Second)
	a := env.enqueue(t, "u1", model.ActionTypeActivityLog, 2, `{"event":"a"}`)
	env.clock.Advance(time.Second)
	b := env.enqueue(t, "u1", model.ActionTypeActivityLog, 2, `{"event":"b"}`)
	env.clock.Advance(time.Second)
	c := env.enqueue(t, "u1", model.ActionTypeActivityLog, 5, `{"event":"c"}`)

	res, err := env.sync.ProcessQueue(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{c, a, b}, actionIDs(res.Results))
}

func TestProcessQueue_BatchSizeCap(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.BatchSize = 2
	for i := 0; i < 3; i++ {
		env.enqueue(t, "u1", model.ActionTypeActivityLog, 0, `{"event":"sip"}`)
	}

	res, err := env.sync.ProcessQueue(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ProcessedActions)

	res, err = env.sync.ProcessQueue(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedActions)
}

func TestProcessQueue_EmptyQueueMutatesNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res, err := env.sync.ProcessQueue(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ProcessedActions)
	assert.Empty(t, res.Results)

	_, err = env.users.GetByUserID(ctx, "u1")
	assert.Error(t, err)

	env.enqueue(t, "u1", model.ActionTypeActivityLog, 0, `{"event":"sip"}`)
	_, err = env.sync.ProcessQueue(ctx, "u1")
	require.NoError(t, err)
	before := env.profile(t, "u1")

	env.clock.Advance(time.Hour)
	res, err = env.sync.ProcessQueue(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ProcessedActions)

	after := env.profile(t, "u1")
	assert.Equal(t, before.SyncStatus.SuccessfulSyncs, after.SyncStatus.SuccessfulSyncs)
	require.NotNil(t, after.SyncStatus.LastSyncAt)
	assert.True(t, before.SyncStatus.LastSyncAt.Equal(*after.SyncStatus.LastSyncAt))

	pending, err := env.outbox.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestProcessQueue_OwnershipFailureExhaustsRetries(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.zones.CreateIfAbsent(ctx, &model.SafeZone{ID: "z-other", UserID: "u2", Name: "Theirs"}))

	id := env.enqueue(t, "u1", model.ActionTypeZoneUpdate, 0, `{"zoneId":"z-other","updates":{"name":"Mine"}}`)

	expected := []string{ResultRetry, ResultRetry, ResultFailed}
	for i, status := range expected {
		env.clock.Advance(time.Minute)
		res, err := env.sync.ProcessQueue(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, res.Results, 1, "run %d", i+1)
		assert.Equal(t, status, res.Results[0].Status, "run %d", i+1)
		assert.Equal(t, "Zone not found or access denied", res.Results[0].Error)
	}

	rec := env.record(t, id)
	assert.Equal(t, model.ActionStatusFailed, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)
	require.NotNil(t, rec.FailedAt)
	assert.True(t, start.Add(3*time.Minute).Equal(*rec.FailedAt))
	assert.Nil(t, rec.CompletedAt)

	res, err := env.sync.ProcessQueue(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ProcessedActions)

	profile := env.profile(t, "u1")
	assert.EqualValues(t, 0, profile.SyncStatus.QueuedActions)
	assert.EqualValues(t, 1, profile.SyncStatus.FailedSyncs)

	zone, err := env.zones.GetByID(ctx, "z-other")
	require.NoError(t, err)
	assert.Equal(t, "Theirs", zone.Name)
}

func TestProcessQueue_UnknownType(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.enqueue(t, "u1", "bogus", 0, `{"x":1}`)

	res, err := env.sync.ProcessQueue(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, ResultRetry, res.Results[0].Status)

	rec := env.record(t, id)
	assert.Equal(t, model.ActionStatusPending, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "Unknown action type: bogus", *rec.LastError)
	assert.NotNil(t, rec.LastRetryAt)
	assert.EqualValues(t, 1, env.profile(t, "u1").SyncStatus.QueuedActions)
}

func TestProcessQueue_FailureDoesNotAbortBatch(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	bad := env.enqueue(t, "u1", model.ActionTypeDeviceStatusUpdate, 9, `{"deviceId":"missing","status":{"led":"off"}}`)
	good := env.enqueue(t, "u1", model.ActionTypeUserPreferenceUpdate, 1, `{"preferences":{"units":"ml"}}`)

	res, err := env.sync.ProcessQueue(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []ActionResult{
		{ActionID: bad, Status: ResultRetry, Error: "Device not found or access denied"},
		{ActionID: good, Status: ResultCompleted},
	}, res.Results)

	profile := env.profile(t, "u1")
	assert.Equal(t, "ml", profile.Preferences["units"])
	assert.EqualValues(t, 1, profile.SyncStatus.QueuedActions)
	assert.EqualValues(t, 1, profile.SyncStatus.SuccessfulSyncs)
}

func TestProcessQueue_WritesSyncEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.enqueue(t, "u1", model.ActionTypeActivityLog, 0, `{"event":"sip"}`)
	env.enqueue(t, "u1", "bogus", 0, `{}`)
	_, err := env.sync.ProcessQueue(ctx, "u1")
	require.NoError(t, err)

	msgs, err := env.outbox.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.OutboxEventSyncBatchCompleted, msgs[0].EventType)
	assert.Equal(t, "u1", msgs[0].MessageKey)
	assert.Equal(t, "sync_result", msgs[0].Topic)

	var event model.SyncBatchEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Payload), &event))
	assert.Equal(t, 2, event.Processed)
	assert.Equal(t, 1, event.Completed)
	assert.Equal(t, 1, event.Retried)
	assert.Equal(t, 0, event.Failed)
}

type stubLocker struct {
	err      error
	acquired int
	released int
}

func (l *stubLocker) Acquire(ctx context.Context, userID string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return func() { l.released++ }, nil
}

func TestProcessQueue_UsesLocker(t *testing.T) {
	locker := &stubLocker{}
	env := newTestEnv(t, locker)
	env.enqueue(t, "u1", model.ActionTypeActivityLog, 0, `{"event":"sip"}`)

	_, err := env.sync.ProcessQueue(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
}

func TestProcessQueue_LockErrorStillProcesses(t *testing.T) {
	env := newTestEnv(t, &stubLocker{err: errors.New("redis: connection refused")})
	env.enqueue(t, "u1", model.ActionTypeActivityLog, 0, `{"event":"sip"}`)

	res, err := env.sync.ProcessQueue(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedActions)
}

func TestProcessQueue_CommitFailureReleasesClaim(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	id := env.enqueue(t, "u1", model.ActionTypeActivityLog, 0, `{"event":"sip"}`)

	failOutbox := true
	err := env.db.Callback().Create().Before("gorm:create").Register("test:fail_outbox", func(tx *gorm.DB) {
		if failOutbox && tx.Statement.Table == "outbox_message" {
			tx.AddError(errors.New("disk full"))
		}
	})
	require.NoError(t, err)

	_, err = env.sync.ProcessQueue(ctx, "u1")
	require.Error(t, err)
	assert.Equal(t, apperror.CodeInternal, apperror.CodeOf(err))
	assert.Equal(t, "Failed to process sync queue", apperror.MessageOf(err))

	rec := env.record(t, id)
	assert.Equal(t, model.ActionStatusPending, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Nil(t, rec.ClaimToken)
	assert.Nil(t, rec.CompletedAt)

	profile := env.profile(t, "u1")
	assert.EqualValues(t, 1, profile.SyncStatus.QueuedActions)
	assert.EqualValues(t, 0, profile.SyncStatus.SuccessfulSyncs)
	assert.Nil(t, profile.SyncStatus.LastSyncAt)

	failOutbox = false
	res, err := env.sync.ProcessQueue(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []ActionResult{{ActionID: id, Status: ResultCompleted}}, res.Results)
}

func TestProcessQueue_Unauthenticated(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.sync.ProcessQueue(context.Background(), "")
	assert.Equal(t, apperror.CodeUnauthenticated, apperror.CodeOf(err))
}

func TestReclaimStale(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	retry := env.enqueue(t, "u1", model.ActionTypeActivityLog, 0, `{"event":"a"}`)
	dead := env.enqueue(t, "u1", model.ActionTypeActivityLog, 0, `{"event":"b"}`)
	require.NoError(t, env.db.Model(&model.ActionRecord{}).Where("id = ?", dead).Update("retry_count", 2).Error)

	claimed, err := env.actions.ClaimPending(ctx, "u1", 50, "crashed-run", env.clock.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	env.clock.Advance(5 * time.Minute)
	result, err := env.sync.ReclaimStale(ctx, env.clock.Now().Add(-10*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Reclaimed)

	env.clock.Advance(6 * time.Minute)
	result, err = env.sync.ReclaimStale(ctx, env.clock.Now().Add(-10*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, &ReclaimResult{Reclaimed: 2, Retried: 1, Failed: 1}, result)

	rec := env.record(t, retry)
	assert.Equal(t, model.ActionStatusPending, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "processing timed out", *rec.LastError)
	assert.Nil(t, rec.ClaimToken)

	rec = env.record(t, dead)
	assert.Equal(t, model.ActionStatusFailed, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)
	assert.NotNil(t, rec.FailedAt)

	profile := env.profile(t, "u1")
	assert.EqualValues(t, 1, profile.SyncStatus.QueuedActions)
	assert.EqualValues(t, 1, profile.SyncStatus.FailedSyncs)

	res, err := env.sync.ProcessQueue(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []ActionResult{{ActionID: retry, Status: ResultCompleted}}, res.Results)
}

func TestGetSyncStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	status, err := env.sync.GetSyncStatus(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, &SyncStatus{}, status)

	env.enqueue(t, "u1", model.ActionTypeActivityLog, 0, `{"event":"sip"}`)
	env.enqueue(t, "u1", "bogus", 0, `{}`)
	env.enqueue(t, "u1", model.ActionTypeActivityLog, 0, `{"event":"sip"}`)
	env.clock.Advance(time.Minute)
	_, err = env.sync.ProcessQueue(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, env.db.Model(&model.ActionRecord{}).Where("action_type = ?", "bogus").
		Update("status", model.ActionStatusFailed).Error)

	status, err = env.sync.GetSyncStatus(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, status.QueuedActions)
	assert.EqualValues(t, 1, status.FailedActions)
	assert.EqualValues(t, 2, status.SuccessfulSyncs)
	require.NotNil(t, status.LastSyncAt)
	assert.True(t, start.Add(time.Minute).Equal(*status.LastSyncAt))
	require.NotNil(t, status.LastQueuedAt)
	assert.True(t, start.Equal(*status.LastQueuedAt))

	_, err = env.sync.GetSyncStatus(ctx, "")
	assert.Equal(t, apperror.CodeUnauthenticated, apperror.CodeOf(err))
}

func TestGetLastSyncTimestamp(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	last, err := env.sync.GetLastSyncTimestamp(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, last.LastSyncAt)
	assert.True(t, start.Equal(last.ServerTimestamp))

	env.enqueue(t, "u1", model.ActionTypeActivityLog, 0, `{"event":"sip"}`)
	_, err = env.sync.ProcessQueue(ctx, "u1")
	require.NoError(t, err)
	env.clock.Advance(time.Hour)

	last, err = env.sync.GetLastSyncTimestamp(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, last.LastSyncAt)
	assert.True(t, start.Equal(*last.LastSyncAt))
	assert.True(t, start.Add(time.Hour).Equal(last.ServerTimestamp))
}

func TestListActions_RejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.sync.ListActions(context.Background(), "u1", "archived", 1, 10)
	assert.Equal(t, apperror.CodeInvalidArgument, apperror.CodeOf(err))
}

func TestListActions_PageSize(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.queue.BulkEnqueue(ctx, "u1", bulkRequests(100))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		env.enqueue(t, "u1", model.ActionTypeActivityLog, 0, `{"event":"sip"}`)
	}

	// 超过上限时按上限返回
	list, err := env.sync.ListActions(ctx, "u1", "", 1, 500)
	require.NoError(t, err)
	assert.Equal(t, 100, list.PageSize)
	assert.Len(t, list.Items, 100)
	assert.EqualValues(t, 105, list.Total)

	list, err = env.sync.ListActions(ctx, "u1", "", 2, 500)
	require.NoError(t, err)
	assert.Len(t, list.Items, 5)

	list, err = env.sync.ListActions(ctx, "u1", model.ActionStatusPending, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Page)
	assert.Equal(t, 20, list.PageSize)
	assert.Len(t, list.Items, 20)
}
