package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"offlinesync/internal/config"
	"offlinesync/internal/dispatch"
	"offlinesync/internal/logging"
	"offlinesync/internal/model"
	"offlinesync/internal/repository"
	"offlinesync/internal/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var start = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	db      *gorm.DB
	clock   *testutil.Clock
	cfg     *config.SyncConfig
	queue   *QueueService
	sync    *SyncService
	actions *repository.ActionRepository
	users   *repository.UserRepository
	devices *repository.DeviceRepository
	zones   *repository.ZoneRepository
	outbox  *repository.OutboxRepository
}

func newTestEnv(t *testing.T, locker QueueLocker) *testEnv {
	t.Helper()

	db := testutil.NewDB(t)
	clock := testutil.NewClock(start)
	cfg := config.Default().Sync
	log := logging.Discard()

	env := &testEnv{
		db:      db,
		clock:   clock,
		cfg:     &cfg,
		actions: repository.NewActionRepository(db),
		users:   repository.NewUserRepository(db),
		devices: repository.NewDeviceRepository(db),
		zones:   repository.NewZoneRepository(db),
		outbox:  repository.NewOutboxRepository(db),
	}

	stores := dispatch.Stores{
		Devices:     env.devices,
		Preferences: env.users,
		Zones:       env.zones,
		Activities:  repository.NewActivityRepository(db),
	}
	dispatcher, err := dispatch.New(dispatch.Handlers(stores, clock.Now), log)
	require.NoError(t, err)

	env.queue = NewQueueService(db, &cfg, log, clock.Now)
	env.sync = NewSyncService(db, SyncServiceOptions{
		Config:     &cfg,
		Topic:      "sync_result",
		Dispatcher: dispatcher,
		Locker:     locker,
		Logger:     log,
		Now:        clock.Now,
	})
	return env
}

func (e *testEnv) enqueue(t *testing.T, userID string, actionType model.ActionType, priority int, payload string) string {
	t.Helper()
	id, err := e.queue.Enqueue(context.Background(), userID, &EnqueueRequest{
		Action:   string(actionType),
		Payload:  json.RawMessage(payload),
		Priority: priority,
	})
	require.NoError(t, err)
	return id
}

func (e *testEnv) record(t *testing.T, id string) *model.ActionRecord {
	t.Helper()
	rec, err := e.actions.GetByID(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (e *testEnv) profile(t *testing.T, userID string) *model.UserProfile {
	t.Helper()
	p, err := e.users.GetByUserID(context.Background(), userID)
	require.NoError(t, err)
	return p
}

func actionIDs(results []ActionResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.ActionID)
	}
	return out
}
