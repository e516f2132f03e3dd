package job

import (
	"context"
	"time"

	"offlinesync/internal/config"
	"offlinesync/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RetentionSweeper 定期删除保留期之外的 completed 记录
//
// 只处理 completed，pending / processing / failed 记录不会被删除
type RetentionSweeper struct {
	actionRepo *repository.ActionRepository
	log        logrus.FieldLogger
	now        func() time.Time
	stopCh     chan struct{}
	interval   time.Duration
	retention  time.Duration
	batchSize  int
}

func NewRetentionSweeper(db *gorm.DB, cfg *config.SyncConfig, log logrus.FieldLogger, now func() time.Time) *RetentionSweeper {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &RetentionSweeper{
		actionRepo: repository.NewActionRepository(db),
		log:        log.WithField("job", "RetentionSweeper"),
		now:        now,
		stopCh:     make(chan struct{}),
		interval:   cfg.RetentionInterval,
		retention:  time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		batchSize:  cfg.SweepLimit,
	}
}

func (j *RetentionSweeper) Start(ctx context.Context) {
	j.log.Info("队列清理任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			// 错误已在 Sweep 中记录，下个周期重试
			_, _ = j.Sweep(ctx)
		}
	}
}

func (j *RetentionSweeper) Stop() {
	close(j.stopCh)
}

// Sweep 执行一轮清理，返回删除的记录数
func (j *RetentionSweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)

	deleted, err := j.actionRepo.DeleteCompletedBefore(ctx, cutoff, j.batchSize)
	if err != nil {
		j.log.WithField("cutoff", cutoff).Errorf("清理队列记录失败: %v", err)
		return 0, err
	}

	if deleted == 0 {
		j.log.Info("没有需要清理的队列记录")
		return 0, nil
	}

	j.log.WithFields(logrus.Fields{
		"deleted": deleted,
		"cutoff":  cutoff,
	}).Info("已清理过期的队列记录")
	return deleted, nil
}
