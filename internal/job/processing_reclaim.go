package job

import (
	"context"
	"time"

	"offlinesync/internal/config"
	"offlinesync/internal/service"

	"github.com/sirupsen/logrus"
)

// Reclaimer 回收超时的 processing 记录
type Reclaimer interface {
	ReclaimStale(ctx context.Context, before time.Time, limit int) (*service.ReclaimResult, error)
}

// ProcessingReclaimJob 批处理进程在提交前崩溃时，被领取的记录会一直停留在 processing。
// 超过 processing_timeout 的记录按一次失败尝试处理，重新进入重试流程。
type ProcessingReclaimJob struct {
	reclaimer Reclaimer
	log       logrus.FieldLogger
	now       func() time.Time
	stopCh    chan struct{}
	interval  time.Duration
	timeout   time.Duration
	batchSize int
}

func NewProcessingReclaimJob(reclaimer Reclaimer, cfg *config.SyncConfig, log logrus.FieldLogger, now func() time.Time) *ProcessingReclaimJob {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ProcessingReclaimJob{
		reclaimer: reclaimer,
		log:       log.WithField("job", "ProcessingReclaimJob"),
		now:       now,
		stopCh:    make(chan struct{}),
		interval:  cfg.ReclaimInterval,
		timeout:   cfg.ProcessingTimeout,
		batchSize: cfg.ReclaimBatchSize,
	}
}

func (j *ProcessingReclaimJob) Start(ctx context.Context) {
	j.log.Info("超时回收任务启动")

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
			_, _ = j.RunOnce(ctx)
		}
	}
}

func (j *ProcessingReclaimJob) Stop() {
	close(j.stopCh)
}

func (j *ProcessingReclaimJob) RunOnce(ctx context.Context) (*service.ReclaimResult, error) {
	before := j.now().Add(-j.timeout)

	result, err := j.reclaimer.ReclaimStale(ctx, before, j.batchSize)
	if err != nil {
		j.log.WithField("before", before).Errorf("回收超时记录失败: %v", err)
		return nil, err
	}
	if result.Reclaimed == 0 {
		return result, nil
	}

	j.log.WithFields(logrus.Fields{
		"reclaimed": result.Reclaimed,
		"retried":   result.Retried,
		"failed":    result.Failed,
	}).Warn("回收了超时的 processing 记录")
	return result, nil
}
