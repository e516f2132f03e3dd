package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"offlinesync/internal/handler"
	"offlinesync/internal/infrastructure/cache"
	"offlinesync/internal/infrastructure/database"
	"offlinesync/internal/infrastructure/lock"
	"offlinesync/internal/infrastructure/mq"
	"offlinesync/internal/job"
	"offlinesync/internal/service"
	"offlinesync/pkg/idgen"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	*rootOptions
	WorkerID int64
	Migrate  bool
	NoJobs   bool
	NoLock   bool
	GinDebug bool
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务与后台任务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
	cmd.Flags().Int64Var(&opts.WorkerID, "worker-id", 1, "雪花算法机器ID (0-1023)")
	cmd.Flags().BoolVar(&opts.Migrate, "migrate", true, "启动前自动迁移表结构")
	cmd.Flags().BoolVar(&opts.NoJobs, "no-jobs", false, "不启动后台任务")
	cmd.Flags().BoolVar(&opts.NoLock, "no-lock", false, "不使用 Redis 用户队列锁")
	cmd.Flags().BoolVar(&opts.GinDebug, "gin-debug", false, "gin 调试模式")
	return cmd
}

func runServe(opts *serveOptions) error {
	// 初始化 ID 生成器
	if err := idgen.Init(opts.WorkerID); err != nil {
		return err
	}

	a, err := bootstrap(opts.rootOptions)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, log := a.cfg, a.log

	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret 未配置")
	}

	if opts.Migrate {
		if err := database.Migrate(a.db); err != nil {
			return err
		}
	}

	// Redis 只用于用户队列锁，连接失败时依赖领取条件保证互斥
	var locker service.QueueLocker
	if !opts.NoLock {
		redisClient, err := cache.InitRedis(&cfg.Redis, log)
		if err != nil {
			log.Warnf("Redis 不可用，不使用用户队列锁: %v", err)
		} else {
			defer redisClient.Close()
			locker = lock.NewUserQueueLocker(redisClient, cfg.Sync.LockTTL)
		}
	}

	publisher, err := mq.InitKafka(&cfg.Kafka, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	syncService, err := a.newSyncService(locker)
	if err != nil {
		return err
	}
	queueService := service.NewQueueService(a.db, &cfg.Sync, log, nil)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	if !opts.NoJobs {
		go job.NewOutboxSender(a.db, publisher, &cfg.Sync, log).Start(ctx)
		go job.NewRetentionSweeper(a.db, &cfg.Sync, log, nil).Start(ctx)
		go job.NewProcessingReclaimJob(syncService, &cfg.Sync, log, nil).Start(ctx)
	}

	if !opts.GinDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handler.SetupRouter(handler.NewHandler(queueService, syncService), cfg, log)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	log.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("服务关闭异常: %v", err)
	}

	log.Info("服务已关闭")
	return nil
}
