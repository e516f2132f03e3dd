package main

import (
	"fmt"

	"offlinesync/internal/config"
	"offlinesync/internal/dispatch"
	"offlinesync/internal/infrastructure/database"
	"offlinesync/internal/logging"
	"offlinesync/internal/repository"
	"offlinesync/internal/service"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "offlinesync",
		Short:         "离线操作同步队列服务",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "config/config.yaml", "配置文件路径，为空时只读环境变量")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newReclaimCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

// app 各子命令共用的基础依赖
type app struct {
	cfg *config.Config
	log *logrus.Logger
	db  *gorm.DB
}

func loadConfig(opts *rootOptions) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format), nil
}

// bootstrap 加载配置并连接 MySQL
func bootstrap(opts *rootOptions) (*app, error) {
	cfg, log, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	db, err := database.InitMySQL(&cfg.MySQL, log)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, db: db}, nil
}

// newSyncService locker 为 nil 时不加用户队列锁
func (a *app) newSyncService(locker service.QueueLocker) (*service.SyncService, error) {
	dispatcher, err := dispatch.New(dispatch.Handlers(dispatch.Stores{
		Devices:     repository.NewDeviceRepository(a.db),
		Preferences: repository.NewUserRepository(a.db),
		Zones:       repository.NewZoneRepository(a.db),
		Activities:  repository.NewActivityRepository(a.db),
	}, nil), a.log)
	if err != nil {
		return nil, err
	}

	return service.NewSyncService(a.db, service.SyncServiceOptions{
		Config:     &a.cfg.Sync,
		Topic:      a.cfg.Kafka.Topic.SyncResult,
		Dispatcher: dispatcher,
		Locker:     locker,
		Logger:     a.log,
	}), nil
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.log.Warnf("关闭 MySQL 连接失败: %v", err)
		}
	}
}

func requirePositive(name string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%s 必须大于0", name)
	}
	return nil
}
