package main

import (
	"fmt"
	"time"

	"offlinesync/internal/handler"
	"offlinesync/internal/infrastructure/database"
	"offlinesync/internal/job"

	"github.com/spf13/cobra"
)

func newMigrateCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "迁移表结构",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(rootOpts)
			if err != nil {
				return err
			}
			defer a.close()

			if err := database.Migrate(a.db); err != nil {
				return err
			}
			a.log.Info("表结构迁移完成")
			return nil
		},
	}
}

// newSweepCommand 手动执行一轮保留期清理，可用于 cron
func newSweepCommand(rootOpts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "删除保留期之外的 completed 记录",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(rootOpts)
			if err != nil {
				return err
			}
			defer a.close()

			if cmd.Flags().Changed("limit") {
				if err := requirePositive("limit", limit); err != nil {
					return err
				}
				a.cfg.Sync.SweepLimit = limit
			}

			deleted, err := job.NewRetentionSweeper(a.db, &a.cfg.Sync, a.log, nil).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d completed actions\n", deleted)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "本轮最多删除的记录数，默认取 sync.sweep_limit")
	return cmd
}

// newReclaimCommand 手动回收卡在 processing 的记录
func newReclaimCommand(rootOpts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "回收处理超时的 processing 记录",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(rootOpts)
			if err != nil {
				return err
			}
			defer a.close()

			if timeout > 0 {
				a.cfg.Sync.ProcessingTimeout = timeout
			}

			syncService, err := a.newSyncService(nil)
			if err != nil {
				return err
			}

			result, err := job.NewProcessingReclaimJob(syncService, &a.cfg.Sync, a.log, nil).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d (retry %d, failed %d)\n",
				result.Reclaimed, result.Retried, result.Failed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "processing 超时时间，默认取 sync.processing_timeout")
	return cmd
}

// newTokenCommand 签发调试用的访问令牌
func newTokenCommand(rootOpts *rootOptions) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <uid>",
		Short: "为指定用户签发 JWT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret 未配置")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}

			token, err := handler.GenerateToken([]byte(cfg.Auth.JWTSecret), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "有效期，默认取 auth.token_ttl")
	return cmd
}
