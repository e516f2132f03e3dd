package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Log    LogConfig    `mapstructure:"log"`
	Sync   SyncConfig   `mapstructure:"sync"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"` // 为空时允许所有来源
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	SyncResult string `mapstructure:"sync_result"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SyncConfig 离线同步队列的业务参数
type SyncConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	MaxRetryCount     int           `mapstructure:"max_retry_count"`
	BulkLimit         int           `mapstructure:"bulk_limit"`
	RetentionDays     int           `mapstructure:"retention_days"`
	SweepLimit        int           `mapstructure:"sweep_limit"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	ReclaimInterval   time.Duration `mapstructure:"reclaim_interval"`
	ReclaimBatchSize  int           `mapstructure:"reclaim_batch_size"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	OutboxInterval    time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize   int           `mapstructure:"outbox_batch_size"`
	OutboxMaxRetry    int           `mapstructure:"outbox_max_retry"`
}

// Default 返回不依赖配置文件的默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Auth:   AuthConfig{TokenTTL: 24 * time.Hour},
		Kafka:  KafkaConfig{Topic: KafkaTopicConfig{SyncResult: "sync_result"}},
		Log:    LogConfig{Level: "info", Format: "json"},
		Sync: SyncConfig{
			BatchSize:         50,
			MaxRetryCount:     3,
			BulkLimit:         100,
			RetentionDays:     7,
			SweepLimit:        1000,
			RetentionInterval: 24 * time.Hour,
			ProcessingTimeout: 10 * time.Minute,
			ReclaimInterval:   5 * time.Minute,
			ReclaimBatchSize:  200,
			LockTTL:           30 * time.Second,
			OutboxInterval:    time.Second,
			OutboxBatchSize:   100,
			OutboxMaxRetry:    5,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.port", d.Server.Port)
	// 连接参数也需要默认值，AutomaticEnv 才能在 Unmarshal 时覆盖
	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "offline_sync")
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("kafka.topic.sync_result", d.Kafka.Topic.SyncResult)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.max_retry_count", d.Sync.MaxRetryCount)
	v.SetDefault("sync.bulk_limit", d.Sync.BulkLimit)
	v.SetDefault("sync.retention_days", d.Sync.RetentionDays)
	v.SetDefault("sync.sweep_limit", d.Sync.SweepLimit)
	v.SetDefault("sync.retention_interval", d.Sync.RetentionInterval)
	v.SetDefault("sync.processing_timeout", d.Sync.ProcessingTimeout)
	v.SetDefault("sync.reclaim_interval", d.Sync.ReclaimInterval)
	v.SetDefault("sync.reclaim_batch_size", d.Sync.ReclaimBatchSize)
	v.SetDefault("sync.lock_ttl", d.Sync.LockTTL)
	v.SetDefault("sync.outbox_interval", d.Sync.OutboxInterval)
	v.SetDefault("sync.outbox_batch_size", d.Sync.OutboxBatchSize)
	v.SetDefault("sync.outbox_max_retry", d.Sync.OutboxMaxRetry)
}

// LoadConfig 加载配置文件
//
// 读取顺序：.env -> 默认值 -> 配置文件 -> SYNC_ 前缀环境变量（如 SYNC_MYSQL_HOST）
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("sync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if cfg.Sync.MaxRetryCount <= 0 {
		return nil, fmt.Errorf("sync.max_retry_count 必须大于0")
	}
	if cfg.Sync.BatchSize <= 0 || cfg.Sync.BulkLimit <= 0 {
		return nil, fmt.Errorf("sync.batch_size 与 sync.bulk_limit 必须大于0")
	}

	return cfg, nil
}
