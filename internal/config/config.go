// Package config holds the typed configuration of the digest daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"newsdigest/internal/ai"
	"newsdigest/internal/classifier"
	"newsdigest/internal/delivery"
	"newsdigest/internal/pipeline"
	"newsdigest/internal/summarizer"
	"newsdigest/internal/trigger"
	pkgconfig "newsdigest/pkg/config"
)

// SourceConfig 一个 IMAP 账户。Password 为空时从 keyring 的 PasswordKey 读取。
type SourceConfig struct {
	Account     string `yaml:"account"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	PasswordKey string `yaml:"password_key"`
	StartTLS    bool   `yaml:"starttls"`
	Mailbox     string `yaml:"mailbox"`
}

// BudgetConfig 外部服务调用额度
type BudgetConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	MaxConcurrent     int `yaml:"max_concurrent"`
}

type ScheduleConfig struct {
	Time     string `yaml:"time"`
	Timezone string `yaml:"timezone"`
}

type BusConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	// 把事件转发到 RabbitMQ（需要配置 mq.url）
	ForwardToMQ  bool `yaml:"forward_to_mq"`
	ForwardItems bool `yaml:"forward_items"`
}

type SourceRetryConfig struct {
	MaxRetries uint64        `yaml:"max_retries"`
	Base       time.Duration `yaml:"base"`
	// 已标记邮件在 Redis 中的保留时间
	MarkLedgerTTL time.Duration `yaml:"mark_ledger_ttl"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type KeyringConfig struct {
	Dir string `yaml:"dir"`
}

type Config struct {
	Env      string `yaml:"-"`
	LogLevel string `yaml:"log_level"`

	Server pkgconfig.ServerConfig `yaml:"server"`
	DB     pkgconfig.DBConfig     `yaml:"db"`
	Redis  pkgconfig.RedisConfig  `yaml:"redis"`
	MQ     pkgconfig.MQConfig     `yaml:"mq"`
	JWT    pkgconfig.JWTConfig    `yaml:"jwt"`

	Schedule   ScheduleConfig          `yaml:"schedule"`
	Pipeline   pipeline.Config         `yaml:"pipeline"`
	Classifier classifier.Config       `yaml:"classifier"`
	Summarizer summarizer.Config       `yaml:"summarizer"`
	AI         ai.Config               `yaml:"ai"`
	Budgets    map[string]BudgetConfig `yaml:"budgets"`
	Bus        BusConfig               `yaml:"bus"`
	Sources    []SourceConfig          `yaml:"sources"`
	Retry      SourceRetryConfig       `yaml:"source_retry"`
	Delivery   delivery.Config         `yaml:"delivery"`
	Outbox     OutboxConfig            `yaml:"outbox"`
	Keyring    KeyringConfig           `yaml:"keyring"`
}

// Default 未配置时的取值：每天 08:00 Europe/Paris，阈值 0.7
func Default() Config {
	return Config{
		LogLevel: "info",
		Server:   pkgconfig.ServerConfig{Port: ":8080"},
		DB:       pkgconfig.DBConfig{Port: 5432, SSLMode: "disable"},
		MQ:       pkgconfig.MQConfig{Exchange: "digest"},
		Schedule: ScheduleConfig{Time: "08:00", Timezone: "Europe/Paris"},
		Pipeline: pipeline.Config{
			MaxItemsPerRun:      100,
			ClassifyConcurrency: 4,
			ShutdownGrace:       30 * time.Second,
			RecordTimeout:       5 * time.Second,
		},
		Classifier: classifier.DefaultConfig(),
		Summarizer: summarizer.Config{Concurrency: 3, MaxItemsPerCategory: 50},
		AI: ai.Config{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Timeout:     30 * time.Second,
			MaxTokens:   1000,
			MaxBodyChar: 4000,
		},
		Budgets: map[string]BudgetConfig{
			"imap": {RequestsPerMinute: 100, MaxConcurrent: 4},
			"ai":   {RequestsPerMinute: 20, MaxConcurrent: 4},
		},
		Bus:      BusConfig{QueueSize: 256, PublishTimeout: 100 * time.Millisecond},
		Retry:    SourceRetryConfig{MaxRetries: 3, Base: time.Second, MarkLedgerTTL: 30 * 24 * time.Hour},
		Delivery: delivery.Config{Channel: delivery.ChannelLog},
		Outbox:   OutboxConfig{Interval: time.Second, BatchSize: 100, MaxRetries: 5},
	}
}

// Load 读取 config/base.yaml、config/<env>.yaml 和 secrets.env，再应用环境变量覆盖
func Load() (*Config, error) {
	env := pkgconfig.GetConfigEnv()
	dir := pkgconfig.GetEnv("CONFIG_DIR", "config")
	return LoadFrom(env, dir)
}

func LoadFrom(env, dir string) (*Config, error) {
	cfg := Default()
	if err := pkgconfig.LoadInto(env, dir, &cfg); err != nil {
		return nil, err
	}
	cfg.Env = env

	pkgconfig.OverrideDBFromEnv(&cfg.DB)
	pkgconfig.OverrideMQFromEnv(&cfg.MQ)
	pkgconfig.OverrideRedisFromEnv(&cfg.Redis)
	pkgconfig.OverrideJWTFromEnv(&cfg.JWT)
	pkgconfig.OverrideServerFromEnv(&cfg.Server)
	overrideFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("DIGEST_SCHEDULE_TIME"); v != "" {
		cfg.Schedule.Time = v
	}
	if v := os.Getenv("DIGEST_TIMEZONE"); v != "" {
		cfg.Schedule.Timezone = v
	}
	if v := os.Getenv("DIGEST_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Classifier.Threshold = f
		}
	}
	if v := os.Getenv("DELIVERY_CHANNEL"); v != "" {
		cfg.Delivery.Channel = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.Delivery.SMTP.Password = v
	}
}

// Validate 启动时校验一次
func (c *Config) Validate() error {
	schedule, err := c.ParsedSchedule()
	if err != nil {
		return err
	}
	c.Delivery.Location = schedule.Location

	if err := c.Classifier.Validate(); err != nil {
		return err
	}
	for name, b := range c.Budgets {
		if b.RequestsPerMinute <= 0 || b.MaxConcurrent <= 0 {
			return fmt.Errorf("budget %q: requests_per_minute and max_concurrent must be positive", name)
		}
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Host == "" || s.Username == "" {
			return fmt.Errorf("sources[%d]: host and username are required", i)
		}
		account := s.AccountName()
		if seen[account] {
			return fmt.Errorf("sources[%d]: duplicate account %q", i, account)
		}
		seen[account] = true
	}

	switch c.Delivery.Channel {
	case delivery.ChannelSMTP:
		if err := c.Delivery.SMTP.Validate(); err != nil {
			return err
		}
	case delivery.ChannelMQ:
		if c.MQ.URL == "" {
			return fmt.Errorf("delivery channel mq requires mq.url")
		}
	case delivery.ChannelLog, "":
	default:
		return fmt.Errorf("unknown delivery channel %q", c.Delivery.Channel)
	}
	return nil
}

// ParsedSchedule 解析后的每日触发时间
func (c *Config) ParsedSchedule() (trigger.Schedule, error) {
	return trigger.ParseSchedule(c.Schedule.Time, c.Schedule.Timezone)
}

// AccountName 账户标识，默认为用户名
func (s SourceConfig) AccountName() string {
	if s.Account != "" {
		return s.Account
	}
	return s.Username
}
