package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// AppConfig 聚合运行时配置：可选 YAML 文件打底，环境变量覆盖。
type AppConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	DatabaseDSN string `yaml:"database_dsn"`

	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`

	// Kafka：邮件请求 topic 由外部邮件服务消费，回执 topic 回写 sending_status。
	KafkaBrokers       []string `yaml:"kafka_brokers"`
	MailTopic          string   `yaml:"mail_topic"`
	MailReceiptTopic   string   `yaml:"mail_receipt_topic"`
	MailReceiptGroup   string   `yaml:"mail_receipt_group"`
	MailStream         string   `yaml:"mail_stream"`
	MailStreamGroup    string   `yaml:"mail_stream_group"`
	MailStreamConsumer string   `yaml:"mail_stream_consumer"`

	// 订单保留与过期扫描
	ReservationWindow time.Duration `yaml:"reservation_window"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`

	// 转账对账
	PaymentRefPrefix string        `yaml:"payment_ref_prefix"`
	MatchPoolWindow  time.Duration `yaml:"match_pool_window"`
	MatchTightWindow time.Duration `yaml:"match_tight_window"`
	WebhookAPIKey    string        `yaml:"webhook_api_key"`
	WebhookDedupeTTL time.Duration `yaml:"webhook_dedupe_ttl"`
	// 网关 transactionDate 不带时区，按该 IANA 时区解析
	BankTimezone     string        `yaml:"bank_timezone"`

	// 核销
	CheckinWindow time.Duration `yaml:"checkin_window"`
	PayloadMaxAge time.Duration `yaml:"payload_max_age"`

	// 限流（webhook 与核销接口）
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`

	AdminToken string `yaml:"admin_token"`

	PubNubPublishKey   string `yaml:"pubnub_publish_key"`
	PubNubSubscribeKey string `yaml:"pubnub_subscribe_key"`
	PubNubUserID       string `yaml:"pubnub_user_id"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// Default returns the configuration used when neither a file nor env overrides a key.
func Default() AppConfig {
	return AppConfig{
		HTTPAddr:           ":8080",
		DatabaseDSN:        "ticketing.db",
		RedisAddr:          "localhost:6379",
		KafkaBrokers:       []string{"localhost:9092"},
		MailTopic:          "ticketing-mail-requests",
		MailReceiptTopic:   "ticketing-mail-receipts",
		MailReceiptGroup:   "ticketing-receipt-consumer",
		MailStream:         "ticketing:mail_requests",
		MailStreamGroup:    "ticketing-mail-relay-group",
		MailStreamConsumer: "ticketing-mail-relay-1",
		ReservationWindow:  15 * time.Minute,
		SweepInterval:      5 * time.Minute,
		PaymentRefPrefix:   "TKT",
		MatchPoolWindow:    24 * time.Hour,
		MatchTightWindow:   30 * time.Minute,
		WebhookDedupeTTL:   24 * time.Hour,
		BankTimezone:       "Asia/Ho_Chi_Minh",
		CheckinWindow:      2 * time.Hour,
		PayloadMaxAge:      24 * time.Hour,
		RateLimit:          100,
		RateWindow:         time.Second,
		AdminToken:         "dev-admin-token",
		PubNubUserID:       "ticketing-server",
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := Default()

	if path := getEnv("CONFIG_PATH", ""); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return AppConfig{}, err
		}
	}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.KafkaBrokers = splitCSV(brokers)
	}
	cfg.MailTopic = getEnv("MAIL_TOPIC", cfg.MailTopic)
	cfg.MailReceiptTopic = getEnv("MAIL_RECEIPT_TOPIC", cfg.MailReceiptTopic)
	cfg.MailReceiptGroup = getEnv("MAIL_RECEIPT_GROUP", cfg.MailReceiptGroup)
	cfg.MailStream = getEnv("MAIL_STREAM", cfg.MailStream)
	cfg.MailStreamGroup = getEnv("MAIL_STREAM_GROUP", cfg.MailStreamGroup)
	cfg.MailStreamConsumer = getEnv("MAIL_STREAM_CONSUMER", cfg.MailStreamConsumer)
	cfg.PaymentRefPrefix = getEnv("PAYMENT_REF_PREFIX", cfg.PaymentRefPrefix)
	cfg.WebhookAPIKey = getEnv("WEBHOOK_API_KEY", cfg.WebhookAPIKey)
	cfg.BankTimezone = getEnv("BANK_TIMEZONE", cfg.BankTimezone)
	cfg.AdminToken = getEnv("ADMIN_TOKEN", cfg.AdminToken)
	cfg.PubNubPublishKey = getEnv("PUBNUB_PUBLISH_KEY", cfg.PubNubPublishKey)
	cfg.PubNubSubscribeKey = getEnv("PUBNUB_SUBSCRIBE_KEY", cfg.PubNubSubscribeKey)
	cfg.PubNubUserID = getEnv("PUBNUB_USER_ID", cfg.PubNubUserID)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	rateLimit, err := getEnvInt("RATE_LIMIT", cfg.RateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RATE_LIMIT: %w", err)
	}
	cfg.RateLimit = rateLimit

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RESERVATION_WINDOW", &cfg.ReservationWindow},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
		{"MATCH_POOL_WINDOW", &cfg.MatchPoolWindow},
		{"MATCH_TIGHT_WINDOW", &cfg.MatchTightWindow},
		{"WEBHOOK_DEDUPE_TTL", &cfg.WebhookDedupeTTL},
		{"CHECKIN_WINDOW", &cfg.CheckinWindow},
		{"PAYLOAD_MAX_AGE", &cfg.PayloadMaxAge},
		{"RATE_WINDOW", &cfg.RateWindow},
	}
	for _, d := range durations {
		v, err := getEnvDuration(d.key, *d.dst)
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate checks invariants the services rely on.
func (c AppConfig) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN must not be empty")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("RATE_LIMIT must be > 0")
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("RATE_WINDOW must be > 0")
	}
	if c.ReservationWindow <= 0 {
		return fmt.Errorf("RESERVATION_WINDOW must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.MatchTightWindow <= 0 || c.MatchPoolWindow < c.MatchTightWindow {
		return fmt.Errorf("MATCH_TIGHT_WINDOW must be > 0 and <= MATCH_POOL_WINDOW")
	}
	if c.CheckinWindow <= 0 || c.PayloadMaxAge <= 0 {
		return fmt.Errorf("CHECKIN_WINDOW and PAYLOAD_MAX_AGE must be > 0")
	}
	if strings.TrimSpace(c.PaymentRefPrefix) == "" {
		return fmt.Errorf("PAYMENT_REF_PREFIX must not be empty")
	}
	if _, err := c.BankLocation(); err != nil {
		return err
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if c.MailTopic == "" || c.MailReceiptTopic == "" || c.MailReceiptGroup == "" {
		return fmt.Errorf("MAIL_TOPIC, MAIL_RECEIPT_TOPIC and MAIL_RECEIPT_GROUP must not be empty")
	}
	if c.MailStream == "" || c.MailStreamGroup == "" || c.MailStreamConsumer == "" {
		return fmt.Errorf("MAIL_STREAM, MAIL_STREAM_GROUP and MAIL_STREAM_CONSUMER must not be empty")
	}
	return nil
}

// BankLocation resolves BankTimezone.
func (c AppConfig) BankLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(strings.TrimSpace(c.BankTimezone))
	if err != nil {
		return nil, fmt.Errorf("invalid BANK_TIMEZONE: %w", err)
	}
	return loc, nil
}

// loadFile overlays a YAML file onto cfg. Durations use Go syntax ("15m").
func loadFile(path string, cfg *AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
