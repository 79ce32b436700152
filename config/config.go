package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Courier    CourierConfig    `yaml:"courier"`
	Sync       SyncConfig       `yaml:"sync"`
	Settlement SettlementConfig `yaml:"settlement"`
	OrderAPI   OrderAPIConfig   `yaml:"order_api"`
	Worker     WorkerConfig     `yaml:"worker"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (c DatabaseConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.DBName, sslMode)
}

type KafkaConfig struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	OrderStatusChangedTopic string `yaml:"order_status_changed_topic_name"`
	SyncCompletedTopic      string `yaml:"sync_completed_topic_name"`
}

func (c KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Host, c.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type CourierConfig struct {
	Mode           string `yaml:"mode"` // "http" | "fake"
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// Запросов к API курьера в минуту на один аккаунт.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

type SyncConfig struct {
	Cron string `yaml:"cron"`

	DebounceSeconds        int `yaml:"debounce_seconds"`
	ForceRefreshDays       int `yaml:"force_refresh_days"`
	BootstrapDays          int `yaml:"bootstrap_days"`
	InvoicePageSize        int `yaml:"invoice_page_size"`
	OrdersPerCycle         int `yaml:"orders_per_cycle"`
	FullConcurrency        int `yaml:"full_concurrency"`
	IncrementalConcurrency int `yaml:"incremental_concurrency"`
	AccountTimeoutSeconds  int `yaml:"account_timeout_seconds"`
}

type SettlementConfig struct {
	RetryCron            string  `yaml:"retry_cron"`
	RetryBatchSize       int     `yaml:"retry_batch_size"`
	EmployeeSharePercent float64 `yaml:"employee_share_percent"`
	// Допустимое расхождение между рассчитанной ценой и ценой курьера.
	PriceMismatchTolerance float64 `yaml:"price_mismatch_tolerance"`
}

type OrderAPIConfig struct {
	HTTPAddr              string `yaml:"http_addr"`
	KafkaConsumerGroup    string `yaml:"kafka_consumer_group"`
	StatusCacheTTLSeconds int    `yaml:"status_cache_ttl_seconds"`
	SplitLockTTLSeconds   int    `yaml:"split_lock_ttl_seconds"`
}

type WorkerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnv lets secrets live outside the yaml file. A missing .env is fine.
func (c *Config) applyEnv() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	if v := strings.TrimSpace(os.Getenv("DB_PASSWORD")); v != "" {
		c.Database.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_API_KEY")); v != "" {
		c.Courier.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("COURIER_BASE_URL")); v != "" {
		c.Courier.BaseURL = v
	}
	return nil
}
