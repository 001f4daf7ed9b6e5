package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const devSecret = "dev-secret-change-me"

type Config struct {
	Env      string
	LogLevel string
	NodeID   int64

	APIAddr     string
	GatewayAddr string
	CORSOrigins []string

	JWTSecret string
	TokenTTL  time.Duration

	StoreDriver    string
	ScyllaHosts    []string
	ScyllaKeyspace string

	FanoutDriver  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KafkaBrokers  []string
	KafkaTopic    string

	TypingWindow    time.Duration
	PresenceTTL     time.Duration
	HistoryPageSize int
	EditWindow      time.Duration

	Upload UploadConfig
	S3     S3Config

	UserDirectoryURL string
}

type UploadConfig struct {
	MaxBytes int64
	MaxFiles int
}

type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PublicURL string
}

// Enabled reports whether object storage is configured.
func (c S3Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("API_ADDR", ":8081")
	v.SetDefault("GATEWAY_ADDR", ":8080")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("TOKEN_TTL", "24h")
	v.SetDefault("STORE_DRIVER", "memory")
	v.SetDefault("SCYLLA_HOSTS", "localhost:9042")
	v.SetDefault("SCYLLA_KEYSPACE", "chat")
	v.SetDefault("FANOUT_DRIVER", "redis")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("KAFKA_BROKERS", "localhost:19092")
	v.SetDefault("KAFKA_TOPIC", "chat-events")
	v.SetDefault("TYPING_WINDOW", "5s")
	v.SetDefault("PRESENCE_TTL", "30s")
	v.SetDefault("HISTORY_PAGE_SIZE", 30)
	v.SetDefault("EDIT_WINDOW", "0s")
	v.SetDefault("UPLOAD_MAX_BYTES", 25<<20)
	v.SetDefault("UPLOAD_MAX_FILES", 10)
	v.SetDefault("S3_USE_SSL", false)
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Env:         v.GetString("APP_ENV"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		NodeID:      v.GetInt64("NODE_ID"),
		APIAddr:     v.GetString("API_ADDR"),
		GatewayAddr: v.GetString("GATEWAY_ADDR"),
		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),

		JWTSecret: v.GetString("JWT_SECRET"),
		TokenTTL:  v.GetDuration("TOKEN_TTL"),

		StoreDriver:    strings.ToLower(v.GetString("STORE_DRIVER")),
		ScyllaHosts:    splitList(v.GetString("SCYLLA_HOSTS")),
		ScyllaKeyspace: v.GetString("SCYLLA_KEYSPACE"),

		FanoutDriver:  strings.ToLower(v.GetString("FANOUT_DRIVER")),
		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		KafkaBrokers:  splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:    v.GetString("KAFKA_TOPIC"),

		TypingWindow:    v.GetDuration("TYPING_WINDOW"),
		PresenceTTL:     v.GetDuration("PRESENCE_TTL"),
		HistoryPageSize: v.GetInt("HISTORY_PAGE_SIZE"),
		EditWindow:      v.GetDuration("EDIT_WINDOW"),

		Upload: UploadConfig{
			MaxBytes: v.GetInt64("UPLOAD_MAX_BYTES"),
			MaxFiles: v.GetInt("UPLOAD_MAX_FILES"),
		},
		S3: S3Config{
			Endpoint:  strings.TrimSpace(v.GetString("S3_ENDPOINT")),
			Region:    strings.TrimSpace(v.GetString("S3_REGION")),
			Bucket:    strings.TrimSpace(v.GetString("S3_BUCKET")),
			AccessKey: strings.TrimSpace(v.GetString("S3_ACCESS_KEY")),
			SecretKey: strings.TrimSpace(v.GetString("S3_SECRET_KEY")),
			UseSSL:    v.GetBool("S3_USE_SSL"),
			PublicURL: strings.TrimRight(v.GetString("S3_PUBLIC_URL"), "/"),
		},

		UserDirectoryURL: strings.TrimRight(v.GetString("USER_DIRECTORY_URL"), "/"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		if !c.IsDev() {
			return errors.New("JWT_SECRET is required")
		}
		c.JWTSecret = devSecret
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be between 0 and 1023, got %d", c.NodeID)
	}
	switch c.StoreDriver {
	case "memory", "scylla":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.FanoutDriver {
	case "redis", "kafka", "local":
	default:
		return fmt.Errorf("unknown FANOUT_DRIVER %q", c.FanoutDriver)
	}
	if c.TypingWindow <= 0 {
		return errors.New("TYPING_WINDOW must be positive")
	}
	if c.PresenceTTL <= 0 {
		return errors.New("PRESENCE_TTL must be positive")
	}
	if c.HistoryPageSize <= 0 || c.HistoryPageSize > 100 {
		c.HistoryPageSize = 30
	}
	if c.Upload.MaxBytes <= 0 {
		return errors.New("UPLOAD_MAX_BYTES must be positive")
	}
	if c.Upload.MaxFiles <= 0 {
		c.Upload.MaxFiles = 10
	}
	return nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
