package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Mail      MailConfig
	Dispatch  DispatchConfig
	RateLimit RateLimitConfig
}

type AppConfig struct {
	Name         string
	Port         string
	Debug        bool
	LogPath      string
	TriggerToken string
	StoreDriver  string // postgres | memory
	ClaimDriver  string // redis | memory
}

type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	ResultTopic string
}

type MailConfig struct {
	Provider       string // smtp | sendgrid
	Host           string
	Port           int
	User           string
	Password       string
	From           string
	FromName       string
	SendGridAPIKey string
}

type DispatchConfig struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	AttemptTimeout    time.Duration
	ClockSkew         time.Duration
	ClaimTTL          time.Duration
	ClaimPollInterval time.Duration
	JanitorInterval   time.Duration
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

func LoadConfig() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")

	// Set defaults
	viper.SetDefault("APP_NAME", "FoundIt")
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("DEBUG", false)
	viper.SetDefault("LOG_PATH", "logs/")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("CLAIM_DRIVER", "redis")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_MAX_CONNS", 10)
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("KAFKA_TOPIC", "otp_codes.created")
	viper.SetDefault("KAFKA_GROUP_ID", "otp-dispatcher")
	viper.SetDefault("MAIL_PROVIDER", "smtp")
	viper.SetDefault("SMTP_PORT", 465)
	viper.SetDefault("DISPATCH_MAX_ATTEMPTS", 3)
	viper.SetDefault("DISPATCH_BASE_BACKOFF", "500ms")
	viper.SetDefault("DISPATCH_MAX_BACKOFF", "5s")
	viper.SetDefault("DISPATCH_ATTEMPT_TIMEOUT", "10s")
	viper.SetDefault("DISPATCH_CLOCK_SKEW", "1m")
	viper.SetDefault("DISPATCH_CLAIM_TTL", "1m")
	viper.SetDefault("DISPATCH_CLAIM_POLL", "50ms")
	viper.SetDefault("DISPATCH_JANITOR_INTERVAL", "15m")
	viper.SetDefault("RATE_LIMIT_RPS", 20)
	viper.SetDefault("RATE_LIMIT_BURST", 40)

	// .env is optional; secrets normally arrive as environment variables
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	viper.AutomaticEnv()

	config := &Config{
		App: AppConfig{
			Name:         viper.GetString("APP_NAME"),
			Port:         viper.GetString("PORT"),
			Debug:        viper.GetBool("DEBUG"),
			LogPath:      viper.GetString("LOG_PATH"),
			TriggerToken: viper.GetString("TRIGGER_TOKEN"),
			StoreDriver:  viper.GetString("STORE_DRIVER"),
			ClaimDriver:  viper.GetString("CLAIM_DRIVER"),
		},
		Database: DatabaseConfig{
			Host:     viper.GetString("DB_HOST"),
			Port:     viper.GetString("DB_PORT"),
			Name:     viper.GetString("DB_NAME"),
			User:     viper.GetString("DB_USER"),
			Password: viper.GetString("DB_PASS"),
			MaxConns: viper.GetInt32("DB_MAX_CONNS"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("REDIS_ADDR"),
			Password: viper.GetString("REDIS_PASS"),
			DB:       viper.GetInt("REDIS_DB"),
		},
		Kafka: KafkaConfig{
			Brokers:     splitList(viper.GetString("KAFKA_BROKERS")),
			Topic:       viper.GetString("KAFKA_TOPIC"),
			GroupID:     viper.GetString("KAFKA_GROUP_ID"),
			ResultTopic: viper.GetString("KAFKA_RESULT_TOPIC"),
		},
		Mail: MailConfig{
			Provider:       viper.GetString("MAIL_PROVIDER"),
			Host:           viper.GetString("SMTP_HOST"),
			Port:           viper.GetInt("SMTP_PORT"),
			User:           viper.GetString("SMTP_USER"),
			Password:       viper.GetString("SMTP_PASS"),
			From:           viper.GetString("EMAIL_FROM"),
			FromName:       viper.GetString("EMAIL_FROM_NAME"),
			SendGridAPIKey: viper.GetString("SENDGRID_API_KEY"),
		},
		Dispatch: DispatchConfig{
			MaxAttempts:       viper.GetInt("DISPATCH_MAX_ATTEMPTS"),
			BaseBackoff:       viper.GetDuration("DISPATCH_BASE_BACKOFF"),
			MaxBackoff:        viper.GetDuration("DISPATCH_MAX_BACKOFF"),
			AttemptTimeout:    viper.GetDuration("DISPATCH_ATTEMPT_TIMEOUT"),
			ClockSkew:         viper.GetDuration("DISPATCH_CLOCK_SKEW"),
			ClaimTTL:          viper.GetDuration("DISPATCH_CLAIM_TTL"),
			ClaimPollInterval: viper.GetDuration("DISPATCH_CLAIM_POLL"),
			JanitorInterval:   viper.GetDuration("DISPATCH_JANITOR_INTERVAL"),
		},
		RateLimit: RateLimitConfig{
			RPS:   viper.GetFloat64("RATE_LIMIT_RPS"),
			Burst: viper.GetInt("RATE_LIMIT_BURST"),
		},
	}

	if config.Mail.FromName == "" {
		config.Mail.FromName = config.App.Name
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks that the selected drivers have what they need to start.
func (c *Config) Validate() error {
	var problems []string

	if c.App.TriggerToken == "" {
		problems = append(problems, "TRIGGER_TOKEN is required")
	}

	switch c.App.StoreDriver {
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			problems = append(problems, "DB_HOST and DB_NAME are required for STORE_DRIVER=postgres")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown STORE_DRIVER %q", c.App.StoreDriver))
	}

	switch c.App.ClaimDriver {
	case "redis":
		if c.Redis.Addr == "" {
			problems = append(problems, "REDIS_ADDR is required for CLAIM_DRIVER=redis")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown CLAIM_DRIVER %q", c.App.ClaimDriver))
	}

	switch c.Mail.Provider {
	case "smtp":
		if c.Mail.Host == "" || c.Mail.User == "" || c.Mail.Password == "" {
			problems = append(problems, "SMTP_HOST, SMTP_USER and SMTP_PASS are required for MAIL_PROVIDER=smtp")
		}
	case "sendgrid":
		if c.Mail.SendGridAPIKey == "" {
			problems = append(problems, "SENDGRID_API_KEY is required for MAIL_PROVIDER=sendgrid")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown MAIL_PROVIDER %q", c.Mail.Provider))
	}

	if c.Mail.From == "" {
		problems = append(problems, "EMAIL_FROM is required")
	}

	if c.Dispatch.MaxAttempts < 1 {
		problems = append(problems, "DISPATCH_MAX_ATTEMPTS must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}

	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
