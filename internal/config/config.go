package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location, relative to the working
// directory. Override with the CONFIG_PATH environment variable.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML. Secrets are expected
// to come from the environment, not the file.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	Environment string `yaml:"environment"`
	BaseURL     string `yaml:"baseURL"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	AllowedOrigins    []string `yaml:"allowedOrigins"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	// SessionStrategy is "redis" (revocable server-side sessions) or "jwt"
	// (stateless signed tokens).
	SessionStrategy string `yaml:"sessionStrategy"`
	SessionSecret   string `yaml:"sessionSecret"`
	SessionTTL      string `yaml:"sessionTTL"`
	SecureCookies   bool   `yaml:"secureCookies"`

	MagicRequestRateLimitPerMinute int `yaml:"magicRequestRateLimitPerMinute"`
	MagicVerifyRateLimitPerMinute  int `yaml:"magicVerifyRateLimitPerMinute"`
	CaptionRateLimitPerMinute      int `yaml:"captionRateLimitPerMinute"`

	// Mailer is "console", "smtp", or "amqp".
	Mailer       string `yaml:"mailer"`
	SMTPHost     string `yaml:"smtpHost"`
	SMTPPort     int    `yaml:"smtpPort"`
	SMTPUsername string `yaml:"smtpUsername"`
	SMTPPassword string `yaml:"smtpPassword"`
	SMTPFrom     string `yaml:"smtpFrom"`
	AMQPUrl      string `yaml:"amqpURL"`
	AMQPQueue    string `yaml:"amqpQueue"`

	GoogleClientID     string `yaml:"googleClientID"`
	GoogleClientSecret string `yaml:"googleClientSecret"`

	BillingSecretKey     string `yaml:"billingSecretKey"`
	BillingWebhookSecret string `yaml:"billingWebhookSecret"`
	BillingBaseURL       string `yaml:"billingBaseURL"`

	// CaptionProvider is "openai" (any OpenAI-compatible endpoint) or
	// "gemini".
	CaptionProvider string `yaml:"captionProvider"`
	CaptionBaseURL  string `yaml:"captionBaseURL"`
	CaptionAPIKey   string `yaml:"captionAPIKey"`
	CaptionModel    string `yaml:"captionModel"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
}

// Load reads config from path (defaults to config.yaml), then applies
// environment overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
		if v := os.Getenv("CONFIG_PATH"); v != "" {
			path = v
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.BaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Environment = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("SESSION_STRATEGY"); v != "" {
		cfg.SessionStrategy = strings.TrimSpace(v)
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		cfg.SessionTTL = strings.TrimSpace(v)
	}
	if v := os.Getenv("SECURE_COOKIES"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.SecureCookies = b
		}
	}
	if v := os.Getenv("MAGIC_REQUEST_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MagicRequestRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MAGIC_VERIFY_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MagicVerifyRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CAPTION_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CaptionRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MAILER"); v != "" {
		cfg.Mailer = strings.TrimSpace(v)
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTPPort = n
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTPUsername = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTPPassword = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.SMTPFrom = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPUrl = v
	}
	if v := os.Getenv("AMQP_QUEUE"); v != "" {
		cfg.AMQPQueue = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.GoogleClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.GoogleClientSecret = v
	}
	if v := os.Getenv("BILLING_SECRET_KEY"); v != "" {
		cfg.BillingSecretKey = v
	}
	if v := os.Getenv("BILLING_WEBHOOK_SECRET"); v != "" {
		cfg.BillingWebhookSecret = v
	}
	if v := os.Getenv("BILLING_BASE_URL"); v != "" {
		cfg.BillingBaseURL = v
	}
	if v := os.Getenv("CAPTION_PROVIDER"); v != "" {
		cfg.CaptionProvider = strings.TrimSpace(v)
	}
	if v := os.Getenv("CAPTION_BASE_URL"); v != "" {
		cfg.CaptionBaseURL = v
	}
	if v := os.Getenv("CAPTION_API_KEY"); v != "" {
		cfg.CaptionAPIKey = v
	}
	if v := os.Getenv("CAPTION_MODEL"); v != "" {
		cfg.CaptionModel = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return errors.New("config: baseURL is required (set in config.yaml or BASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for sessions and rate limiting")
	}
	switch cfg.Environment {
	case "", "development", "test", "production":
	default:
		return fmt.Errorf("config: unknown environment %q", cfg.Environment)
	}
	switch cfg.SessionStrategy {
	case "", "redis":
	case "jwt":
		if strings.TrimSpace(cfg.SessionSecret) == "" {
			return errors.New("config: sessionSecret is required for the jwt session strategy")
		}
	default:
		return fmt.Errorf("config: unknown session strategy %q", cfg.SessionStrategy)
	}
	switch cfg.Mailer {
	case "", "console":
	case "smtp":
		if strings.TrimSpace(cfg.SMTPHost) == "" || strings.TrimSpace(cfg.SMTPFrom) == "" {
			return errors.New("config: smtpHost and smtpFrom are required for the smtp mailer")
		}
	case "amqp":
		if strings.TrimSpace(cfg.AMQPUrl) == "" {
			return errors.New("config: amqpURL is required for the amqp mailer")
		}
	default:
		return fmt.Errorf("config: unknown mailer %q", cfg.Mailer)
	}
	switch cfg.CaptionProvider {
	case "", "openai":
	case "gemini":
		if strings.TrimSpace(cfg.CaptionAPIKey) == "" {
			return errors.New("config: captionAPIKey is required for the gemini provider")
		}
	default:
		return fmt.Errorf("config: unknown caption provider %q", cfg.CaptionProvider)
	}
	if cfg.Environment == "production" {
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required in production")
		}
		if cfg.BillingSecretKey != "" && strings.TrimSpace(cfg.BillingWebhookSecret) == "" {
			return errors.New("config: billingWebhookSecret is required in production when billing is enabled")
		}
	}
	if cfg.MagicRequestRateLimitPerMinute < 0 || cfg.MagicVerifyRateLimitPerMinute < 0 || cfg.CaptionRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseSessionTTL parses the optional session lifetime, defaulting to 7 days.
func ParseSessionTTL(raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 7 * 24 * time.Hour, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("sessionTTL must be positive")
	}
	return dur, nil
}
