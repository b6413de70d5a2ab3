package infra

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Realtime backends.
const (
	RealtimeNone     = "none"
	RealtimeNATS     = "nats"
	RealtimePostgres = "postgres"
)

// SweepThresholds are the stuck-job limits of one provider speed class.
type SweepThresholds struct {
	NoProgress  time.Duration
	HardTimeout time.Duration
}

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	LogLevel         string
	Port             string
	StoreDriver      string
	DatabaseURL      string
	DBMaxConns       int
	StoragePath      string
	StorageBaseURL   string
	TransferRetries  int
	PublicBaseURL    string
	WebhookSecret    string
	InternalToken    string
	CursorSecret     string
	JWTSecret        string
	CORSOrigins      []string
	RateLimitPerMin  int
	RealtimeBackend  string
	NATSURL          string
	SubmitBudget     time.Duration
	ProviderTimeout  time.Duration
	SweepSchedule    string
	SweepBatchSize   int
	SweepPollEvery   time.Duration
	SweepClasses     map[string]SweepThresholds
	QueueProviderURL string
	QueueProviderKey string
	QueueModels      []string
	WebhookLedgerTTL time.Duration
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// IsDevelopment reports whether the service runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "test"
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		Port:             port,
		StoreDriver:      strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DBMaxConns:       getEnvInt("DB_MAX_CONNS", 10),
		StoragePath:      getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:   getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		TransferRetries:  getEnvInt("STORAGE_TRANSFER_RETRIES", 2),
		PublicBaseURL:    strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:"+port), "/"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		InternalToken:    os.Getenv("INTERNAL_TOKEN"),
		CursorSecret:     os.Getenv("CURSOR_SECRET"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		CORSOrigins:      splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		RealtimeBackend:  strings.ToLower(getEnv("REALTIME_BACKEND", RealtimeNone)),
		NATSURL:          getEnv("NATS_URL", "nats://localhost:4222"),
		SubmitBudget:     getEnvDuration("DISPATCH_SUBMIT_BUDGET", 8*time.Second),
		ProviderTimeout:  getEnvDuration("PROVIDER_TIMEOUT", 10*time.Minute),
		SweepSchedule:    getEnv("SWEEP_SCHEDULE", "@every 10s"),
		SweepBatchSize:   getEnvInt("SWEEP_BATCH_SIZE", 200),
		SweepPollEvery:   getEnvDuration("SWEEP_POLL_INTERVAL", 15*time.Second),
		SweepClasses: map[string]SweepThresholds{
			"fast":     loadThresholds("FAST", 10*time.Second, 2*time.Minute),
			"standard": loadThresholds("STANDARD", 10*time.Second, 2*time.Minute),
			"slow":     loadThresholds("SLOW", 30*time.Second, 15*time.Minute),
		},
		QueueProviderURL: os.Getenv("PROVIDER_QUEUE_URL"),
		QueueProviderKey: os.Getenv("PROVIDER_QUEUE_API_KEY"),
		QueueModels:      splitList(getEnv("PROVIDER_QUEUE_MODELS", "queue-image,queue-video")),
		WebhookLedgerTTL: getEnvDuration("WEBHOOK_LEDGER_TTL", 72*time.Hour),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}

	switch cfg.RealtimeBackend {
	case RealtimeNone, RealtimeNATS:
	case RealtimePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("REALTIME_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported REALTIME_BACKEND %q", cfg.RealtimeBackend)
	}

	if !cfg.IsDevelopment() && cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if cfg.CursorSecret == "" {
		if cfg.IsDevelopment() {
			cfg.CursorSecret = "development-cursor-secret"
		} else {
			cfg.CursorSecret = randomSecret()
		}
	}
	if cfg.SubmitBudget <= 0 {
		cfg.SubmitBudget = 8 * time.Second
	}

	return cfg, nil
}

func loadThresholds(class string, noProgress, hardTimeout time.Duration) SweepThresholds {
	return SweepThresholds{
		NoProgress:  getEnvDuration("SWEEP_"+class+"_NO_PROGRESS", noProgress),
		HardTimeout: getEnvDuration("SWEEP_"+class+"_HARD_TIMEOUT", hardTimeout),
	}
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s", "2m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
