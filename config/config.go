package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the flat key/value configuration set from spec §6. All
// fields have documented defaults except the six required credentials and
// the output target, which fail ConfigInvalid at Load if empty.
type Config struct {
	// Chat-network credentials (required, no default).
	TelegramAPIID     string
	TelegramAPIHash   string
	PhoneNumber       string
	TGSessionString   string
	ArabsSummaryOut   string
	SmartChat         string

	// LLM provider.
	GeminiAPIKey string
	GeminiModel  string

	// Budget / rate control.
	LLMBudgetHourly int
	LLMRPMLimit     int

	// Pipeline.
	BatchSize   int
	MaxBatchAge time.Duration

	// Sender.
	SummaryMinInterval time.Duration

	// Correlation.
	MinSources             int
	AuthorityHighThreshold float64

	// Store.
	DBPath string

	// Source channel lists (one chat-network username per line).
	ArabChannelsFile  string
	SmartChannelsFile string

	// Ambient — not in spec's enumerated table but required to run.
	Env         string
	LogLevel    string
	AdminAddr   string
	RedisURL    string
}

// requiredVars are the credentials and output target spec.md §6 calls out
// as having no documented default.
var requiredVars = []string{
	"TELEGRAM_API_ID",
	"TELEGRAM_API_HASH",
	"PHONE_NUMBER",
	"TG_SESSION_STRING",
	"ARABS_SUMMARY_OUT",
	"SMART_CHAT",
}

// ErrConfigInvalid is returned by Load when a required variable is missing.
// Per spec §7 this is fatal at startup with exit code 2.
type ErrConfigInvalid struct {
	Missing []string
}

func (e *ErrConfigInvalid) Error() string {
	return fmt.Sprintf("config invalid: missing required variables %v", e.Missing)
}

// Load reads configuration from environment variables and an optional .env
// file, exactly as the gateway's config.Load did, generalized to this
// system's flat key set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var missing []string
	for _, name := range requiredVars {
		if v, ok := os.LookupEnv(name); !ok || v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &ErrConfigInvalid{Missing: missing}
	}

	cfg := &Config{
		TelegramAPIID:   os.Getenv("TELEGRAM_API_ID"),
		TelegramAPIHash: os.Getenv("TELEGRAM_API_HASH"),
		PhoneNumber:     os.Getenv("PHONE_NUMBER"),
		TGSessionString: os.Getenv("TG_SESSION_STRING"),
		ArabsSummaryOut: os.Getenv("ARABS_SUMMARY_OUT"),
		SmartChat:       os.Getenv("SMART_CHAT"),

		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-1.5-flash"),

		LLMBudgetHourly: getEnvInt("LLM_BUDGET_HOURLY", 200),
		LLMRPMLimit:     getEnvInt("LLM_RPM_LIMIT", 14),

		BatchSize:   getEnvInt("BATCH_SIZE", 24),
		MaxBatchAge: time.Duration(getEnvInt("MAX_BATCH_AGE", 300)) * time.Second,

		SummaryMinInterval: time.Duration(getEnvInt("SUMMARY_MIN_INTERVAL", 300)) * time.Second,

		MinSources:             getEnvInt("MIN_SOURCES", 2),
		AuthorityHighThreshold: getEnvFloat("AUTHORITY_HIGH_THRESHOLD", 75),

		DBPath: getEnv("DB_PATH", "./sourcewatch.db"),

		ArabChannelsFile:  getEnv("ARAB_CHANNELS_FILE", "./channels_arab.txt"),
		SmartChannelsFile: getEnv("SMART_CHANNELS_FILE", "./channels_smart.txt"),

		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		AdminAddr: getEnv("ADMIN_ADDR", ":8090"),
		RedisURL:  getEnv("REDIS_URL", ""),
	}
	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
