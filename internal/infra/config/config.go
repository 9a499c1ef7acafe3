// Package config loads the gateway process's environment. It reads .env via
// godotenv, validates/normalizes values, and exposes them through a
// read-locked singleton — the same shape the rest of this codebase's ambient
// packages use: required variables fail closed, optional variables degrade
// to a default plus a recorded warning, which main logs at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"botapigateway/internal/infra/logger"
)

// EnvConfig holds the gateway's environment-derived settings.
type EnvConfig struct {
	ListenAddr      string // public HTTP surface: POST /bot<token>/<method>
	AdminListenAddr string // GET /admin/bots/{token}/status
	BotsDir         string // base directory; the console registers each bot under BotsDir/<token with ':' and '/' as '_'>/
	LocalMode       bool   // relaxes max_connections/file-path rules per spec §4.J/§6
	TestDC          bool

	APIID   int    // MTProto application id, registered at my.telegram.org
	APIHash string // MTProto application hash, paired with APIID

	LogLevel string

	TQueueDBPath   string // bbolt file backing the TQueue collaborator
	WebhookDBPath  string // bbolt file backing the Webhook DB collaborator
	BotRegistryDSN string // postgres DSN for internal/gateway/botregistry

	RedisAddr string // optional; empty disables the distributed flood-counter backend

	StripeAPIKey string // internal/gateway/payments

	ThrottleRPS             int // per-chat send token-bucket rate, §4.F/§4.L
	UpdatesPerMinuteDefault int // used in the admission formulas of §4.L

	BotLogRotation logger.BotLogRotation // per-Client log file rotation, see internal/infra/logger
}

// Config is the process-wide singleton.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

const (
	defaultListenAddr      = ":8080"
	defaultAdminListenAddr = ":8081"
	defaultBotsDir         = "data/bots"
	defaultLogLevel        = "info"
	defaultTQueueDBPath    = "data/tqueue.bbolt"
	defaultWebhookDBPath   = "data/webhook.bbolt"
	defaultThrottleRPS     = 30
	defaultUpdatesPerMin   = 60
	defaultBotLogMaxSizeMB = 50
	defaultBotLogBackups   = 5
	defaultBotLogMaxAgeDay = 14
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load reads and validates the environment exactly once; a second call
// returns an error so config can't silently drift mid-process.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

func loadConfig(envPath string) (*Config, error) {
	_ = godotenv.Load(envPath) // missing .env is fine; real env vars still apply

	botRegistryDSN := strings.TrimSpace(os.Getenv("BOT_REGISTRY_DSN"))
	if botRegistryDSN == "" {
		return nil, errors.New("env BOT_REGISTRY_DSN must be set")
	}

	apiIDStr := strings.TrimSpace(os.Getenv("API_ID"))
	if apiIDStr == "" {
		return nil, errors.New("env API_ID must be set")
	}
	apiID, err := strconv.Atoi(apiIDStr)
	if err != nil {
		return nil, fmt.Errorf("env API_ID value %q is not a valid integer", apiIDStr)
	}
	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	var warnings []string

	listenAddr := sanitizeString("LISTEN_ADDR", os.Getenv("LISTEN_ADDR"), defaultListenAddr, &warnings)
	adminAddr := sanitizeString("ADMIN_LISTEN_ADDR", os.Getenv("ADMIN_LISTEN_ADDR"), defaultAdminListenAddr, &warnings)
	botsDir := sanitizeString("BOTS_DIR", os.Getenv("BOTS_DIR"), defaultBotsDir, &warnings)
	localMode := strings.EqualFold(strings.TrimSpace(os.Getenv("LOCAL_MODE")), "true")
	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true")
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings)
	tqueueDB := sanitizeString("TQUEUE_DB_PATH", os.Getenv("TQUEUE_DB_PATH"), defaultTQueueDBPath, &warnings)
	webhookDB := sanitizeString("WEBHOOK_DB_PATH", os.Getenv("WEBHOOK_DB_PATH"), defaultWebhookDBPath, &warnings)
	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	stripeKey := strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	throttleRPS := parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings)
	updatesPerMin := parseIntDefault("UPDATES_PER_MINUTE_DEFAULT", defaultUpdatesPerMin, nonNegative, &warnings)
	botLogMaxSizeMB := parseIntDefault("BOT_LOG_MAX_SIZE_MB", defaultBotLogMaxSizeMB, greaterThanZero, &warnings)
	botLogBackups := parseIntDefault("BOT_LOG_MAX_BACKUPS", defaultBotLogBackups, nonNegative, &warnings)
	botLogMaxAgeDays := parseIntDefault("BOT_LOG_MAX_AGE_DAYS", defaultBotLogMaxAgeDay, nonNegative, &warnings)

	env := EnvConfig{
		ListenAddr:              listenAddr,
		AdminListenAddr:         adminAddr,
		BotsDir:                 botsDir,
		LocalMode:               localMode,
		TestDC:                  testDC,
		APIID:                   apiID,
		APIHash:                 apiHash,
		LogLevel:                logLevel,
		TQueueDBPath:            tqueueDB,
		WebhookDBPath:           webhookDB,
		BotRegistryDSN:          botRegistryDSN,
		RedisAddr:               redisAddr,
		StripeAPIKey:            stripeKey,
		ThrottleRPS:             throttleRPS,
		UpdatesPerMinuteDefault: updatesPerMin,
		BotLogRotation: logger.BotLogRotation{
			MaxSizeMB:  botLogMaxSizeMB,
			MaxBackups: botLogBackups,
			MaxAgeDays: botLogMaxAgeDays,
		},
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings returns the accumulated degraded-default warnings from Load.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	out := make([]string, len(cfgInstance.warnings))
	copy(out, cfgInstance.warnings)
	return out
}

// Env returns the loaded EnvConfig snapshot.
func Env() EnvConfig {
	return cfgInstance.Env
}

func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultLogLevel)
		return defaultLogLevel
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}

func sanitizeString(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}
