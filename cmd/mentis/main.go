package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mentis-edu/mentis/internal/analytics"
	"github.com/mentis-edu/mentis/internal/api"
	"github.com/mentis-edu/mentis/internal/digest"
	"github.com/mentis-edu/mentis/internal/flow"
	"github.com/mentis-edu/mentis/internal/genai"
	"github.com/mentis-edu/mentis/internal/lockfile"
	"github.com/mentis-edu/mentis/internal/messaging"
	"github.com/mentis-edu/mentis/internal/progress"
	"github.com/mentis-edu/mentis/internal/store"
	"github.com/mentis-edu/mentis/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MENTIS state data
	DefaultStateDir = "/var/lib/mentis"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "mentis.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := acquireStateLock(flags)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err, "state_dir", flags.stateDir)
		os.Exit(1)
	}

	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	flowOpts := buildFlowOptions(flags)
	progressOpts := buildProgressOptions(flags)
	apiOpts := buildAPIOptions(flags, config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping MENTIS with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "flow", len(flowOpts), "progress", len(progressOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", flags.stateDir, "dsn_set", flags.dbDSN != "", "api_addr", flags.apiAddr, "digest", flags.digestCron != "")
	runErr := api.Run(ctx, storeOpts, genaiOpts, flowOpts, progressOpts, apiOpts...)
	if err := lock.Release(); err != nil {
		slog.Warn("Failed to release state directory lock", "error", err)
	}
	if runErr != nil {
		slog.Error("MENTIS failed to run", "error", runErr)
		os.Exit(1)
	}
	slog.Info("MENTIS exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseDSN      string
	APIAddr          string
	LLMAPIKey        string
	LLMBaseURL       string
	LLMModel         string
	LLMTimeout       time.Duration
	HistoryLimit     int
	FlushDelay       time.Duration
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisTTL         time.Duration
	DigestCron       string
	DigestOrgID      string
	DigestRecipients []string
	DigestChannel    string
	DigestDays       int
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	WhatsAppDSN      string
	MetricsEnabled   bool
	LogLevel         string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput       string
	numeric        bool
	stateDir       string
	dbDSN          string
	apiAddr        string
	llmAPIKey      string
	llmBaseURL     string
	llmModel       string
	llmTimeout     time.Duration
	historyLimit   int
	flushDelay     time.Duration
	digestCron     string
	whatsAppDSN    string
	metricsEnabled bool
}

// initializeLogger sets up structured logging at the requested level (debug by default)
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("MENTIS_STATE_DIR"),
		DatabaseDSN:      os.Getenv("DATABASE_URL"),
		APIAddr:          os.Getenv("API_ADDR"),
		LLMAPIKey:        os.Getenv("OPENROUTER_API_KEY"),
		LLMBaseURL:       os.Getenv("OPENROUTER_BASE_URL"),
		LLMModel:         os.Getenv("OPENROUTER_MODEL"),
		LLMTimeout:       util.ParseDurationEnv("LLM_TIMEOUT", genai.DefaultTimeout),
		HistoryLimit:     util.ParseIntEnv("CHAT_HISTORY_LIMIT", flow.DefaultHistoryLimit),
		FlushDelay:       util.ParseDurationEnv("PROGRESS_FLUSH_DELAY", progress.DefaultFlushDelay),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          util.ParseIntEnv("REDIS_DB", 0),
		RedisTTL:         util.ParseDurationEnv("REDIS_STATE_TTL", store.DefaultRedisTTL),
		DigestCron:       os.Getenv("DIGEST_CRON"),
		DigestOrgID:      os.Getenv("DIGEST_ORG_ID"),
		DigestRecipients: util.ParseListEnv("DIGEST_RECIPIENTS"),
		DigestChannel:    os.Getenv("DIGEST_CHANNEL"),
		DigestDays:       util.ParseIntEnv("DIGEST_DAYS", digest.DefaultDays),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		MetricsEnabled:   util.ParseBoolEnv("MENTIS_METRICS_ENABLED", true),
		LogLevel:         os.Getenv("MENTIS_LOG_LEVEL"),
	}

	if config.LLMAPIKey == "" {
		config.LLMAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if config.LLMBaseURL == "" {
		config.LLMBaseURL = genai.DefaultBaseURL
	}
	if config.LLMModel == "" {
		config.LLMModel = genai.DefaultModel
	}
	if config.DigestChannel == "" {
		config.DigestChannel = api.ChannelLog
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No MENTIS_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("environment variables loaded",
		"MENTIS_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseDSN != "",
		"API_ADDR", config.APIAddr,
		"LLM_API_KEY_SET", config.LLMAPIKey != "",
		"OPENROUTER_MODEL", config.LLMModel,
		"REDIS_ADDR", config.RedisAddr,
		"DIGEST_CRON", config.DigestCron,
		"DIGEST_CHANNEL", config.DigestChannel)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var flags Flags
	fs.StringVar(&flags.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&flags.numeric, "numeric-code", false, "use numeric login code instead of QR code")
	fs.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory for MENTIS data (overrides $MENTIS_STATE_DIR)")
	fs.StringVar(&flags.dbDSN, "db-dsn", config.DatabaseDSN, "database DSN, Postgres URL or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&flags.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.llmAPIKey, "llm-api-key", config.LLMAPIKey, "LLM API key (overrides $OPENROUTER_API_KEY)")
	fs.StringVar(&flags.llmBaseURL, "llm-base-url", config.LLMBaseURL, "OpenAI-compatible endpoint (overrides $OPENROUTER_BASE_URL)")
	fs.StringVar(&flags.llmModel, "llm-model", config.LLMModel, "tutor model (overrides $OPENROUTER_MODEL)")
	fs.DurationVar(&flags.llmTimeout, "llm-timeout", config.LLMTimeout, "timeout of one model call (overrides $LLM_TIMEOUT)")
	fs.IntVar(&flags.historyLimit, "chat-history-limit", config.HistoryLimit, "past messages sent to the model, -1 for all (overrides $CHAT_HISTORY_LIMIT)")
	fs.DurationVar(&flags.flushDelay, "progress-flush-delay", config.FlushDelay, "progress write-behind delay (overrides $PROGRESS_FLUSH_DELAY)")
	fs.StringVar(&flags.digestCron, "digest-cron", config.DigestCron, "cron schedule of the organizer digest, empty disables (overrides $DIGEST_CRON)")
	fs.StringVar(&flags.whatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.BoolVar(&flags.metricsEnabled, "metrics", config.MetricsEnabled, "serve Prometheus metrics on /metrics (overrides $MENTIS_METRICS_ENABLED)")

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	slog.Debug("flags parsed",
		"qrOutput", flags.qrOutput,
		"numeric", flags.numeric,
		"stateDir", flags.stateDir,
		"dbDSN_set", flags.dbDSN != "",
		"apiAddr", flags.apiAddr,
		"llmModel", flags.llmModel,
		"historyLimit", flags.historyLimit,
		"flushDelay", flags.flushDelay,
		"digestCron", flags.digestCron)

	// Update file DSNs if not explicitly set but a different state directory is given
	if flags.stateDir != config.StateDir {
		if flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			flags.dbDSN = filepath.Join(flags.stateDir, DefaultDBFileName)
			slog.Debug("Updated dbDSN based on state directory", "new_state_dir", flags.stateDir)
		}
		if flags.whatsAppDSN == "file:"+filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			flags.whatsAppDSN = "file:" + filepath.Join(flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
	}
	if flags.historyLimit < flow.Unbounded {
		return flags, fmt.Errorf("chat-history-limit must be -1 or greater, got %d", flags.historyLimit)
	}

	return flags, nil
}

// acquireStateLock locks the state directory when it backs a SQLite database.
// Postgres deployments may run several instances and get a nil lock.
func acquireStateLock(flags Flags) (*lockfile.Lock, error) {
	if flags.dbDSN != "" && store.DetectDSNType(flags.dbDSN) == "postgres" {
		return nil, nil
	}
	return lockfile.Acquire(flags.stateDir)
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(flags.dbDSN) == "postgres" {
		return nil
	}
	dir := filepath.Dir(strings.TrimPrefix(flags.dbDSN, "file:"))
	slog.Debug("Creating state directory for file-based database", "state_dir", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		storeOpts = append(storeOpts, store.WithPostgresDSN(flags.dbDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(flags.dbDSN))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if flags.llmAPIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(flags.llmAPIKey))
	}
	if flags.llmBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(flags.llmBaseURL))
	}
	if flags.llmModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(flags.llmModel))
	}
	if flags.llmTimeout > 0 {
		genaiOpts = append(genaiOpts, genai.WithTimeout(flags.llmTimeout))
	}
	return genaiOpts
}

// buildFlowOptions constructs dialogue orchestrator options
func buildFlowOptions(flags Flags) []flow.Option {
	return []flow.Option{flow.WithHistoryLimit(flags.historyLimit)}
}

// buildProgressOptions constructs progress cache options
func buildProgressOptions(flags Flags) []progress.Option {
	var opts []progress.Option
	if flags.flushDelay > 0 {
		opts = append(opts, progress.WithFlushDelay(flags.flushDelay))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	apiOpts := []api.Option{
		api.WithMetrics(flags.metricsEnabled),
		api.WithThresholds(analytics.ThresholdsFromEnv()),
	}
	if flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.apiAddr))
	}
	if config.RedisAddr != "" {
		apiOpts = append(apiOpts, api.WithRedis(&redis.Options{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
		}, config.RedisTTL))
	}
	if flags.digestCron != "" {
		apiOpts = append(apiOpts, api.WithDigest(buildDigestConfig(flags, config)))
	}
	return apiOpts
}

// buildDigestConfig constructs the organizer digest configuration
func buildDigestConfig(flags Flags, config Config) api.DigestConfig {
	cfg := api.DigestConfig{
		Cron:           flags.digestCron,
		OrganizationID: config.DigestOrgID,
		Recipients:     config.DigestRecipients,
		Days:           config.DigestDays,
		Channel:        config.DigestChannel,
	}
	if config.TwilioSID != "" {
		cfg.Twilio = append(cfg.Twilio, messaging.WithAccountSID(config.TwilioSID))
	}
	if config.TwilioToken != "" {
		cfg.Twilio = append(cfg.Twilio, messaging.WithAuthToken(config.TwilioToken))
	}
	if config.TwilioFrom != "" {
		cfg.Twilio = append(cfg.Twilio, messaging.WithFromNumber(config.TwilioFrom))
	}
	if flags.whatsAppDSN != "" {
		cfg.WhatsApp = append(cfg.WhatsApp, messaging.WithWhatsAppDBDSN(flags.whatsAppDSN))
	}
	if flags.qrOutput != "" {
		cfg.WhatsApp = append(cfg.WhatsApp, messaging.WithQRCodeOutput(flags.qrOutput))
	}
	if flags.numeric {
		cfg.WhatsApp = append(cfg.WhatsApp, messaging.WithNumericCode())
	}
	return cfg
}
