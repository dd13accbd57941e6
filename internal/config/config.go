// Package config provides configuration management for the analysis runner.
// Configuration is loaded from environment variables with sensible defaults;
// a .env file in the working directory is honoured for local runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// Default values
	DefaultPort                = 8080
	DefaultLogLevel            = "info"
	DefaultDataDir             = ".workflowlens"
	DefaultPollInterval        = 10 * time.Second
	DefaultAnalysisTimeout     = time.Hour
	DefaultAnalysisConcurrency = 3
	DefaultCompressThresholdMB = 100
	DefaultResultsBucket       = "results"
	DefaultGeminiBaseURL       = "https://generativelanguage.googleapis.com"
	DefaultAnalyzerPath        = "analyzer"
	DefaultKafkaTopic          = "analysis.job-status"

	BacklogSQLite   = "sqlite"
	BacklogPostgres = "postgres"

	LedgerFile  = "file"
	LedgerRedis = "redis"

	// Environment variable names
	EnvPort                = "RUNNER_PORT"
	EnvLogLevel            = "RUNNER_LOG_LEVEL"
	EnvDataDir             = "RUNNER_DATA_DIR"
	EnvWorkerID            = "WORKER_ID"
	EnvPollInterval        = "POLL_INTERVAL"
	EnvBacklogDriver       = "BACKLOG_DRIVER"
	EnvDatabaseURL         = "DATABASE_URL"
	EnvSupabaseURL         = "SUPABASE_URL"
	EnvSupabaseKey         = "SUPABASE_SERVICE_ROLE_KEY"
	EnvResultsBucket       = "RESULTS_BUCKET"
	EnvGoogleAPIKey        = "GOOGLE_API_KEY"
	EnvGeminiBaseURL       = "GEMINI_BASE_URL"
	EnvAnalyzerPath        = "ANALYZER_PATH"
	EnvAnalysisTimeout     = "ANALYSIS_TIMEOUT"
	EnvAnalysisConcurrency = "ANALYSIS_CONCURRENCY"
	EnvCompressThresholdMB = "COMPRESS_THRESHOLD_MB"
	EnvFFmpegPath          = "FFMPEG_PATH"
	EnvFFprobePath         = "FFPROBE_PATH"
	EnvWebhookURL          = "WEBHOOK_URL"
	EnvWebhookSecret       = "WEBHOOK_SECRET"
	EnvAlertWebhookURL     = "ALERT_WEBHOOK_URL"
	EnvKafkaBrokers        = "KAFKA_BROKERS"
	EnvKafkaTopic          = "KAFKA_TOPIC"
	EnvHandleLedger        = "HANDLE_LEDGER"
	EnvRedisURL            = "REDIS_URL"
	EnvAPIToken            = "API_TOKEN"

	// Database filename
	DBFilename = "runner.db"
)

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port         int
	logLevel     string
	dataDir      string
	workerID     string
	pollInterval time.Duration

	backlogDriver string
	databaseURL   string

	supabaseURL   string
	supabaseKey   string
	resultsBucket string

	googleAPIKey  string
	geminiBaseURL string

	analyzerPath        string
	analysisTimeout     time.Duration
	analysisConcurrency int
	compressThresholdMB int
	ffmpegPath          string
	ffprobePath         string

	webhookURL      string
	webhookSecret   string
	alertWebhookURL string
	kafkaBrokers    []string
	kafkaTopic      string

	handleLedger string
	redisURL     string
	apiToken     string
}

// LoadDotEnv loads .env.local and .env from the working directory when
// present. Variables already set in the environment win.
func LoadDotEnv() error {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:                DefaultPort,
		logLevel:            DefaultLogLevel,
		dataDir:             defaultDataDir(),
		workerID:            defaultWorkerID(),
		pollInterval:        DefaultPollInterval,
		backlogDriver:       BacklogSQLite,
		resultsBucket:       DefaultResultsBucket,
		geminiBaseURL:       DefaultGeminiBaseURL,
		analyzerPath:        DefaultAnalyzerPath,
		analysisTimeout:     DefaultAnalysisTimeout,
		analysisConcurrency: DefaultAnalysisConcurrency,
		compressThresholdMB: DefaultCompressThresholdMB,
		ffmpegPath:          "ffmpeg",
		ffprobePath:         "ffprobe",
		kafkaTopic:          DefaultKafkaTopic,
		handleLedger:        LedgerFile,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	var err error
	if cfg.pollInterval, err = durationSeconds(EnvPollInterval, cfg.pollInterval); err != nil {
		return nil, err
	}
	if cfg.analysisTimeout, err = durationSeconds(EnvAnalysisTimeout, cfg.analysisTimeout); err != nil {
		return nil, err
	}
	if cfg.analysisConcurrency, err = positiveInt(EnvAnalysisConcurrency, cfg.analysisConcurrency); err != nil {
		return nil, err
	}
	if cfg.compressThresholdMB, err = positiveInt(EnvCompressThresholdMB, cfg.compressThresholdMB); err != nil {
		return nil, err
	}

	setString(&cfg.logLevel, EnvLogLevel)
	setString(&cfg.dataDir, EnvDataDir)
	setString(&cfg.workerID, EnvWorkerID)
	setString(&cfg.backlogDriver, EnvBacklogDriver)
	setString(&cfg.databaseURL, EnvDatabaseURL)
	setString(&cfg.supabaseURL, EnvSupabaseURL)
	setString(&cfg.supabaseKey, EnvSupabaseKey)
	setString(&cfg.resultsBucket, EnvResultsBucket)
	setString(&cfg.googleAPIKey, EnvGoogleAPIKey)
	setString(&cfg.geminiBaseURL, EnvGeminiBaseURL)
	setString(&cfg.analyzerPath, EnvAnalyzerPath)
	setString(&cfg.ffmpegPath, EnvFFmpegPath)
	setString(&cfg.ffprobePath, EnvFFprobePath)
	setString(&cfg.webhookURL, EnvWebhookURL)
	setString(&cfg.webhookSecret, EnvWebhookSecret)
	setString(&cfg.alertWebhookURL, EnvAlertWebhookURL)
	setString(&cfg.kafkaTopic, EnvKafkaTopic)
	setString(&cfg.handleLedger, EnvHandleLedger)
	setString(&cfg.redisURL, EnvRedisURL)
	setString(&cfg.apiToken, EnvAPIToken)

	if b := os.Getenv(EnvKafkaBrokers); b != "" {
		for _, broker := range strings.Split(b, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				cfg.kafkaBrokers = append(cfg.kafkaBrokers, broker)
			}
		}
	}

	switch cfg.backlogDriver {
	case BacklogSQLite, BacklogPostgres:
	default:
		return nil, fmt.Errorf("invalid %s: %q (want %s or %s)", EnvBacklogDriver, cfg.backlogDriver, BacklogSQLite, BacklogPostgres)
	}
	switch cfg.handleLedger {
	case LedgerFile, LedgerRedis:
	default:
		return nil, fmt.Errorf("invalid %s: %q (want %s or %s)", EnvHandleLedger, cfg.handleLedger, LedgerFile, LedgerRedis)
	}

	return cfg, nil
}

// ValidateRunner checks the settings the job worker cannot start without.
func (c *EnvConfig) ValidateRunner() error {
	var errs []error
	if c.supabaseURL == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvSupabaseURL))
	}
	if c.supabaseKey == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvSupabaseKey))
	}
	if c.googleAPIKey == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvGoogleAPIKey))
	}
	if c.backlogDriver == BacklogPostgres && c.databaseURL == "" {
		errs = append(errs, fmt.Errorf("%s is required for the %s backlog", EnvDatabaseURL, BacklogPostgres))
	}
	if c.handleLedger == LedgerRedis && c.redisURL == "" {
		errs = append(errs, fmt.Errorf("%s is required for the %s handle ledger", EnvRedisURL, LedgerRedis))
	}
	return errors.Join(errs...)
}

func (c *EnvConfig) Port() int { return c.port }
func (c *EnvConfig) LogLevel() string { return c.logLevel }
func (c *EnvConfig) DataDir() string { return c.dataDir }
func (c *EnvConfig) WorkerID() string { return c.workerID }
func (c *EnvConfig) PollInterval() time.Duration { return c.pollInterval }
func (c *EnvConfig) BacklogDriver() string { return c.backlogDriver }
func (c *EnvConfig) DatabaseURL() string { return c.databaseURL }
func (c *EnvConfig) SupabaseURL() string { return strings.TrimRight(c.supabaseURL, "/") }
func (c *EnvConfig) SupabaseKey() string { return c.supabaseKey }
func (c *EnvConfig) ResultsBucket() string { return c.resultsBucket }
func (c *EnvConfig) GoogleAPIKey() string { return c.googleAPIKey }
func (c *EnvConfig) GeminiBaseURL() string { return strings.TrimRight(c.geminiBaseURL, "/") }
func (c *EnvConfig) AnalyzerPath() string { return c.analyzerPath }
func (c *EnvConfig) AnalysisTimeout() time.Duration { return c.analysisTimeout }
func (c *EnvConfig) AnalysisConcurrency() int { return c.analysisConcurrency }
func (c *EnvConfig) FFmpegPath() string { return c.ffmpegPath }
func (c *EnvConfig) FFprobePath() string { return c.ffprobePath }
func (c *EnvConfig) WebhookURL() string { return c.webhookURL }
func (c *EnvConfig) WebhookSecret() string { return c.webhookSecret }
func (c *EnvConfig) KafkaBrokers() []string { return c.kafkaBrokers }
func (c *EnvConfig) KafkaTopic() string { return c.kafkaTopic }
func (c *EnvConfig) HandleLedger() string { return c.handleLedger }
func (c *EnvConfig) RedisURL() string { return c.redisURL }
func (c *EnvConfig) APIToken() string { return c.apiToken }
func (c *EnvConfig) CompressThresholdBytes() int64 { return int64(c.compressThresholdMB) * 1024 * 1024 }

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// WorkDir returns the directory holding per-job scratch space.
func (c *EnvConfig) WorkDir() string {
	return filepath.Join(c.dataDir, "work")
}

// AlertWebhookURL returns the critical alert endpoint. Without an explicit
// setting it is derived from the status webhook by swapping the
// /analysis path segment for /alerts.
func (c *EnvConfig) AlertWebhookURL() string {
	if c.alertWebhookURL != "" {
		return c.alertWebhookURL
	}
	if c.webhookURL == "" {
		return ""
	}
	return strings.Replace(c.webhookURL, "/analysis", "/alerts", 1)
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// durationSeconds accepts either a bare number of seconds or a Go duration.
func durationSeconds(env string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s: must be positive", env)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", env, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", env)
	}
	return d, nil
}

func positiveInt(env string, def int) (int, error) {
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", env, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", env)
	}
	return n, nil
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

func defaultWorkerID() string {
	return fmt.Sprintf("worker-%d-%s", os.Getpid(), uuid.NewString()[:8])
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
