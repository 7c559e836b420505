// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageConfig selects and parameterises the component store backend.
type StorageConfig struct {
	// Backend is one of "fs", "s3", "gcs", "azure" (default "fs").
	Backend string
	// DataDir is the root directory for the fs backend.
	DataDir string

	// S3 fields, used when Backend is "s3".
	S3KeyID    string
	S3Secret   string
	S3Endpoint string
	S3Region   string
	S3Bucket   string
	S3Prefix   string

	// GCSBucket is used when Backend is "gcs"; credentials come from the
	// ambient environment.
	GCSBucket string

	// Azure fields, used when Backend is "azure".
	AzureAccount   string
	AzureKey       string
	AzureContainer string
}

// Validate checks that the selected backend has its required fields.
func (s *StorageConfig) Validate() error {
	switch s.Backend {
	case "fs":
		if s.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required when STORAGE_BACKEND=fs")
		}
	case "s3":
		if s.S3Bucket == "" || s.S3KeyID == "" || s.S3Secret == "" {
			return fmt.Errorf("S3_BUCKET, S3_KEY_ID and S3_SECRET are required when STORAGE_BACKEND=s3")
		}
	case "gcs":
		if s.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when STORAGE_BACKEND=gcs")
		}
	case "azure":
		if s.AzureAccount == "" || s.AzureKey == "" || s.AzureContainer == "" {
			return fmt.Errorf("AZURE_ACCOUNT, AZURE_KEY and AZURE_CONTAINER are required when STORAGE_BACKEND=azure")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q (want fs, s3, gcs, or azure)", s.Backend)
	}
	return nil
}

// Config holds the configuration for the ingestion service.
type Config struct {
	ListenAddr string // HTTP listen address (default ":8080")
	MetaDBPath string // path to the SQLite session metadata file
	DuckDBPath string // path to the DuckDB destination file ("" for in-memory)
	LogLevel   string // log level: debug, info, warn, error (default "info")
	Env        string // environment: "development" (default) or "production"

	// Upload pass tuning.
	BatchSize         int           // default feature batch size (default 500)
	UploadMaxAttempts int           // attempts per transiently failing batch (default 3)
	UploadBackoff     time.Duration // first retry delay, doubling per attempt (default 250ms)

	// RetentionTTL expires terminal sessions; zero disables sweeping.
	RetentionTTL time.Duration

	Storage StorageConfig

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 100)
	RateLimitBurst int     // burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr: os.Getenv("LISTEN_ADDR"),
		MetaDBPath: os.Getenv("META_DB_PATH"),
		DuckDBPath: os.Getenv("DUCKDB_PATH"),
		LogLevel:   os.Getenv("LOG_LEVEL"),
		Env:        os.Getenv("ENV"),
		Storage: StorageConfig{
			Backend:        os.Getenv("STORAGE_BACKEND"),
			DataDir:        os.Getenv("DATA_DIR"),
			S3KeyID:        os.Getenv("S3_KEY_ID"),
			S3Secret:       os.Getenv("S3_SECRET"),
			S3Endpoint:     os.Getenv("S3_ENDPOINT"),
			S3Region:       os.Getenv("S3_REGION"),
			S3Bucket:       os.Getenv("S3_BUCKET"),
			S3Prefix:       os.Getenv("S3_PREFIX"),
			GCSBucket:      os.Getenv("GCS_BUCKET"),
			AzureAccount:   os.Getenv("AZURE_ACCOUNT"),
			AzureKey:       os.Getenv("AZURE_KEY"),
			AzureContainer: os.Getenv("AZURE_CONTAINER"),
		},
	}

	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("BATCH_SIZE must be a positive integer, got %q", v)
		}
		cfg.BatchSize = n
	}
	if v := os.Getenv("UPLOAD_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("UPLOAD_MAX_ATTEMPTS must be a positive integer, got %q", v)
		}
		cfg.UploadMaxAttempts = n
	}
	if v := os.Getenv("UPLOAD_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("UPLOAD_BACKOFF: %w", err)
		}
		cfg.UploadBackoff = d
	}
	if v := os.Getenv("RETENTION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("RETENTION_TTL: %w", err)
		}
		cfg.RetentionTTL = d
	}

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = origins
	}

	// Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "shapelake_meta.sqlite"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.UploadMaxAttempts == 0 {
		cfg.UploadMaxAttempts = 3
	}
	if cfg.UploadBackoff == 0 {
		cfg.UploadBackoff = 250 * time.Millisecond
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "fs"
	}
	if cfg.Storage.Backend == "fs" && cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "shapelake_data"
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 200
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}
	if cfg.DuckDBPath == "" {
		cfg.Warnings = append(cfg.Warnings, "DUCKDB_PATH not set; ingested tables live in memory and vanish on restart")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if cfg.DuckDBPath == "" {
			return nil, fmt.Errorf("DUCKDB_PATH must be set in production (ENV=production)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}

	return cfg, nil
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = stripQuotes(value)
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
