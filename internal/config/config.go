package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr        string `yaml:"addr"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	CORSOrigin  string `yaml:"cors_origin"`

	DatabaseDriver string `yaml:"database_driver"`
	DatabaseURL    string `yaml:"database_url"`
	MigrationsDir  string `yaml:"migrations_dir"`

	// Blob storage: "disk" uses BlobDir, "s3" uses the S3 settings.
	BlobBackend    string `yaml:"blob_backend"`
	BlobDir        string `yaml:"blob_dir"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3AccessKey    string `yaml:"s3_access_key"`
	S3SecretKey    string `yaml:"s3_secret_key"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3UseSSL       bool   `yaml:"s3_use_ssl"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	AssetCacheSize int    `yaml:"asset_cache_size"`

	// Redis is optional; without it version diffs are not cached.
	RedisURL            string `yaml:"redis_url"`
	DiffCacheTTLSeconds int    `yaml:"diff_cache_ttl_seconds"`

	DefaultProject string `yaml:"default_project"`
}

func Default() Config {
	return Config{
		Addr:                ":8787",
		Environment:         "development",
		LogLevel:            "info",
		CORSOrigin:          "*",
		DatabaseDriver:      "sqlite",
		DatabaseURL:         "./data/outline.db",
		BlobBackend:         "disk",
		BlobDir:             "./data/files",
		S3Bucket:            "outline-assets",
		MaxUploadBytes:      25 << 20,
		AssetCacheSize:      512,
		DiffCacheTTLSeconds: 86400,
		DefaultProject:      "default",
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by OUTLINE_CONFIG, then environment variables, each overriding the last.
func Load() (Config, error) {
	return LoadFrom(os.Getenv("OUTLINE_CONFIG"))
}

// LoadFrom is Load with an explicit YAML path; an empty path skips the file.
func LoadFrom(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the settings present in a YAML file.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Addr = getenv("API_ADDR", c.Addr)
	c.Environment = getenv("OUTLINE_ENV", c.Environment)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.CORSOrigin = getenv("OUTLINE_CORS_ORIGIN", c.CORSOrigin)
	c.DatabaseDriver = getenv("DATABASE_DRIVER", c.DatabaseDriver)
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	c.MigrationsDir = getenv("OUTLINE_MIGRATIONS_DIR", c.MigrationsDir)
	c.BlobBackend = getenv("OUTLINE_BLOB_BACKEND", c.BlobBackend)
	c.BlobDir = getenv("OUTLINE_BLOB_DIR", c.BlobDir)
	c.S3Endpoint = getenv("S3_ENDPOINT", c.S3Endpoint)
	c.S3AccessKey = getenv("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = getenv("S3_SECRET_KEY", c.S3SecretKey)
	c.S3Bucket = getenv("S3_BUCKET", c.S3Bucket)
	c.S3UseSSL = getenvBool("S3_USE_SSL", c.S3UseSSL)
	c.MaxUploadBytes = int64(getenvInt("OUTLINE_MAX_UPLOAD_BYTES", int(c.MaxUploadBytes)))
	c.AssetCacheSize = getenvInt("OUTLINE_ASSET_CACHE_SIZE", c.AssetCacheSize)
	c.RedisURL = getenv("REDIS_URL", c.RedisURL)
	c.DiffCacheTTLSeconds = getenvInt("OUTLINE_DIFF_CACHE_TTL_SECONDS", c.DiffCacheTTLSeconds)
	c.DefaultProject = getenv("OUTLINE_DEFAULT_PROJECT", c.DefaultProject)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.DatabaseDriver) {
	case "pgx", "postgres", "postgresql", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("DATABASE_DRIVER %q is not supported (use pgx or sqlite)", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	switch c.BlobBackend {
	case "disk":
		if strings.TrimSpace(c.BlobDir) == "" {
			return fmt.Errorf("OUTLINE_BLOB_DIR is required for the disk backend")
		}
	case "s3":
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			return fmt.Errorf("S3_ENDPOINT and S3_BUCKET are required for the s3 backend")
		}
	default:
		return fmt.Errorf("OUTLINE_BLOB_BACKEND %q is not supported (use disk or s3)", c.BlobBackend)
	}
	if strings.TrimSpace(c.DefaultProject) == "" {
		return fmt.Errorf("OUTLINE_DEFAULT_PROJECT must not be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("OUTLINE_MAX_UPLOAD_BYTES must be positive")
	}
	if c.AssetCacheSize <= 0 {
		return fmt.Errorf("OUTLINE_ASSET_CACHE_SIZE must be positive")
	}
	return nil
}

func (c Config) DiffCacheTTL() time.Duration {
	return time.Duration(c.DiffCacheTTLSeconds) * time.Second
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value == "true" || value == "1" || value == "yes"
}
