/**
 * Configuration for the PDF OCR worker
 *
 * Loads operator configuration from environment variables. Per-job OCR options
 * (language, DPI, preprocessing factors) are not configured here; they arrive
 * with each job as a typed job.Options struct.
 */

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds worker configuration
type Config struct {
	// Result cache directory (shared across jobs and processes)
	CacheDir string

	// Temporary directory for rendered page images
	TempDir string

	// External tool overrides. Empty means the dependency locator searches
	// the bundled path, PATH and the known install directories.
	TesseractPath string
	TessdataDir   string
	PopplerPath   string

	// Worker pool ceiling for per-page OCR; the effective size is
	// min(2 x GOMAXPROCS, PoolCeiling)
	PoolCeiling int

	// Per-page OCR timeout
	PageTimeout time.Duration

	// Queue mode (batch processing)
	RedisURL    string
	DatabaseURL string
	QueueName   string
	Concurrency int

	// Baidu OCR credentials for the remote engine
	BaiduAppID     string
	BaiduAPIKey    string
	BaiduSecretKey string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		CacheDir:       getEnvOrDefault("PDFOCR_CACHE_DIR", defaultCacheDir()),
		TempDir:        getEnvOrDefault("PDFOCR_TEMP_DIR", os.TempDir()),
		TesseractPath:  getEnvOrDefault("TESSERACT_PATH", ""),
		TessdataDir:    getEnvOrDefault("TESSDATA_DIR", ""),
		PopplerPath:    getEnvOrDefault("POPPLER_PATH", ""),
		PoolCeiling:    getEnvAsIntOrDefault("PDFOCR_POOL_CEILING", 16),
		PageTimeout:    getEnvAsDurationOrDefault("PDFOCR_PAGE_TIMEOUT", 30*time.Second),
		RedisURL:       getEnvOrDefault("REDIS_URL", "redis://127.0.0.1:6379"),
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", ""),
		QueueName:      getEnvOrDefault("PDFOCR_QUEUE", "pdfocr:jobs"),
		Concurrency:    getEnvAsIntOrDefault("PDFOCR_CONCURRENCY", 2),
		BaiduAppID:     getEnvOrDefault("BAIDU_APP_ID", ""),
		BaiduAPIKey:    getEnvOrDefault("BAIDU_API_KEY", ""),
		BaiduSecretKey: getEnvOrDefault("BAIDU_SECRET_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("PDFOCR_CACHE_DIR is required")
	}

	if c.PoolCeiling < 1 || c.PoolCeiling > 64 {
		return fmt.Errorf("PDFOCR_POOL_CEILING must be between 1 and 64, got %d", c.PoolCeiling)
	}

	if c.PageTimeout < time.Second || c.PageTimeout > 10*time.Minute {
		return fmt.Errorf("PDFOCR_PAGE_TIMEOUT must be between 1s and 10m, got %v", c.PageTimeout)
	}

	if c.Concurrency < 1 || c.Concurrency > 32 {
		return fmt.Errorf("PDFOCR_CONCURRENCY must be between 1 and 32, got %d", c.Concurrency)
	}

	return nil
}

// HasBaiduCredentials reports whether the remote engine can be used.
func (c *Config) HasBaiduCredentials() bool {
	return c.BaiduAppID != "" && c.BaiduAPIKey != "" && c.BaiduSecretKey != ""
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".pdfocr_cache")
	}
	return filepath.Join(home, ".pdfocr_cache")
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationOrDefault gets environment variable as duration or returns default
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
