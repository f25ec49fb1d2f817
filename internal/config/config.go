// Package config loads the immutable, process-wide configuration record
// described in spec.md §6. It is built once at startup; nothing in the rest
// of the module mutates it or reaches for ambient globals instead.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DocumentSourceCost is the fixed CPU/RAM cost of one worker of a given
// document type. It is keyed by method (IndexWorkerCost, ActeWorkerCost)
// rather than by queue.DocumentSource, so config does not import
// internal/queue.
type DocumentSourceCost struct {
	CPU float64
	RAM float64 // GB
}

// PoolConfig holds Pool Manager tunables (spec §4.6, §6 "pool.*").
type PoolConfig struct {
	Size                int           `env:"POOL_SIZE" envDefault:"4"`
	MinIndexWorkers     int           `env:"POOL_MIN_INDEX" envDefault:"1"`
	MinActeWorkers      int           `env:"POOL_MIN_ACTE" envDefault:"1"`
	RebalanceInterval   time.Duration `env:"POOL_REBALANCE_INTERVAL_MS" envDefault:"30s"`
	AssignmentPollEvery time.Duration `env:"POOL_ASSIGNMENT_POLL_MS" envDefault:"5s"`
}

// CapacityConfig holds Capacity Manager tunables (spec §4.4, §6 "capacity.*").
type CapacityConfig struct {
	MaxCPU           float64 `env:"CAPACITY_MAX_CPU" envDefault:"8"`
	MaxRAM           float64 `env:"CAPACITY_MAX_RAM" envDefault:"16"` // GB
	ReserveCPUPct    float64 `env:"CAPACITY_RESERVE_CPU_PCT" envDefault:"0.20"`
	ReserveRAMPct    float64 `env:"CAPACITY_RESERVE_RAM_PCT" envDefault:"0.20"`
	IndexWorkerCPU   float64 `env:"CAPACITY_INDEX_CPU" envDefault:"1.5"`
	IndexWorkerRAM   float64 `env:"CAPACITY_INDEX_RAM" envDefault:"0.75"`
	ActeWorkerCPU    float64 `env:"CAPACITY_ACTE_CPU" envDefault:"1.0"`
	ActeWorkerRAM    float64 `env:"CAPACITY_ACTE_RAM" envDefault:"0.5"`
}

// RateConfig holds Rate Limiter tunables (spec §4.3, §6 "rate.*").
type RateConfig struct {
	RPMSafeMax int `env:"RATE_RPM_SAFE_MAX" envDefault:"800"`
	TPMSafeMax int `env:"RATE_TPM_SAFE_MAX" envDefault:"3200000"`
}

// StaleConfig holds Stale-Job Monitor tunables (spec §4.7, §6 "stale.*").
type StaleConfig struct {
	CheckInterval time.Duration `env:"STALE_CHECK_INTERVAL_MS" envDefault:"60s"`
	Threshold     time.Duration `env:"STALE_THRESHOLD_MS" envDefault:"10m"`
}

// OCRConfig holds §6 "ocr.*" tunables plus the prompt strings spec.md treats
// as opaque, configuration-injected strings.
type OCRConfig struct {
	EnabledEnvironments []string      `env:"OCR_ENABLED_ENVIRONMENTS" envSeparator:"," envDefault:"prod,staging,dev"`
	PollInterval        time.Duration `env:"OCR_POLL_INTERVAL_MS" envDefault:"7s"`
	TempDir             string        `env:"OCR_TEMP_DIR" envDefault:"/tmp/ocrworker"`
	PreferredProvider   string        `env:"OCR_PREFERRED_PROVIDER" envDefault:"gemini"`
	MaxAttempts         int           `env:"OCR_DEFAULT_MAX_ATTEMPTS" envDefault:"3"`

	GeminiModel       string  `env:"OCR_GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	GeminiTemperature float32 `env:"OCR_GEMINI_TEMPERATURE" envDefault:"0.1"`
	ClaudeModel       string  `env:"OCR_CLAUDE_MODEL" envDefault:"claude-3-5-sonnet-20241022"`
	ClaudeTemperature float32 `env:"OCR_CLAUDE_TEMPERATURE" envDefault:"0.1"`

	ExtractPromptIndex string `env:"OCR_PROMPT_EXTRACT_INDEX"`
	BoostPromptIndex   string `env:"OCR_PROMPT_BOOST_INDEX"`
	ExtractPromptActe  string `env:"OCR_PROMPT_EXTRACT_ACTE"`
	BoostPromptActe    string `env:"OCR_PROMPT_BOOST_ACTE"`

	ExtractCompletionSentinel string `env:"OCR_SENTINEL_EXTRACT" envDefault:"✅ EXTRACTION_COMPLETE:"`
	BoostCompletionSentinel   string `env:"OCR_SENTINEL_BOOST" envDefault:"✅ BOOST_COMPLETE:"`
}

// SanitizerConfig resolves the spec §4.2 / §9 open question: whether
// file_content carries the sanitiser's structured JSON or the verbose boost.
type SanitizerConfig struct {
	Enabled bool `env:"SANITIZER_ENABLED" envDefault:"false"`
}

// DatabaseConfig names one Postgres DSN per enabled environment.
type DatabaseConfig struct {
	ProdDSN    string `env:"DATABASE_URL_PROD"`
	StagingDSN string `env:"DATABASE_URL_STAGING"`
	DevDSN     string `env:"DATABASE_URL_DEV"`
}

// StorageConfig names the S3-compatible endpoint blob storage is consumed
// through (spec §1 "download(bucket, path) -> bytes").
type StorageConfig struct {
	Endpoint  string `env:"STORAGE_ENDPOINT"`
	Region    string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	AccessKey string `env:"STORAGE_ACCESS_KEY"`
	SecretKey string `env:"STORAGE_SECRET_KEY"`
}

// CoordinationConfig names the coordination store (spec §6, a KV store with
// atomic increment, hash fields, and TTL; implemented over Redis).
type CoordinationConfig struct {
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
}

// ProviderConfig carries the two external LLM providers' API credentials.
type ProviderConfig struct {
	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	ClaudeAPIKey string `env:"ANTHROPIC_API_KEY"`
}

// Config is the immutable record constructed once at process startup and
// threaded explicitly through every component — no package-level globals,
// per spec §9's "ambient configuration" redesign note.
type Config struct {
	WorkerIDPrefix string        `env:"WORKER_ID_PREFIX" envDefault:"ocrworker"`
	HTTPAddr       string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownGrace  time.Duration `env:"SHUTDOWN_GRACE_MS" envDefault:"30s"`

	Pool          PoolConfig
	Capacity      CapacityConfig
	Rate          RateConfig
	Stale         StaleConfig
	OCR           OCRConfig
	Sanitizer     SanitizerConfig
	Database      DatabaseConfig
	Storage       StorageConfig
	Coordination  CoordinationConfig
	Provider      ProviderConfig
}

// Load reads a .env file if present (development convenience, kept from the
// teacher's godotenv usage) and then binds every field above from the process
// environment via struct tags.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: loading .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	return cfg, nil
}

// IndexWorkerCost returns the fixed per-type resource cost for an index-ocr
// worker (spec §4.4).
func (c *CapacityConfig) IndexWorkerCost() DocumentSourceCost {
	return DocumentSourceCost{CPU: c.IndexWorkerCPU, RAM: c.IndexWorkerRAM}
}

// ActeWorkerCost returns the fixed per-type resource cost for an acte-ocr
// worker (spec §4.4).
func (c *CapacityConfig) ActeWorkerCost() DocumentSourceCost {
	return DocumentSourceCost{CPU: c.ActeWorkerCPU, RAM: c.ActeWorkerRAM}
}

// AvailableCPU returns the CPU budget left after the reserved-for-system slice.
func (c *CapacityConfig) AvailableCPU() float64 {
	return c.MaxCPU * (1 - c.ReserveCPUPct)
}

// AvailableRAM returns the RAM budget (GB) left after the reserved slice.
func (c *CapacityConfig) AvailableRAM() float64 {
	return c.MaxRAM * (1 - c.ReserveRAMPct)
}
