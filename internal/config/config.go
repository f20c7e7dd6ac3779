// Copyright 2025 James Ross
// Package config loads the pipeline's layered configuration: defaults in
// code, optional YAML file, environment overrides (viper.AutomaticEnv with
// a "." -> "_" key replacer), exactly as the reference job-queue service
// does it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// Concurrency holds the global cap plus a per-stage override map, matching
// spec §6's TOTAL_WORKER_CONCURRENCY / *_CONCURRENCY env surface.
type Concurrency struct {
	Total       int            `mapstructure:"total"`
	Stages      map[string]int `mapstructure:"stages"`
	MinPerStage int            `mapstructure:"min_per_stage"`
}

type RateLimit struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type CircuitBreaker struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// AdaptiveScaling is the CPU/heap pressure policy described in spec §4.2.
type AdaptiveScaling struct {
	Enabled            bool          `mapstructure:"enabled"`
	CPUThresholdPct    float64       `mapstructure:"cpu_threshold_pct"`
	HeapThresholdPct   float64       `mapstructure:"heap_threshold_pct"`
	ConsecutiveSamples int           `mapstructure:"consecutive_samples"`
	SampleInterval     time.Duration `mapstructure:"sample_interval"`
}

type Batching struct {
	DBBatchSize           int           `mapstructure:"db_batch_size"`
	DBFlushInterval       time.Duration `mapstructure:"db_flush_interval"`
	DBMaxRetries          int           `mapstructure:"db_max_retries"`
	OutboxPollingInterval time.Duration `mapstructure:"outbox_polling_interval"`
	OutboxBatchSize       int           `mapstructure:"outbox_batch_size"`
	OutboxSuperBatchSize  int           `mapstructure:"outbox_super_batch_size"`
	MaxResolutionAttempts int           `mapstructure:"max_resolution_attempts"`
}

type Classifier struct {
	Endpoint       string        `mapstructure:"endpoint"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	APIRateLimit   int           `mapstructure:"api_rate_limit"`
}

type Analysis struct {
	SmallFileThreshold int           `mapstructure:"small_file_threshold"`
	MaxFilesPerBatch   int           `mapstructure:"max_files_per_batch"`
	MaxBatchChars      int           `mapstructure:"max_batch_chars"`
	MaxInputChars      int           `mapstructure:"max_input_chars"`
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
}

type Thresholds struct {
	ConfidenceEscalation float64 `mapstructure:"confidence_escalation"`
	TriangulationTrigger float64 `mapstructure:"triangulation_trigger"`
	ConsensusAccept      float64 `mapstructure:"consensus_accept"`
	ConsensusReject      float64 `mapstructure:"consensus_reject"`
	AgreementMin         float64 `mapstructure:"agreement_min"`
}

type Triangulation struct {
	MaxParallelAgents int           `mapstructure:"max_parallel_agents"`
	AgentTimeout      time.Duration `mapstructure:"agent_timeout"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	Sequential        bool          `mapstructure:"sequential"`
}

type Cleanup struct {
	Schedule                 string        `mapstructure:"schedule"`
	MaxJobAge                time.Duration `mapstructure:"max_job_age"`
	MaxStaleAge              time.Duration `mapstructure:"max_stale_age"`
	MaxFailedJobRetention    time.Duration `mapstructure:"max_failed_job_retention"`
	MaxCompletedJobRetention time.Duration `mapstructure:"max_completed_job_retention"`
}

type Shutdown struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type Staging struct {
	Path             string        `mapstructure:"path"`
	BusyTimeout      time.Duration `mapstructure:"busy_timeout"`
	WALSizeCeilingMB int           `mapstructure:"wal_size_ceiling_mb"`
	VacuumInterval   time.Duration `mapstructure:"vacuum_interval"`
}

type Observability struct {
	MetricsPort    int    `mapstructure:"metrics_port"`
	LogLevel       string `mapstructure:"log_level"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
}

type Notify struct {
	EscalationWebhookURL string        `mapstructure:"escalation_webhook_url"`
	RateLimitPerMinute   int           `mapstructure:"rate_limit_per_minute"`
	Timeout              time.Duration `mapstructure:"timeout"`
}

// Audit configures the rotating permanent-failure log every worker role
// writes to. An empty Path disables it.
type Audit struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type Config struct {
	Redis           Redis           `mapstructure:"redis"`
	Concurrency     Concurrency     `mapstructure:"concurrency"`
	RateLimit       RateLimit       `mapstructure:"rate_limit"`
	CircuitBreaker  CircuitBreaker  `mapstructure:"circuit_breaker"`
	AdaptiveScaling AdaptiveScaling `mapstructure:"adaptive_scaling"`
	Batching        Batching        `mapstructure:"batching"`
	Classifier      Classifier      `mapstructure:"classifier"`
	Analysis        Analysis        `mapstructure:"analysis"`
	Thresholds      Thresholds      `mapstructure:"thresholds"`
	Triangulation   Triangulation   `mapstructure:"triangulation"`
	Cleanup         Cleanup         `mapstructure:"cleanup"`
	Shutdown        Shutdown        `mapstructure:"shutdown"`
	Staging         Staging         `mapstructure:"staging"`
	Observability   Observability   `mapstructure:"observability"`
	Notify          Notify          `mapstructure:"notify"`
	Audit           Audit           `mapstructure:"audit"`
}

// Queue names, fixed per spec §6 / SPEC_FULL.md open-question decision #2.
const (
	QueueFileAnalysis           = "file-analysis"
	QueueDirectoryAggregation   = "directory-aggregation"
	QueueDirectoryResolution    = "directory-resolution"
	QueueRelationshipResolution = "relationship-resolution"
	QueueValidation             = "validation"
	QueueReconciliation         = "reconciliation"
	QueueGlobalResolution       = "global-resolution"
	QueueTriangulatedAnalysis   = "triangulated-analysis"
	QueueGraphIngestion         = "graph-ingestion"
)

// Queues is the authoritative queue set C2 and C10 register against.
func Queues() []string {
	return []string{
		QueueFileAnalysis,
		QueueDirectoryAggregation,
		QueueDirectoryResolution,
		QueueRelationshipResolution,
		QueueValidation,
		QueueReconciliation,
		QueueGlobalResolution,
		QueueTriangulatedAnalysis,
		QueueGraphIngestion,
	}
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:         "localhost:6379",
			MinIdleConns: 5,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MaxRetries:   3,
		},
		Concurrency: Concurrency{
			Total:       64,
			MinPerStage: 1,
			Stages: map[string]int{
				QueueFileAnalysis:           16,
				QueueRelationshipResolution: 16,
				QueueTriangulatedAnalysis:   8,
				QueueValidation:             8,
				QueueReconciliation:         8,
				QueueGraphIngestion:         8,
			},
		},
		RateLimit: RateLimit{Requests: 100, Window: time.Second},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		AdaptiveScaling: AdaptiveScaling{
			Enabled:            true,
			CPUThresholdPct:    85,
			HeapThresholdPct:   80,
			ConsecutiveSamples: 3,
			SampleInterval:     2 * time.Second,
		},
		Batching: Batching{
			DBBatchSize:           100,
			DBFlushInterval:       1 * time.Second,
			DBMaxRetries:          3,
			OutboxPollingInterval: 2 * time.Second,
			OutboxBatchSize:       200,
			OutboxSuperBatchSize:  1000,
			MaxResolutionAttempts: 5,
		},
		Classifier: Classifier{
			MaxConcurrency: 10,
			Timeout:        30 * time.Second,
			MaxRetries:     3,
			RetryDelay:     1 * time.Second,
			APIRateLimit:   25,
		},
		Analysis: Analysis{
			SmallFileThreshold: 10 * 1024,
			MaxFilesPerBatch:   20,
			MaxBatchChars:      60000,
			MaxInputChars:      60000,
			FlushInterval:      4 * time.Second,
		},
		Thresholds: Thresholds{
			ConfidenceEscalation: 0.45,
			TriangulationTrigger: 0.45,
			ConsensusAccept:      0.65,
			ConsensusReject:      0.35,
			AgreementMin:         0.67,
		},
		Triangulation: Triangulation{
			MaxParallelAgents: 3,
			AgentTimeout:      30 * time.Second,
			SessionTimeout:    2 * time.Minute,
			Sequential:        false,
		},
		Cleanup: Cleanup{
			Schedule:                 "@every 5m",
			MaxJobAge:                24 * time.Hour,
			MaxStaleAge:              10 * time.Minute,
			MaxFailedJobRetention:    7 * 24 * time.Hour,
			MaxCompletedJobRetention: 24 * time.Hour,
		},
		Shutdown: Shutdown{GracePeriod: 30 * time.Second},
		Staging: Staging{
			Path:             "./data/staging.db",
			BusyTimeout:      5 * time.Second,
			WALSizeCeilingMB: 256,
			VacuumInterval:   1 * time.Hour,
		},
		Observability: Observability{MetricsPort: 9090, LogLevel: "info"},
		Notify:        Notify{RateLimitPerMinute: 30, Timeout: 5 * time.Second},
		Audit:         Audit{Path: "./data/audit.log", MaxSizeMB: 50, MaxBackups: 5},
	}
}

// Load reads configuration from an optional YAML file then applies
// environment overrides, the same two-phase approach as the reference
// service's loader.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyLegacyEnvOverrides(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("concurrency.total", def.Concurrency.Total)
	v.SetDefault("concurrency.stages", def.Concurrency.Stages)
	v.SetDefault("concurrency.min_per_stage", def.Concurrency.MinPerStage)

	v.SetDefault("rate_limit.requests", def.RateLimit.Requests)
	v.SetDefault("rate_limit.window", def.RateLimit.Window)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.reset_timeout", def.CircuitBreaker.ResetTimeout)

	v.SetDefault("adaptive_scaling.enabled", def.AdaptiveScaling.Enabled)
	v.SetDefault("adaptive_scaling.cpu_threshold_pct", def.AdaptiveScaling.CPUThresholdPct)
	v.SetDefault("adaptive_scaling.heap_threshold_pct", def.AdaptiveScaling.HeapThresholdPct)
	v.SetDefault("adaptive_scaling.consecutive_samples", def.AdaptiveScaling.ConsecutiveSamples)
	v.SetDefault("adaptive_scaling.sample_interval", def.AdaptiveScaling.SampleInterval)

	v.SetDefault("batching.db_batch_size", def.Batching.DBBatchSize)
	v.SetDefault("batching.db_flush_interval", def.Batching.DBFlushInterval)
	v.SetDefault("batching.db_max_retries", def.Batching.DBMaxRetries)
	v.SetDefault("batching.outbox_polling_interval", def.Batching.OutboxPollingInterval)
	v.SetDefault("batching.outbox_batch_size", def.Batching.OutboxBatchSize)
	v.SetDefault("batching.outbox_super_batch_size", def.Batching.OutboxSuperBatchSize)
	v.SetDefault("batching.max_resolution_attempts", def.Batching.MaxResolutionAttempts)

	v.SetDefault("classifier.max_concurrency", def.Classifier.MaxConcurrency)
	v.SetDefault("classifier.timeout", def.Classifier.Timeout)
	v.SetDefault("classifier.max_retries", def.Classifier.MaxRetries)
	v.SetDefault("classifier.retry_delay", def.Classifier.RetryDelay)
	v.SetDefault("classifier.api_rate_limit", def.Classifier.APIRateLimit)

	v.SetDefault("analysis.small_file_threshold", def.Analysis.SmallFileThreshold)
	v.SetDefault("analysis.max_files_per_batch", def.Analysis.MaxFilesPerBatch)
	v.SetDefault("analysis.max_batch_chars", def.Analysis.MaxBatchChars)
	v.SetDefault("analysis.max_input_chars", def.Analysis.MaxInputChars)
	v.SetDefault("analysis.flush_interval", def.Analysis.FlushInterval)

	v.SetDefault("thresholds.confidence_escalation", def.Thresholds.ConfidenceEscalation)
	v.SetDefault("thresholds.triangulation_trigger", def.Thresholds.TriangulationTrigger)
	v.SetDefault("thresholds.consensus_accept", def.Thresholds.ConsensusAccept)
	v.SetDefault("thresholds.consensus_reject", def.Thresholds.ConsensusReject)
	v.SetDefault("thresholds.agreement_min", def.Thresholds.AgreementMin)

	v.SetDefault("triangulation.max_parallel_agents", def.Triangulation.MaxParallelAgents)
	v.SetDefault("triangulation.agent_timeout", def.Triangulation.AgentTimeout)
	v.SetDefault("triangulation.session_timeout", def.Triangulation.SessionTimeout)
	v.SetDefault("triangulation.sequential", def.Triangulation.Sequential)

	v.SetDefault("cleanup.schedule", def.Cleanup.Schedule)
	v.SetDefault("cleanup.max_job_age", def.Cleanup.MaxJobAge)
	v.SetDefault("cleanup.max_stale_age", def.Cleanup.MaxStaleAge)
	v.SetDefault("cleanup.max_failed_job_retention", def.Cleanup.MaxFailedJobRetention)
	v.SetDefault("cleanup.max_completed_job_retention", def.Cleanup.MaxCompletedJobRetention)

	v.SetDefault("shutdown.grace_period", def.Shutdown.GracePeriod)

	v.SetDefault("staging.path", def.Staging.Path)
	v.SetDefault("staging.busy_timeout", def.Staging.BusyTimeout)
	v.SetDefault("staging.wal_size_ceiling_mb", def.Staging.WALSizeCeilingMB)
	v.SetDefault("staging.vacuum_interval", def.Staging.VacuumInterval)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing_enabled", def.Observability.TracingEnabled)

	v.SetDefault("notify.rate_limit_per_minute", def.Notify.RateLimitPerMinute)
	v.SetDefault("notify.timeout", def.Notify.Timeout)

	v.SetDefault("audit.path", def.Audit.Path)
	v.SetDefault("audit.max_size_mb", def.Audit.MaxSizeMB)
	v.SetDefault("audit.max_backups", def.Audit.MaxBackups)
}

// applyLegacyEnvOverrides reads six bare env var names in addition to the
// nested form: TOTAL_WORKER_CONCURRENCY, DB_BATCH_SIZE, OUTBOX_BATCH_SIZE,
// OUTBOX_SUPER_BATCH_SIZE, LLM_MAX_CONCURRENCY and LLM_MAX_RETRIES. No other
// bare name (OUTBOX_POLLING_INTERVAL, the threshold or cleanup names, ...)
// is read; those settings are set through their nested keys only.
func applyLegacyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOTAL_WORKER_CONCURRENCY"); v != "" {
		if n, err := parseIntEnv(v); err == nil {
			cfg.Concurrency.Total = n
		}
	}
	if v := os.Getenv("DB_BATCH_SIZE"); v != "" {
		if n, err := parseIntEnv(v); err == nil {
			cfg.Batching.DBBatchSize = n
		}
	}
	if v := os.Getenv("OUTBOX_BATCH_SIZE"); v != "" {
		if n, err := parseIntEnv(v); err == nil {
			cfg.Batching.OutboxBatchSize = n
		}
	}
	if v := os.Getenv("OUTBOX_SUPER_BATCH_SIZE"); v != "" {
		if n, err := parseIntEnv(v); err == nil {
			cfg.Batching.OutboxSuperBatchSize = n
		}
	}
	if v := os.Getenv("LLM_MAX_CONCURRENCY"); v != "" {
		if n, err := parseIntEnv(v); err == nil {
			cfg.Classifier.MaxConcurrency = n
		}
	}
	if v := os.Getenv("LLM_MAX_RETRIES"); v != "" {
		if n, err := parseIntEnv(v); err == nil {
			cfg.Classifier.MaxRetries = n
		}
	}
}

func parseIntEnv(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// Validate checks config constraints and returns an error on invalid
// settings (a Fatal-class error per spec §7).
func Validate(cfg *Config) error {
	if cfg.Concurrency.Total < 1 {
		return fmt.Errorf("concurrency.total must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Thresholds.ConsensusReject >= cfg.Thresholds.ConsensusAccept {
		return fmt.Errorf("thresholds.consensus_reject must be < thresholds.consensus_accept")
	}
	if cfg.Batching.MaxResolutionAttempts < 1 {
		return fmt.Errorf("batching.max_resolution_attempts must be >= 1")
	}
	if cfg.Staging.Path == "" {
		return fmt.Errorf("staging.path must be set")
	}
	if cfg.Triangulation.MaxParallelAgents < 1 {
		return fmt.Errorf("triangulation.max_parallel_agents must be >= 1")
	}
	return nil
}
