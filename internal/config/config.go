// Package config loads Runner and Query service configuration from
// environment variables, split into a defaults constructor and an env
// overlay so every setting has a documented, sane default and an
// explicit override point.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// S3Config describes the object-store endpoint pipelines read from and
// write to.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ForcePathStyle  bool
}

// WithOverrides returns a copy of cfg with per-run environment overrides
// applied. Per-run overrides must never mutate process-global state
// (os.Setenv), since runs execute concurrently on shared goroutines.
func (c S3Config) WithOverrides(env map[string]string) S3Config {
	out := c
	for k, v := range env {
		switch k {
		case "S3_ENDPOINT":
			out.Endpoint = v
		case "S3_REGION":
			out.Region = v
		case "S3_BUCKET":
			out.Bucket = v
		case "S3_ACCESS_KEY_ID":
			out.AccessKeyID = v
		case "S3_SECRET_ACCESS_KEY":
			out.SecretAccessKey = v
		case "S3_SESSION_TOKEN":
			out.SessionToken = v
		}
	}
	return out
}

// CredentialKey returns the fields that identify a distinct credential
// set, used to key the object-store client cache.
func (c S3Config) CredentialKey() string {
	return strings.Join([]string{c.Endpoint, c.Region, c.Bucket, c.AccessKeyID, c.SecretAccessKey, c.SessionToken}, "\x00")
}

// CatalogConfig describes the Nessie-compatible REST catalog.
type CatalogConfig struct {
	APIV2URL string
	Timeout  time.Duration
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool
	Exporter    string // otlp-http, stdout
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// LoggingConfig holds structured operational logging settings.
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

// AdmissionConfig bounds concurrent run execution.
type AdmissionConfig struct {
	MaxConcurrentRuns int
	Workers           int
	CallbackURL       string
	RunTTL            time.Duration
}

// EngineConfig bounds the embedded analytical engine's resource usage.
type EngineConfig struct {
	MemoryLimitMB int
	Threads       int
}

// TLSConfig optionally secures the gRPC listener. Cert and Key must be
// supplied together or not at all.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Enabled reports whether a cert/key pair was configured.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// Validate rejects a half-configured pair.
func (t TLSConfig) Validate() error {
	if (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("config: LAKEFORGE_TLS_CERT_FILE and LAKEFORGE_TLS_KEY_FILE must be set together")
	}
	return nil
}

// RunnerConfig is the full configuration for the runner daemon.
type RunnerConfig struct {
	GRPCAddr  string
	TLS       TLSConfig
	StateDir  string
	S3        S3Config
	Catalog   CatalogConfig
	Tracing   TracingConfig
	Metrics   MetricsConfig
	Logging   LoggingConfig
	Admission AdmissionConfig
	Engine    EngineConfig
}

// QueryServiceConfig is the full configuration for the read-only query daemon.
type QueryServiceConfig struct {
	GRPCAddr      string
	TLS           TLSConfig
	S3            S3Config
	Catalog       CatalogConfig
	Tracing       TracingConfig
	Metrics       MetricsConfig
	Logging       LoggingConfig
	Namespaces    []string
	RefreshPeriod time.Duration
	Engine        EngineConfig
}

// DefaultRunnerConfig returns the runner's defaults before env overrides.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		GRPCAddr: ":7070",
		StateDir: "/tmp/rat-runner-state",
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Catalog: CatalogConfig{
			APIV2URL: "http://localhost:19120/api/v2",
			Timeout:  10 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "lakeforge-runner",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "lakeforge_runner",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Admission: AdmissionConfig{
			MaxConcurrentRuns: 8,
			Workers:           8,
			RunTTL:            time.Hour,
		},
		Engine: EngineConfig{
			MemoryLimitMB: 2048,
			Threads:       4,
		},
	}
}

// DefaultQueryServiceConfig returns the query service's defaults before env overrides.
func DefaultQueryServiceConfig() QueryServiceConfig {
	return QueryServiceConfig{
		GRPCAddr: ":7071",
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Catalog: CatalogConfig{
			APIV2URL: "http://localhost:19120/api/v2",
			Timeout:  10 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "lakeforge-query",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "lakeforge_query",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		RefreshPeriod: 30 * time.Second,
		Engine: EngineConfig{
			MemoryLimitMB: 2048,
			Threads:       4,
		},
	}
}

// LoadRunnerFromEnv overlays LAKEFORGE_* environment variables (listener,
// state dir, S3, catalog, admission, engine, ...) onto cfg, failing fast when
// S3 credentials are absent since no pipeline can execute without them.
func LoadRunnerFromEnv(cfg RunnerConfig) (RunnerConfig, error) {
	if v, ok := os.LookupEnv("LAKEFORGE_GRPC_ADDR"); ok {
		cfg.GRPCAddr = v
	}
	if v, ok := os.LookupEnv("LAKEFORGE_STATE_DIR"); ok {
		cfg.StateDir = v
	}
	cfg.TLS = loadTLSFromEnv(cfg.TLS)
	cfg.S3 = loadS3FromEnv(cfg.S3)
	cfg.Catalog = loadCatalogFromEnv(cfg.Catalog)
	cfg.Tracing = loadTracingFromEnv(cfg.Tracing)
	cfg.Metrics = loadMetricsFromEnv(cfg.Metrics)
	cfg.Logging = loadLoggingFromEnv(cfg.Logging)

	if v, ok := os.LookupEnv("LAKEFORGE_MAX_CONCURRENT_RUNS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("LAKEFORGE_MAX_CONCURRENT_RUNS: %w", err)
		}
		cfg.Admission.MaxConcurrentRuns = n
	}
	if v, ok := os.LookupEnv("LAKEFORGE_ADMISSION_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("LAKEFORGE_ADMISSION_WORKERS: %w", err)
		}
		cfg.Admission.Workers = n
	}
	if v, ok := os.LookupEnv("LAKEFORGE_ADMISSION_CALLBACK_URL"); ok {
		cfg.Admission.CallbackURL = v
	}
	if v, ok := os.LookupEnv("LAKEFORGE_RUN_TTL_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("LAKEFORGE_RUN_TTL_SECONDS: %w", err)
		}
		cfg.Admission.RunTTL = time.Duration(n) * time.Second
	}
	if v, ok := os.LookupEnv("LAKEFORGE_ENGINE_MEMORY_MB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("LAKEFORGE_ENGINE_MEMORY_MB: %w", err)
		}
		cfg.Engine.MemoryLimitMB = n
	}
	if v, ok := os.LookupEnv("LAKEFORGE_ENGINE_THREADS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("LAKEFORGE_ENGINE_THREADS: %w", err)
		}
		cfg.Engine.Threads = n
	}

	if cfg.S3.Bucket == "" {
		return cfg, fmt.Errorf("config: LAKEFORGE_S3_BUCKET is required")
	}
	if cfg.S3.AccessKeyID == "" || cfg.S3.SecretAccessKey == "" {
		return cfg, fmt.Errorf("config: object-store credentials are required (LAKEFORGE_S3_ACCESS_KEY_ID / LAKEFORGE_S3_SECRET_ACCESS_KEY)")
	}
	if err := cfg.TLS.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadQueryServiceFromEnv overlays environment variables onto cfg for the
// query service, including the namespace allow-list it polls.
func LoadQueryServiceFromEnv(cfg QueryServiceConfig) (QueryServiceConfig, error) {
	if v, ok := os.LookupEnv("LAKEFORGE_GRPC_ADDR"); ok {
		cfg.GRPCAddr = v
	}
	cfg.TLS = loadTLSFromEnv(cfg.TLS)
	cfg.S3 = loadS3FromEnv(cfg.S3)
	cfg.Catalog = loadCatalogFromEnv(cfg.Catalog)
	cfg.Tracing = loadTracingFromEnv(cfg.Tracing)
	cfg.Metrics = loadMetricsFromEnv(cfg.Metrics)
	cfg.Logging = loadLoggingFromEnv(cfg.Logging)

	if v, ok := os.LookupEnv("LAKEFORGE_QUERY_NAMESPACES"); ok {
		var ns []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				ns = append(ns, part)
			}
		}
		cfg.Namespaces = ns
	}
	if v, ok := os.LookupEnv("LAKEFORGE_QUERY_REFRESH_PERIOD"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("LAKEFORGE_QUERY_REFRESH_PERIOD: %w", err)
		}
		cfg.RefreshPeriod = d
	}
	if v, ok := os.LookupEnv("LAKEFORGE_ENGINE_MEMORY_MB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("LAKEFORGE_ENGINE_MEMORY_MB: %w", err)
		}
		cfg.Engine.MemoryLimitMB = n
	}
	if v, ok := os.LookupEnv("LAKEFORGE_ENGINE_THREADS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("LAKEFORGE_ENGINE_THREADS: %w", err)
		}
		cfg.Engine.Threads = n
	}

	if cfg.S3.Bucket == "" {
		return cfg, fmt.Errorf("config: LAKEFORGE_S3_BUCKET is required")
	}
	if err := cfg.TLS.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadTLSFromEnv(cfg TLSConfig) TLSConfig {
	if v, ok := os.LookupEnv("LAKEFORGE_TLS_CERT_FILE"); ok {
		cfg.CertFile = v
	}
	if v, ok := os.LookupEnv("LAKEFORGE_TLS_KEY_FILE"); ok {
		cfg.KeyFile = v
	}
	return cfg
}

func loadS3FromEnv(cfg S3Config) S3Config {
	if v, ok := os.LookupEnv("LAKEFORGE_S3_ENDPOINT"); ok {
		cfg.Endpoint = v
	}
	if v, ok := os.LookupEnv("LAKEFORGE_S3_REGION"); ok {
		cfg.Region = v
	}
	if v, ok := os.LookupEnv("LAKEFORGE_S3_BUCKET"); ok {
		cfg.Bucket = v
	}
	if v, ok := os.LookupEnv("LAKEFORGE_S3_ACCESS_KEY_ID"); ok {
		cfg.AccessKeyID = v
	}
	if v, ok := os.LookupEnv("LAKEFORGE_S3_SECRET_ACCESS_KEY"); ok {
		cfg.SecretAccessKey = v
	}
	if v, ok := os.LookupEnv("LAKEFORGE_S3_SESSION_TOKEN"); ok {
		cfg.SessionToken = v
	}
	if v, ok := os.LookupEnv("LAKEFORGE_S3_FORCE_PATH_STYLE"); ok {
		cfg.ForcePathStyle = parseBool(v, cfg.ForcePathStyle)
	}
	return cfg
}

func loadCatalogFromEnv(cfg CatalogConfig) CatalogConfig {
	if v, ok := os.LookupEnv("LAKEFORGE_CATALOG_URL"); ok {
		cfg.APIV2URL = v
	}
	if v, ok := os.LookupEnv("LAKEFORGE_CATALOG_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		}
	}
	return cfg
}

func loadTracingFromEnv(cfg TracingConfig) TracingConfig {
	if v, ok := os.LookupEnv("LAKEFORGE_TRACING_ENABLED"); ok {
		cfg.Enabled = parseBool(v, cfg.Enabled)
	}
	if v, ok := os.LookupEnv("LAKEFORGE_TRACING_EXPORTER"); ok {
		cfg.Exporter = v
	}
	if v, ok := os.LookupEnv("LAKEFORGE_TRACING_ENDPOINT"); ok {
		cfg.Endpoint = v
	}
	if v, ok := os.LookupEnv("LAKEFORGE_TRACING_SAMPLE_RATE"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SampleRate = f
		}
	}
	return cfg
}

func loadMetricsFromEnv(cfg MetricsConfig) MetricsConfig {
	if v, ok := os.LookupEnv("LAKEFORGE_METRICS_ENABLED"); ok {
		cfg.Enabled = parseBool(v, cfg.Enabled)
	}
	return cfg
}

func loadLoggingFromEnv(cfg LoggingConfig) LoggingConfig {
	if v, ok := os.LookupEnv("LAKEFORGE_LOG_LEVEL"); ok {
		cfg.Level = v
	}
	if v, ok := os.LookupEnv("LAKEFORGE_LOG_FORMAT"); ok {
		cfg.Format = v
	}
	return cfg
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}
