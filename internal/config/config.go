package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/eventimport/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Quotas     QuotaConfig      `yaml:"quotas" mapstructure:"quotas"`
	Settings   SettingsConfig   `yaml:"settings" mapstructure:"settings"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects and configures the database.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BlobConfig selects where uploaded files are kept.
type BlobConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"`
	Dir       string `yaml:"dir" mapstructure:"dir"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Region    string `yaml:"region" mapstructure:"region"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Secure    bool   `yaml:"secure" mapstructure:"secure"`
}

// QueueConfig configures task execution.
type QueueConfig struct {
	Backend          string         `yaml:"backend" mapstructure:"backend"`
	PollIntervalMs   int            `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	ClaimBatch       int            `yaml:"claim_batch" mapstructure:"claim_batch"`
	MaxAttempts      int            `yaml:"max_attempts" mapstructure:"max_attempts"`
	StaleAfterSecs   int            `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
	InitialBackoffMs int            `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffSecs   int            `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	Temporal         TemporalConfig `yaml:"temporal" mapstructure:"temporal"`
}

// TemporalConfig configures the Temporal queue backend.
type TemporalConfig struct {
	HostPort        string `yaml:"host_port" mapstructure:"host_port"`
	Namespace       string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue       string `yaml:"task_queue" mapstructure:"task_queue"`
	TaskTimeoutSecs int    `yaml:"task_timeout_secs" mapstructure:"task_timeout_secs"`
}

// PipelineConfig configures stage batching and schema inference.
type PipelineConfig struct {
	DuplicatesBatchSize int      `yaml:"duplicates_batch_size" mapstructure:"duplicates_batch_size"`
	SchemaBatchSize     int      `yaml:"schema_batch_size" mapstructure:"schema_batch_size"`
	GeocodeBatchSize    int      `yaml:"geocode_batch_size" mapstructure:"geocode_batch_size"`
	EventsBatchSize     int      `yaml:"events_batch_size" mapstructure:"events_batch_size"`
	BaseLanguage        string   `yaml:"base_language" mapstructure:"base_language"`
	MaxDepth            int      `yaml:"max_depth" mapstructure:"max_depth"`
	EnumThreshold       int      `yaml:"enum_threshold" mapstructure:"enum_threshold"`
	SuggestionThreshold float64  `yaml:"suggestion_threshold" mapstructure:"suggestion_threshold"`
	RecoveryStages      []string `yaml:"recovery_stages" mapstructure:"recovery_stages"`
}

// GeocodeConfig configures the geocoding providers.
type GeocodeConfig struct {
	Concurrency      int             `yaml:"concurrency" mapstructure:"concurrency"`
	TimeoutSecs      int             `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	FailureThreshold int             `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int             `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	Google           GoogleConfig    `yaml:"google" mapstructure:"google"`
	Nominatim        NominatimConfig `yaml:"nominatim" mapstructure:"nominatim"`
}

// GoogleConfig configures the Google Geocoding provider.
type GoogleConfig struct {
	APIKey   string  `yaml:"api_key" mapstructure:"api_key"`
	Priority int     `yaml:"priority" mapstructure:"priority"`
	RPS      float64 `yaml:"rps" mapstructure:"rps"`
}

// NominatimConfig configures the Nominatim provider.
type NominatimConfig struct {
	Enabled   bool    `yaml:"enabled" mapstructure:"enabled"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent string  `yaml:"user_agent" mapstructure:"user_agent"`
	Email     string  `yaml:"email" mapstructure:"email"`
	Priority  int     `yaml:"priority" mapstructure:"priority"`
	RPS       float64 `yaml:"rps" mapstructure:"rps"`
}

// SchedulerConfig configures scheduled URL imports.
type SchedulerConfig struct {
	IntervalSecs       int     `yaml:"interval_secs" mapstructure:"interval_secs"`
	StrictLock         bool    `yaml:"strict_lock" mapstructure:"strict_lock"`
	StaleGraceSecs     int     `yaml:"stale_grace_secs" mapstructure:"stale_grace_secs"`
	UserAgent          string  `yaml:"user_agent" mapstructure:"user_agent"`
	DefaultTimeoutSecs int     `yaml:"default_timeout_secs" mapstructure:"default_timeout_secs"`
	DefaultMaxFileSize int64   `yaml:"default_max_file_size" mapstructure:"default_max_file_size"`
	HostRPS            float64 `yaml:"host_rps" mapstructure:"host_rps"`
}

// QuotaConfig bounds what a single import may contain.
type QuotaConfig struct {
	MaxFileSize      int64 `yaml:"max_file_size" mapstructure:"max_file_size"`
	MaxRowsPerImport int   `yaml:"max_rows_per_import" mapstructure:"max_rows_per_import"`
}

// SettingsConfig configures the feature flag cache.
type SettingsConfig struct {
	CacheTTLSecs int `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
}

// MonitoringConfig configures the background health checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DeadTaskThreshold    int     `yaml:"dead_task_threshold" mapstructure:"dead_task_threshold"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EVENTIMPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "eventimport.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("blob.driver", "local")
	v.SetDefault("blob.dir", "data/uploads")
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("blob.bucket", "eventimport")
	v.SetDefault("blob.region", "")
	v.SetDefault("blob.access_key", "")
	v.SetDefault("blob.secret_key", "")
	v.SetDefault("blob.secure", true)
	v.SetDefault("queue.backend", "store")
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.claim_batch", 10)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.stale_after_secs", 900)
	v.SetDefault("queue.initial_backoff_ms", 2000)
	v.SetDefault("queue.max_backoff_secs", 300)
	v.SetDefault("queue.temporal.host_port", "localhost:7233")
	v.SetDefault("queue.temporal.namespace", "default")
	v.SetDefault("queue.temporal.task_queue", "eventimport")
	v.SetDefault("queue.temporal.task_timeout_secs", 1800)
	v.SetDefault("pipeline.duplicates_batch_size", 5000)
	v.SetDefault("pipeline.schema_batch_size", 5000)
	v.SetDefault("pipeline.geocode_batch_size", 100)
	v.SetDefault("pipeline.events_batch_size", 1000)
	v.SetDefault("pipeline.base_language", model.BaseLanguage)
	v.SetDefault("pipeline.max_depth", 5)
	v.SetDefault("pipeline.enum_threshold", 20)
	v.SetDefault("pipeline.suggestion_threshold", 0.7)
	v.SetDefault("pipeline.recovery_stages", stageNames(model.DefaultRecoveryStages()))
	v.SetDefault("geocode.concurrency", 4)
	v.SetDefault("geocode.timeout_secs", 10)
	v.SetDefault("geocode.failure_threshold", 5)
	v.SetDefault("geocode.reset_timeout_secs", 30)
	v.SetDefault("geocode.google.api_key", "")
	v.SetDefault("geocode.google.priority", 1)
	v.SetDefault("geocode.google.rps", 25)
	v.SetDefault("geocode.nominatim.enabled", true)
	v.SetDefault("geocode.nominatim.base_url", "https://nominatim.openstreetmap.org/search")
	v.SetDefault("geocode.nominatim.user_agent", "eventimport/1.0")
	v.SetDefault("geocode.nominatim.email", "")
	v.SetDefault("geocode.nominatim.priority", 2)
	v.SetDefault("geocode.nominatim.rps", 1)
	v.SetDefault("scheduler.interval_secs", 60)
	v.SetDefault("scheduler.strict_lock", false)
	v.SetDefault("scheduler.stale_grace_secs", 300)
	v.SetDefault("scheduler.user_agent", "eventimport-scheduler/1.0")
	v.SetDefault("scheduler.default_timeout_secs", 300)
	v.SetDefault("scheduler.default_max_file_size", 100<<20)
	v.SetDefault("scheduler.host_rps", 2)
	v.SetDefault("quotas.max_file_size", 100<<20)
	v.SetDefault("quotas.max_rows_per_import", 1_000_000)
	v.SetDefault("settings.cache_ttl_secs", 60)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.dead_task_threshold", 1)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks option combinations that would fail at runtime. mode is
// "serve", "worker" or "cli"; serve additionally requires a listen port.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "worker", "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}

	switch c.Blob.Driver {
	case "local":
		if c.Blob.Dir == "" {
			errs = append(errs, "blob.dir is required for the local driver")
		}
	case "minio":
		if c.Blob.Endpoint == "" || c.Blob.Bucket == "" {
			errs = append(errs, "blob.endpoint and blob.bucket are required for the minio driver")
		}
	default:
		errs = append(errs, "blob.driver must be local or minio")
	}

	if c.Queue.Backend != "store" && c.Queue.Backend != "temporal" {
		errs = append(errs, "queue.backend must be store or temporal")
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, "queue.max_attempts must be >= 1")
	}

	p := c.Pipeline
	if p.DuplicatesBatchSize <= 0 || p.SchemaBatchSize <= 0 || p.GeocodeBatchSize <= 0 || p.EventsBatchSize <= 0 {
		errs = append(errs, "pipeline batch sizes must be > 0")
	}
	if p.SuggestionThreshold < 0 || p.SuggestionThreshold > 1 {
		errs = append(errs, "pipeline.suggestion_threshold must be between 0 and 1")
	}
	for _, s := range p.RecoveryStages {
		st := model.Stage(s)
		if !st.Valid() || st.Terminal() {
			errs = append(errs, "pipeline.recovery_stages: "+s+" is not a recoverable stage")
		}
	}

	if m := c.Monitoring; m.FailureRateThreshold < 0 || m.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// Recovery returns the configured default recovery stages.
func (p PipelineConfig) Recovery() []model.Stage {
	out := make([]model.Stage, 0, len(p.RecoveryStages))
	for _, s := range p.RecoveryStages {
		out = append(out, model.Stage(s))
	}
	return out
}

// PollInterval returns the store queue poll interval.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

// StaleAfter returns how long a running task may go without an update.
func (q QueueConfig) StaleAfter() time.Duration {
	return time.Duration(q.StaleAfterSecs) * time.Second
}

// Interval returns the schedule evaluation interval.
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSecs) * time.Second
}

// TTL returns the settings cache lifetime.
func (s SettingsConfig) TTL() time.Duration {
	return time.Duration(s.CacheTTLSecs) * time.Second
}

func stageNames(stages []model.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
