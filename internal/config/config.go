// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig                  `mapstructure:"server"`
	Engine    EngineConfig                  `mapstructure:"engine"`
	HTTP      HTTPConfig                    `mapstructure:"http"`
	Headless  HeadlessConfig                `mapstructure:"headless"`
	Region    RegionConfig                  `mapstructure:"region"`
	Output    OutputConfig                  `mapstructure:"output"`
	Metrics   MetricsConfig                 `mapstructure:"metrics"`
	PubSub    PubSubConfig                  `mapstructure:"pubsub"`
	Logging   LoggingConfig                 `mapstructure:"logging"`
	Catalogs  map[string]catalog.Descriptor `mapstructure:"catalogs"`
	FailCache FailCacheConfig               `mapstructure:"fail_cache"`
}

// ServerConfig controls the ops HTTP listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// EngineConfig governs the shared rate limiter and enrichment pool.
type EngineConfig struct {
	RateLimit         int           `mapstructure:"rate_limit"`
	RateWindow        time.Duration `mapstructure:"rate_window"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	EnrichmentWorkers int           `mapstructure:"enrichment_workers"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// HTTPConfig configures the HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// RegionConfig configures the region-session resolver.
type RegionConfig struct {
	LookupURL  string `mapstructure:"lookup_url"`
	SigningKey string `mapstructure:"signing_key"`
	CacheSize  int    `mapstructure:"cache_size"`
}

// OutputConfig sets where run files land.
type OutputConfig struct {
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	MinRows   int    `mapstructure:"min_rows"`
}

// MetricsConfig controls access to the run/batch metrics store.
type MetricsConfig struct {
	DSN        string `mapstructure:"dsn"`
	RunTable   string `mapstructure:"run_table"`
	BatchTable string `mapstructure:"batch_table"`
	MaxConns   int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for run-completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// FailCacheConfig controls the per-catalog dead-URL cache.
type FailCacheConfig struct {
	Dir     string `mapstructure:"dir"`
	TTLDays int    `mapstructure:"ttl_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.rate_limit", 10)
	v.SetDefault("engine.rate_window", "1s")
	v.SetDefault("engine.max_concurrent", 4)
	v.SetDefault("engine.enrichment_workers", 4)
	v.SetDefault("engine.user_agent", "shelfmetrics-harvester/0.1")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("region.cache_size", 128)
	v.SetDefault("output.dir", "out")
	v.SetDefault("output.min_rows", 0)
	v.SetDefault("metrics.run_table", "crawl_runs")
	v.SetDefault("metrics.batch_table", "crawl_batches")
	v.SetDefault("fail_cache.dir", "failures")
	v.SetDefault("fail_cache.ttl_days", 7)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Engine.RateLimit <= 0 {
		return fmt.Errorf("engine.rate_limit must be > 0")
	}
	if c.Engine.MaxConcurrent <= 0 {
		return fmt.Errorf("engine.max_concurrent must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.FailCache.TTLDays <= 0 {
		return fmt.Errorf("fail_cache.ttl_days must be > 0")
	}
	for name, desc := range c.Catalogs {
		if desc.BaseURL == "" {
			return fmt.Errorf("catalog %q: base_url is required", name)
		}
		switch desc.Strategy {
		case catalog.StrategySitemap, catalog.StrategyCategoryTree, catalog.StrategyGraphQL:
		default:
			return fmt.Errorf("catalog %q: unknown strategy %q", name, desc.Strategy)
		}
		switch desc.Regime {
		case catalog.RegimeSequential, catalog.RegimeParallelRegions, catalog.RegimeBoundedAsync:
		default:
			return fmt.Errorf("catalog %q: unknown regime %q", name, desc.Regime)
		}
	}
	return nil
}
