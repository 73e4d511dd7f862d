package config

import (
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultBucket = "af2_cache"

	BackendGCS   = "gcs"
	BackendREAPI = "reapi"
	BackendLocal = "local"
	BackendNull  = "null"
)

type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	LogFormat string          `mapstructure:"log_format"` // "text" or "json"
	Cache     CacheConfig     `mapstructure:"cache"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// CacheConfig controls how chains are keyed and processed.
type CacheConfig struct {
	Bucket       string `mapstructure:"bucket"`
	GenParams    string `mapstructure:"msa_gen_params"`
	Concurrency  int    `mapstructure:"concurrency"`   // 1 = sequential
	KeepArchives bool   `mapstructure:"keep_archives"` // keep <chain_id>.zip after store
	PutRetries   int    `mapstructure:"put_retry_count"`
}

type BackendConfig struct {
	Type        string `mapstructure:"type"`        // gcs, reapi, local or null
	Target      string `mapstructure:"target"`      // reapi: grpc://host:port
	Insecure    bool   `mapstructure:"insecure"`    // reapi: plaintext gRPC
	Compression string `mapstructure:"compression"` // reapi: "zstd" or empty
	LocalDir    string `mapstructure:"local_dir"`   // local: root directory
	// LocalTierDir, when set, keeps a read-through copy of every archive
	// on local disk in front of the selected backend.
	LocalTierDir   string `mapstructure:"local_tier_dir"`
	LocalTierMaxMB int64  `mapstructure:"local_tier_max_mb"` // 0 = unbounded
	Project        string `mapstructure:"project"`           // gcs: optional billing project
}

type TelemetryConfig struct {
	MetricsTextfile string `mapstructure:"metrics_textfile"`
	TracingEndpoint string `mapstructure:"tracing_endpoint"`
	TracingInsecure bool   `mapstructure:"tracing_insecure"` // plaintext OTLP, for a local collector
}

// SetDefaults registers every default on v. Exposed so the CLI can bind
// flags to the same viper instance before loading.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("cache.bucket", DefaultBucket)
	v.SetDefault("cache.msa_gen_params", "")
	v.SetDefault("cache.concurrency", 1)
	v.SetDefault("cache.keep_archives", false)
	v.SetDefault("cache.put_retry_count", 3)
	v.SetDefault("backend.type", BackendGCS)
	v.SetDefault("backend.insecure", true)
	v.SetDefault("backend.target", "")
	v.SetDefault("backend.compression", "")
	v.SetDefault("backend.local_dir", "/tmp/msacache")
	v.SetDefault("backend.local_tier_dir", "")
	v.SetDefault("backend.local_tier_max_mb", 0)
	v.SetDefault("backend.project", "")
	v.SetDefault("telemetry.metrics_textfile", "")
	v.SetDefault("telemetry.tracing_endpoint", "")
	v.SetDefault("telemetry.tracing_insecure", false)
}

// Load reads configuration into v and decodes it.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	SetDefaults(v)

	// Env overrides
	v.SetEnvPrefix("MSACACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("msacache")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Cache.Concurrency <= 0 {
		cfg.Cache.Concurrency = 1
	}

	return &cfg, nil
}
