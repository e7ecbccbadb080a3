// Package config implements the engine's layered configuration (§10.C): a
// YAML file provides the base, environment variables override it, and CLI
// flags override both. Each resolved field records where its value came
// from via ValueSource, the way the reference capture-agent's config
// package layers viper defaults/file/env but extended here with explicit
// per-field provenance for diagnostics.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ValueSource records where a resolved config field's value came from.
type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceFile    ValueSource = "file"
	SourceEnv     ValueSource = "env"
	SourceFlag    ValueSource = "flag"
)

// DefaultParams holds the "defaults" config section. Only ThinkingModels
// and TaskModels are read: they become the pipeline's default model pools
// at bootstrap. The HTTP handler applies its own built-in defaults for the
// other query parameters and does not consult these fields.
type DefaultParams struct {
	Language             string `mapstructure:"language"`
	MaxResult            int    `mapstructure:"max_result"`
	EnableCitationImage  bool   `mapstructure:"enable_citation_image"`
	EnableReferences     bool   `mapstructure:"enable_references"`
	ThinkingModels       string `mapstructure:"thinking_model"`
	TaskModels           string `mapstructure:"task_model"`
	SearchProvider       string `mapstructure:"search_provider"`
}

// ProviderConfig configures the process's model/search provider endpoints.
type ProviderConfig struct {
	ModelBaseURL   string `mapstructure:"model_base_url"`
	ModelAPIKey    string `mapstructure:"model_api_key"`
	SearchBaseURL  string `mapstructure:"search_base_url"`
	SearchAPIKey   string `mapstructure:"search_api_key"`
	NotifyWebhook  string `mapstructure:"notify_webhook"`
}

// ServerConfig configures the HTTP transport (§10.I).
type ServerConfig struct {
	ListenAddr            string  `mapstructure:"listen_addr"`
	AuthToken             string  `mapstructure:"auth_token"`
	RateLimitPerSecond    float64 `mapstructure:"rate_limit_per_second"`
	RateLimitBurst        int     `mapstructure:"rate_limit_burst"`
	MetricsListenAddr     string  `mapstructure:"metrics_listen_addr"`
}

// StoreConfig configures the Task Store (§4.A).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// TaskManagerConfig configures the Task Manager (§4.F).
type TaskManagerConfig struct {
	MaxTasks                 int     `mapstructure:"max_tasks"`
	MemoryBudgetOverrideBytes uint64 `mapstructure:"memory_budget_override_bytes"`
}

// LogConfig configures process-wide logging (§10.A).
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig configures the OTel tracer provider (§11).
type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

// Config is the engine's fully resolved process configuration.
type Config struct {
	Server       ServerConfig      `mapstructure:"server"`
	Store        StoreConfig       `mapstructure:"store"`
	TaskManager  TaskManagerConfig `mapstructure:"task_manager"`
	Providers    ProviderConfig    `mapstructure:"providers"`
	Defaults     DefaultParams     `mapstructure:"defaults"`
	Log          LogConfig         `mapstructure:"log"`
	Tracing      TracingConfig     `mapstructure:"tracing"`
}

// Sources maps every dotted leaf key viper knows about to the ValueSource
// it was ultimately resolved from, for bootstrap diagnostics.
type Sources map[string]ValueSource

// Load builds a Config from defaults, an optional YAML file at configPath
// (missing file is not an error — defaults apply), environment variables
// prefixed DEEPRESEARCH_, and CLI flags bound to fs. Precedence, lowest to
// highest: default < file < env < flag.
func Load(configPath string, fs *pflag.FlagSet) (Config, Sources, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return Config{}, nil, fmt.Errorf("config: read file %s: %w", configPath, err)
			}
		}
	}

	v.SetEnvPrefix("deepresearch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return cfg, resolveSources(v, fs), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.rate_limit_per_second", 5.0)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("server.metrics_listen_addr", ":9090")

	v.SetDefault("store.path", "./data/tasks.json")

	v.SetDefault("task_manager.max_tasks", 10000)
	v.SetDefault("task_manager.memory_budget_override_bytes", 0)

	v.SetDefault("providers.model_base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.search_base_url", "")

	v.SetDefault("defaults.language", "zh-CN")
	v.SetDefault("defaults.max_result", 50)
	v.SetDefault("defaults.enable_citation_image", true)
	v.SetDefault("defaults.enable_references", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "deepresearch")
}

// resolveSources classifies every key viper knows about by provenance:
// flag (if changed), then env, then file, then default.
func resolveSources(v *viper.Viper, fs *pflag.FlagSet) Sources {
	sources := make(Sources)
	for _, key := range v.AllKeys() {
		switch {
		case fs != nil && flagChanged(fs, key):
			sources[key] = SourceFlag
		case envSet(key):
			sources[key] = SourceEnv
		case v.InConfig(key):
			sources[key] = SourceFile
		default:
			sources[key] = SourceDefault
		}
	}
	return sources
}

// flagChanged reports whether fs carries a flag bound to key (viper's
// BindPFlags keys bound flags by their literal pflag name, so a flag meant
// to override a nested config field is named after its dotted key, e.g.
// "server.listen_addr").
func flagChanged(fs *pflag.FlagSet, key string) bool {
	f := fs.Lookup(key)
	return f != nil && f.Changed
}

func envSet(key string) bool {
	envKey := "DEEPRESEARCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	_, ok := os.LookupEnv(envKey)
	return ok
}
