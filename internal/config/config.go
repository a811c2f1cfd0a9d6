package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/percolation-labs/percolate/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Providers ProvidersConfig `koanf:"providers"`
	Agents    []AgentConfig   `koanf:"agents"`
	Runner    RunnerConfig    `koanf:"runner"`
	Tools     ToolsConfig     `koanf:"tools"`
	Auth      AuthConfig      `koanf:"auth"`
	Audit     AuditConfig     `koanf:"audit"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Store     StoreConfig     `koanf:"store"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type ProvidersConfig struct {
	Default  string         `koanf:"default"`
	Registry []ProviderRow  `koanf:"registry"`
}

// ProviderRow is one row of the provider registry: everything the language
// model client needs to reach a backend model over raw HTTP.
type ProviderRow struct {
	Name         string            `koanf:"name"`
	Scheme       string            `koanf:"scheme"`        // openai | anthropic | google
	Endpoint     string            `koanf:"endpoint"`
	Model        string            `koanf:"model"`         // remote model id
	AuthStyle    string            `koanf:"auth_style"`    // bearer_header | api_key_header | query_param
	TokenEnvVar  string            `koanf:"token_env_var"`
	ToolDialect  string            `koanf:"tool_dialect"`
	ExtraHeaders map[string]string `koanf:"extra_headers"`
	Timeout      string            `koanf:"timeout"`
}

type AgentConfig struct {
	Name          string   `koanf:"name"`
	SystemPrompt  string   `koanf:"system_prompt"`
	Model         string   `koanf:"model"`
	Tools         []string `koanf:"tools"`
	MaxIterations int      `koanf:"max_iterations"`
}

type RunnerConfig struct {
	MaxIterations     int    `koanf:"max_iterations"`
	MaxRetries        int    `koanf:"max_retries"`
	RetryBaseDelay    string `koanf:"retry_base_delay"`
	AnnounceFunctions bool   `koanf:"announce_functions"`
	ToolStatusChunks  bool   `koanf:"tool_status_chunks"`
	RelayToolEvents   bool   `koanf:"relay_tool_events"`
	RunTimeout        string `koanf:"run_timeout"`
}

type ToolsConfig struct {
	HTTPTimeout string        `koanf:"http_timeout"`
	HTTP        []HTTPToolRow `koanf:"http"`
}

// HTTPToolRow declares an HTTP-callable tool in the catalog.
type HTTPToolRow struct {
	Key         string                 `koanf:"key"`
	DisplayName string                 `koanf:"display_name"`
	Description string                 `koanf:"description"`
	Verb        string                 `koanf:"verb"`
	URLTemplate string                 `koanf:"url_template"`
	AuthHeader  string                 `koanf:"auth_header"`
	AuthEnvVar  string                 `koanf:"auth_env_var"`
	Parameters  map[string]interface{} `koanf:"parameters"`
}

type AuthConfig struct {
	Enabled     bool     `koanf:"enabled"`
	APIKeys     []string `koanf:"api_keys"`
	JWTSecret   string   `koanf:"jwt_secret"`
	JWTIssuer   string   `koanf:"jwt_issuer"`
	JWTTTL      string   `koanf:"jwt_ttl"`
}

type AuditConfig struct {
	Enabled        bool   `koanf:"enabled"`
	IdempotencyTTL string `koanf:"idempotency_ttl"`
	Retention      string `koanf:"retention"`
}

type SchedulerConfig struct {
	Enabled         bool   `koanf:"enabled"`
	PruneSpec       string `koanf:"prune_spec"`
	ReloadSpec      string `koanf:"reload_spec"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type StoreConfig struct {
	Path         string `koanf:"path"`
	LockTimeout  string `koanf:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry"`
}

const (
	DefaultServerPort            = 8000
	DefaultServerLogLevel        = "info"
	DefaultServerReadTimeout     = "30s"
	DefaultServerWriteTimeout    = "0s" // streaming responses manage their own deadlines
	DefaultServerIdleTimeout     = "120s"
	DefaultServerShutdownTimeout = "5s"

	DefaultProviderName     = "gpt-4o-mini"
	DefaultOpenAIEndpoint   = "https://api.openai.com/v1/chat/completions"
	DefaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	DefaultGoogleEndpoint   = "https://generativelanguage.googleapis.com/v1beta/models/{model}:streamGenerateContent"
	DefaultProviderTimeout  = "120s"

	DefaultRunnerMaxIterations  = 5
	DefaultRunnerMaxRetries     = 3
	DefaultRunnerRetryBaseDelay = "1s"
	DefaultRunnerRunTimeout     = "10m"

	DefaultToolHTTPTimeout = "30s"

	DefaultAuthJWTIssuer = "percolate"
	DefaultAuthJWTTTL    = "24h"

	DefaultAuditIdempotencyTTL = "24h"
	DefaultAuditRetention      = "720h"

	DefaultSchedulerPruneSpec       = "0 3 * * *"
	DefaultSchedulerReloadSpec      = "@every 5m"
	DefaultSchedulerShutdownTimeout = "30s"

	DefaultStoreLockTimeout  = "30s"
	DefaultStoreLockRetry    = "100ms"
	DefaultStoreLockMaxRetry = 300
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":             DefaultServerPort,
		"server.log_level":        DefaultServerLogLevel,
		"server.read_timeout":     DefaultServerReadTimeout,
		"server.write_timeout":    DefaultServerWriteTimeout,
		"server.idle_timeout":     DefaultServerIdleTimeout,
		"server.shutdown_timeout": DefaultServerShutdownTimeout,
		"providers.default":       DefaultProviderName,
		"providers.registry": []ProviderRow{
			{
				Name:        "gpt-4o-mini",
				Scheme:      "openai",
				Endpoint:    DefaultOpenAIEndpoint,
				AuthStyle:   "bearer_header",
				TokenEnvVar: "OPENAI_API_KEY",
				ToolDialect: "openai",
			},
			{
				Name:         "claude-3-5-sonnet",
				Scheme:       "anthropic",
				Endpoint:     DefaultAnthropicEndpoint,
				AuthStyle:    "api_key_header",
				TokenEnvVar:  "ANTHROPIC_API_KEY",
				ToolDialect:  "anthropic",
				ExtraHeaders: map[string]string{"anthropic-version": "2023-06-01"},
			},
			{
				Name:        "gemini-2.0-flash",
				Scheme:      "google",
				Endpoint:    DefaultGoogleEndpoint,
				AuthStyle:   "query_param",
				TokenEnvVar: "GEMINI_API_KEY",
				ToolDialect: "google",
			},
		},
		"runner.max_iterations":     DefaultRunnerMaxIterations,
		"runner.max_retries":        DefaultRunnerMaxRetries,
		"runner.retry_base_delay":   DefaultRunnerRetryBaseDelay,
		"runner.announce_functions": true,
		"runner.tool_status_chunks": true,
		"runner.relay_tool_events":  false,
		"runner.run_timeout":        DefaultRunnerRunTimeout,
		"tools.http_timeout":        DefaultToolHTTPTimeout,
		"auth.enabled":              false,
		"auth.jwt_issuer":           DefaultAuthJWTIssuer,
		"auth.jwt_ttl":              DefaultAuthJWTTTL,
		"audit.enabled":             true,
		"audit.idempotency_ttl":     DefaultAuditIdempotencyTTL,
		"audit.retention":           DefaultAuditRetention,
		"scheduler.enabled":         true,
		"scheduler.prune_spec":      DefaultSchedulerPruneSpec,
		"scheduler.reload_spec":     DefaultSchedulerReloadSpec,
		"scheduler.shutdown_timeout": DefaultSchedulerShutdownTimeout,
		"store.path":                filepath.Join(os.Getenv("HOME"), ".percolate"),
		"store.lock_timeout":        DefaultStoreLockTimeout,
		"store.lock_retry":          DefaultStoreLockRetry,
		"store.lock_max_retry":      DefaultStoreLockMaxRetry,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".percolate", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	k.Load(env.Provider("PERCOLATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "PERCOLATE_")), "_", ".", -1)
	}), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if model := os.Getenv("DEFAULT_MODEL"); model != "" {
		cfg.Providers.Default = model
	}

	for i, row := range cfg.Providers.Registry {
		if row.Scheme == "" {
			cfg.Providers.Registry[i].Scheme = "openai"
		}
		if row.AuthStyle == "" {
			cfg.Providers.Registry[i].AuthStyle = "bearer_header"
		}
		if row.ToolDialect == "" {
			cfg.Providers.Registry[i].ToolDialect = cfg.Providers.Registry[i].Scheme
		}
		if row.Model == "" {
			cfg.Providers.Registry[i].Model = row.Name
		}
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	storePath, err := expandConfiguredPath(cfg.Store.Path)
	if err != nil {
		return err
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
