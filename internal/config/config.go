// Package config handles configuration loading for fleet.
// Precedence (highest to lowest): FLEET_* environment variables, the config
// file, built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for fleet.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Client     ClientConfig     `mapstructure:"client"`
	Tasks      TasksConfig      `mapstructure:"tasks"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Subagent   SubagentConfig   `mapstructure:"subagent"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds daemon settings.
type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	Token  string `mapstructure:"token"`
	DBPath string `mapstructure:"db_path"`
}

// ClientConfig tells CLI commands where the daemon is.
type ClientConfig struct {
	API   string `mapstructure:"api"`
	Token string `mapstructure:"token"`
}

// TasksConfig holds task admission limits.
type TasksConfig struct {
	MaxBudget float64 `mapstructure:"max_budget"`
}

// DispatcherConfig holds dispatcher timing.
type DispatcherConfig struct {
	Interval              time.Duration `mapstructure:"interval"`
	StaleAfter            time.Duration `mapstructure:"stale_after"`
	UnplacedAlertAfter    time.Duration `mapstructure:"unplaced_alert_after"`
	StaleRunningAfter     time.Duration `mapstructure:"stale_running_after"`
	StaleRunningFailAfter time.Duration `mapstructure:"stale_running_fail_after"`
	StrictAffinity        bool          `mapstructure:"strict_affinity"`
}

// RelayConfig holds streaming relay settings.
type RelayConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxChunk      int           `mapstructure:"max_chunk"`
	InputTTL      time.Duration `mapstructure:"input_ttl"`
}

// TelegramConfig selects the Telegram chat surface. An empty token means
// stream output is only logged.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
	BaseURL  string `mapstructure:"base_url"`
}

// SubagentConfig holds subagent manager settings.
type SubagentConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PurgeGrace   time.Duration `mapstructure:"purge_grace"`
	MaxParallel  int           `mapstructure:"max_parallel"`
	ProfilesFile string        `mapstructure:"profiles_file"`
	WorkDir      string        `mapstructure:"work_dir"`
}

// AnthropicConfig holds settings for the anthropic execution mode.
type AnthropicConfig struct {
	APIKey       string `mapstructure:"api_key"`
	DefaultModel string `mapstructure:"default_model"`
	MaxTokens    int64  `mapstructure:"max_tokens"`
	UseBedrock   bool   `mapstructure:"use_bedrock"`
	AWSRegion    string `mapstructure:"aws_region"`
	AWSProfile   string `mapstructure:"aws_profile"`
	BaseURL      string `mapstructure:"base_url"`
}

// AgentConfig holds machine runner settings.
type AgentConfig struct {
	MachineID         string        `mapstructure:"machine_id"`
	Affinities        []string      `mapstructure:"affinities"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	WorkDir           string        `mapstructure:"work_dir"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration. An explicit path must exist; otherwise the user
// config file is optional.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(getUserConfigDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading user config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	cfg.Telegram.BotToken = os.ExpandEnv(cfg.Telegram.BotToken)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	return Load(path)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "FLEET_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("telegram.bot_token", "FLEET_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	return v
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Tasks.MaxBudget < 0 {
		errs = append(errs, errors.New("tasks.max_budget must not be negative"))
	}
	if c.Relay.MaxChunk < 1 || c.Relay.MaxChunk > 4096 {
		errs = append(errs, fmt.Errorf("relay.max_chunk must be within 1..4096, got %d", c.Relay.MaxChunk))
	}
	if c.Agent.MaxConcurrent < 1 {
		errs = append(errs, errors.New("agent.max_concurrent must be at least 1"))
	}
	if c.Dispatcher.StaleRunningFailAfter < 0 {
		errs = append(errs, errors.New("dispatcher.stale_running_fail_after must not be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:7466")
	v.SetDefault("server.token", "")
	v.SetDefault("server.db_path", DefaultDBPath())

	v.SetDefault("client.api", "http://127.0.0.1:7466")
	v.SetDefault("client.token", "")

	v.SetDefault("tasks.max_budget", 50.0)

	v.SetDefault("dispatcher.interval", "10s")
	v.SetDefault("dispatcher.stale_after", "45s")
	v.SetDefault("dispatcher.unplaced_alert_after", "10m")
	v.SetDefault("dispatcher.stale_running_after", "2h")
	v.SetDefault("dispatcher.stale_running_fail_after", "0s")
	v.SetDefault("dispatcher.strict_affinity", false)

	v.SetDefault("relay.flush_interval", "1500ms")
	v.SetDefault("relay.max_chunk", 3500)
	v.SetDefault("relay.input_ttl", "30m")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", 0)
	v.SetDefault("telegram.base_url", "")

	v.SetDefault("subagent.poll_interval", "1s")
	v.SetDefault("subagent.purge_grace", "10m")
	v.SetDefault("subagent.max_parallel", 8)
	v.SetDefault("subagent.profiles_file", "")
	v.SetDefault("subagent.work_dir", "")

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.default_model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")
	v.SetDefault("anthropic.base_url", "")

	hostname, _ := os.Hostname()
	v.SetDefault("agent.machine_id", hostname)
	v.SetDefault("agent.affinities", []string{})
	v.SetDefault("agent.max_concurrent", 1)
	v.SetDefault("agent.heartbeat_interval", "15s")
	v.SetDefault("agent.poll_interval", "5s")
	v.SetDefault("agent.work_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Default returns a Config holding only built-in defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}

// DefaultDBPath returns ~/.fleet/fleet.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".fleet", "fleet.db")
	}
	return filepath.Join(home, ".fleet", "fleet.db")
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// getUserConfigDir returns the XDG config directory for fleet.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "fleet")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "fleet")
	}
	return filepath.Join(home, ".config", "fleet")
}
