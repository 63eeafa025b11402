package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

const (
	TransportTelegram = "telegram"
	TransportDiscord  = "discord"

	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

type Config struct {
	Relay        RelayConfig        `json:"relay"`
	Agents       AgentsConfig       `json:"agents"`
	Channels     ChannelsConfig     `json:"channels"`
	Providers    ProvidersConfig    `json:"providers"`
	Storage      StorageConfig      `json:"storage"`
	Context      ContextConfig      `json:"context"`
	Poller       PollerConfig       `json:"poller"`
	Documents    DocumentsConfig    `json:"documents"`
	Conversation ConversationConfig `json:"conversation"`
	Gateway      GatewayConfig      `json:"gateway"`
	Logging      LoggingConfig      `json:"logging"`
	mu           sync.RWMutex
}

type RelayConfig struct {
	Workspace string `json:"workspace" env:"DOTRELAY_RELAY_WORKSPACE"`
	Transport string `json:"transport" env:"DOTRELAY_RELAY_TRANSPORT"`
	// AutoStart starts the poller together with the gateway. When false the
	// operator flips it on through the control surface.
	AutoStart bool `json:"auto_start" env:"DOTRELAY_RELAY_AUTO_START"`
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	Provider              string  `json:"provider" env:"DOTRELAY_AGENTS_DEFAULTS_PROVIDER"`
	Model                 string  `json:"model" env:"DOTRELAY_AGENTS_DEFAULTS_MODEL"`
	MaxTokens             int     `json:"max_tokens" env:"DOTRELAY_AGENTS_DEFAULTS_MAX_TOKENS"`
	Temperature           float64 `json:"temperature" env:"DOTRELAY_AGENTS_DEFAULTS_TEMPERATURE"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds" env:"DOTRELAY_AGENTS_DEFAULTS_REQUEST_TIMEOUT_SECONDS"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Token              string              `json:"token" env:"DOTRELAY_CHANNELS_TELEGRAM_TOKEN"`
	APIBase            string              `json:"api_base" env:"DOTRELAY_CHANNELS_TELEGRAM_API_BASE"`
	PollTimeoutSeconds int                 `json:"poll_timeout_seconds" env:"DOTRELAY_CHANNELS_TELEGRAM_POLL_TIMEOUT_SECONDS"`
	AllowFrom          FlexibleStringSlice `json:"allow_from" env:"DOTRELAY_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type DiscordConfig struct {
	Token     string              `json:"token" env:"DOTRELAY_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"DOTRELAY_CHANNELS_DISCORD_ALLOW_FROM"`
}

type ProvidersConfig struct {
	Ollama     OllamaConfig   `json:"ollama"`
	OpenRouter ProviderConfig `json:"openrouter"`
}

type OllamaConfig struct {
	APIBase string `json:"api_base" env:"DOTRELAY_PROVIDERS_OLLAMA_API_BASE"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"DOTRELAY_PROVIDERS_OPENROUTER_API_KEY"`
	APIBase string `json:"api_base" env:"DOTRELAY_PROVIDERS_OPENROUTER_API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"DOTRELAY_PROVIDERS_OPENROUTER_PROXY"`
}

type StorageConfig struct {
	Backend         string      `json:"backend" env:"DOTRELAY_STORAGE_BACKEND"`
	Path            string      `json:"path" env:"DOTRELAY_STORAGE_PATH"`
	Redis           RedisConfig `json:"redis"`
	MaintenanceCron string      `json:"maintenance_cron" env:"DOTRELAY_STORAGE_MAINTENANCE_CRON"`
}

type RedisConfig struct {
	Addr      string `json:"addr" env:"DOTRELAY_STORAGE_REDIS_ADDR"`
	Password  string `json:"password,omitempty" env:"DOTRELAY_STORAGE_REDIS_PASSWORD"`
	DB        int    `json:"db" env:"DOTRELAY_STORAGE_REDIS_DB"`
	KeyPrefix string `json:"key_prefix" env:"DOTRELAY_STORAGE_REDIS_KEY_PREFIX"`
}

type ContextConfig struct {
	MaxHistoryMessages int `json:"max_history_messages" env:"DOTRELAY_CONTEXT_MAX_HISTORY_MESSAGES"` // 0 = unbounded
	MaxDocumentChars   int `json:"max_document_chars" env:"DOTRELAY_CONTEXT_MAX_DOCUMENT_CHARS"`     // 0 = unbounded
}

type PollerConfig struct {
	IntervalMS          int  `json:"interval_ms" env:"DOTRELAY_POLLER_INTERVAL_MS"`
	FetchTimeoutSeconds int  `json:"fetch_timeout_seconds" env:"DOTRELAY_POLLER_FETCH_TIMEOUT_SECONDS"`
	PersistCursor       bool `json:"persist_cursor" env:"DOTRELAY_POLLER_PERSIST_CURSOR"`
}

type DocumentsConfig struct {
	MaxBytes int64 `json:"max_bytes" env:"DOTRELAY_DOCUMENTS_MAX_BYTES"`
}

type ConversationConfig struct {
	SerializeUpdates bool `json:"serialize_updates" env:"DOTRELAY_CONVERSATION_SERIALIZE_UPDATES"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"DOTRELAY_GATEWAY_HOST"`
	Port int    `json:"port" env:"DOTRELAY_GATEWAY_PORT"`
}

type LoggingConfig struct {
	Level  string `json:"level" env:"DOTRELAY_LOGGING_LEVEL"`
	Format string `json:"format" env:"DOTRELAY_LOGGING_FORMAT"`
}

func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			Workspace: "~/.dotrelay/workspace",
			Transport: TransportTelegram,
			AutoStart: true,
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider:              "ollama",
				Model:                 "llama3.2",
				MaxTokens:             2048,
				Temperature:           0.7,
				RequestTimeoutSeconds: 120,
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				APIBase:            "https://api.telegram.org",
				PollTimeoutSeconds: 10,
				AllowFrom:          FlexibleStringSlice{},
			},
			Discord: DiscordConfig{
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Providers: ProvidersConfig{
			Ollama: OllamaConfig{APIBase: "http://localhost:11434"},
		},
		Storage: StorageConfig{
			Backend:         BackendSQLite,
			Path:            "~/.dotrelay/workspace/state/relay.db",
			Redis:           RedisConfig{Addr: "localhost:6379", KeyPrefix: "dotrelay"},
			MaintenanceCron: "0 4 * * *",
		},
		Poller: PollerConfig{
			IntervalMS:          1000,
			FetchTimeoutSeconds: 30,
		},
		Documents: DocumentsConfig{
			MaxBytes: 20 << 20,
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads path (missing file is fine), preloads .env files found in
// the working directory and next to the config, then applies DOTRELAY_*
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	loadDotEnv(".env", filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadDotEnv(paths ...string) {
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		// godotenv.Load never overrides variables already set in the process.
		_ = godotenv.Load(abs)
	}
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.Relay.Transport)) {
	case TransportTelegram:
		if strings.TrimSpace(c.Channels.Telegram.Token) == "" {
			errs = append(errs, errors.New("channels.telegram.token is required for the telegram transport"))
		}
	case TransportDiscord:
		if strings.TrimSpace(c.Channels.Discord.Token) == "" {
			errs = append(errs, errors.New("channels.discord.token is required for the discord transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("relay.transport %q is not supported (telegram, discord)", c.Relay.Transport))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Backend)) {
	case BackendSQLite, BackendBolt:
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for file backends"))
		}
	case BackendRedis:
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported (sqlite, bolt, redis)", c.Storage.Backend))
	}

	if cron := strings.TrimSpace(c.Storage.MaintenanceCron); cron != "" && !gronx.New().IsValid(cron) {
		errs = append(errs, fmt.Errorf("storage.maintenance_cron %q is not a valid cron expression", cron))
	}
	if c.Poller.IntervalMS <= 0 {
		errs = append(errs, errors.New("poller.interval_ms must be positive"))
	}
	if c.Poller.FetchTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("poller.fetch_timeout_seconds must be positive"))
	}
	if c.Context.MaxHistoryMessages < 0 || c.Context.MaxDocumentChars < 0 {
		errs = append(errs, errors.New("context limits must not be negative"))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	return errors.Join(errs...)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Relay.Workspace)
}

func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.Path)
}

func (c *Config) TransportName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.ToLower(strings.TrimSpace(c.Relay.Transport))
}

func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Poller.IntervalMS) * time.Millisecond
}

func (c *Config) FetchTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Poller.FetchTimeoutSeconds) * time.Second
}

func (c *Config) GetAPIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Providers.OpenRouter.APIBase != "" {
		return c.Providers.OpenRouter.APIBase
	}
	return "https://openrouter.ai/api/v1"
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
