// Package config defines all configuration for the Conversa daemon.
// Config is loaded from a YAML file, with selected fields overridable
// through CONVERSA_* environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	// Name is the daemon name shown in logs.
	Name string `yaml:"name"`

	// Enabled is the global on/off switch. When false the scheduler ticks
	// are no-ops but the process keeps running.
	Enabled bool `yaml:"enabled"`

	// Timezone is the IANA zone used for all trigger evaluation
	// (e.g. "Asia/Shanghai"). Empty means local time.
	Timezone string `yaml:"timezone"`

	// TickIntervalSeconds is the scheduler wake-up interval. Default 30.
	// Values above 60 risk skipping a daily slot entirely, since slot
	// matching is minute-granular.
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`

	// ReplyIntervalSeconds is the cooldown inserted after each successful
	// proactive send, throttling back-to-back sends within one tick.
	ReplyIntervalSeconds int `yaml:"reply_interval_seconds"`

	// HistoryDepth is how many recent messages are passed to the LLM.
	HistoryDepth int `yaml:"history_depth"`

	// QuietHours is the global "HH:MM-HH:MM" no-send window. Supports
	// overnight wraparound ("23:00-07:00"). Empty disables it.
	QuietHours string `yaml:"quiet_hours"`

	// MaxNoReplyDays auto-unsubscribes a session after this many whole days
	// without a human reply. 0 disables auto-unsubscribe.
	MaxNoReplyDays int `yaml:"max_no_reply_days"`

	// SubscribeMode is "manual" or "auto". In auto mode any inbound human
	// message subscribes (or re-subscribes) the session.
	SubscribeMode string `yaml:"subscribe_mode"`

	// AppendTimestamp prepends "[<time>] " to outgoing proactive messages.
	AppendTimestamp bool `yaml:"append_timestamp"`

	// TimeFormat is the Go layout used for the {now} placeholder and the
	// timestamp prefix.
	TimeFormat string `yaml:"time_format"`

	// Idle configures the idle (inactivity) trigger.
	Idle IdleConfig `yaml:"idle"`

	// Daily configures the daily greeting slots.
	Daily DailyConfig `yaml:"daily"`

	// Reminders configures user reminders.
	Reminders RemindersConfig `yaml:"reminders"`

	// API configures the LLM provider endpoint.
	API APIConfig `yaml:"api"`

	// Persona is the system prompt used for proactive generations.
	Persona PersonaConfig `yaml:"persona"`

	// Storage configures state persistence.
	Storage StorageConfig `yaml:"storage"`

	// History configures the durable conversation history store.
	History HistoryConfig `yaml:"history"`

	// Channels configures messaging channels.
	Channels ChannelsConfig `yaml:"channels"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// IdleConfig configures the inactivity-triggered greeting.
type IdleConfig struct {
	// Enabled turns idle greetings on/off.
	Enabled bool `yaml:"enabled"`

	// AfterMinutes is the base delay before an idle greeting becomes
	// eligible, for sessions without a per-session override.
	AfterMinutes int `yaml:"after_minutes"`

	// FluctuationMinutes is the +/- jitter applied to AfterMinutes so that
	// proactive messages don't arrive on a mechanical schedule.
	FluctuationMinutes int `yaml:"fluctuation_minutes"`

	// MinMinutes is the floor applied after jitter. Default 30.
	MinMinutes int `yaml:"min_minutes"`

	// PromptTemplates are the candidate prompts for idle greetings; one is
	// picked at random per firing. Placeholders: {now}, {last_user},
	// {last_ai}, {session}.
	PromptTemplates []string `yaml:"prompt_templates"`
}

// DailySlot is one fixed wall-clock greeting time.
type DailySlot struct {
	// Enabled turns this slot on/off.
	Enabled bool `yaml:"enabled"`

	// Time is the "HH:MM" firing time.
	Time string `yaml:"time"`

	// Prompt is the template used when this slot fires.
	Prompt string `yaml:"prompt"`
}

// DailyConfig configures the daily greeting slots.
type DailyConfig struct {
	// Enabled is the global daily-greetings toggle.
	Enabled bool `yaml:"enabled"`

	// Slots holds up to three independently configured firing times.
	// Slots sharing a clock-minute with an earlier slot are skipped.
	Slots []DailySlot `yaml:"slots"`
}

// RemindersConfig configures user reminders.
type RemindersConfig struct {
	// Enabled turns the reminder feature on/off.
	Enabled bool `yaml:"enabled"`

	// PromptTemplate wraps the reminder content for the LLM.
	// Placeholders: {reminder_content}, {now}.
	PromptTemplate string `yaml:"prompt_template"`
}

// APIConfig configures the LLM provider endpoint (OpenAI-compatible).
type APIConfig struct {
	// BaseURL is the API base URL (default "https://api.openai.com/v1").
	BaseURL string `yaml:"base_url" env:"CONVERSA_API_BASE_URL"`

	// APIKey is the bearer token. Prefer setting it via environment.
	APIKey string `yaml:"api_key" env:"CONVERSA_API_KEY"`

	// Model is the model identifier.
	Model string `yaml:"model" env:"CONVERSA_MODEL"`
}

// PersonaConfig configures the system prompt for proactive generations.
type PersonaConfig struct {
	// SystemPrompt is used verbatim when non-empty.
	SystemPrompt string `yaml:"system_prompt"`
}

// StorageConfig configures state persistence.
type StorageConfig struct {
	// Dir is the directory holding sessions.json, profiles.json and
	// reminders.json.
	Dir string `yaml:"dir" env:"CONVERSA_DATA_DIR"`

	// DebounceMs is the quiet period before coalesced state mutations are
	// written to disk. Default 2000.
	DebounceMs int `yaml:"debounce_ms"`

	// CacheLimit bounds the per-session context cache. Default 32.
	CacheLimit int `yaml:"cache_limit"`
}

// HistoryConfig configures the SQLite conversation history store.
type HistoryConfig struct {
	// Enabled turns the durable history store on/off. When off, the
	// in-memory context cache is the only history source.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// ChannelsConfig configures messaging channels.
type ChannelsConfig struct {
	// Discord configures the Discord channel.
	Discord DiscordConfig `yaml:"discord"`
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	// Enabled turns the Discord channel on/off.
	Enabled bool `yaml:"enabled"`

	// Token is the bot token.
	Token string `yaml:"token" env:"CONVERSA_DISCORD_TOKEN"`

	// AllowedGuilds restricts which guild IDs are tracked. Empty = all.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs are tracked. Empty = all.
	AllowedChannels []string `yaml:"allowed_channels"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level" env:"CONVERSA_LOG_LEVEL"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns a Config with the reference defaults.
func Default() *Config {
	return &Config{
		Name:                 "conversa",
		Enabled:              true,
		TickIntervalSeconds:  30,
		ReplyIntervalSeconds: 10,
		HistoryDepth:         8,
		SubscribeMode:        "manual",
		TimeFormat:           "2006-01-02 15:04",
		Idle: IdleConfig{
			Enabled:            true,
			AfterMinutes:       45,
			FluctuationMinutes: 15,
			MinMinutes:         30,
			PromptTemplates: []string{
				"It is {now} and the conversation has gone quiet. Naturally pick it back up with the user.",
			},
		},
		Daily: DailyConfig{
			Enabled: true,
			Slots:   []DailySlot{{}, {}, {}},
		},
		Reminders: RemindersConfig{
			Enabled:        true,
			PromptTemplate: "The user asked to be reminded: {reminder_content}. It is now {now}. Deliver the reminder in your own voice.",
		},
		API: APIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Storage: StorageConfig{
			Dir:        "./data",
			DebounceMs: 2000,
			CacheLimit: 32,
		},
		History: HistoryConfig{
			Path: "./data/history.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML config at path on top of the defaults and then applies
// CONVERSA_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}
	return cfg, nil
}

// FindConfigFile returns the first config file found in the usual locations,
// or "" when none exists.
func FindConfigFile() string {
	candidates := []string{"conversa.yaml", "conversa.yml", "config.yaml"}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// TickInterval returns the tick interval as a duration, defaulting to 30s.
func (c *Config) TickInterval() time.Duration {
	if c.TickIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// DebounceDelay returns the persistence debounce delay, defaulting to 2s.
func (c *Config) DebounceDelay() time.Duration {
	if c.Storage.DebounceMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Storage.DebounceMs) * time.Millisecond
}
