// Package config loads the gateway configuration: YAML (or JSON5) with
// $include resolution, environment expansion and a file watcher that swaps
// snapshots atomically on change.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/clawdis/clawdis/internal/orchestrator"
	"github.com/clawdis/clawdis/pkg/models"
)

// Config is the root configuration document.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Session  SessionConfig  `yaml:"session"`
	Queue    QueueConfig    `yaml:"queue"`
	Channels ChannelsConfig `yaml:"channels"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AgentConfig selects the model chain and turn behavior.
type AgentConfig struct {
	// Command is the agent runtime argv. The gateway execs it per model
	// attempt with the request on stdin and JSON lines on stdout.
	Command []string `yaml:"command"`

	// Env entries are appended to the runtime's inherited environment.
	Env []string `yaml:"env"`

	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	FallbackModels []string      `yaml:"fallback_models"`
	SystemPrompt   string        `yaml:"system_prompt"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// SanitizeMode is "standard" or "strict" tool-call id hygiene.
	SanitizeMode string `yaml:"sanitize_mode"`

	// WorkspaceRoot holds per-session sandbox directories. Defaults to
	// <stateDir>/workspaces.
	WorkspaceRoot string `yaml:"workspace_root"`

	// ForwardToolResults forwards in-turn tool results as interim payloads.
	ForwardToolResults bool `yaml:"forward_tool_results"`

	// NotifyGroupErrors delivers agent-error payloads in group chats.
	NotifyGroupErrors bool `yaml:"notify_group_errors"`
}

// SessionConfig governs the session store.
type SessionConfig struct {
	// AllowedModels restricts /model overrides; empty allows any.
	AllowedModels []string `yaml:"allowed_models"`
}

// QueueConfig tunes per-session debounce and overflow.
type QueueConfig struct {
	Debounce   time.Duration            `yaml:"debounce"`
	ByChannel  map[string]time.Duration `yaml:"by_channel"`
	MaxQueued  int                      `yaml:"max_queued"`
	DropPolicy string                   `yaml:"drop_policy"`
}

// ChannelsConfig carries one entry per channel id.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`

	// TextLimits overrides the outbound chunk limit per channel id.
	TextLimits map[string]int `yaml:"text_limits"`

	// ReplyTo selects the thread filter per channel id
	// (never|threadRoot|always).
	ReplyTo map[string]string `yaml:"reply_to"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

type WhatsAppConfig struct {
	Enabled bool `yaml:"enabled"`
	// StorePath is the whatsmeow session database; defaults under the
	// state dir.
	StorePath string `yaml:"store_path"`
}

// GatewayConfig covers the operator control socket.
type GatewayConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ServerName  string `yaml:"server_name"`
	MetricsPort int    `yaml:"metrics_port"`
}

// LoggingConfig selects level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Provider:     "anthropic",
			SanitizeMode: "standard",
		},
		Queue: QueueConfig{
			Debounce:   400 * time.Millisecond,
			MaxQueued:  20,
			DropPolicy: string(models.DropSummarize),
		},
		Gateway: GatewayConfig{
			Host:       "127.0.0.1",
			Port:       8765,
			ServerName: "clawdis",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Validate rejects values the runtime cannot honor.
func (c *Config) Validate() error {
	if c.Queue.MaxQueued < 0 {
		return fmt.Errorf("queue.max_queued must be >= 0")
	}
	if p := c.Queue.DropPolicy; p != "" && !models.ValidQueueDropPolicy(models.QueueDropPolicy(p)) {
		return fmt.Errorf("queue.drop_policy %q is not one of summarize|old|new", p)
	}
	switch strings.ToLower(c.Agent.SanitizeMode) {
	case "", "standard", "strict":
	default:
		return fmt.Errorf("agent.sanitize_mode %q is not standard or strict", c.Agent.SanitizeMode)
	}
	for channel, mode := range c.Channels.ReplyTo {
		switch orchestrator.ReplyToMode(mode) {
		case orchestrator.ReplyToNever, orchestrator.ReplyToThreadRoot, orchestrator.ReplyToAlways:
		default:
			return fmt.Errorf("channels.reply_to.%s %q is not never|threadRoot|always", channel, mode)
		}
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	return nil
}

// ReplyToModes converts the raw map for the orchestrator.
func (c *Config) ReplyToModes() map[string]orchestrator.ReplyToMode {
	if len(c.Channels.ReplyTo) == 0 {
		return nil
	}
	out := make(map[string]orchestrator.ReplyToMode, len(c.Channels.ReplyTo))
	for channel, mode := range c.Channels.ReplyTo {
		out[strings.ToLower(channel)] = orchestrator.ReplyToMode(mode)
	}
	return out
}
