// Package config provides YAML-based configuration loading for the bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level bot configuration, loaded from corsar.yaml.
type Config struct {
	TokenEnv string        `yaml:"token_env"`
	Prefix   string        `yaml:"prefix"`
	Discord  DiscordConfig `yaml:"discord"`
	Forward  ForwardConfig `yaml:"forward"`
	Bridge   BridgeConfig  `yaml:"bridge"`
	Gateway  GatewayConfig `yaml:"gateway"`
	Signup   SignupConfig  `yaml:"signup"`
	Status   StatusConfig  `yaml:"status"`
	Log      LogConfig     `yaml:"log"`
}

// DiscordConfig identifies the guild the bot serves.
type DiscordConfig struct {
	GuildID         string `yaml:"guild_id"`
	MemberRoleID    string `yaml:"member_role_id"`
	SourceChannelID string `yaml:"source_channel_id"` // messages here go to the sibling
}

// ForwardConfig names where messages from the sibling are posted.
type ForwardConfig struct {
	GuildID string `yaml:"guild_id"`
	Channel string `yaml:"channel"` // channel ID or name
}

// BridgeConfig holds the cross-process command sockets.
type BridgeConfig struct {
	Socket          string `yaml:"socket"`
	SiblingSocket   string `yaml:"sibling_socket"` // empty disables outbound forwarding
	SiblingPlatform string `yaml:"sibling_platform"`
}

// GatewayConfig sizes the worker pool that runs platform calls.
type GatewayConfig struct {
	Workers int `yaml:"workers"`
}

// SignupConfig configures the new-member dialogue.
type SignupConfig struct {
	RulesPath       string `yaml:"rules_path"`
	ReplyTimeoutSec int    `yaml:"reply_timeout_sec"`
}

// ReplyTimeout returns the per-reply wait as a duration.
func (s SignupConfig) ReplyTimeout() time.Duration {
	return time.Duration(s.ReplyTimeoutSec) * time.Second
}

// StatusConfig configures the HTTP status endpoint. Port 0 disables it.
type StatusConfig struct {
	Port int `yaml:"port"`
}

// LogConfig selects log verbosity and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Token reads the bot token from the environment variable named by TokenEnv.
func (c *Config) Token() (string, error) {
	token := strings.TrimSpace(os.Getenv(c.TokenEnv))
	if token == "" {
		return "", fmt.Errorf("config: environment variable %s is not set", c.TokenEnv)
	}
	return token, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.TokenEnv == "" {
		c.TokenEnv = "QUEENSCORSAR_TOKEN"
	}
	if c.Prefix == "" {
		c.Prefix = "!"
	}
	if c.Forward.GuildID == "" {
		c.Forward.GuildID = c.Discord.GuildID
	}
	if c.Bridge.Socket == "" {
		c.Bridge.Socket = "/tmp/qcorsar.discord.sock"
	}
	if c.Bridge.SiblingPlatform == "" {
		c.Bridge.SiblingPlatform = "telegram"
	}
	if c.Gateway.Workers == 0 {
		c.Gateway.Workers = 8
	}
	if c.Signup.RulesPath == "" {
		c.Signup.RulesPath = "rules.md"
	}
	if c.Signup.ReplyTimeoutSec == 0 {
		c.Signup.ReplyTimeoutSec = 120
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Discord.GuildID == "" {
		errs = append(errs, "discord.guild_id is required")
	}
	if c.Discord.MemberRoleID == "" {
		errs = append(errs, "discord.member_role_id is required")
	}
	if c.Discord.SourceChannelID == "" {
		errs = append(errs, "discord.source_channel_id is required")
	}
	if c.Forward.Channel == "" {
		errs = append(errs, "forward.channel is required")
	}
	if c.Bridge.SiblingSocket != "" && c.Bridge.SiblingSocket == c.Bridge.Socket {
		errs = append(errs, "bridge.sibling_socket must differ from bridge.socket")
	}
	switch c.Bridge.SiblingPlatform {
	case "telegram", "discord":
	default:
		errs = append(errs, fmt.Sprintf("bridge.sibling_platform %q is not supported", c.Bridge.SiblingPlatform))
	}
	if c.Gateway.Workers < 0 {
		errs = append(errs, "gateway.workers must be positive")
	}
	if c.Signup.ReplyTimeoutSec < 0 {
		errs = append(errs, "signup.reply_timeout_sec must be positive")
	}
	if c.Status.Port < 0 || c.Status.Port > 65535 {
		errs = append(errs, fmt.Sprintf("status.port %d is out of range", c.Status.Port))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be console or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
