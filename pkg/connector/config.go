// w2d - A WhatsApp to Discord bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	_ "embed"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Discord   DiscordConfig     `yaml:"discord"`
	WhatsApp  WhatsAppConfig    `yaml:"whatsapp"`
	Bridge    BridgeConfig      `yaml:"bridge"`
	State     StateConfig       `yaml:"state"`
	Media     MediaConfig       `yaml:"media"`
	Reminders RemindersConfig   `yaml:"reminders"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Logging   zeroconfig.Config `yaml:"logging"`
}

type DiscordConfig struct {
	Token string `yaml:"token"`

	// GuildID pins the bridge to one server. When empty, the first server
	// the bot is in is used and remembered in the state file.
	GuildID string `yaml:"guild_id"`
}

type WhatsAppConfig struct {
	// Database is the SQLite file holding the WhatsApp session and the
	// message archive used for backlog catch-up and lazy media loading.
	Database string `yaml:"database"`
}

type BridgeConfig struct {
	DisplaynameTemplate string `yaml:"displayname_template"`
	displaynameTemplate *template.Template

	// StartupChatLimit is how many recent, not yet bridged chats get a room
	// when the bridge starts.
	StartupChatLimit int `yaml:"startup_chat_limit"`

	// BacklogLimit caps how many missed messages are replayed per chat.
	BacklogLimit int `yaml:"backlog_limit"`

	// LedgerLimit caps how many message pairs each chat remembers for reply
	// threading and button lookups. 0 keeps everything.
	LedgerLimit int `yaml:"ledger_limit"`

	// FileSizeLimit is the largest attachment Discord accepts, in bytes.
	FileSizeLimit int64 `yaml:"file_size_limit"`

	DefaultMapZoom int `yaml:"default_map_zoom"`

	// OutgoingAudioFormat is the container Discord audio is converted to
	// before it is sent to WhatsApp as a voice note.
	OutgoingAudioFormat string `yaml:"outgoing_audio_format"`
}

type StateConfig struct {
	// Backend is "json" (a single file at Path) or "sqlite" (a row in the
	// WhatsApp database).
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type MediaConfig struct {
	ImageMagickPath string `yaml:"imagemagick_path"`
	TileURL         string `yaml:"tile_url"`
	UserAgent       string `yaml:"user_agent"`
	ZapSound        string `yaml:"zap_sound"`
}

type RemindersConfig struct {
	Timezone      string        `yaml:"timezone"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type umBridgeConfig BridgeConfig

func (c *BridgeConfig) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umBridgeConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *BridgeConfig) PostProcess() error {
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	if c.StartupChatLimit <= 0 {
		c.StartupChatLimit = 5
	}
	if c.BacklogLimit <= 0 {
		c.BacklogLimit = 5
	}
	if c.FileSizeLimit <= 0 {
		c.FileSizeLimit = DefaultFileSizeLimit
	}
	if c.DefaultMapZoom <= 0 {
		c.DefaultMapZoom = DefaultMapZoom
	}
	if c.OutgoingAudioFormat == "" {
		c.OutgoingAudioFormat = "ogg"
	}
	return err
}

type DisplaynameParams struct {
	PushName     string
	FullName     string
	FirstName    string
	BusinessName string
	Phone        string
	ID           string
}

func (c *BridgeConfig) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		if err := c.PostProcess(); err != nil {
			return params.ID
		}
	}
	var buf strings.Builder
	err := c.displaynameTemplate.Execute(&buf, &params)
	if err != nil {
		return params.ID
	}
	name := strings.TrimSpace(buf.String())
	if name == "" {
		return params.ID
	}
	return name
}

// Location returns the configured reminder timezone, falling back to UTC.
func (c *RemindersConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "discord", "token")
	helper.Copy(up.Str|up.Null, "discord", "guild_id")
	helper.Copy(up.Str, "whatsapp", "database")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Int, "bridge", "startup_chat_limit")
	helper.Copy(up.Int, "bridge", "backlog_limit")
	helper.Copy(up.Int, "bridge", "ledger_limit")
	helper.Copy(up.Int, "bridge", "file_size_limit")
	helper.Copy(up.Int, "bridge", "default_map_zoom")
	helper.Copy(up.Str, "bridge", "outgoing_audio_format")
	helper.Copy(up.Str, "state", "backend")
	helper.Copy(up.Str, "state", "path")
	helper.Copy(up.Str, "media", "imagemagick_path")
	helper.Copy(up.Str, "media", "tile_url")
	helper.Copy(up.Str, "media", "user_agent")
	helper.Copy(up.Str, "media", "zap_sound")
	helper.Copy(up.Str, "reminders", "timezone")
	helper.Copy(up.Str, "reminders", "check_interval")
	helper.Copy(up.Bool, "metrics", "enabled")
	helper.Copy(up.Str, "metrics", "listen")
	helper.Copy(up.Map, "logging")
}

// ConfigUpgrader merges an existing config file with the bundled example,
// keeping user values and adding new keys.
var ConfigUpgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Base:           ExampleConfig,
}

// LoadConfig reads the config at path, upgrading it in place when new keys
// were added.
func LoadConfig(path string) (*Config, error) {
	data, _, err := up.Do(path, true, ConfigUpgrader)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
