// Package config loads Warden's configuration from a JSON file with
// defaults for everything, so a missing file yields a runnable setup.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"warden/internal/bans"
	"warden/internal/penalties"
)

// Config is the full configuration surface.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Journal   JournalConfig   `json:"journal"`
	Bans      BansConfig      `json:"bans"`
	Penalties PenaltiesConfig `json:"penalties"`
	Sweeper   SweeperConfig   `json:"sweeper"`
}

type ServerConfig struct {
	// ListenAddr is the bind address of the HTTP API.
	ListenAddr string `json:"listen_addr"`

	// ServerID scopes store rows when not in multi-server mode.
	ServerID int `json:"server_id"`

	// MultiServer shares all records across every game server.
	MultiServer bool `json:"multi_server"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type JournalConfig struct {
	Path string `json:"path"`

	// RetentionDays bounds how long denial entries are kept.
	RetentionDays int `json:"retention_days"`
}

type BansConfig struct {
	// Mode selects "steamid" or "steamid_ip" matching.
	Mode string `json:"mode"`

	// IgnoredIPs are exempt from IP correlation (shared NAT gateways).
	IgnoredIPs []string `json:"ignored_ips"`

	// RefreshSeconds is the cache refresh period.
	RefreshSeconds int `json:"refresh_seconds"`

	// RefreshBatch bounds rows pulled per refresh cycle.
	RefreshBatch int `json:"refresh_batch"`
}

type PenaltiesConfig struct {
	// TimeMode selects "wall_clock" or "playtime" accounting.
	TimeMode string `json:"time_mode"`
}

type SweeperConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
	BatchSize       int `json:"batch_size"`
}

// Error represents a configuration validation error.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return "config error in " + e.Field + ": " + e.Message
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:    ServerConfig{ListenAddr: "0.0.0.0:18920", ServerID: 0},
		Database:  DatabaseConfig{Path: "warden.db"},
		Journal:   JournalConfig{Path: "warden-journal.db", RetentionDays: 30},
		Bans:      BansConfig{Mode: "steamid_ip", RefreshSeconds: 2, RefreshBatch: 300},
		Penalties: PenaltiesConfig{TimeMode: string(penalties.ModeWallClock)},
		Sweeper:   SweeperConfig{IntervalSeconds: 61, BatchSize: 20},
	}
}

// Load reads the config file at path, layered over the defaults. A missing
// file is not an error: the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", path).Msg("config: file not found, using defaults")
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}

	log.Info().Str("path", path).Msg("config: loaded")
	return cfg, nil
}

// Validate checks the cross-field constraints and normalizes zero values
// back to their defaults.
func (c *Config) Validate() error {
	def := Default()

	switch c.Bans.Mode {
	case "steamid", "steamid_ip":
	case "":
		c.Bans.Mode = def.Bans.Mode
	default:
		return &Error{Field: "bans.mode", Message: fmt.Sprintf("unknown mode %q", c.Bans.Mode)}
	}

	switch penalties.Mode(c.Penalties.TimeMode) {
	case penalties.ModeWallClock, penalties.ModePlaytime:
	case "":
		c.Penalties.TimeMode = def.Penalties.TimeMode
	default:
		return &Error{Field: "penalties.time_mode", Message: fmt.Sprintf("unknown time mode %q", c.Penalties.TimeMode)}
	}

	for _, raw := range c.Bans.IgnoredIPs {
		if _, ok := bans.NormalizeIP(raw); !ok {
			return &Error{Field: "bans.ignored_ips", Message: fmt.Sprintf("malformed address %q", raw)}
		}
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = def.Server.ListenAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = def.Database.Path
	}
	if c.Journal.Path == "" {
		c.Journal.Path = def.Journal.Path
	}
	if c.Journal.RetentionDays <= 0 {
		c.Journal.RetentionDays = def.Journal.RetentionDays
	}
	if c.Bans.RefreshSeconds <= 0 {
		c.Bans.RefreshSeconds = def.Bans.RefreshSeconds
	}
	if c.Bans.RefreshBatch <= 0 {
		c.Bans.RefreshBatch = def.Bans.RefreshBatch
	}
	if c.Sweeper.IntervalSeconds <= 0 {
		c.Sweeper.IntervalSeconds = def.Sweeper.IntervalSeconds
	}
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = def.Sweeper.BatchSize
	}
	return nil
}

// BanMode converts the string setting to the typed mode.
func (c *Config) BanMode() bans.Mode {
	if c.Bans.Mode == "steamid_ip" {
		return bans.ModeSteamIDAndIP
	}
	return bans.ModeSteamID
}

// PenaltyMode converts the string setting to the typed mode.
func (c *Config) PenaltyMode() penalties.Mode {
	return penalties.Mode(c.Penalties.TimeMode)
}
