// Package config loads the daemon configuration: a JSON5 file with
// environment overrides for secrets, plus a file watcher for hot reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Duration is a time.Duration that unmarshals from "30s"-style strings or
// bare numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, `"`) {
		v, err := time.ParseDuration(strings.Trim(s, `"`))
		if err != nil {
			return fmt.Errorf("duration %s: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("duration %s: %w", s, err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	// DataDir holds the sqlite database. Defaults to ~/.rustlink.
	DataDir string `json:"data_dir"`

	Log     LogConfig     `json:"log"`
	Conn    ConnConfig    `json:"conn"`
	Pairing PairingConfig `json:"pairing"`
	Watch   WatchConfig   `json:"watch"`
	Discord DiscordConfig `json:"discord"`
}

type LogConfig struct {
	Level string `json:"level"` // debug, info, warn, error
}

// ConnConfig tunes the connection manager, retry loop and health monitor.
type ConnConfig struct {
	CallTimeout      Duration `json:"call_timeout"`
	MaxRetries       int      `json:"max_retries"`
	BackoffBase      Duration `json:"backoff_base"`
	BackoffMax       Duration `json:"backoff_max"`
	FailureThreshold int      `json:"failure_threshold"`
	SilenceThreshold Duration `json:"silence_threshold"`
	MaxReconnects    int      `json:"max_reconnects"`
	RateLimit        float64  `json:"rate_limit"` // calls per second per user
	RateBurst        int      `json:"rate_burst"`
}

// PairingConfig tunes the push listeners and naming sessions.
type PairingConfig struct {
	// BridgeURL is the push-bridge WebSocket endpoint. Empty disables
	// pairing notifications.
	BridgeURL     string   `json:"bridge_url"`
	SessionTTL    Duration `json:"session_ttl"`
	SweepInterval Duration `json:"sweep_interval"`
	RestartDelay  Duration `json:"restart_delay"`
	DedupeTTL     Duration `json:"dedupe_ttl"`
}

// WatchConfig tunes the team watcher and death history.
type WatchConfig struct {
	PollInterval     Duration `json:"poll_interval"`
	AnnounceRespawns bool     `json:"announce_respawns"`
	DeathRetention   Duration `json:"death_retention"`
}

type DiscordConfig struct {
	Token string `json:"token"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".rustlink"),
		Log:     LogConfig{Level: "info"},
		Conn: ConnConfig{
			CallTimeout:      Duration(10 * time.Second),
			MaxRetries:       2,
			BackoffBase:      Duration(500 * time.Millisecond),
			BackoffMax:       Duration(5 * time.Second),
			FailureThreshold: 3,
			SilenceThreshold: Duration(5 * time.Minute),
			MaxReconnects:    3,
			RateLimit:        2,
			RateBurst:        5,
		},
		Pairing: PairingConfig{
			SessionTTL:    Duration(5 * time.Minute),
			SweepInterval: Duration(time.Minute),
			RestartDelay:  Duration(5 * time.Second),
			DedupeTTL:     Duration(10 * time.Minute),
		},
		Watch: WatchConfig{
			PollInterval:   Duration(10 * time.Second),
			DeathRetention: Duration(7 * 24 * time.Hour),
		},
	}
}

// Load reads the JSON5 config file at path over the defaults, then applies
// environment overrides. A missing file is not an error: defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to env + defaults
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv maps RUSTLINK_* variables over the file values. Secrets belong
// here, not in the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("RUSTLINK_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RUSTLINK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RUSTLINK_DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	if v := os.Getenv("RUSTLINK_BRIDGE_URL"); v != "" {
		c.Pairing.BridgeURL = v
	}
}

// DBPath returns the sqlite database location under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "rustlink.db")
}
