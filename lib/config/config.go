// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/blobnet/lib/verify"
)

// EnvironmentVariable names the variable Load reads the config path
// from.
const EnvironmentVariable = "BLOBNET_CONFIG"

// Config is the daemon configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" json:"store"`
	Network    NetworkConfig    `yaml:"network" json:"network"`
	Downloader DownloaderConfig `yaml:"downloader" json:"downloader"`
	Log        LogConfig        `yaml:"log" json:"log"`

	// Mirror lists content the daemon fetches from Network.Peers at
	// startup and keeps tagged.
	Mirror []MirrorConfig `yaml:"mirror" json:"mirror"`
}

// StoreConfig configures the local blob store.
type StoreConfig struct {
	// Root is the store directory.
	Root string `yaml:"root" json:"root"`

	// PoolSize is the number of SQLite index connections. Zero uses
	// the store's default.
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// GCInterval is how often the daemon collects unreachable blobs.
	// Empty or "0" disables periodic collection.
	GCInterval string `yaml:"gc_interval" json:"gc_interval"`
}

// NetworkConfig configures serving and dialing.
type NetworkConfig struct {
	// Listen is the TCP address to serve blobs on. Empty disables
	// serving.
	Listen string `yaml:"listen" json:"listen"`

	// DialTimeout bounds connection establishment to a peer.
	DialTimeout string `yaml:"dial_timeout" json:"dial_timeout"`

	// Peers are the default candidates for fetches that name none.
	Peers []string `yaml:"peers" json:"peers"`

	// Codecs is the frame compression preference, most preferred
	// first. Valid names are "zstd", "lz4" and "none".
	Codecs []string `yaml:"codecs" json:"codecs"`
}

// DownloaderConfig tunes fetch scheduling. Zero values select the
// downloader's defaults.
type DownloaderConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent" json:"max_concurrent"`
	MaxCycles     int    `yaml:"max_cycles" json:"max_cycles"`
	BaseDelay     string `yaml:"base_delay" json:"base_delay"`
	MaxDelay      string `yaml:"max_delay" json:"max_delay"`
	RangeChunks   uint64 `yaml:"range_chunks" json:"range_chunks"`
	Window        int    `yaml:"window" json:"window"`
}

// MirrorConfig names one blob or collection to keep locally.
type MirrorConfig struct {
	// Hash is the content hash, hex or CID text.
	Hash string `yaml:"hash" json:"hash"`

	// Tag is the name the fetched content is tagged with, rooting it
	// against garbage collection.
	Tag string `yaml:"tag" json:"tag"`

	// Collection fetches the members of a collection as well as the
	// collection blob.
	Collection bool `yaml:"collection" json:"collection"`
}

// LogConfig configures the daemon's structured log.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`

	// Format is json or text.
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration every loaded file is merged into.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Store: StoreConfig{
			Root:       filepath.Join(homeDir, ".local", "share", "blobnet"),
			GCInterval: "1h",
		},
		Network: NetworkConfig{
			Listen:      ":7892",
			DialTimeout: "10s",
			Codecs:      []string{"zstd", "lz4"},
		},
		Downloader: DownloaderConfig{
			MaxConcurrent: 8,
			MaxCycles:     3,
			BaseDelay:     "500ms",
			MaxDelay:      "30s",
			RangeChunks:   64,
			Window:        4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads the file named by BLOBNET_CONFIG. There is no fallback
// when the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your blobnet config file, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile loads the configuration at path over [Default], then
// expands variables. It does not validate; call [Config.Validate].
func LoadFile(path string) (*Config, error) {
	config := Default()
	if err := config.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	config.expandVariables()
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, c)
	case ".json", ".jsonc":
		return json.Unmarshal(jsonc.ToJSON(data), c)
	default:
		return fmt.Errorf("unsupported config extension %q (want .yaml, .yml, .json, or .jsonc)", filepath.Ext(path))
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Store.Root = expandVars(c.Store.Root, vars)
	vars["BLOBNET_ROOT"] = c.Store.Root

	c.Network.Listen = expandVars(c.Network.Listen, vars)
	for i, peer := range c.Network.Peers {
		c.Network.Peers[i] = expandVars(peer, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}, preferring vars over
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value := vars[name]; value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"json", "text"}
	codecNames = []string{"zstd", "lz4", "none"}
)

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Store.Root == "" {
		errs = append(errs, errors.New("store.root is required"))
	}
	if c.Store.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("store.pool_size must not be negative, got %d", c.Store.PoolSize))
	}
	errs = appendDurationError(errs, "store.gc_interval", c.Store.GCInterval)
	errs = appendDurationError(errs, "network.dial_timeout", c.Network.DialTimeout)
	for _, codec := range c.Network.Codecs {
		if !slices.Contains(codecNames, codec) {
			errs = append(errs, fmt.Errorf("network.codecs: %q must be one of %v", codec, codecNames))
		}
	}

	d := c.Downloader
	for _, field := range []struct {
		name  string
		value int
	}{
		{"downloader.max_concurrent", d.MaxConcurrent},
		{"downloader.max_cycles", d.MaxCycles},
		{"downloader.window", d.Window},
	} {
		if field.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", field.name, field.value))
		}
	}
	errs = appendDurationError(errs, "downloader.base_delay", d.BaseDelay)
	errs = appendDurationError(errs, "downloader.max_delay", d.MaxDelay)
	if base, limit := parseDuration(d.BaseDelay), parseDuration(d.MaxDelay); base > 0 && limit > 0 && base > limit {
		errs = append(errs, fmt.Errorf("downloader.base_delay %s exceeds downloader.max_delay %s", d.BaseDelay, d.MaxDelay))
	}

	tags := make(map[string]bool, len(c.Mirror))
	for i, mirror := range c.Mirror {
		if _, err := verify.ParseHash(mirror.Hash); err != nil {
			errs = append(errs, fmt.Errorf("mirror[%d].hash: %w", i, err))
		}
		if mirror.Tag == "" {
			errs = append(errs, fmt.Errorf("mirror[%d].tag is required", i))
		} else if tags[mirror.Tag] {
			errs = append(errs, fmt.Errorf("mirror[%d].tag %q is used more than once", i, mirror.Tag))
		}
		tags[mirror.Tag] = true
	}
	if len(c.Mirror) > 0 && len(c.Network.Peers) == 0 {
		errs = append(errs, errors.New("mirror requires at least one network.peers entry"))
	}

	if !slices.Contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of %v, got %q", logLevels, c.Log.Level))
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of %v, got %q", logFormats, c.Log.Format))
	}

	return errors.Join(errs...)
}

func appendDurationError(errs []error, name, value string) []error {
	if value == "" {
		return errs
	}
	if duration, err := time.ParseDuration(value); err != nil {
		return append(errs, fmt.Errorf("%s: %w", name, err))
	} else if duration < 0 {
		return append(errs, fmt.Errorf("%s must not be negative, got %s", name, value))
	}
	return errs
}

// parseDuration parses a validated duration string; empty and invalid
// values are zero.
func parseDuration(value string) time.Duration {
	duration, _ := time.ParseDuration(value)
	return duration
}

// GCIntervalDuration returns the periodic collection interval, zero if
// disabled.
func (s StoreConfig) GCIntervalDuration() time.Duration { return parseDuration(s.GCInterval) }

// DialTimeoutDuration returns the dial timeout, zero if unset.
func (n NetworkConfig) DialTimeoutDuration() time.Duration { return parseDuration(n.DialTimeout) }

// BaseDelayDuration returns the first backoff delay, zero if unset.
func (d DownloaderConfig) BaseDelayDuration() time.Duration { return parseDuration(d.BaseDelay) }

// MaxDelayDuration returns the backoff cap, zero if unset.
func (d DownloaderConfig) MaxDelayDuration() time.Duration { return parseDuration(d.MaxDelay) }

// SlogLevel converts Level for a slog handler. Unknown levels map to
// info.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
