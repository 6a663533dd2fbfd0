// Package config manages instabridge daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete instabridge configuration.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	DB       DBConfig       `koanf:"db"`
	Euphoria PlatformConfig `koanf:"euphoria"`
	Instant  PlatformConfig `koanf:"instant"`
	Bridge   BridgeConfig   `koanf:"bridge"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is served at all.
	Enabled bool `koanf:"enabled"`
	// Listen is the HTTP listen address for the metrics endpoint (e.g., ":9144").
	Listen string `koanf:"listen"`
}

// DBConfig holds the message-id map storage configuration.
type DBConfig struct {
	// Path is the SQLite database file. Empty means an in-memory map that
	// forgets everything on restart.
	Path string `koanf:"path"`
	// Synchronous overrides SQLite's synchronous pragma (e.g., "NORMAL").
	// Empty leaves the driver default in place.
	Synchronous string `koanf:"synchronous"`
}

// PlatformConfig names one chat platform's room and how to reach it.
type PlatformConfig struct {
	// Room is the room name on the platform.
	Room string `koanf:"room"`
	// URLTemplate is the WebSocket URL with a {} placeholder for the room
	// (e.g., "wss://euphoria.leet.nu/room/{}/ws").
	URLTemplate string `koanf:"url_template"`
}

// RoomURL expands the URL template with the configured room name.
func (pc PlatformConfig) RoomURL() string {
	return strings.ReplaceAll(pc.URLTemplate, "{}", pc.Room)
}

// BridgeConfig holds the relay behavior settings.
type BridgeConfig struct {
	// Nick is the display name of the bridge's own presence in both rooms.
	Nick string `koanf:"nick"`
	// SurrogateDelay is how long a fresh join must hold before a surrogate
	// connection is dialed. Sessions that part within the window never get
	// one.
	SurrogateDelay time.Duration `koanf:"surrogate_delay"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The room URL templates point at the public euphoria and instant
// deployments; the empty db path keeps the id map in memory, which is fine
// for trying the bridge out but loses reply threading across restarts.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9144",
		},
		DB: DBConfig{
			Path:        "",
			Synchronous: "",
		},
		Euphoria: PlatformConfig{
			Room:        "test",
			URLTemplate: "wss://euphoria.leet.nu/room/{}/ws",
		},
		Instant: PlatformConfig{
			Room:        "test",
			URLTemplate: "wss://instant.leet.nu/room/{}/ws",
		},
		Bridge: BridgeConfig{
			Nick:           "bridge",
			SurrogateDelay: 2 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for instabridge configuration.
// Variables are named INSTABRIDGE_<section>_<key>, e.g., INSTABRIDGE_LOG_LEVEL.
const envPrefix = "INSTABRIDGE_"

// legacyEnvKeys maps the unprefixed environment variables of earlier bridge
// deployments onto configuration keys. They keep working so existing
// service units survive the upgrade; the INSTABRIDGE_ form wins when both
// are set.
var legacyEnvKeys = map[string]string{
	"INSTANT_ROOM_TEMPLATE": "instant.url_template",
	"BRIDGE_DB_SYNC":        "db.synchronous",
}

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (INSTABRIDGE_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips the
// file layer entirely, so the bridge runs on defaults plus environment.
//
// Environment variable mapping:
//
//	INSTABRIDGE_LOG_LEVEL             -> log.level
//	INSTABRIDGE_LOG_FORMAT            -> log.format
//	INSTABRIDGE_METRICS_ENABLED       -> metrics.enabled
//	INSTABRIDGE_METRICS_LISTEN        -> metrics.listen
//	INSTABRIDGE_DB_PATH               -> db.path
//	INSTABRIDGE_DB_SYNCHRONOUS        -> db.synchronous
//	INSTABRIDGE_EUPHORIA_ROOM         -> euphoria.room
//	INSTABRIDGE_EUPHORIA_URL_TEMPLATE -> euphoria.url_template
//	INSTABRIDGE_INSTANT_ROOM          -> instant.room
//	INSTABRIDGE_INSTANT_URL_TEMPLATE  -> instant.url_template
//	INSTABRIDGE_BRIDGE_NICK           -> bridge.nick
//	INSTABRIDGE_BRIDGE_SURROGATE_DELAY -> bridge.surrogate_delay
//
// The unprefixed INSTANT_ROOM_TEMPLATE and BRIDGE_DB_SYNC variables from
// earlier deployments are honored as well.
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Legacy unprefixed variables sit between the file and the prefixed
	// overrides.
	for name, key := range legacyEnvKeys {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("apply %s: %w", name, err)
			}
		}
	}

	// Load environment variable overrides on top.
	// INSTABRIDGE_EUPHORIA_ROOM -> euphoria.room (strip prefix, lowercase,
	// first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		if path == "" {
			return nil, fmt.Errorf("validate config: %w", err)
		}
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms INSTABRIDGE_EUPHORIA_URL_TEMPLATE -> euphoria.url_template.
// Strips the INSTABRIDGE_ prefix, lowercases, and splits section from key on
// the first underscore; later underscores belong to the key itself.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return section
	}
	return section + "." + key
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":              defaults.Log.Level,
		"log.format":             defaults.Log.Format,
		"metrics.enabled":        defaults.Metrics.Enabled,
		"metrics.listen":         defaults.Metrics.Listen,
		"db.path":                defaults.DB.Path,
		"db.synchronous":         defaults.DB.Synchronous,
		"euphoria.room":          defaults.Euphoria.Room,
		"euphoria.url_template":  defaults.Euphoria.URLTemplate,
		"instant.room":           defaults.Instant.Room,
		"instant.url_template":   defaults.Instant.URLTemplate,
		"bridge.nick":            defaults.Bridge.Nick,
		"bridge.surrogate_delay": defaults.Bridge.SurrogateDelay.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyRoom indicates a platform room name is empty.
	ErrEmptyRoom = errors.New("room must not be empty")

	// ErrBadURLTemplate indicates a room URL template lacks the {} placeholder.
	ErrBadURLTemplate = errors.New("url_template must contain a {} room placeholder")

	// ErrEmptyNick indicates the bridge's own nick is empty.
	ErrEmptyNick = errors.New("bridge.nick must not be empty")

	// ErrNegativeSurrogateDelay indicates the surrogate activation delay is negative.
	ErrNegativeSurrogateDelay = errors.New("bridge.surrogate_delay must be >= 0")

	// ErrEmptyMetricsListen indicates metrics are enabled without a listen address.
	ErrEmptyMetricsListen = errors.New("metrics.listen must not be empty when metrics are enabled")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	for _, side := range []struct {
		name string
		pc   PlatformConfig
	}{
		{name: "euphoria", pc: cfg.Euphoria},
		{name: "instant", pc: cfg.Instant},
	} {
		if side.pc.Room == "" {
			return fmt.Errorf("%s.room: %w", side.name, ErrEmptyRoom)
		}
		if !strings.Contains(side.pc.URLTemplate, "{}") {
			return fmt.Errorf("%s.url_template %q: %w", side.name, side.pc.URLTemplate, ErrBadURLTemplate)
		}
	}

	if cfg.Bridge.Nick == "" {
		return ErrEmptyNick
	}

	if cfg.Bridge.SurrogateDelay < 0 {
		return ErrNegativeSurrogateDelay
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return ErrEmptyMetricsListen
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
