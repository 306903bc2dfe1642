package echosift

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/alizafarq/echosift/pkg/echosift/dedup"
	"github.com/alizafarq/echosift/pkg/echosift/fingerprint"
	"github.com/alizafarq/echosift/pkg/echosift/match"
	"github.com/alizafarq/echosift/pkg/echosift/storage"
)

// EnvDBPath names the environment variable that points the default
// sqlite store at its database file.
const EnvDBPath = "ECHOSIFT_DB_PATH"

// Config carries every tunable of the engine. All components take their
// parameters explicitly from here rather than from package globals, so an
// engine with experimental settings never leaks them into another.
type Config struct {
	DBPath  string
	Store   storage.Store
	Logger  Logger
	Peaks   fingerprint.PeakConfig
	Hashes  fingerprint.HashConfig
	Resolve match.ResolveConfig
	Title   dedup.TitleConfig
	Audio   dedup.AudioConfig
}

// Option mutates a Config during New.
type Option func(*Config)

func WithDBPath(path string) Option {
	return func(c *Config) { c.DBPath = path }
}

// WithStore injects a prebuilt store backend (badger, mongo, or a test
// double) instead of the default sqlite file.
func WithStore(store storage.Store) Option {
	return func(c *Config) { c.Store = store }
}

func WithLogger(log Logger) Option {
	return func(c *Config) { c.Logger = log }
}

func WithPeakConfig(cfg fingerprint.PeakConfig) Option {
	return func(c *Config) { c.Peaks = cfg }
}

func WithHashConfig(cfg fingerprint.HashConfig) Option {
	return func(c *Config) { c.Hashes = cfg }
}

func WithResolveConfig(cfg match.ResolveConfig) Option {
	return func(c *Config) { c.Resolve = cfg }
}

func WithTitleConfig(cfg dedup.TitleConfig) Option {
	return func(c *Config) { c.Title = cfg }
}

func WithAudioConfig(cfg dedup.AudioConfig) Option {
	return func(c *Config) { c.Audio = cfg }
}

func defaultConfig() *Config {
	cfg := &Config{
		DBPath:  os.Getenv(EnvDBPath),
		Peaks:   fingerprint.DefaultPeakConfig(),
		Hashes:  fingerprint.DefaultHashConfig(),
		Resolve: match.DefaultResolveConfig(),
		Title:   dedup.DefaultTitleConfig(),
		Audio:   dedup.DefaultAudioConfig(),
	}
	if cfg.DBPath == "" {
		cfg.DBPath = storage.DefaultDBFile
	}
	return cfg
}

// LoadEnv loads .env files into the process environment before the engine
// reads ECHOSIFT_DB_PATH or LOG_LEVEL. Missing files are not an error.
func LoadEnv(files ...string) {
	_ = godotenv.Load(files...)
}
