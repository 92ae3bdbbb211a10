// Package config loads and validates the outrun configuration.
//
// Configuration sources, highest precedence first:
//  1. CLI flags (bound by the cobra commands)
//  2. Environment variables (OUTRUN_*)
//  3. Configuration file (YAML, default ~/.outrun/config.yaml)
//  4. Defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/outrun-sh/outrun/internal/bytesize"
)

// Config captures every tunable of the filesystem plane.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Cache configures the persistent cache on the remote machine.
	Cache CacheConfig `mapstructure:"cache"`

	// RPC configures the client pool and the server.
	RPC RPCConfig `mapstructure:"rpc"`

	// Prefetch bounds a single bulk fetch.
	Prefetch PrefetchConfig `mapstructure:"prefetch"`

	// Compression controls blob compression on the serving side.
	Compression CompressionConfig `mapstructure:"compression"`

	// FUSE configures the userspace filesystem on the remote machine.
	FUSE FUSEConfig `mapstructure:"fuse"`

	// Metrics configures the optional Prometheus endpoint on the serving
	// side.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// SystemPaths are the path prefixes assumed immutable for the length
	// of a session and therefore eligible for persistent caching.
	SystemPaths []string `mapstructure:"system_paths"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output"`
}

// CacheConfig configures the persistent content-addressed cache.
type CacheConfig struct {
	// Path is the cache root directory.
	Path string `mapstructure:"path"`

	// MaxEntries caps the number of cache entries.
	MaxEntries int `mapstructure:"max_entries" validate:"gt=0"`

	// MaxSize caps the total blob bytes on disk.
	MaxSize bytesize.ByteSize `mapstructure:"max_size" validate:"gt=0"`
}

// RPCConfig configures the transport between the two machines.
type RPCConfig struct {
	// Listen is the address the server binds on the local machine. The
	// session collaborator tunnels it, so the default stays on loopback.
	Listen string `mapstructure:"listen"`

	// PoolSize is the number of client connections.
	PoolSize int `mapstructure:"pool_size" validate:"gt=0,lte=64"`

	// TimeoutMs is the per-operation timeout in milliseconds. Bulk
	// fetches scale it with the requested byte volume.
	TimeoutMs int `mapstructure:"timeout_ms" validate:"gt=0"`

	// Workers is the server-side dispatch pool size.
	Workers int `mapstructure:"workers" validate:"gt=0,lte=256"`

	// MaxInFlight is the soft cap on outstanding client requests before
	// submissions block.
	MaxInFlight int `mapstructure:"max_in_flight" validate:"gt=0"`
}

// Timeout returns the per-op timeout as a duration.
func (c RPCConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// PrefetchConfig bounds a single bulk fetch bundle.
type PrefetchConfig struct {
	// MaxEntries caps the number of items in one bundle.
	MaxEntries int `mapstructure:"max_entries" validate:"gt=0"`

	// MaxBytes caps the total uncompressed payload of one bundle.
	MaxBytes bytesize.ByteSize `mapstructure:"max_bytes" validate:"gt=0"`

	// Depth caps the transitive dependency walk for executables.
	Depth int `mapstructure:"depth" validate:"gte=0,lte=8"`
}

// CompressionConfig controls blob compression.
type CompressionConfig struct {
	// MinRatio is the compressed/original ratio a blob must beat to be
	// sent compressed. Zero (unset) is replaced by the default 0.85.
	MinRatio float64 `mapstructure:"min_ratio" validate:"gte=0,lte=1"`
}

// FUSEConfig configures the mount on the remote machine.
type FUSEConfig struct {
	// Workers caps concurrent FUSE upcall handling.
	Workers int `mapstructure:"workers" validate:"gt=0,lte=128"`

	// ReadChunk is the streaming read size for uncached files.
	ReadChunk bytesize.ByteSize `mapstructure:"read_chunk" validate:"gt=0"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns the HTTP endpoint on.
	Enabled bool `mapstructure:"enabled"`

	// Listen is the address for /metrics and /health.
	Listen string `mapstructure:"listen"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".outrun", "config.yaml")
}

// Load reads configuration from the given file (or the default location
// when empty), layered under OUTRUN_* environment variables, applies
// defaults and validates the result.
//
// A missing default config file is not an error; an explicitly named one
// must exist, because silently falling back to defaults would mask typos in
// cache caps.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OUTRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			missing := errors.Is(err, os.ErrNotExist)
			if explicit || !missing {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
