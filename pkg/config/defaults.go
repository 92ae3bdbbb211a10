package config

import (
	"os"
	"path/filepath"

	"github.com/outrun-sh/outrun/internal/bytesize"
)

// DefaultSystemPaths are the prefixes assumed immutable during a session.
// They hold binaries and libraries that only change through system updates,
// which is exactly the data worth caching across sessions.
var DefaultSystemPaths = []string{
	"/bin",
	"/sbin",
	"/lib",
	"/lib32",
	"/lib64",
	"/usr",
	"/opt",
	"/etc/ld.so.cache",
	"/etc/ld.so.conf",
	"/etc/ld.so.conf.d",
}

// ApplyDefaults fills zero values with defaults. Explicit values are
// preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyCacheDefaults(&cfg.Cache)
	applyRPCDefaults(&cfg.RPC)
	applyPrefetchDefaults(&cfg.Prefetch)
	applyCompressionDefaults(&cfg.Compression)
	applyFUSEDefaults(&cfg.FUSE)
	applyMetricsDefaults(&cfg.Metrics)

	if len(cfg.SystemPaths) == 0 {
		cfg.SystemPaths = append([]string(nil), DefaultSystemPaths...)
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.Path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.Path = filepath.Join(home, ".outrun", "cache")
		} else {
			cfg.Path = ".outrun-cache"
		}
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 1024
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 20 * bytesize.GiB
	}
}

func applyRPCDefaults(cfg *RPCConfig) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 4
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = 30000
	}
	if cfg.Workers == 0 {
		cfg.Workers = 16
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = 1024
	}
}

func applyPrefetchDefaults(cfg *PrefetchConfig) {
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 256
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 128 * bytesize.MiB
	}
	if cfg.Depth == 0 {
		cfg.Depth = 3
	}
}

func applyCompressionDefaults(cfg *CompressionConfig) {
	if cfg.MinRatio == 0 {
		cfg.MinRatio = 0.85
	}
}

func applyFUSEDefaults(cfg *FUSEConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = 16
	}
	if cfg.ReadChunk == 0 {
		cfg.ReadChunk = 1 * bytesize.MiB
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:9767"
	}
}
