// Package config loads engine configuration from a YAML file with
// environment variable overrides, and exposes a live-mutable snapshot so a
// settings change takes effect on the scheduler's next admission pass.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConflictPolicy decides what happens when the target file already exists.
type ConflictPolicy string

const (
	ConflictSkip      ConflictPolicy = "skip"
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictRename    ConflictPolicy = "rename"
)

// Default values.
const (
	DefaultMaxConcurrent    = 2
	MinConcurrent           = 1
	MaxConcurrentLimit      = 10
	DefaultAria2RPCURL      = "ws://127.0.0.1:6800/jsonrpc"
	DefaultAria2Binary      = "aria2c"
	DefaultYtdlpBinary      = "yt-dlp"
	DefaultFFmpegBinary     = "ffmpeg"
	DefaultMinFreeDiskBytes = int64(500 * 1024 * 1024)
	DefaultAppFolder        = "DLEngine"
)

// Aria2 holds settings for the external transfer daemon.
type Aria2 struct {
	RPCURL string `yaml:"rpc_url"`
	Secret string `yaml:"secret"`
	Binary string `yaml:"binary"`
}

// Config is the engine configuration.
type Config struct {
	DownloadDir      string         `yaml:"download_dir"`
	MaxConcurrent    int            `yaml:"max_concurrent"`
	OnConflict       ConflictPolicy `yaml:"on_conflict"`
	Proxy            string         `yaml:"proxy"`
	CookieFile       string         `yaml:"cookie_file"`
	RateLimit        string         `yaml:"rate_limit"`
	MinFreeDiskBytes int64          `yaml:"min_free_disk_bytes"`
	Aria2            Aria2          `yaml:"aria2"`
	YtdlpBinary      string         `yaml:"ytdlp_binary"`
	FFmpegBinary     string         `yaml:"ffmpeg_binary"`
}

// Store guards a Config for concurrent readers and a settings writer.
type Store struct {
	mu       sync.RWMutex
	cfg      Config
	watchers []func()
}

// Default returns a Config populated with defaults. The download directory
// falls back to ~/Downloads/DLEngine.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return Config{
		DownloadDir:      filepath.Join(home, "Downloads", DefaultAppFolder),
		MaxConcurrent:    DefaultMaxConcurrent,
		OnConflict:       ConflictRename,
		MinFreeDiskBytes: DefaultMinFreeDiskBytes,
		Aria2: Aria2{
			RPCURL: DefaultAria2RPCURL,
			Binary: DefaultAria2Binary,
		},
		YtdlpBinary:  DefaultYtdlpBinary,
		FFmpegBinary: DefaultFFmpegBinary,
	}
}

// Load reads the YAML file at path (missing file is not an error), applies
// environment overrides and returns a validated Store.
func Load(path string) (*Store, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &Store{cfg: cfg}, nil
}

// NewStore wraps an in-memory Config, normalizing out-of-range values.
// Intended for tests and embedding callers that manage settings themselves.
func NewStore(cfg Config) *Store {
	if err := validate(&cfg); err != nil {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Store{cfg: cfg}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DLENGINE_DOWNLOAD_DIR"); v != "" {
		cfg.DownloadDir = v
	}
	if v := os.Getenv("DLENGINE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrent = n
		}
	}
	if v := os.Getenv("DLENGINE_ARIA2_RPC_URL"); v != "" {
		cfg.Aria2.RPCURL = v
	}
	if v := os.Getenv("DLENGINE_ARIA2_SECRET"); v != "" {
		cfg.Aria2.Secret = v
	}
	if v := os.Getenv("DLENGINE_PROXY"); v != "" {
		cfg.Proxy = v
	}
	if v := os.Getenv("DLENGINE_YTDLP"); v != "" {
		cfg.YtdlpBinary = v
	}
}

func validate(cfg *Config) error {
	if cfg.MaxConcurrent < MinConcurrent {
		cfg.MaxConcurrent = MinConcurrent
	}
	if cfg.MaxConcurrent > MaxConcurrentLimit {
		cfg.MaxConcurrent = MaxConcurrentLimit
	}
	switch cfg.OnConflict {
	case ConflictSkip, ConflictOverwrite, ConflictRename:
	case "":
		cfg.OnConflict = ConflictRename
	default:
		return fmt.Errorf("on_conflict: unknown policy %q", cfg.OnConflict)
	}
	if cfg.DownloadDir == "" {
		return fmt.Errorf("download_dir: is required")
	}
	if cfg.MinFreeDiskBytes <= 0 {
		cfg.MinFreeDiskBytes = DefaultMinFreeDiskBytes
	}
	return nil
}

// Snapshot returns a copy of the current configuration.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Watch registers fn to run after every Update. The adapters hook their
// scheduler's admission pass here so a raised concurrency limit admits
// queued jobs immediately instead of on the next enqueue or release.
func (s *Store) Watch(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// Update applies fn to the configuration under the write lock, then runs
// the registered watchers outside it.
func (s *Store) Update(fn func(*Config)) {
	s.mu.Lock()
	fn(&s.cfg)
	if s.cfg.MaxConcurrent < MinConcurrent {
		s.cfg.MaxConcurrent = MinConcurrent
	}
	if s.cfg.MaxConcurrent > MaxConcurrentLimit {
		s.cfg.MaxConcurrent = MaxConcurrentLimit
	}
	watchers := make([]func(), len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()

	for _, w := range watchers {
		w()
	}
}

// MaxConcurrent returns the live concurrency limit. The scheduler calls this
// on every admission pass rather than caching it.
func (s *Store) MaxConcurrent() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MaxConcurrent
}
