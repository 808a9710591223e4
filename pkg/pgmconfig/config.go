// Package pgmconfig loads and hot-reloads pgmrecv's configuration: a base
// set of defaults, overlaid with environment variables, overlaid with an
// optional YAML file that is watched for changes. This mirrors the
// teacher's client.LoadConfig/WithConfig layering, substituting
// go-envconfig and fsnotify for the pieces the teacher's config package
// handles with its own hand-rolled loader.
package pgmconfig

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"golang.org/x/time/rate"
)

// Config is every tunable of the receive window, the NAK scheduler, and
// the daemon's network/metrics endpoints.
type Config struct {
	TPDU          uint32 `yaml:"tpdu" env:"PGM_TPDU, default=1500"`
	Preallocate   uint32 `yaml:"preallocate" env:"PGM_PREALLOCATE, default=512"`
	WindowSeconds uint32 `yaml:"windowSeconds" env:"PGM_WINDOW_SECONDS, default=60"`
	MaxRateBps    uint32 `yaml:"maxRateBps" env:"PGM_MAX_RATE_BPS, default=10000000"`

	NAKTickInterval       time.Duration `yaml:"nakTickInterval" env:"PGM_NAK_TICK_INTERVAL, default=100ms"`
	NAKInitialResendDelay time.Duration `yaml:"nakInitialResendDelay" env:"PGM_NAK_INITIAL_RESEND_DELAY, default=200ms"`
	NAKMaxRetries         int           `yaml:"nakMaxRetries" env:"PGM_NAK_MAX_RETRIES, default=7"`
	NAKRateLimit          float64       `yaml:"nakRateLimit" env:"PGM_NAK_RATE_LIMIT, default=50"`
	NAKRateBurst          int           `yaml:"nakRateBurst" env:"PGM_NAK_RATE_BURST, default=10"`

	MetricsAddr string `yaml:"metricsAddr" env:"PGM_METRICS_ADDR, default=:9157"`

	LogLevel string `yaml:"logLevel" env:"PGM_LOG_LEVEL, default=info"`
}

// RateLimit converts the configured NAK rate into a golang.org/x/time/rate
// limit, which pkg/nak's Scheduler consumes directly.
func (c Config) RateLimit() rate.Limit {
	return rate.Limit(c.NAKRateLimit)
}

func defaults() Config {
	var c Config
	_ = envconfig.Process(context.Background(), &c)
	return c
}

// Load builds a Config from defaults, environment variables, and — if path
// is non-empty and the file exists — a YAML overlay, in that order of
// increasing precedence.
func Load(ctx context.Context, fs afero.Fs, path string) (Config, error) {
	cfg := defaults()
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "pgmconfig: reading environment")
	}
	if path == "" {
		return cfg, nil
	}
	if err := overlayYAML(fs, path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayYAML(fs afero.Fs, path string, cfg *Config) error {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return errors.Wrapf(err, "pgmconfig: checking %s", path)
	}
	if !exists {
		return nil
	}
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return errors.Wrapf(err, "pgmconfig: reading %s", path)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return errors.Wrapf(err, "pgmconfig: parsing %s", path)
	}
	return nil
}

// Watcher reloads Config from a YAML file whenever it changes on disk and
// hands the new value to OnChange. It is a thin wrapper over fsnotify;
// callers run it as a named goroutine within their supervisor group, the
// way the teacher runs its own background-* tasks.
type Watcher struct {
	fs       afero.Fs
	path     string
	base     Config
	OnChange func(Config)

	mu      sync.Mutex
	current Config
}

// NewWatcher constructs a Watcher seeded with the already-loaded cfg; path
// is the YAML file to watch (may be empty, in which case Run is a no-op).
func NewWatcher(fs afero.Fs, path string, cfg Config) *Watcher {
	return &Watcher{fs: fs, path: path, base: cfg, current: cfg}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches path for writes until ctx is done, reloading and invoking
// OnChange on every change. It returns nil immediately if no path was set.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "pgmconfig: starting watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return errors.Wrapf(err, "pgmconfig: watching %s", w.path)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return errors.Wrap(err, "pgmconfig: watch error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			next := w.base
			if err := overlayYAML(w.fs, w.path, &next); err != nil {
				continue
			}
			w.mu.Lock()
			w.current = next
			w.mu.Unlock()
			if w.OnChange != nil {
				w.OnChange(next)
			}
		}
	}
}
