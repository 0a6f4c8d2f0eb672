// Package config loads and validates prerender configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/spa-prerender/internal/prerender"
)

// Config captures every knob of a prerender run.
type Config struct {
	Routes                []string      `mapstructure:"routes"`
	EntryDir              string        `mapstructure:"entry_dir"`
	EntryFile             string        `mapstructure:"entry_file"`
	PublicPath            string        `mapstructure:"public_path"`
	OutputDir             string        `mapstructure:"output_dir"`
	Enabled               bool          `mapstructure:"enabled"`
	KeepAlive             bool          `mapstructure:"keep_alive"`
	MaxConcurrent         int           `mapstructure:"max_concurrent"`
	DiscoverNewRoutes     bool          `mapstructure:"discover_new_routes"`
	MaxDiscoveredRoutes   int           `mapstructure:"max_discovered_routes"`
	RenderFirstRouteAlone bool          `mapstructure:"render_first_route_alone"`
	RenderAfterEvent      string        `mapstructure:"render_after_event"`
	RenderAfterTime       *int          `mapstructure:"render_after_time"`
	Injections            []Injection   `mapstructure:"injections"`
	Browser               BrowserConfig `mapstructure:"browser"`
	GCS                   GCSConfig     `mapstructure:"gcs"`
	Logging               LoggingConfig `mapstructure:"logging"`
	Metrics               MetricsConfig `mapstructure:"metrics"`
	Watch                 WatchConfig   `mapstructure:"watch"`
}

// Injection is exposed to every page as window[Key] before app code runs.
type Injection struct {
	Key   string `mapstructure:"key"`
	Value any    `mapstructure:"value"`
}

// BrowserConfig configures the headless Chrome instance.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	EnableJS          bool          `mapstructure:"enable_js"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	WaitSelector      string        `mapstructure:"wait_selector"`
}

// GCSConfig enables mirroring rendered pages into a bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig controls the Prometheus textfile written after each run.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// WatchConfig tunes the rebuild watcher.
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// Keys without defaults still need explicit env bindings for AutomaticEnv to
// surface them through Unmarshal.
var envOnlyKeys = []string{
	"routes",
	"entry_dir",
	"output_dir",
	"render_after_event",
	"render_after_time",
	"browser.exec_path",
	"browser.user_agent",
	"gcs.bucket",
	"gcs.prefix",
	"metrics.textfile",
}

// Load builds a Config from disk/environment. Environment variables use the
// PRERENDER_ prefix with dots replaced by underscores.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRERENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = cfg.EntryDir
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("entry_file", "index.html")
	v.SetDefault("public_path", "/")
	v.SetDefault("enabled", true)
	v.SetDefault("keep_alive", false)
	v.SetDefault("max_concurrent", 0)
	v.SetDefault("discover_new_routes", false)
	v.SetDefault("max_discovered_routes", 0)
	v.SetDefault("render_first_route_alone", false)
	v.SetDefault("injections", []map[string]any{})
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.enable_js", true)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.wait_selector", "body")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("watch.debounce", "500ms")
}

// Validate enforces required values and reasonable limits. Every problem is
// reported, not just the first.
func (c Config) Validate() error {
	var errs ValidationErrors
	add := func(field, reason string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Reason: fmt.Sprintf(reason, args...)})
	}

	for i, route := range c.Routes {
		if !strings.HasPrefix(route, "/") {
			add(fmt.Sprintf("routes[%d]", i), "%q must start with /", route)
		}
	}
	if strings.TrimSpace(c.EntryDir) == "" {
		add("entry_dir", "is required")
	}
	if strings.TrimSpace(c.EntryFile) == "" {
		add("entry_file", "is required")
	}
	if !strings.HasPrefix(c.PublicPath, "/") {
		add("public_path", "%q must start with /", c.PublicPath)
	}
	if c.MaxConcurrent < 0 {
		add("max_concurrent", "must be >= 0")
	}
	if c.MaxDiscoveredRoutes < 0 {
		add("max_discovered_routes", "must be >= 0")
	}
	if c.RenderAfterEvent != "" && c.RenderAfterTime != nil {
		add("render_after_event", "cannot be combined with render_after_time")
	}
	if c.RenderAfterTime != nil && *c.RenderAfterTime < 0 {
		add("render_after_time", "must be >= 0")
	}
	seen := make(map[string]struct{}, len(c.Injections))
	for i, inj := range c.Injections {
		field := fmt.Sprintf("injections[%d].key", i)
		if strings.TrimSpace(inj.Key) == "" {
			add(field, "is required")
			continue
		}
		if _, dup := seen[inj.Key]; dup {
			add(field, "duplicate key %q", inj.Key)
		}
		seen[inj.Key] = struct{}{}
	}
	if c.Browser.NavigationTimeout <= 0 {
		add("browser.navigation_timeout", "must be > 0")
	}
	if c.GCS.Prefix != "" && c.GCS.Bucket == "" {
		add("gcs.bucket", "is required when gcs.prefix is set")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	if c.Watch.Debounce < 0 {
		add("watch.debounce", "must be >= 0")
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// PrerenderOptions converts the routing policy into orchestrator options.
func (c Config) PrerenderOptions() prerender.Options {
	return prerender.Options{
		Routes:                append([]string(nil), c.Routes...),
		OutputDir:             c.OutputDir,
		Disabled:              !c.Enabled,
		KeepAlive:             c.KeepAlive,
		MaxConcurrent:         c.MaxConcurrent,
		DiscoverNewRoutes:     c.DiscoverNewRoutes,
		RenderFirstRouteAlone: c.RenderFirstRouteAlone,
		MaxDiscoveredRoutes:   c.MaxDiscoveredRoutes,
	}
}

// RenderAfter returns the configured wait as a duration; ok is false when
// render_after_time is unset.
func (c Config) RenderAfter() (time.Duration, bool) {
	if c.RenderAfterTime == nil {
		return 0, false
	}
	return time.Duration(*c.RenderAfterTime) * time.Millisecond, true
}
