// Package config loads and validates the render service configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/littb/snapshot/internal/common/configtypes"
	"github.com/littb/snapshot/internal/common/yamlutil"
	"github.com/littb/snapshot/internal/render/chrome"
	"github.com/littb/snapshot/pkg/types"
)

// SafetyMargin is added to render.max_timeout for the HTTP server timeouts
// so fasthttp never drops a connection while a render is still running
const SafetyMargin = 10 * time.Second

// UnboundedCacheEntries as cache.max_entries disables the entry limit
const UnboundedCacheEntries = -1

const (
	defaultListen         = ":8080"
	defaultPoolSize       = "auto"
	defaultCallTimeout    = 10 * time.Second
	defaultViewportWidth  = 1280
	defaultViewportHeight = 800
	defaultRenderTimeout  = 30 * time.Second
	defaultMaxTimeout     = 60 * time.Second
	defaultWaitFor        = types.LifecycleEventNetworkIdle
	defaultPreviewWidth   = 1200
	defaultPreviewHeight  = 630
	defaultCacheTTL       = 10 * time.Minute
	defaultCacheEntries   = 1000
	defaultStoreTTL       = 24 * time.Hour
	defaultHeartbeat      = 10 * time.Second
	defaultMetricsPath    = "/metrics"
	defaultNamespace      = "snapshot"
)

// RSConfig is the render service configuration file
type RSConfig struct {
	Server   ServerConfig               `yaml:"server"`
	Chrome   ChromeConfig               `yaml:"chrome"`
	Render   RenderConfig               `yaml:"render"`
	Preview  PreviewConfig              `yaml:"preview"`
	Cache    CacheConfig                `yaml:"cache"`
	Store    configtypes.StoreConfig    `yaml:"store"`
	Registry configtypes.RegistryConfig `yaml:"registry"`
	Redis    configtypes.RedisConfig    `yaml:"redis"`
	Log      configtypes.LogConfig      `yaml:"log"`
	Metrics  configtypes.MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	ID     string `yaml:"id"` // defaults to the hostname
	Listen string `yaml:"listen"`
}

type ChromeConfig struct {
	PoolSize       string         `yaml:"pool_size"` // "auto" or a positive integer
	ExecPath       string         `yaml:"exec_path"`
	NoSandbox      bool           `yaml:"no_sandbox"`
	Headless       *bool          `yaml:"headless"` // default true
	CallTimeout    types.Duration `yaml:"call_timeout"`
	UserAgent      string         `yaml:"user_agent"`
	ViewportWidth  int            `yaml:"viewport_width"`
	ViewportHeight int            `yaml:"viewport_height"`
}

type RenderConfig struct {
	Timeout              types.Duration `yaml:"timeout"`
	MaxTimeout           types.Duration `yaml:"max_timeout"` // upper bound for per-request timeout overrides
	WaitFor              string         `yaml:"wait_for"`
	Selector             string         `yaml:"selector"`
	ErrorSelector        string         `yaml:"error_selector"`
	BlockedResourceTypes []string       `yaml:"blocked_resource_types"`
	BlockedPatterns      []string       `yaml:"blocked_patterns"`
	AllowedHosts         []string       `yaml:"allowed_hosts"`
	DedupeInflight       bool           `yaml:"dedupe_inflight"`
}

type PreviewConfig struct {
	Width           int      `yaml:"width"`
	Height          int      `yaml:"height"`
	HideSelectors   []string `yaml:"hide_selectors"`
	ContentSelector string   `yaml:"content_selector"`
	TextWidth       int      `yaml:"text_width"`
}

type CacheConfig struct {
	TTL        types.Duration `yaml:"ttl"`
	MaxEntries int            `yaml:"max_entries"` // 0 takes the default, -1 means unbounded
}

var validResourceTypes = map[string]bool{
	"Document": true, "Stylesheet": true, "Image": true, "Media": true, "Font": true,
	"Script": true, "TextTrack": true, "XHR": true, "Fetch": true, "Prefetch": true,
	"EventSource": true, "WebSocket": true, "Manifest": true, "SignedExchange": true,
	"Ping": true, "CSPViolationReport": true, "Preflight": true, "Other": true,
}

var metricsNamespace = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LoadRSConfig reads, defaults and validates the configuration at path
func LoadRSConfig(path string) (*RSConfig, error) {
	var cfg RSConfig
	if err := yamlutil.LoadFile(path, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// GetConfigPath resolves path to an existing absolute file path
func GetConfigPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("config path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path: %w", err)
	}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return "", fmt.Errorf("config file does not exist: %s", absPath)
	}
	return absPath, nil
}

func (cfg *RSConfig) applyDefaults() {
	if cfg.Server.ID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.ID = host
		}
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = defaultListen
	}

	if cfg.Chrome.PoolSize == "" {
		cfg.Chrome.PoolSize = defaultPoolSize
	}
	if cfg.Chrome.Headless == nil {
		headless := true
		cfg.Chrome.Headless = &headless
	}
	if cfg.Chrome.CallTimeout == 0 {
		cfg.Chrome.CallTimeout = types.Duration(defaultCallTimeout)
	}
	if cfg.Chrome.ViewportWidth == 0 {
		cfg.Chrome.ViewportWidth = defaultViewportWidth
	}
	if cfg.Chrome.ViewportHeight == 0 {
		cfg.Chrome.ViewportHeight = defaultViewportHeight
	}

	if cfg.Render.Timeout == 0 {
		cfg.Render.Timeout = types.Duration(defaultRenderTimeout)
	}
	if cfg.Render.MaxTimeout == 0 {
		cfg.Render.MaxTimeout = types.Duration(defaultMaxTimeout)
		if cfg.Render.Timeout > cfg.Render.MaxTimeout {
			cfg.Render.MaxTimeout = cfg.Render.Timeout
		}
	}
	if cfg.Render.WaitFor == "" {
		cfg.Render.WaitFor = defaultWaitFor
	}

	if cfg.Preview.Width == 0 {
		cfg.Preview.Width = defaultPreviewWidth
	}
	if cfg.Preview.Height == 0 {
		cfg.Preview.Height = defaultPreviewHeight
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = types.Duration(defaultCacheTTL)
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = defaultCacheEntries
	}

	if cfg.Store.TTL == 0 {
		cfg.Store.TTL = types.Duration(defaultStoreTTL)
	}
	if cfg.Store.Compression == "" {
		cfg.Store.Compression = configtypes.CompressionSnappy
	}
	if cfg.Registry.Interval == 0 {
		cfg.Registry.Interval = types.Duration(defaultHeartbeat)
	}

	// console output unless something else was asked for
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = configtypes.LogLevelInfo
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = configtypes.LogFormatConsole
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = configtypes.LogFormatText
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = defaultNamespace
	}
}

// Validate checks configuration validity. It expects defaults applied.
func (cfg *RSConfig) Validate() error {
	if cfg.Server.ID == "" {
		return fmt.Errorf("server.id is required")
	}
	if err := configtypes.ValidateListenAddress(cfg.Server.Listen); err != nil {
		return fmt.Errorf("invalid server.listen: %w", err)
	}

	if err := cfg.validateChrome(); err != nil {
		return err
	}
	if err := cfg.validateRender(); err != nil {
		return err
	}

	if cfg.Preview.Width <= 0 || cfg.Preview.Height <= 0 {
		return fmt.Errorf("preview.width and preview.height must be positive")
	}
	if cfg.Preview.TextWidth < 0 {
		return fmt.Errorf("preview.text_width must be >= 0")
	}

	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if cfg.Cache.MaxEntries < UnboundedCacheEntries {
		return fmt.Errorf("cache.max_entries must be -1 (unbounded) or >= 0")
	}

	if err := cfg.validateRedisUsers(); err != nil {
		return err
	}
	if err := validateLog(cfg.Log); err != nil {
		return err
	}
	return cfg.validateMetrics()
}

func (cfg *RSConfig) validateChrome() error {
	if cfg.Chrome.PoolSize != "auto" {
		size, err := strconv.Atoi(cfg.Chrome.PoolSize)
		if err != nil || size <= 0 {
			return fmt.Errorf("chrome.pool_size must be 'auto' or positive integer")
		}
	}
	if cfg.Chrome.CallTimeout <= 0 {
		return fmt.Errorf("chrome.call_timeout must be positive")
	}
	if cfg.Chrome.ViewportWidth <= 0 || cfg.Chrome.ViewportHeight <= 0 {
		return fmt.Errorf("chrome.viewport_width and chrome.viewport_height must be positive")
	}
	return nil
}

func (cfg *RSConfig) validateRender() error {
	r := cfg.Render
	if r.Timeout <= 0 {
		return fmt.Errorf("render.timeout must be positive")
	}
	if r.MaxTimeout < r.Timeout {
		return fmt.Errorf("render.max_timeout (%s) must be >= render.timeout (%s)", r.MaxTimeout, r.Timeout)
	}
	if !types.IsValidLifecycleEvent(r.WaitFor) {
		return fmt.Errorf("invalid render.wait_for: %s (must be DOMContentLoaded, load, networkIdle or networkAlmostIdle)", r.WaitFor)
	}
	for _, rt := range r.BlockedResourceTypes {
		if !validResourceTypes[rt] {
			return fmt.Errorf("invalid render.blocked_resource_types entry: %s", rt)
		}
	}
	if err := chrome.ValidatePatterns(r.BlockedPatterns); err != nil {
		return fmt.Errorf("invalid render.blocked_patterns: %w", err)
	}
	for _, host := range r.AllowedHosts {
		if host == "" || strings.ContainsAny(host, "/ ") {
			return fmt.Errorf("invalid render.allowed_hosts entry: %q", host)
		}
	}
	return nil
}

func (cfg *RSConfig) validateRedisUsers() error {
	if cfg.Store.Enabled {
		switch cfg.Store.Compression {
		case configtypes.CompressionNone, configtypes.CompressionSnappy, configtypes.CompressionLZ4:
		default:
			return fmt.Errorf("invalid store.compression: %s (must be none, snappy or lz4)", cfg.Store.Compression)
		}
		if cfg.Store.TTL <= 0 {
			return fmt.Errorf("store.ttl must be positive")
		}
	}
	if cfg.Registry.Enabled && cfg.Registry.Interval <= 0 {
		return fmt.Errorf("registry.interval must be positive")
	}
	if cfg.UsesRedis() && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when store or registry is enabled")
	}
	return nil
}

func validateLog(log configtypes.LogConfig) error {
	validLevels := map[string]bool{
		configtypes.LogLevelDebug: true,
		configtypes.LogLevelInfo:  true,
		configtypes.LogLevelWarn:  true,
		configtypes.LogLevelError: true,
	}
	if !validLevels[log.Level] {
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn or error)", log.Level)
	}
	if log.Console.Level != "" && !validLevels[log.Console.Level] {
		return fmt.Errorf("invalid log.console.level: %s", log.Console.Level)
	}

	if log.Console.Enabled && log.Console.Format != configtypes.LogFormatJSON && log.Console.Format != configtypes.LogFormatConsole {
		return fmt.Errorf("invalid log.console.format: %s (must be json or console)", log.Console.Format)
	}

	if log.File.Enabled {
		if log.File.Path == "" {
			return fmt.Errorf("log.file.path must be specified when file logging is enabled")
		}
		if log.File.Format != configtypes.LogFormatJSON && log.File.Format != configtypes.LogFormatText {
			return fmt.Errorf("invalid log.file.format: %s (must be json or text)", log.File.Format)
		}
		if log.File.Level != "" && !validLevels[log.File.Level] {
			return fmt.Errorf("invalid log.file.level: %s", log.File.Level)
		}
		rot := log.File.Rotation
		if rot.MaxSize < 0 || rot.MaxAge < 0 || rot.MaxBackups < 0 {
			return fmt.Errorf("log.file.rotation values must be >= 0")
		}
	}
	return nil
}

func (cfg *RSConfig) validateMetrics() error {
	if cfg.Metrics.Enabled {
		if err := configtypes.ValidateListenAddress(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
		if configtypes.SamePort(cfg.Metrics.Listen, cfg.Server.Listen) {
			return fmt.Errorf("metrics.listen (%s) must use a different port than server.listen (%s)", cfg.Metrics.Listen, cfg.Server.Listen)
		}
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("invalid metrics.path: %s (must start with /)", cfg.Metrics.Path)
	}
	if !metricsNamespace.MatchString(cfg.Metrics.Namespace) {
		return fmt.Errorf("invalid metrics.namespace: %s (must match [a-zA-Z_][a-zA-Z0-9_]*)", cfg.Metrics.Namespace)
	}
	return nil
}

// UsesRedis reports whether any enabled component needs the Redis client
func (cfg *RSConfig) UsesRedis() bool {
	return cfg.Store.Enabled || cfg.Registry.Enabled
}

// CacheCapacity is the entry limit for the result cache; 0 means unbounded
func (cfg *RSConfig) CacheCapacity() int {
	if cfg.Cache.MaxEntries == UnboundedCacheEntries {
		return 0
	}
	return cfg.Cache.MaxEntries
}

// ServerTimeout is the fasthttp read/write timeout: the longest allowed
// render plus SafetyMargin
func (cfg *RSConfig) ServerTimeout() time.Duration {
	return time.Duration(cfg.Render.MaxTimeout) + SafetyMargin
}

// ToInternalConfig converts the chrome section for the browser launcher
func (c ChromeConfig) ToInternalConfig() *chrome.Config {
	headless := c.Headless == nil || *c.Headless
	return &chrome.Config{
		PoolSize:    c.PoolSize,
		ExecPath:    c.ExecPath,
		NoSandbox:   c.NoSandbox,
		Headless:    headless,
		CallTimeout: time.Duration(c.CallTimeout),
	}
}
