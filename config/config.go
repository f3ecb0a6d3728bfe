// Package config loads the shared YAML configuration used by both the ingest
// and scheduler processes.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string `yaml:"log_level"`

	// Legacy flat form of paths.logs; recognized on read, paths is canonical.
	LogFilePath string `yaml:"log_file_path,omitempty"`

	Paths       PathsConfig       `yaml:"paths"`
	Server      ServerConfig      `yaml:"server"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Executor    ExecutorConfig    `yaml:"executor"`
	SSE         SSEConfig         `yaml:"sse"`
	API         APIConfig         `yaml:"api"`
	Token       TokenConfig       `yaml:"token"`
	SearchCache SearchCacheConfig `yaml:"search_cache"`
	SMTP        SMTPConfig        `yaml:"smtp"`
	Bark        BarkConfig        `yaml:"bark_notification"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

// PathsConfig enumerates every file shared between the two processes.
// Relative entries are resolved against Root at load time.
type PathsConfig struct {
	Root      string `yaml:"root"`
	TaskQueue string `yaml:"task_queue"`
	Errors    string `yaml:"errors"`
	Users     string `yaml:"users"`
	Source    string `yaml:"source"`
	TokenFile string `yaml:"token_file"`
	CacheDir  string `yaml:"cache_dir"`
	Logs      string `yaml:"logs"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type SchedulerConfig struct {
	MaxParallelTasks int `yaml:"max_parallel_tasks"`
	SignalPort       int `yaml:"signal_port"`
	FastPollSeconds  int `yaml:"fast_poll_seconds"`
	LongPollSeconds  int `yaml:"long_poll_seconds"`
}

type ExecutorConfig struct {
	BinaryPath         string `yaml:"binary_path"`
	MaxRetries         int    `yaml:"max_retries"`
	RetryDelaySeconds  int    `yaml:"retry_delay_seconds"`
	MaxGlobalProcesses int    `yaml:"max_global_processes"`
	TrackWorkers       int    `yaml:"track_workers"`
}

type SSEConfig struct {
	Port           string `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
}

type APIConfig struct {
	BaseURL           string            `yaml:"base_url"`
	UserAgent         string            `yaml:"user_agent"`
	DefaultStorefront string            `yaml:"default_storefront"`
	Storefronts       map[string]string `yaml:"storefronts"`
	MaxRetries        int               `yaml:"max_retries"`
	RetryDelaySeconds int               `yaml:"retry_delay_seconds"`
	TimeoutSeconds    int               `yaml:"timeout_seconds"`
	RatePerSecond     float64           `yaml:"rate_per_second"`
}

type TokenConfig struct {
	LandingURL              string `yaml:"landing_url"`
	BundlePattern           string `yaml:"bundle_pattern"`
	TokenPattern            string `yaml:"token_pattern"`
	ValidityHours           int    `yaml:"validity_hours"`
	CheckIntervalMinutes    int    `yaml:"check_interval_minutes"`
	RefreshThresholdMinutes int    `yaml:"refresh_threshold_minutes"`
	RetryDelaySeconds       int    `yaml:"retry_delay_seconds"`
}

type SearchCacheConfig struct {
	TTLMinutes     int  `yaml:"ttl_minutes"`
	CapMB          int  `yaml:"cap_mb"`
	ClearOnStartup bool `yaml:"clear_on_startup"`
}

type SMTPConfig struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type BarkConfig struct {
	Path    string `yaml:"path"`
	Icon    string `yaml:"icon"`
	SiteURL string `yaml:"site_url"`
}

// ArchiveConfig controls the optional cloud mirror of the errors archive.
// An empty bucket disables mirroring.
type ArchiveConfig struct {
	GCSBucket string `yaml:"gcs_bucket"`
	GCSPrefix string `yaml:"gcs_prefix"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config *Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = &Config{}
	}

	config.applyDefaults(filepath.Dir(path))

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyDefaults(configDir string) {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Paths.Root == "" {
		c.Paths.Root = filepath.Dir(configDir)
	}
	if c.Paths.TaskQueue == "" {
		c.Paths.TaskQueue = "info/task_queue.json"
	}
	if c.Paths.Errors == "" {
		c.Paths.Errors = "info/errors.json"
	}
	if c.Paths.Users == "" {
		c.Paths.Users = "config/users.yaml"
	}
	if c.Paths.Source == "" {
		c.Paths.Source = "config/source.yaml"
	}
	if c.Paths.TokenFile == "" {
		c.Paths.TokenFile = "config/api_token.json"
	}
	if c.Paths.CacheDir == "" {
		c.Paths.CacheDir = "cache/search"
	}
	if c.Paths.Logs == "" {
		if c.LogFilePath != "" {
			c.Paths.Logs = c.LogFilePath
		} else {
			c.Paths.Logs = "logs.log"
		}
	}
	c.resolvePaths()

	if c.Server.Port == "" {
		c.Server.Port = "5000"
	}

	if c.Scheduler.MaxParallelTasks == 0 {
		c.Scheduler.MaxParallelTasks = 2
	}
	if c.Scheduler.SignalPort == 0 {
		c.Scheduler.SignalPort = 5001
	}
	if c.Scheduler.FastPollSeconds == 0 {
		c.Scheduler.FastPollSeconds = 3
	}
	if c.Scheduler.LongPollSeconds == 0 {
		c.Scheduler.LongPollSeconds = 60
	}

	if c.Executor.MaxRetries == 0 {
		c.Executor.MaxRetries = 3
	}
	if c.Executor.RetryDelaySeconds == 0 {
		c.Executor.RetryDelaySeconds = 5
	}
	if c.Executor.MaxGlobalProcesses == 0 {
		c.Executor.MaxGlobalProcesses = 3
	}
	if c.Executor.TrackWorkers == 0 {
		c.Executor.TrackWorkers = c.Scheduler.MaxParallelTasks
	}

	if c.SSE.Port == "" {
		c.SSE.Port = "5002"
	}
	if c.SSE.MaxConnections == 0 {
		c.SSE.MaxConnections = 50
	}

	if c.API.BaseURL == "" {
		c.API.BaseURL = "https://amp-api.music.apple.com"
	}
	if c.API.UserAgent == "" {
		c.API.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if c.API.DefaultStorefront == "" {
		c.API.DefaultStorefront = "cn"
	}
	if c.API.Storefronts == nil {
		c.API.Storefronts = map[string]string{
			"cn": "zh-Hans-CN",
			"us": "en-US",
			"jp": "ja-JP",
			"hk": "zh-Hant-HK",
			"tw": "zh-Hant-TW",
		}
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = 3
	}
	if c.API.RetryDelaySeconds == 0 {
		c.API.RetryDelaySeconds = 2
	}
	if c.API.TimeoutSeconds == 0 {
		c.API.TimeoutSeconds = 15
	}
	if c.API.RatePerSecond == 0 {
		c.API.RatePerSecond = 10
	}

	if c.Token.LandingURL == "" {
		c.Token.LandingURL = "https://music.apple.com"
	}
	if c.Token.BundlePattern == "" {
		c.Token.BundlePattern = `/assets/index-legacy[^/]+\.js`
	}
	if c.Token.TokenPattern == "" {
		c.Token.TokenPattern = `eyJh[^"]*\.[^"]*\.[^"]*`
	}
	if c.Token.ValidityHours == 0 {
		c.Token.ValidityHours = 24 * 7
	}
	if c.Token.CheckIntervalMinutes == 0 {
		c.Token.CheckIntervalMinutes = 60
	}
	if c.Token.RefreshThresholdMinutes == 0 {
		c.Token.RefreshThresholdMinutes = 6 * 60
	}
	if c.Token.RetryDelaySeconds == 0 {
		c.Token.RetryDelaySeconds = 60
	}

	if c.SearchCache.TTLMinutes == 0 {
		c.SearchCache.TTLMinutes = 24 * 60
	}
	if c.SearchCache.CapMB == 0 {
		c.SearchCache.CapMB = 50
	}

	// SMTP credentials may come from the environment instead of the file.
	if c.SMTP.Server == "" {
		c.SMTP.Server = os.Getenv("SMTP_SERVER")
	}
	if c.SMTP.Username == "" {
		c.SMTP.Username = os.Getenv("SMTP_USERNAME")
	}
	if c.SMTP.Password == "" {
		c.SMTP.Password = os.Getenv("SMTP_PASSWORD")
	}

	if c.Bark.Path == "" {
		c.Bark.Path = "/Apple-Music-Downloader/{info}"
	}
	if c.Bark.Icon == "" {
		c.Bark.Icon = "https://music.apple.com/assets/favicon/favicon-180.png"
	}
}

func (c *Config) resolvePaths() {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.Paths.Root, *p)
		}
	}
	resolve(&c.Paths.TaskQueue)
	resolve(&c.Paths.Errors)
	resolve(&c.Paths.Users)
	resolve(&c.Paths.Source)
	resolve(&c.Paths.TokenFile)
	resolve(&c.Paths.CacheDir)
	resolve(&c.Paths.Logs)
}

func (c *Config) validate() error {
	if _, ok := c.API.Storefronts[c.API.DefaultStorefront]; !ok {
		return fmt.Errorf("default storefront %q missing from storefront map", c.API.DefaultStorefront)
	}
	return nil
}

// SlogLevel maps the configured log_level string to a slog level. Unknown
// values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnsureDirs creates the directories the process writes into. Both processes
// call this at boot and treat failure as fatal.
func (c *Config) EnsureDirs() error {
	for _, p := range []string{
		filepath.Dir(c.Paths.TaskQueue),
		filepath.Dir(c.Paths.Errors),
		filepath.Dir(c.Paths.TokenFile),
		filepath.Dir(c.Paths.Logs),
		c.Paths.CacheDir,
	} {
		if err := os.MkdirAll(p, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", p, err)
		}
	}
	return nil
}
