// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/JakeFAU/domain-crawler/internal/scope"
)

// Backend names accepted by the configuration.
const (
	BackendNone     = "none"
	BackendFile     = "file"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPubSub   = "pubsub"
	BackendLog      = "log"
	BackendLocal    = "local"

	FetchModeHTTP     = "http"
	FetchModeHeadless = "headless"
	FetchModeAuto     = "auto"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Scope      ScopeConfig      `mapstructure:"scope"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Parser     ParserConfig     `mapstructure:"parser"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Status     StatusConfig     `mapstructure:"status"`
	Redis      RedisConfig      `mapstructure:"redis"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CrawlConfig governs the run loop and worker pool.
type CrawlConfig struct {
	StartURL       string        `mapstructure:"start_url"`
	Workers        int           `mapstructure:"workers"`
	DelayMin       time.Duration `mapstructure:"delay_min"`
	DelayMax       time.Duration `mapstructure:"delay_max"`
	Resume         bool          `mapstructure:"resume"`
	UserAgent      string        `mapstructure:"user_agent"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout"`
	ConfirmDelay   time.Duration `mapstructure:"confirm_delay"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxRPS         float64       `mapstructure:"max_rps"`
	Sitemap        bool          `mapstructure:"sitemap"`
}

// ScopeConfig holds the rule set that bounds the crawl.
type ScopeConfig struct {
	Whitelist          []string      `mapstructure:"whitelist"`
	Blacklist          []string      `mapstructure:"blacklist"`
	ExcludedExtensions []string      `mapstructure:"excluded_extensions"`
	RespectRobots      bool          `mapstructure:"respect_robots"`
	RobotsTimeout      time.Duration `mapstructure:"robots_timeout"`
}

// RetryConfig configures fetch retries.
type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxJitter      time.Duration `mapstructure:"max_jitter"`
}

// FetchConfig selects and tunes the fetch transport.
type FetchConfig struct {
	Mode         string            `mapstructure:"mode"`
	Timeout      time.Duration     `mapstructure:"timeout"`
	Headers      map[string]string `mapstructure:"headers"`
	MaxBodyBytes int               `mapstructure:"max_body_bytes"`
	MaxParallel  int               `mapstructure:"max_parallel"`
	// SettleDelay gives late scripts time to render in headless mode.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	// AutoThreshold is the body size below which auto mode renders a page.
	AutoThreshold int `mapstructure:"auto_threshold"`
}

// ParserConfig tunes content extraction.
type ParserConfig struct {
	ExcludeSelectors    []string `mapstructure:"exclude_selectors"`
	PaginationSelectors []string `mapstructure:"pagination_selectors"`
}

// CheckpointConfig selects where frontier snapshots are written.
type CheckpointConfig struct {
	Backend   string        `mapstructure:"backend"`
	Path      string        `mapstructure:"path"`
	Interval  time.Duration `mapstructure:"interval"`
	GCSBucket string        `mapstructure:"gcs_bucket"`
	GCSObject string        `mapstructure:"gcs_object"`
	Key       string        `mapstructure:"key"`
}

// StorageConfig selects the record store.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// ArchiveConfig selects where raw page bodies are kept.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	RunTable string `mapstructure:"run_table"`
}

// StatusConfig configures the status/control channel.
type StatusConfig struct {
	Publishers   []string      `mapstructure:"publishers"`
	StopSources  []string      `mapstructure:"stop_sources"`
	File         string        `mapstructure:"file"`
	CommandFile  string        `mapstructure:"command_file"`
	Interval     time.Duration `mapstructure:"interval"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// RedisConfig holds connection settings for the redis status store.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	StatusTTL time.Duration `mapstructure:"status_ttl"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	StatusTopic string `mapstructure:"status_topic"`
	PageTopic   string `mapstructure:"page_topic"`
}

// ServerConfig controls the control HTTP API.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultCheckpointPath is the checkpoint location when none is configured.
func DefaultCheckpointPath() string {
	return filepath.Join(xdg.DataHome, "domaincrawler", "checkpoint.json")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.start_url", "")
	v.SetDefault("crawl.workers", 5)
	v.SetDefault("crawl.delay_min", time.Second)
	v.SetDefault("crawl.delay_max", 3*time.Second)
	v.SetDefault("crawl.resume", false)
	v.SetDefault("crawl.user_agent", "domaincrawler/1.0")
	v.SetDefault("crawl.dequeue_timeout", time.Second)
	v.SetDefault("crawl.confirm_delay", 10*time.Second)
	v.SetDefault("crawl.poll_interval", time.Second)
	v.SetDefault("crawl.max_rps", 0)
	v.SetDefault("crawl.sitemap", true)
	v.SetDefault("scope.whitelist", []string{})
	v.SetDefault("scope.blacklist", []string{})
	v.SetDefault("scope.excluded_extensions", scope.DefaultExcludedExtensions)
	v.SetDefault("scope.respect_robots", true)
	v.SetDefault("scope.robots_timeout", 10*time.Second)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_backoff", 2*time.Second)
	v.SetDefault("retry.max_jitter", time.Second)
	v.SetDefault("fetch.mode", FetchModeHTTP)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.max_parallel", 2)
	v.SetDefault("fetch.settle_delay", 500*time.Millisecond)
	v.SetDefault("fetch.auto_threshold", 2048)
	v.SetDefault("parser.exclude_selectors", []string{"script", "style", "noscript"})
	v.SetDefault("parser.pagination_selectors", []string{})
	v.SetDefault("checkpoint.backend", BackendFile)
	v.SetDefault("checkpoint.path", DefaultCheckpointPath())
	v.SetDefault("checkpoint.interval", 30*time.Second)
	v.SetDefault("checkpoint.gcs_object", "domaincrawler/checkpoint.json")
	v.SetDefault("checkpoint.key", "default")
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.sqlite_path", "scraped_data.db")
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.dir", "pages")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.run_table", "crawl_runs")
	v.SetDefault("status.publishers", []string{BackendFile, BackendLog})
	v.SetDefault("status.stop_sources", []string{BackendFile})
	v.SetDefault("status.file", "status.json")
	v.SetDefault("status.command_file", "command.json")
	v.SetDefault("status.interval", 5*time.Second)
	v.SetDefault("status.poll_interval", time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "domaincrawler")
	v.SetDefault("redis.status_ttl", 24*time.Hour)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Validate enforces required values and reasonable limits. The start URL is
// not required here because only the crawl command needs it.
func (c Config) Validate() error {
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.DelayMin < 0 || c.Crawl.DelayMax < c.Crawl.DelayMin {
		return fmt.Errorf("crawl.delay_max must be >= crawl.delay_min >= 0")
	}
	if c.Crawl.DequeueTimeout <= 0 {
		return fmt.Errorf("crawl.dequeue_timeout must be > 0")
	}
	if c.Crawl.PollInterval <= 0 {
		return fmt.Errorf("crawl.poll_interval must be > 0")
	}
	if c.Crawl.ConfirmDelay < 0 {
		return fmt.Errorf("crawl.confirm_delay must be >= 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.InitialBackoff < 0 || c.Retry.MaxJitter < 0 {
		return fmt.Errorf("retry.initial_backoff and retry.max_jitter must be >= 0")
	}
	if err := oneOf("fetch.mode", c.Fetch.Mode, FetchModeHTTP, FetchModeHeadless, FetchModeAuto); err != nil {
		return err
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if err := oneOf("checkpoint.backend", c.Checkpoint.Backend, BackendFile, BackendGCS, BackendPostgres, BackendNone); err != nil {
		return err
	}
	if c.Checkpoint.Backend != BackendNone && c.Checkpoint.Interval <= 0 {
		return fmt.Errorf("checkpoint.interval must be > 0")
	}
	if c.Checkpoint.Backend == BackendGCS && c.Checkpoint.GCSBucket == "" {
		return fmt.Errorf("checkpoint.gcs_bucket must be set for the gcs backend")
	}
	if err := oneOf("storage.backend", c.Storage.Backend, BackendSQLite, BackendPostgres, BackendMemory); err != nil {
		return err
	}
	if err := oneOf("archive.backend", c.Archive.Backend, BackendNone, BackendLocal, BackendGCS); err != nil {
		return err
	}
	if c.Archive.Backend == BackendGCS && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set for the gcs backend")
	}
	if c.Archive.Backend == BackendLocal && c.Archive.Dir == "" {
		return fmt.Errorf("archive.dir must be set for the local backend")
	}
	if c.usesPostgres() && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be set when a postgres backend is selected")
	}
	for _, p := range c.Status.Publishers {
		if err := oneOf("status.publishers", p, BackendFile, BackendRedis, BackendPubSub, BackendLog, BackendPostgres); err != nil {
			return err
		}
	}
	for _, s := range c.Status.StopSources {
		if err := oneOf("status.stop_sources", s, BackendFile, BackendRedis); err != nil {
			return err
		}
	}
	if c.Status.Interval <= 0 || c.Status.PollInterval <= 0 {
		return fmt.Errorf("status.interval and status.poll_interval must be > 0")
	}
	if slices.Contains(c.Status.Publishers, BackendPubSub) && (c.PubSub.ProjectID == "" || c.PubSub.StatusTopic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.status_topic must be set for the pubsub publisher")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// ValidateForCrawl checks the settings that only a crawl run needs.
func (c Config) ValidateForCrawl() error {
	if c.Crawl.StartURL == "" {
		return fmt.Errorf("crawl.start_url is required")
	}
	u, err := url.Parse(c.Crawl.StartURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("crawl.start_url must be an absolute http(s) URL")
	}
	return nil
}

func (c Config) usesPostgres() bool {
	return c.Storage.Backend == BackendPostgres ||
		c.Checkpoint.Backend == BackendPostgres ||
		slices.Contains(c.Status.Publishers, BackendPostgres)
}

func oneOf(key, value string, allowed ...string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}
