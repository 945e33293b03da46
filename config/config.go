package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the regulation watcher.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains the ops HTTP API settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// WatcherConfig contains source polling and pipeline settings.
type WatcherConfig struct {
	Sources []SourceConfig `mapstructure:"sources"`
	// UserAgent is sent on every outbound fetch so agencies can identify the crawler.
	UserAgent string `mapstructure:"user_agent"`
	// FetchTimeout bounds a single network call, not a whole cycle.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	// CycleLockTTL guards a source cycle with a redis SetNX lock when
	// multiple instances are deployed. Zero disables the lock.
	CycleLockTTL time.Duration `mapstructure:"cycle_lock_ttl"`
}

// SourceConfig describes one configured regulation feed. The list is loaded
// once at startup and is immutable for the lifetime of the process.
type SourceConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
	// Kind is "listing" (a page that links to documents) or "document" (a single page).
	Kind string `mapstructure:"kind"`
	// Fetch is "http" or "render" (headless browser for JS-built pages).
	Fetch string `mapstructure:"fetch"`
	// ItemSelector is the CSS selector that yields document links on a listing page.
	ItemSelector string `mapstructure:"item_selector"`
	// CodePattern optionally extracts a document code (regexp with one capture group)
	// from the document text; the code anchors document identity across renames.
	CodePattern  string        `mapstructure:"code_pattern"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ScheduleCron string        `mapstructure:"schedule_cron"`
	MaxRetries   int           `mapstructure:"max_retries"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap"`
	MaxDocuments int           `mapstructure:"max_documents"`
}

func (s SourceConfig) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("watcher.sources[].id required")
	}
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("watcher.sources[%s].url required", s.ID)
	}
	switch s.Kind {
	case "", "listing", "document":
	default:
		return fmt.Errorf("watcher.sources[%s].kind must be listing or document", s.ID)
	}
	switch s.Fetch {
	case "", "http", "render":
	default:
		return fmt.Errorf("watcher.sources[%s].fetch must be http or render", s.ID)
	}
	if s.Kind != "document" && strings.TrimSpace(s.ItemSelector) == "" {
		return fmt.Errorf("watcher.sources[%s].item_selector required for listing sources", s.ID)
	}
	if s.PollInterval <= 0 && strings.TrimSpace(s.ScheduleCron) == "" {
		return fmt.Errorf("watcher.sources[%s] needs poll_interval or schedule_cron", s.ID)
	}
	return nil
}

func (w WatcherConfig) Validate() error {
	if len(w.Sources) == 0 {
		return fmt.Errorf("watcher.sources must not be empty")
	}
	seen := make(map[string]struct{}, len(w.Sources))
	for _, s := range w.Sources {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("watcher.sources duplicate id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// NotifierConfig controls the outbox sweeper.
type NotifierConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	// Stream is the redis stream acked changes are mirrored onto. Empty disables mirroring.
	Stream string `mapstructure:"stream"`
	// StreamMaxLen caps the mirror stream at an approximate length (XADD
	// MAXLEN ~). Zero leaves the stream unbounded.
	StreamMaxLen int64 `mapstructure:"stream_maxlen"`
}

// KnowledgeConfig controls the bleve knowledge-base consumer.
type KnowledgeConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// IndexPath is a filesystem path for the bleve index; empty means in-memory.
	IndexPath string `mapstructure:"index_path"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return nil // redis is optional; locks and stream mirroring degrade gracefully
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when host is set")
	}
	return nil
}

// Addr returns host:port for the redis client, or "" when redis is not configured.
func (r RedisConfig) Addr() string {
	if strings.TrimSpace(r.Host) == "" {
		return ""
	}
	return r.Host + ":" + r.Port
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds the postgres connection string from either url or discrete fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("watcher.user_agent", "regwatch/1.0 (+regulation monitor)")
	viper.SetDefault("watcher.fetch_timeout", 15*time.Second)
	viper.SetDefault("notifier.sweep_interval", 30*time.Second)
	viper.SetDefault("notifier.batch_size", 64)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("REGWATCH")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (REGWATCH_*)

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	// unmarshal config
	var config Config

	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Watcher.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
