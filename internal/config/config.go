package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/vscodeoffline/vscmirror/pkg/logger"
)

// Config holds all application configuration
type Config struct {
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Server    ServerConfig    `mapstructure:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Logging   logger.Config   `mapstructure:"logging"`
}

// ArtifactsConfig locates the mirrored artifact store on disk
type ArtifactsConfig struct {
	Dir string `mapstructure:"dir"`
}

// SyncConfig controls the sync engine: which pass states run and how
// downloads behave
type SyncConfig struct {
	Frequency         time.Duration `mapstructure:"frequency"`
	CheckBinaries     bool          `mapstructure:"check_binaries"`
	CheckInsider      bool          `mapstructure:"check_insider"`
	CheckRecommended  bool          `mapstructure:"check_recommended"`
	CheckSpecified    bool          `mapstructure:"check_specified"`
	SkipBinaries      bool          `mapstructure:"skip_binaries"`
	UpdateBinaries    bool          `mapstructure:"update_binaries"`
	UpdateExtensions  bool          `mapstructure:"update_extensions"`
	UpdateMalicious   bool          `mapstructure:"update_malicious"`
	IncludeExisting   bool          `mapstructure:"include_existing"`
	PreRelease        bool          `mapstructure:"prerelease"`
	ExtensionSearch   string        `mapstructure:"extension_search"`
	ExtensionName     string        `mapstructure:"extension_name"`
	TotalRecommended  int           `mapstructure:"total_recommended"`
	GarbageCollection bool          `mapstructure:"garbage_collection"`
	BinaryRetention   int           `mapstructure:"binary_retention"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	DownloadRetries   int           `mapstructure:"download_retries"`
	RateLimit         float64       `mapstructure:"rate_limit"`
	RateBurst         int           `mapstructure:"rate_burst"`
	ClientVersion     string        `mapstructure:"client_version"`
}

// ServerConfig holds the gallery service configuration
type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	URLRoot      string        `mapstructure:"url_root"`
	CacheRefresh time.Duration `mapstructure:"cache_refresh"`
}

// UpstreamConfig holds the internet-side endpoints the sync engine talks to
type UpstreamConfig struct {
	UpdateURL          string        `mapstructure:"update_url"`
	MarketplaceURL     string        `mapstructure:"marketplace_url"`
	MaliciousURL       string        `mapstructure:"malicious_url"`
	RecommendationsURL string        `mapstructure:"recommendations_url"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Configuration file name and path
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vscmirror")
	}

	// Read environment variables
	v.AutomaticEnv()
	v.SetEnvPrefix("VSCMIRROR")

	// Read configuration file
	err := v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Bind configuration to struct
	var config Config
	err = v.Unmarshal(&config)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	if err := logger.Init(config.Logging); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("artifacts.dir", "./artifacts")

	v.SetDefault("sync.check_binaries", true)
	v.SetDefault("sync.check_recommended", true)
	v.SetDefault("sync.check_specified", true)
	v.SetDefault("sync.update_binaries", true)
	v.SetDefault("sync.update_extensions", true)
	v.SetDefault("sync.update_malicious", true)
	v.SetDefault("sync.include_existing", true)
	v.SetDefault("sync.total_recommended", 500)
	v.SetDefault("sync.binary_retention", 1)
	v.SetDefault("sync.max_concurrent", 8)
	v.SetDefault("sync.download_retries", 5)
	v.SetDefault("sync.rate_limit", 20)
	v.SetDefault("sync.rate_burst", 40)
	v.SetDefault("sync.client_version", "1.90.0")

	v.SetDefault("server.listen", "0.0.0.0:5000")
	v.SetDefault("server.url_root", "https://update.code.visualstudio.com")
	v.SetDefault("server.cache_refresh", time.Hour)

	v.SetDefault("upstream.update_url", "https://update.code.visualstudio.com/api/update/")
	v.SetDefault("upstream.marketplace_url", "https://marketplace.visualstudio.com/_apis/public/gallery/extensionquery")
	v.SetDefault("upstream.malicious_url", "https://az764295.vo.msecnd.net/extensions/marketplace.json")
	v.SetDefault("upstream.recommendations_url", "https://az764295.vo.msecnd.net/extensions/workspaceRecommendations.json.gz")
	v.SetDefault("upstream.timeout", 12*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.max_size", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 14)
}

// Validate checks operator input. Validation failures are fatal at
// startup; nothing else in the system treats configuration as an error
// source.
func (c *Config) Validate() error {
	if c.Artifacts.Dir == "" {
		return fmt.Errorf("artifacts.dir is required")
	}
	if c.Sync.MaxConcurrent < 1 {
		return fmt.Errorf("sync.max_concurrent must be at least 1, got %d", c.Sync.MaxConcurrent)
	}
	if c.Sync.DownloadRetries < 0 {
		return fmt.Errorf("sync.download_retries must not be negative, got %d", c.Sync.DownloadRetries)
	}
	if c.Sync.BinaryRetention < 0 {
		return fmt.Errorf("sync.binary_retention must not be negative, got %d", c.Sync.BinaryRetention)
	}
	if c.Sync.TotalRecommended < 0 {
		return fmt.Errorf("sync.total_recommended must not be negative, got %d", c.Sync.TotalRecommended)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive, got %s", c.Upstream.Timeout)
	}
	return nil
}

// EnsureArtifactDir creates the artifact directory tree if missing.
func (c *Config) EnsureArtifactDir() error {
	for _, dir := range []string{c.Artifacts.Dir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
		}
	}
	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(err)
	}
	return &config
}
