package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// FileName is the default config file name inside the config directory.
const FileName = "updater.yaml"

const envPrefix = "BREEZE_UPDATER"

type NetworkConfig struct {
	MaxAttemptsPerTransport int      `mapstructure:"max_attempts_per_transport"`
	BaseDelayMs             int      `mapstructure:"base_delay_ms"`
	MaxDelayMs              int      `mapstructure:"max_delay_ms"`
	Jitter                  float64  `mapstructure:"jitter"`
	OverallTimeoutSeconds   int      `mapstructure:"overall_timeout_seconds"`
	AllowInsecureHTTP       bool     `mapstructure:"allow_insecure_http"`
	HTTPProxy               string   `mapstructure:"http_proxy"`
	HTTPSProxy              string   `mapstructure:"https_proxy"`
	NoProxy                 string   `mapstructure:"no_proxy"`
	Transports              []string `mapstructure:"transports"`
}

// MirrorConfig points at an object storage bucket mirroring update payloads.
// Provider is s3 (default), gcs, azure or b2. An empty Bucket disables the
// mirror transport.
type MirrorConfig struct {
	Provider        string `mapstructure:"provider"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
}

// Payload cache limits. Defaults match what a fleet without a policy gets.
const (
	DefaultCacheSizeMB  = 500
	DefaultCacheAgeDays = 180
)

// CacheConfig bounds the verified payload cache.
type CacheConfig struct {
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

type InstallerConfig struct {
	TimeoutSeconds   int   `mapstructure:"timeout_seconds"`
	SuccessExitCodes []int `mapstructure:"success_exit_codes"`
	RebootExitCodes  []int `mapstructure:"reboot_exit_codes"`
}

type VerifyConfig struct {
	RequireSignature bool     `mapstructure:"require_signature"`
	PublicKeys       []string `mapstructure:"public_keys"`
}

type Config struct {
	UpdateURL            string `mapstructure:"update_url"`
	PingURL              string `mapstructure:"ping_url"`
	CheckIntervalMinutes int    `mapstructure:"check_interval_minutes"`

	DataDir     string `mapstructure:"data_dir"`
	DownloadDir string `mapstructure:"download_dir"`
	OfflineDir  string `mapstructure:"offline_dir"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	AuditMaxSizeMB  int `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int `mapstructure:"audit_max_backups"`

	MaxConcurrentOperations int `mapstructure:"max_concurrent_operations"`
	OperationQueueSize      int `mapstructure:"operation_queue_size"`
	BundleRetentionMinutes  int `mapstructure:"bundle_retention_minutes"`

	Network   NetworkConfig   `mapstructure:"network"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Installer InstallerConfig `mapstructure:"installer"`
	Verify    VerifyConfig    `mapstructure:"verify"`

	StatusListenAddr string `mapstructure:"status_listen_addr"`
	ControlSocket    string `mapstructure:"control_socket"`
}

func Default() *Config {
	return &Config{
		CheckIntervalMinutes:    300,
		LogLevel:                "info",
		LogFormat:               "text",
		LogMaxSizeMB:            50,
		LogMaxBackups:           3,
		AuditMaxSizeMB:          50,
		AuditMaxBackups:         3,
		MaxConcurrentOperations: 0, // unbounded
		OperationQueueSize:      64,
		BundleRetentionMinutes:  60,
		Network: NetworkConfig{
			MaxAttemptsPerTransport: 3,
			BaseDelayMs:             1000,
			MaxDelayMs:              30000,
			Jitter:                  0.2,
			OverallTimeoutSeconds:   600,
			Transports:              []string{"background", "direct", "mirror"},
		},
		Cache: CacheConfig{
			MaxSizeMB:  DefaultCacheSizeMB,
			MaxAgeDays: DefaultCacheAgeDays,
		},
		Installer: InstallerConfig{
			TimeoutSeconds:   1800,
			SuccessExitCodes: []int{0},
			RebootExitCodes:  []int{1641, 3010},
		},
		StatusListenAddr: "127.0.0.1:9464",
	}
}

// settings flattens c into viper keys. It backs both the defaults that make
// environment overrides visible to Unmarshal and Save.
func (c *Config) settings() map[string]any {
	return map[string]any{
		"update_url":                         c.UpdateURL,
		"ping_url":                           c.PingURL,
		"check_interval_minutes":             c.CheckIntervalMinutes,
		"data_dir":                           c.DataDir,
		"download_dir":                       c.DownloadDir,
		"offline_dir":                        c.OfflineDir,
		"log_level":                          c.LogLevel,
		"log_format":                         c.LogFormat,
		"log_file":                           c.LogFile,
		"log_max_size_mb":                    c.LogMaxSizeMB,
		"log_max_backups":                    c.LogMaxBackups,
		"audit_max_size_mb":                  c.AuditMaxSizeMB,
		"audit_max_backups":                  c.AuditMaxBackups,
		"max_concurrent_operations":          c.MaxConcurrentOperations,
		"operation_queue_size":               c.OperationQueueSize,
		"bundle_retention_minutes":           c.BundleRetentionMinutes,
		"network.max_attempts_per_transport": c.Network.MaxAttemptsPerTransport,
		"network.base_delay_ms":              c.Network.BaseDelayMs,
		"network.max_delay_ms":               c.Network.MaxDelayMs,
		"network.jitter":                     c.Network.Jitter,
		"network.overall_timeout_seconds":    c.Network.OverallTimeoutSeconds,
		"network.allow_insecure_http":        c.Network.AllowInsecureHTTP,
		"network.http_proxy":                 c.Network.HTTPProxy,
		"network.https_proxy":                c.Network.HTTPSProxy,
		"network.no_proxy":                   c.Network.NoProxy,
		"network.transports":                 c.Network.Transports,
		"mirror.provider":                    c.Mirror.Provider,
		"mirror.credentials_file":            c.Mirror.CredentialsFile,
		"mirror.bucket":                      c.Mirror.Bucket,
		"mirror.region":                      c.Mirror.Region,
		"mirror.prefix":                      c.Mirror.Prefix,
		"mirror.endpoint":                    c.Mirror.Endpoint,
		"mirror.access_key":                  c.Mirror.AccessKey,
		"mirror.secret_key":                  c.Mirror.SecretKey,
		"cache.max_size_mb":                  c.Cache.MaxSizeMB,
		"cache.max_age_days":                 c.Cache.MaxAgeDays,
		"installer.timeout_seconds":          c.Installer.TimeoutSeconds,
		"installer.success_exit_codes":       c.Installer.SuccessExitCodes,
		"installer.reboot_exit_codes":        c.Installer.RebootExitCodes,
		"verify.require_signature":           c.Verify.RequireSignature,
		"verify.public_keys":                 c.Verify.PublicKeys,
		"status_listen_addr":                 c.StatusListenAddr,
		"control_socket":                     c.ControlSocket,
	}
}

// newViper returns a viper instance with defaults, environment binding and
// the config file location set. Env keys are BREEZE_UPDATER_<KEY> with dots
// replaced by underscores, e.g. BREEZE_UPDATER_NETWORK_JITTER.
func newViper(cfgFile string) *viper.Viper {
	v := viper.New()
	for key, value := range Default().settings() {
		v.SetDefault(key, value)
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads cfgFile (or updater.yaml from the config directory) over the
// defaults. A missing default file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := newViper(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	for key, value := range cfg.settings() {
		v.Set(key, value)
	}

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(ConfigDir(), FileName)
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Mirror credentials may be stored here.
	return os.Chmod(cfgPath, 0o600)
}

// ConfigDir is the platform directory holding updater.yaml.
func ConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze"
	default:
		return "/etc/breeze"
	}
}

// GetDataDir is the platform directory for the registry, audit log, control
// key and downloads when data_dir is not configured.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze", "updater")
	case "darwin":
		return "/Library/Application Support/Breeze/updater"
	default:
		return "/var/lib/breeze-updater"
	}
}

// ResolvedDataDir returns DataDir or the platform default.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return GetDataDir()
}

// ResolvedDownloadDir returns DownloadDir or <data_dir>/downloads.
func (c *Config) ResolvedDownloadDir() string {
	if c.DownloadDir != "" {
		return c.DownloadDir
	}
	return filepath.Join(c.ResolvedDataDir(), "downloads")
}

// ResolvedOfflineDir returns OfflineDir or <data_dir>/offline.
func (c *Config) ResolvedOfflineDir() string {
	if c.OfflineDir != "" {
		return c.OfflineDir
	}
	return filepath.Join(c.ResolvedDataDir(), "offline")
}
