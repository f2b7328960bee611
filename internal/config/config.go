package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Version       int                  `yaml:"version"`
	Database      DatabaseConfig       `yaml:"database"`
	Store         StoreConfig          `yaml:"store"`
	Retention     RetentionConfig      `yaml:"retention"`
	Delivery      DeliveryConfig       `yaml:"delivery"`
	Notifications []NotificationConfig `yaml:"notifications"`
	Run           RunConfig            `yaml:"run"`
	Vault         *VaultConfig         `yaml:"vault"`
}

type DatabaseConfig struct {
	Engine string `yaml:"engine"` // mysql, mongodb or postgres
	Name   string `yaml:"name"`
	// ConnectionString is the mongodb URI alternative to the host/port/user
	// fields below.
	ConnectionString string           `yaml:"connection_string"`
	Connection       ConnectionConfig `yaml:"connection"`
}

type ConnectionConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type StoreConfig struct {
	Directory string `yaml:"directory"`
}

type RetentionConfig struct {
	MaxAgeDays int `yaml:"max_age_days"`
	MaxCount   int `yaml:"max_count"`
}

type DeliveryConfig struct {
	Enabled  bool       `yaml:"enabled"`
	Type     string     `yaml:"type"` // s3 or ftp
	Attempts int        `yaml:"attempts"`
	S3       *S3Config  `yaml:"s3"`
	FTP      *FTPConfig `yaml:"ftp"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type FTPConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Directory string `yaml:"directory"`
}

type NotificationConfig struct {
	Type   string              `yaml:"type"`
	On     []string            `yaml:"on"`
	Config NotificationDetails `yaml:"config"`
}

type NotificationDetails struct {
	SMTPHost string            `yaml:"smtp_host"`
	SMTPPort int               `yaml:"smtp_port"`
	From     string            `yaml:"from"`
	To       string            `yaml:"to"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
}

type RunConfig struct {
	CaptureTimeout  time.Duration `yaml:"capture_timeout"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	NotifyTimeout   time.Duration `yaml:"notify_timeout"`
	LockStaleAfter  time.Duration `yaml:"lock_stale_after"`
	PartialExitCode int           `yaml:"partial_exit_code"`
	// CompressionTolerancePct bounds how much larger than the raw dump the
	// compressed artifact may be before the run is treated as corrupt.
	CompressionTolerancePct int    `yaml:"compression_tolerance_pct"`
	ToolCacheDir            string `yaml:"tool_cache_dir"`
	// ToolsURL overrides the default MongoDB tools download. ToolsSHA256 is
	// the pinned hex digest of that archive; no digest, no download.
	ToolsURL    string `yaml:"tools_url"`
	ToolsSHA256 string `yaml:"tools_sha256"`
}

type VaultConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Path    string `yaml:"path"`
}

const (
	DefaultCaptureTimeout  = 30 * time.Minute
	DefaultDeliveryTimeout = 10 * time.Minute
	DefaultNotifyTimeout   = 10 * time.Second
	DefaultLockStaleAfter  = 2 * time.Hour
	DefaultPartialExitCode = 2
	DefaultTolerancePct    = 100
	DefaultAttempts        = 3
)

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandEnv(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Run.CaptureTimeout <= 0 {
		cfg.Run.CaptureTimeout = DefaultCaptureTimeout
	}
	if cfg.Run.DeliveryTimeout <= 0 {
		cfg.Run.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if cfg.Run.NotifyTimeout <= 0 {
		cfg.Run.NotifyTimeout = DefaultNotifyTimeout
	}
	if cfg.Run.LockStaleAfter <= 0 {
		cfg.Run.LockStaleAfter = DefaultLockStaleAfter
	}
	if cfg.Run.PartialExitCode <= 0 {
		cfg.Run.PartialExitCode = DefaultPartialExitCode
	}
	if cfg.Run.CompressionTolerancePct <= 0 {
		cfg.Run.CompressionTolerancePct = DefaultTolerancePct
	}
	if cfg.Delivery.Attempts <= 0 {
		cfg.Delivery.Attempts = DefaultAttempts
	}
	if cfg.Run.ToolCacheDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Run.ToolCacheDir = filepath.Join(home, ".cache", "snapvault")
		} else {
			cfg.Run.ToolCacheDir = filepath.Join(os.TempDir(), "snapvault-tools")
		}
	}
}

// expandEnv substitutes ${VAR} references so secrets can stay out of the
// config file itself.
func expandEnv(cfg *Config) {
	db := &cfg.Database
	db.Engine = os.ExpandEnv(db.Engine)
	db.Name = os.ExpandEnv(db.Name)
	db.ConnectionString = os.ExpandEnv(db.ConnectionString)
	db.Connection.Host = os.ExpandEnv(db.Connection.Host)
	db.Connection.User = os.ExpandEnv(db.Connection.User)
	db.Connection.Password = os.ExpandEnv(db.Connection.Password)

	cfg.Store.Directory = os.ExpandEnv(cfg.Store.Directory)
	cfg.Run.ToolCacheDir = os.ExpandEnv(cfg.Run.ToolCacheDir)
	cfg.Run.ToolsURL = os.ExpandEnv(cfg.Run.ToolsURL)
	cfg.Run.ToolsSHA256 = os.ExpandEnv(cfg.Run.ToolsSHA256)

	if s3 := cfg.Delivery.S3; s3 != nil {
		s3.Bucket = os.ExpandEnv(s3.Bucket)
		s3.Region = os.ExpandEnv(s3.Region)
		s3.Prefix = os.ExpandEnv(s3.Prefix)
		s3.AccessKey = os.ExpandEnv(s3.AccessKey)
		s3.SecretKey = os.ExpandEnv(s3.SecretKey)
	}
	if ftp := cfg.Delivery.FTP; ftp != nil {
		ftp.Host = os.ExpandEnv(ftp.Host)
		ftp.User = os.ExpandEnv(ftp.User)
		ftp.Password = os.ExpandEnv(ftp.Password)
		ftp.Directory = os.ExpandEnv(ftp.Directory)
	}

	for i := range cfg.Notifications {
		nt := &cfg.Notifications[i]
		nt.Type = os.ExpandEnv(nt.Type)
		for j := range nt.On {
			nt.On[j] = os.ExpandEnv(nt.On[j])
		}
		nt.Config.SMTPHost = os.ExpandEnv(nt.Config.SMTPHost)
		nt.Config.From = os.ExpandEnv(nt.Config.From)
		nt.Config.To = os.ExpandEnv(nt.Config.To)
		nt.Config.Username = os.ExpandEnv(nt.Config.Username)
		nt.Config.Password = os.ExpandEnv(nt.Config.Password)
		nt.Config.URL = os.ExpandEnv(nt.Config.URL)
		for k, v := range nt.Config.Headers {
			nt.Config.Headers[k] = os.ExpandEnv(v)
		}
	}

	if cfg.Vault != nil {
		cfg.Vault.Address = os.ExpandEnv(cfg.Vault.Address)
		cfg.Vault.Token = os.ExpandEnv(cfg.Vault.Token)
		cfg.Vault.Path = os.ExpandEnv(cfg.Vault.Path)
	}
}
