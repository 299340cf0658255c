// Package config loads the registry's configuration via spf13/viper,
// the same configuration library the teacher repo depends on for its
// operator and CLI surfaces.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// App holds the `app.*` configuration namespace.
type App struct {
	BaseURL                      string        `mapstructure:"base_url"`
	DBBackend                    string        `mapstructure:"db_backend"` // sqlite | postgres
	DatabaseURL                  string        `mapstructure:"database_url"`
	LFSThresholdBytes            int64         `mapstructure:"lfs_threshold_bytes"`
	LFSKeepVersions              int           `mapstructure:"lfs_keep_versions"`
	DownloadTimeBucketSeconds    int64         `mapstructure:"download_time_bucket_seconds"`
	DownloadKeepSessionsDays     int           `mapstructure:"download_keep_sessions_days"`
	DownloadSessionCleanupThresh int           `mapstructure:"download_session_cleanup_threshold"`
}

// S3 holds the `s3.*` configuration namespace.
type S3 struct {
	Endpoint         string `mapstructure:"endpoint"`
	PublicEndpoint   string `mapstructure:"public_endpoint"`
	AccessKey        string `mapstructure:"access_key"`
	SecretKey        string `mapstructure:"secret_key"`
	Bucket           string `mapstructure:"bucket"`
	Region           string `mapstructure:"region"`
	SignatureVersion string `mapstructure:"signature_version"` // s3v4 | s3v2
	ForcePathStyle   bool   `mapstructure:"force_path_style"`
}

// LakeFS holds the `lakefs.*` configuration namespace (the versioned store).
type LakeFS struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Auth holds the `auth.*` configuration namespace.
type Auth struct {
	SessionExpireHours       int  `mapstructure:"session_expire_hours"`
	RequireEmailVerification bool `mapstructure:"require_email_verification"`
}

// Quota holds the `quota.*` configuration namespace: server-wide defaults
// applied to newly created principals.
type Quota struct {
	DefaultUserPrivateQuotaBytes *int64 `mapstructure:"default_user_private_quota_bytes"`
	DefaultUserPublicQuotaBytes  *int64 `mapstructure:"default_user_public_quota_bytes"`
	DefaultOrgPrivateQuotaBytes  *int64 `mapstructure:"default_org_private_quota_bytes"`
	DefaultOrgPublicQuotaBytes   *int64 `mapstructure:"default_org_public_quota_bytes"`
}

// Fallback holds the `fallback.*` configuration namespace.
type Fallback struct {
	Enabled             bool          `mapstructure:"enabled"`
	CacheSize           int           `mapstructure:"cache_size"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
	SourceRatePerSecond float64       `mapstructure:"source_rate_per_second"`
	SourceBurst         int           `mapstructure:"source_burst"`
}

// Server holds process-level settings not named directly in the spec's
// configuration table but required to run an HTTP server (ambient stack).
type Server struct {
	ListenAddr  string        `mapstructure:"listen_addr"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// Config is the fully resolved configuration tree.
type Config struct {
	App      App      `mapstructure:"app"`
	S3       S3       `mapstructure:"s3"`
	LakeFS   LakeFS   `mapstructure:"lakefs"`
	Auth     Auth     `mapstructure:"auth"`
	Quota    Quota    `mapstructure:"quota"`
	Fallback Fallback `mapstructure:"fallback"`
	Server   Server   `mapstructure:"server"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("app.base_url", "http://localhost:28080")
	v.SetDefault("app.db_backend", "sqlite")
	v.SetDefault("app.database_url", "kohakuhub.db")
	v.SetDefault("app.lfs_threshold_bytes", 10*1024*1024)
	v.SetDefault("app.lfs_keep_versions", 5)
	v.SetDefault("app.download_time_bucket_seconds", 30*60)
	v.SetDefault("app.download_keep_sessions_days", 30)
	v.SetDefault("app.download_session_cleanup_threshold", 10000)

	v.SetDefault("s3.signature_version", "s3v4")
	v.SetDefault("s3.force_path_style", true)
	v.SetDefault("s3.region", "us-east-1")

	v.SetDefault("auth.session_expire_hours", 24*7)
	v.SetDefault("auth.require_email_verification", false)

	v.SetDefault("fallback.enabled", true)
	v.SetDefault("fallback.cache_size", 4096)
	v.SetDefault("fallback.cache_ttl", 10*time.Minute)
	v.SetDefault("fallback.source_rate_per_second", 5.0)
	v.SetDefault("fallback.source_burst", 10)

	v.SetDefault("server.listen_addr", ":28080")
	v.SetDefault("server.metrics_addr", ":28081")
	v.SetDefault("server.read_timeout", 30*time.Second)
}

// Load reads configuration from (in increasing priority) defaults, an
// optional YAML file at configPath, and environment variables prefixed
// KOHAKUHUB_ with "." replaced by "_" — following the teacher's viper
// wiring style (AutomaticEnv + SetEnvKeyReplacer).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("kohakuhub")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
