// Package config loads the deployer configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/bitbucket-deployer/pkg/logging"
	"github.com/yourorg/bitbucket-deployer/pkg/params"
)

// DefaultConfigPath is read when no --config flag is given.
const DefaultConfigPath = "/etc/bitbucket-deployer/config.yaml"

// EnvPrefix prefixes every environment override, e.g.
// BITBUCKET_DEPLOYER_BITBUCKET_VERSION.
const EnvPrefix = "BITBUCKET_DEPLOYER"

// Config represents the complete deployer configuration
type Config struct {
	Bitbucket BitbucketConfig `mapstructure:"bitbucket"`
	Install   InstallConfig   `mapstructure:"install"`
	Service   ServiceConfig   `mapstructure:"service"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Preflight PreflightConfig `mapstructure:"preflight"`
	Verify    VerifyConfig    `mapstructure:"verify"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// BitbucketConfig contains the application settings
type BitbucketConfig struct {
	Version          string            `mapstructure:"version"`
	InstalledVersion string            `mapstructure:"installed_version"`
	JavaHome         string            `mapstructure:"java_home"`
	JvmXms           string            `mapstructure:"jvm_xms"`
	JvmXmx           string            `mapstructure:"jvm_xmx"`
	JvmPermGen       string            `mapstructure:"jvm_permgen"`
	JavaOpts         string            `mapstructure:"java_opts"`
	ContextPath      string            `mapstructure:"context_path"`
	TomcatPort       int               `mapstructure:"tomcat_port"`
	Proxy            ProxyConfig       `mapstructure:"proxy"`
	Database         DatabaseConfig    `mapstructure:"database"`
	Setup            SetupConfig       `mapstructure:"setup"`
	ConfigProperties map[string]string `mapstructure:"-"`
}

// ProxyConfig contains reverse proxy settings
type ProxyConfig struct {
	Scheme    string `mapstructure:"scheme"`
	ProxyName string `mapstructure:"proxy_name"`
	ProxyPort string `mapstructure:"proxy_port"`
}

// DatabaseConfig contains JDBC settings
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// SetupConfig contains the setup wizard settings
type SetupConfig struct {
	DisplayName          string `mapstructure:"display_name"`
	BaseURL              string `mapstructure:"base_url"`
	SysadminUsername     string `mapstructure:"sysadmin_username"`
	SysadminPassword     string `mapstructure:"sysadmin_password"`
	SysadminDisplayName  string `mapstructure:"sysadmin_display_name"`
	SysadminEmailAddress string `mapstructure:"sysadmin_email_address"`
}

// InstallConfig contains installation settings
type InstallConfig struct {
	Root         string `mapstructure:"root"`
	HomeDir      string `mapstructure:"home_dir"`
	User         string `mapstructure:"user"`
	Group        string `mapstructure:"group"`
	UID          *int   `mapstructure:"uid"`
	GID          *int   `mapstructure:"gid"`
	ManageUsrGrp bool   `mapstructure:"manage_usr_grp"`
	DownloadURL  string `mapstructure:"download_url"`
	Checksum     string `mapstructure:"checksum"`
	ChecksumType string `mapstructure:"checksum_type"`
}

// ServiceConfig contains service management settings
type ServiceConfig struct {
	Manage    bool          `mapstructure:"manage"`
	Name      string        `mapstructure:"name"`
	Ensure    string        `mapstructure:"ensure"`
	Enable    bool          `mapstructure:"enable"`
	StopGrace time.Duration `mapstructure:"stop_grace"`
	UnitDir   string        `mapstructure:"unit_dir"`
}

// BackupConfig contains backup client settings
type BackupConfig struct {
	Manage        bool   `mapstructure:"manage"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	BaseURL       string `mapstructure:"base_url"`
	Home          string `mapstructure:"home"`
	KeepAge       string `mapstructure:"keep_age"`
	ClientVersion string `mapstructure:"client_version"`
	ClientURL     string `mapstructure:"client_url"`
	Hour          string `mapstructure:"hour"`
	Minute        string `mapstructure:"minute"`
}

// PreflightConfig selects the checks run before applying
type PreflightConfig struct {
	Platform bool `mapstructure:"platform"`
	Database bool `mapstructure:"database"`
}

// VerifyConfig contains acceptance check settings
type VerifyConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	Interval     time.Duration `mapstructure:"interval"`
	MinFreeDisk  string        `mapstructure:"min_free_disk"`
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
}

// MetricsConfig contains textfile exporter settings
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// Loader handles configuration loading from multiple sources
type Loader struct {
	v          *viper.Viper
	configPath string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigPath sets the configuration file path
func (l *Loader) SetConfigPath(path string) {
	l.configPath = path
}

// Load loads the configuration from all sources
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath("/etc/bitbucket-deployer")
		l.v.AddConfigPath("$HOME/.bitbucket-deployer")
		l.v.AddConfigPath(".")
	}

	// Read config file (ignore if not found)
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if used := l.v.ConfigFileUsed(); used != "" {
		props, err := readConfigProperties(used)
		if err != nil {
			return nil, err
		}
		cfg.Bitbucket.ConfigProperties = props
	}

	return &cfg, nil
}

// readConfigProperties re-reads bitbucket.config_properties with its keys
// intact. viper lower-cases map keys and splits them on dots, and property
// names are case-sensitive dotted strings.
func readConfigProperties(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw struct {
		Bitbucket struct {
			ConfigProperties map[string]string `yaml:"config_properties"`
		} `yaml:"bitbucket"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config_properties: %w", err)
	}
	return raw.Bitbucket.ConfigProperties, nil
}

// setDefaults registers every key so environment overrides apply to it.
// Database, proxy and backup credentials stay empty here: they are
// all-or-nothing groups defaulted by params.Normalize.
func (l *Loader) setDefaults() {
	// Application defaults
	l.v.SetDefault("bitbucket.version", "")
	l.v.SetDefault("bitbucket.installed_version", "")
	l.v.SetDefault("bitbucket.java_home", "")
	l.v.SetDefault("bitbucket.jvm_xms", params.DefaultJvmMinMemory)
	l.v.SetDefault("bitbucket.jvm_xmx", params.DefaultJvmMaxMemory)
	l.v.SetDefault("bitbucket.jvm_permgen", params.DefaultJvmPermGen)
	l.v.SetDefault("bitbucket.java_opts", "")
	l.v.SetDefault("bitbucket.context_path", "")
	l.v.SetDefault("bitbucket.tomcat_port", params.DefaultTomcatPort)
	for _, key := range []string{"scheme", "proxy_name", "proxy_port"} {
		l.v.SetDefault("bitbucket.proxy."+key, "")
	}
	for _, key := range []string{"driver", "url", "user", "password"} {
		l.v.SetDefault("bitbucket.database."+key, "")
	}
	l.v.SetDefault("bitbucket.setup.display_name", params.DefaultSetupName)
	l.v.SetDefault("bitbucket.setup.base_url", "")
	l.v.SetDefault("bitbucket.setup.sysadmin_username", params.DefaultSysadminUser)
	l.v.SetDefault("bitbucket.setup.sysadmin_password", params.DefaultSysadminPass)
	l.v.SetDefault("bitbucket.setup.sysadmin_display_name", params.DefaultSysadminName)
	l.v.SetDefault("bitbucket.setup.sysadmin_email_address", "")

	// Install defaults
	l.v.SetDefault("install.root", params.DefaultInstallRoot)
	l.v.SetDefault("install.home_dir", params.DefaultHomeDir)
	l.v.SetDefault("install.user", params.DefaultUser)
	l.v.SetDefault("install.group", params.DefaultGroup)
	l.v.SetDefault("install.manage_usr_grp", true)
	l.v.SetDefault("install.download_url", params.DefaultDownloadURL)
	l.v.SetDefault("install.checksum", "")
	l.v.SetDefault("install.checksum_type", params.DefaultChecksumType)

	// Service defaults
	l.v.SetDefault("service.manage", true)
	l.v.SetDefault("service.name", params.DefaultServiceName)
	l.v.SetDefault("service.ensure", "running")
	l.v.SetDefault("service.enable", true)
	l.v.SetDefault("service.stop_grace", params.DefaultStopGrace.String())
	l.v.SetDefault("service.unit_dir", "/etc/systemd/system")

	// Backup defaults
	l.v.SetDefault("backup.manage", true)
	l.v.SetDefault("backup.user", "")
	l.v.SetDefault("backup.password", "")
	l.v.SetDefault("backup.base_url", "")
	l.v.SetDefault("backup.home", params.DefaultBackupHome)
	l.v.SetDefault("backup.keep_age", params.DefaultBackupKeepAge)
	l.v.SetDefault("backup.client_version", params.DefaultBackupVersion)
	l.v.SetDefault("backup.client_url", params.DefaultBackupURL)
	l.v.SetDefault("backup.hour", params.DefaultBackupHour)
	l.v.SetDefault("backup.minute", params.DefaultBackupMinute)

	// Preflight defaults
	l.v.SetDefault("preflight.platform", true)
	l.v.SetDefault("preflight.database", false)

	// Verify defaults
	l.v.SetDefault("verify.timeout", "10m")
	l.v.SetDefault("verify.interval", "10s")
	l.v.SetDefault("verify.check_timeout", "30s")
	l.v.SetDefault("verify.min_free_disk", "5GB")

	// Metrics defaults
	l.v.SetDefault("metrics.textfile", "")

	// Logging defaults
	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")
	l.v.SetDefault("logging.development", false)
	l.v.SetDefault("logging.file", "")
	l.v.SetDefault("logging.max_size_mb", 100)
	l.v.SetDefault("logging.max_backups", 5)
}

// GetConfigPath returns the path to the configuration file being used
func (l *Loader) GetConfigPath() string {
	return l.v.ConfigFileUsed()
}
