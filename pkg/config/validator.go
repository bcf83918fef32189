package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/yourorg/bitbucket-deployer/pkg/host"
	"github.com/yourorg/bitbucket-deployer/pkg/params"
	"github.com/yourorg/bitbucket-deployer/pkg/policy"
	"github.com/yourorg/bitbucket-deployer/pkg/resource"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validator validates configuration
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates the configuration and returns any errors
func (v *Validator) Validate(cfg *Config) error {
	v.errors = nil

	v.validateBitbucket(cfg.Bitbucket)
	v.validateInstall(cfg.Install)
	v.validateService(cfg.Service)
	if cfg.Backup.Manage {
		v.validateBackup(cfg.Backup)
	}
	v.validateVerify(cfg)
	v.validateLogging(cfg)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// validateBitbucket validates application configuration
func (v *Validator) validateBitbucket(cfg BitbucketConfig) {
	if cfg.Version == "" {
		v.addError("bitbucket.version", "version is required")
	} else if _, err := policy.ParseVersion(cfg.Version); err != nil {
		v.addError("bitbucket.version", err.Error())
	}

	if cfg.InstalledVersion != "" {
		if _, err := policy.ParseVersion(cfg.InstalledVersion); err != nil {
			v.addError("bitbucket.installed_version", err.Error())
		}
	}

	if cfg.JavaHome != "" && !filepath.IsAbs(cfg.JavaHome) {
		v.addError("bitbucket.java_home", "must be an absolute path")
	}

	if cfg.ContextPath != "" && !strings.HasPrefix(cfg.ContextPath, "/") {
		v.addError("bitbucket.context_path", "must start with /")
	}

	v.validatePort("bitbucket.tomcat_port", cfg.TomcatPort)

	if cfg.Proxy.ProxyPort != "" {
		port, err := strconv.Atoi(cfg.Proxy.ProxyPort)
		if err != nil {
			v.addError("bitbucket.proxy.proxy_port", "must be a number")
		} else {
			v.validatePort("bitbucket.proxy.proxy_port", port)
		}
	}
	if s := cfg.Proxy.Scheme; s != "" && s != "http" && s != "https" {
		v.addError("bitbucket.proxy.scheme", "must be http or https")
	}

	if cfg.Database.URL != "" && !strings.HasPrefix(cfg.Database.URL, "jdbc:") {
		v.addError("bitbucket.database.url", "must be a JDBC URL")
	}

	v.validateURL("bitbucket.setup.base_url", cfg.Setup.BaseURL)

	for key := range cfg.ConfigProperties {
		if strings.ContainsAny(key, "=\n") {
			v.addError("bitbucket.config_properties", fmt.Sprintf("invalid property name %q", key))
		}
		if strings.HasPrefix(key, params.ManagedPropertyPrefix) {
			v.addError("bitbucket.config_properties",
				fmt.Sprintf("%q is derived from bitbucket.database and cannot be set here", key))
		}
	}
}

// validateInstall validates installation configuration
func (v *Validator) validateInstall(cfg InstallConfig) {
	v.validateAbsolute("install.root", cfg.Root)
	v.validateAbsolute("install.home_dir", cfg.HomeDir)
	v.validateURL("install.download_url", cfg.DownloadURL)

	switch cfg.ChecksumType {
	case "md5", "sha1", "sha256", "sha512":
	default:
		v.addError("install.checksum_type", "must be one of md5, sha1, sha256, sha512")
	}

	if cfg.UID != nil && *cfg.UID < 0 {
		v.addError("install.uid", "must not be negative")
	}
	if cfg.GID != nil && *cfg.GID < 0 {
		v.addError("install.gid", "must not be negative")
	}
}

// validateService validates service configuration
func (v *Validator) validateService(cfg ServiceConfig) {
	if cfg.Ensure != "running" && cfg.Ensure != "stopped" {
		v.addError("service.ensure", "must be running or stopped")
	}
	if cfg.StopGrace < 0 {
		v.addError("service.stop_grace", "must not be negative")
	}
	v.validateAbsolute("service.unit_dir", cfg.UnitDir)
}

// validateBackup validates backup configuration
func (v *Validator) validateBackup(cfg BackupConfig) {
	v.validateAbsolute("backup.home", cfg.Home)
	v.validateURL("backup.base_url", cfg.BaseURL)
	v.validateURL("backup.client_url", cfg.ClientURL)

	if _, err := policy.ParseVersion(cfg.ClientVersion); err != nil {
		v.addError("backup.client_version", err.Error())
	}
	if _, err := resource.ParseAge(cfg.KeepAge); err != nil {
		v.addError("backup.keep_age", err.Error())
	}
	if err := host.ValidateSchedule(cfg.Minute, cfg.Hour); err != nil {
		v.addError("backup.hour", err.Error())
	}
}

// validateVerify validates acceptance check configuration
func (v *Validator) validateVerify(cfg *Config) {
	if cfg.Verify.Timeout <= 0 {
		v.addError("verify.timeout", "must be positive")
	}
	if cfg.Verify.Interval <= 0 {
		v.addError("verify.interval", "must be positive")
	}
	if _, err := cfg.MinFreeDiskBytes(); err != nil {
		v.addError("verify.min_free_disk", "invalid size")
	}
}

// validateLogging validates logging configuration
func (v *Validator) validateLogging(cfg *Config) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		v.addError("logging.level", "unknown level")
	}
	if f := cfg.Logging.Format; f != "json" && f != "console" {
		v.addError("logging.format", "must be json or console")
	}
}

func (v *Validator) validatePort(field string, port int) {
	if port < 1 || port > 65535 {
		v.addError(field, "must be between 1 and 65535")
	}
}

func (v *Validator) validateURL(field, raw string) {
	if raw == "" {
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.addError(field, "invalid URL format")
	}
}

func (v *Validator) validateAbsolute(field, path string) {
	if path == "" {
		v.addError(field, "is required")
	} else if !filepath.IsAbs(path) {
		v.addError(field, "must be an absolute path")
	}
}

// addError adds a validation error
func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Message: message,
	})
}
