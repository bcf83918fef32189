package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/bitbucket-deployer/pkg/params"
)

const sampleConfig = `
bitbucket:
  version: "4.0.2"
  java_home: /usr/lib/jvm/jre-1.8.0
  context_path: /bitbucket
  tomcat_port: 7991
  proxy:
    scheme: https
    proxy_name: bitbucket.example.com
    proxy_port: "443"
  setup:
    base_url: https://bitbucket.example.com
  config_properties:
    feature.public.access: "false"
    plugin.ssh.baseurl: ssh://bitbucket.example.com:7999
install:
  uid: 2001
  gid: 2002
backup:
  user: backup
  password: s3cret
  keep_age: 2w
logging:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func load(t *testing.T, content string) *Config {
	t.Helper()
	l := NewLoader()
	l.SetConfigPath(writeConfig(t, content))
	cfg, err := l.Load()
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := load(t, "bitbucket:\n  version: 3.7.0\n")

	assert.Equal(t, "3.7.0", cfg.Bitbucket.Version)
	assert.Equal(t, 7990, cfg.Bitbucket.TomcatPort)
	assert.Equal(t, "/opt/bitbucket", cfg.Install.Root)
	assert.Equal(t, "atlbitbucket", cfg.Install.User)
	assert.True(t, cfg.Install.ManageUsrGrp)
	assert.Nil(t, cfg.Install.UID)
	assert.True(t, cfg.Service.Manage)
	assert.Equal(t, 15*time.Second, cfg.Service.StopGrace)
	assert.Equal(t, "4w", cfg.Backup.KeepAge)
	assert.Equal(t, 10*time.Minute, cfg.Verify.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Bitbucket.Database.Driver)

	require.NoError(t, NewValidator().Validate(cfg))
}

func TestLoadPreservesPropertyCase(t *testing.T) {
	cfg := load(t, sampleConfig)

	assert.Equal(t, map[string]string{
		"feature.public.access": "false",
		"plugin.ssh.baseurl":    "ssh://bitbucket.example.com:7999",
	}, cfg.Bitbucket.ConfigProperties)

	cfg = load(t, "bitbucket:\n  version: 4.0.2\n  config_properties:\n    server.Port: \"1\"\n")
	assert.Contains(t, cfg.Bitbucket.ConfigProperties, "server.Port")
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("BITBUCKET_DEPLOYER_BITBUCKET_VERSION", "4.1.0")
	t.Setenv("BITBUCKET_DEPLOYER_SERVICE_ENSURE", "stopped")

	cfg := load(t, sampleConfig)
	assert.Equal(t, "4.1.0", cfg.Bitbucket.Version)
	assert.Equal(t, "stopped", cfg.Service.Ensure)
}

func TestLoadMissingFile(t *testing.T) {
	l := NewLoader()
	l.SetConfigPath(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := l.Load()
	assert.Error(t, err)
}

func TestParameters(t *testing.T) {
	cfg := load(t, sampleConfig)
	require.NoError(t, NewValidator().Validate(cfg))

	p, err := cfg.Parameters()
	require.NoError(t, err)

	assert.Equal(t, "4.0.2", p.Version.String())
	assert.Equal(t, 7991, p.TomcatPort)
	require.NotNil(t, p.Proxy)
	assert.Equal(t, "443", p.Proxy.ProxyPort)
	assert.Equal(t, params.DefaultDBURL, p.Database.URL)
	assert.Equal(t, 2001, *p.Install.UID)
	assert.Equal(t, "backup", p.Backup.User)
	assert.Equal(t, "https://bitbucket.example.com", p.Backup.BaseURL)
	assert.Equal(t, "2w", p.Backup.KeepAge)
	assert.Equal(t, "/usr/lib/jvm/jre-1.8.0/bin/java", p.JavaBinary())
}

func TestParametersRejectsPartialGroups(t *testing.T) {
	cfg := load(t, "bitbucket:\n  version: 4.0.2\n  database:\n    url: jdbc:postgresql://db/bb\n")
	_, err := cfg.Parameters()
	assert.ErrorIs(t, err, params.ErrMissingRequiredParameter)

	cfg = load(t, "bitbucket:\n  version: 4.0.2\nbackup:\n  user: only\n")
	_, err = cfg.Parameters()
	assert.ErrorIs(t, err, params.ErrMissingRequiredParameter)
}

func TestValidate(t *testing.T) {
	cfg := load(t, sampleConfig)
	cfg.Bitbucket.Version = "4.x"
	cfg.Bitbucket.TomcatPort = 70000
	cfg.Bitbucket.ContextPath = "bitbucket"
	cfg.Bitbucket.Proxy.ProxyPort = "https"
	cfg.Install.ChecksumType = "crc32"
	cfg.Service.Ensure = "restarted"
	cfg.Backup.KeepAge = "4 fortnights"
	cfg.Backup.Hour = "25"
	cfg.Logging.Level = "chatty"

	err := NewValidator().Validate(cfg)
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	fields := make(map[string]bool)
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, f := range []string{
		"bitbucket.version",
		"bitbucket.tomcat_port",
		"bitbucket.context_path",
		"bitbucket.proxy.proxy_port",
		"install.checksum_type",
		"service.ensure",
		"backup.keep_age",
		"backup.hour",
		"logging.level",
	} {
		assert.True(t, fields[f], "expected error for %s", f)
	}
}

func TestValidateRejectsManagedProperties(t *testing.T) {
	cfg := load(t, sampleConfig)
	cfg.Bitbucket.ConfigProperties = map[string]string{"jdbc.url": "jdbc:postgresql://other/db"}

	err := NewValidator().Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jdbc.url")
}

func TestValidateSkipsUnmanagedBackup(t *testing.T) {
	cfg := load(t, sampleConfig)
	cfg.Backup.Manage = false
	cfg.Backup.Hour = "99"
	assert.NoError(t, NewValidator().Validate(cfg))
}

func TestMinFreeDiskBytes(t *testing.T) {
	cfg := load(t, "bitbucket:\n  version: 4.0.2\nverify:\n  min_free_disk: 512MiB\n")
	n, err := cfg.MinFreeDiskBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(512<<20), n)
}
