package host

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	"github.com/yourorg/bitbucket-deployer/pkg/resource"
)

func newTestFiles() *Files {
	f := NewFiles(afero.NewMemMapFs(), nil)
	f.resolve = func(string, string) (int, int, error) { return 1000, 1000, nil }
	return f
}

func TestEnsureFileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newTestFiles()

	changed, err := f.EnsureFile(ctx, "/opt/app/bin/setenv.sh", []byte("A=1\n"), "app", "app", "0755")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.EnsureFile(ctx, "/opt/app/bin/setenv.sh", []byte("A=1\n"), "app", "app", "0755")
	require.NoError(t, err)
	assert.False(t, changed)

	fi, err := f.fs.Stat("/opt/app/bin/setenv.sh")
	require.NoError(t, err)
	assert.Equal(t, "-rwxr-xr-x", fi.Mode().Perm().String())

	changed, err = f.EnsureFile(ctx, "/opt/app/bin/setenv.sh", []byte("A=2\n"), "app", "app", "0755")
	require.NoError(t, err)
	assert.True(t, changed)

	content, err := afero.ReadFile(f.fs, "/opt/app/bin/setenv.sh")
	require.NoError(t, err)
	assert.Equal(t, "A=2\n", string(content))
}

func TestEnsureFileModeDrift(t *testing.T) {
	ctx := context.Background()
	f := newTestFiles()
	require.NoError(t, afero.WriteFile(f.fs, "/etc/app.conf", []byte("x"), 0600))

	changed, err := f.EnsureFile(ctx, "/etc/app.conf", []byte("x"), "", "", "0644")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.EnsureFile(ctx, "/etc/app.conf", []byte("x"), "", "", "0644")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestEnsureFileNoop(t *testing.T) {
	f := newTestFiles()
	ctx := resource.WithNoop(context.Background())

	changed, err := f.EnsureFile(ctx, "/etc/app.conf", []byte("x"), "", "", "")
	require.NoError(t, err)
	assert.True(t, changed)

	exists, err := afero.Exists(f.fs, "/etc/app.conf")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEnsureDirectory(t *testing.T) {
	ctx := context.Background()
	f := newTestFiles()

	changed, err := f.EnsureDirectory(ctx, "/home/bitbucket", "app", "app", "0750")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.EnsureDirectory(ctx, "/home/bitbucket", "app", "app", "0750")
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, afero.WriteFile(f.fs, "/srv/file", []byte("x"), 0644))
	_, err = f.EnsureDirectory(ctx, "/srv/file", "", "", "")
	assert.Error(t, err)
}

func TestRemoveFile(t *testing.T) {
	ctx := context.Background()
	f := newTestFiles()

	changed, err := f.RemoveFile(ctx, "/home/bitbucket/stash-config.properties")
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, afero.WriteFile(f.fs, "/home/bitbucket/stash-config.properties", []byte("x"), 0644))
	changed, err = f.RemoveFile(ctx, "/home/bitbucket/stash-config.properties")
	require.NoError(t, err)
	assert.True(t, changed)

	exists, _ := afero.Exists(f.fs, "/home/bitbucket/stash-config.properties")
	assert.False(t, exists)
}

func TestTidyOldFiles(t *testing.T) {
	ctx := context.Background()
	f := newTestFiles()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	dir := "/opt/bitbucket-backup/archives"
	files := map[string]time.Duration{
		"old.tar":    5 * 7 * 24 * time.Hour,
		"recent.tar": 24 * time.Hour,
		"old.log":    60 * 24 * time.Hour,
	}
	for name, age := range files {
		path := dir + "/" + name
		require.NoError(t, afero.WriteFile(f.fs, path, []byte("x"), 0644))
		require.NoError(t, f.fs.Chtimes(path, now.Add(-age), now.Add(-age)))
	}

	changed, err := f.TidyOldFiles(ctx, dir, "*.tar", 4*7*24*time.Hour)
	require.NoError(t, err)
	assert.True(t, changed)

	for name, want := range map[string]bool{"old.tar": false, "recent.tar": true, "old.log": true} {
		exists, _ := afero.Exists(f.fs, dir+"/"+name)
		assert.Equal(t, want, exists, name)
	}

	changed, err = f.TidyOldFiles(ctx, dir, "*.tar", 4*7*24*time.Hour)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.TidyOldFiles(ctx, "/missing", "*.tar", time.Hour)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestEnsureIniSetting(t *testing.T) {
	ctx := context.Background()
	f := newTestFiles()
	path := "/opt/bitbucket/atlassian-bitbucket-4.6.0/conf/scripts.cfg"
	require.NoError(t, afero.WriteFile(f.fs, path, []byte("bitbucket_shutdown_port=8006\n"), 0640))

	changed, err := f.EnsureIniSetting(ctx, path, "", "bitbucket_httpport", "7990")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.EnsureIniSetting(ctx, path, "", "bitbucket_httpport", "7990")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.EnsureIniSetting(ctx, path, "", "bitbucket_httpport", "7991")
	require.NoError(t, err)
	assert.True(t, changed)

	raw, err := afero.ReadFile(f.fs, path)
	require.NoError(t, err)
	cfg, err := ini.Load(raw)
	require.NoError(t, err)
	assert.Equal(t, "7991", cfg.Section("").Key("bitbucket_httpport").String())
	assert.Equal(t, "8006", cfg.Section("").Key("bitbucket_shutdown_port").String())

	fi, err := f.fs.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, "-rw-r-----", fi.Mode().Perm().String())
}
