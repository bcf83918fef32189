package host

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name, body string
	dir        bool
}

func tarGz(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if e.dir {
			hdr = &tar.Header{Name: e.name, Mode: 0755, Typeflag: tar.TypeDir}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if !e.dir {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func zipArchive(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		if !e.dir {
			_, err = w.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func serve(t *testing.T, payload []byte) (*httptest.Server, *int) {
	t.Helper()
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Contains(t, r.UserAgent(), "bitbucket-deployer")
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func md5sum(b []byte) string {
	h := md5.Sum(b)
	return hex.EncodeToString(h[:])
}

func TestFetchVerifiesChecksum(t *testing.T) {
	ctx := context.Background()
	payload := tarGz(t, []entry{{name: "atlassian-bitbucket-4.6.0/conf/server.xml", body: "<Server/>"}})
	srv, hits := serve(t, payload)

	a := NewArchives(afero.NewMemMapFs(), srv.Client(), nil)
	dest := "/tmp/atlassian-bitbucket-4.6.0.tar.gz"

	changed, err := a.Fetch(ctx, srv.URL, md5sum(payload), "md5", dest)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = a.Fetch(ctx, srv.URL, md5sum(payload), "md5", dest)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, *hits)

	_, err = a.Fetch(ctx, srv.URL, "deadbeef", "md5", "/tmp/other.tar.gz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	exists, _ := afero.Exists(a.fs, "/tmp/other.tar.gz")
	assert.False(t, exists)

	_, err = a.Fetch(ctx, srv.URL, "x", "crc32", "/tmp/third.tar.gz")
	assert.Error(t, err)
}

func TestFetchReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	a := NewArchives(afero.NewMemMapFs(), srv.Client(), nil)
	_, err := a.Fetch(context.Background(), srv.URL, "", "", "/tmp/a.tar.gz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestExtractTarGz(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	payload := tarGz(t, []entry{
		{name: "atlassian-bitbucket-4.6.0/", dir: true},
		{name: "atlassian-bitbucket-4.6.0/conf/server.xml", body: "<Server/>"},
		{name: "atlassian-bitbucket-4.6.0/bin/start-bitbucket.sh", body: "#!/bin/sh"},
	})
	require.NoError(t, afero.WriteFile(fs, "/tmp/bb.tar.gz", payload, 0644))

	a := NewArchives(fs, nil, nil)
	creates := "/opt/bitbucket/atlassian-bitbucket-4.6.0/conf"

	changed, err := a.Extract(ctx, "/tmp/bb.tar.gz", "/opt/bitbucket", "", "", creates)
	require.NoError(t, err)
	assert.True(t, changed)

	content, err := afero.ReadFile(fs, creates+"/server.xml")
	require.NoError(t, err)
	assert.Equal(t, "<Server/>", string(content))

	changed, err = a.Extract(ctx, "/tmp/bb.tar.gz", "/opt/bitbucket", "", "", creates)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestExtractZip(t *testing.T) {
	fs := afero.NewMemMapFs()
	payload := zipArchive(t, []entry{
		{name: "bitbucket-backup-client-3.6.0/", dir: true},
		{name: "bitbucket-backup-client-3.6.0/lib/client.jar", body: "jar"},
		{name: "bitbucket-backup-client-3.6.0/bitbucket-backup-client.jar", body: "main"},
	})
	require.NoError(t, afero.WriteFile(fs, "/tmp/client.zip", payload, 0644))

	a := NewArchives(fs, nil, nil)
	changed, err := a.Extract(context.Background(), "/tmp/client.zip", "/opt/bitbucket-backup", "", "",
		"/opt/bitbucket-backup/bitbucket-backup-client-3.6.0/lib")
	require.NoError(t, err)
	assert.True(t, changed)

	exists, _ := afero.Exists(fs, "/opt/bitbucket-backup/bitbucket-backup-client-3.6.0/bitbucket-backup-client.jar")
	assert.True(t, exists)
}

func TestExtractRejectsTraversal(t *testing.T) {
	fs := afero.NewMemMapFs()
	payload := tarGz(t, []entry{{name: "../../etc/cron.d/evil", body: "* * * * * root rm -rf /"}})
	require.NoError(t, afero.WriteFile(fs, "/tmp/evil.tar.gz", payload, 0644))

	a := NewArchives(fs, nil, nil)
	_, err := a.Extract(context.Background(), "/tmp/evil.tar.gz", "/opt/bitbucket", "", "", "")
	require.Error(t, err)

	exists, _ := afero.Exists(fs, "/etc/cron.d/evil")
	assert.False(t, exists)
}

func TestExtractUnknownFormat(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/tmp/x.rar", []byte("x"), 0644))

	_, err := NewArchives(fs, nil, nil).Extract(context.Background(), "/tmp/x.rar", "/opt", "", "", "")
	assert.Error(t, err)
}
