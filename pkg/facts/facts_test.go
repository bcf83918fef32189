package facts

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/bitbucket-deployer/pkg/policy"
)

func propertiesServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bitbucket"+applicationPropertiesPath, r.URL.Path)
		assert.Contains(t, r.Header.Get("User-Agent"), "bitbucket-deployer/")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInstalledVersion(t *testing.T) {
	srv := propertiesServer(t, `{"version":"4.0.2","buildNumber":"4000200","displayName":"Bitbucket"}`, http.StatusOK)
	d := NewDetector(7990, "/bitbucket", nil, WithBaseURL(srv.URL+"/bitbucket"))

	v, err := d.InstalledVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4.0.2", v.String())
}

func TestInstalledVersionOverride(t *testing.T) {
	d := NewDetector(1, "", nil, WithOverride("3.7.0"))
	v, err := d.InstalledVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.7.0", v.String())

	_, err = NewDetector(1, "", nil, WithOverride("3.x")).InstalledVersion(context.Background())
	assert.ErrorIs(t, err, policy.ErrInvalidVersion)
}

func TestInstalledVersionNothingListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	v, err := NewDetector(port, "", nil).InstalledVersion(context.Background())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestInstalledVersionErrors(t *testing.T) {
	srv := propertiesServer(t, `oops`, http.StatusInternalServerError)
	_, err := NewDetector(0, "", nil, WithBaseURL(srv.URL+"/bitbucket")).InstalledVersion(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	srv = propertiesServer(t, `{"version":"banana"}`, http.StatusOK)
	_, err = NewDetector(0, "", nil, WithBaseURL(srv.URL+"/bitbucket")).InstalledVersion(context.Background())
	assert.ErrorIs(t, err, policy.ErrInvalidVersion)
}
