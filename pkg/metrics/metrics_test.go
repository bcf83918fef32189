package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/bitbucket-deployer/pkg/resource"
)

func TestObserve(t *testing.T) {
	r, err := NewRecorder()
	require.NoError(t, err)

	report := &resource.Report{Applied: 12, Changed: 3, Refreshed: 1, Duration: 1500 * time.Millisecond}
	r.Observe("4.0.2", report, 6, nil, time.Unix(1700000000, 0))

	assert.Equal(t, 12.0, testutil.ToFloat64(r.resources.WithLabelValues("applied")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.resources.WithLabelValues("changed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.resources.WithLabelValues("failed")))
	assert.Equal(t, 1.5, testutil.ToFloat64(r.duration))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.success))
	assert.Equal(t, 6.0, testutil.ToFloat64(r.upgradeAction))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(r.lastRun))

	r.Observe("4.0.2", &resource.Report{Failed: "Service[bitbucket]", Noop: true}, 0, errors.New("boom"), time.Now())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.resources.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.success))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.info.WithLabelValues("4.0.2", "true")))
}

func TestWriteTextfile(t *testing.T) {
	r, err := NewRecorder()
	require.NoError(t, err)
	r.Observe("3.8.1", &resource.Report{Applied: 2}, 0, nil, time.Now())

	path := filepath.Join(t.TempDir(), "bitbucket_deployer.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `bitbucket_deployer_resources{state="applied"} 2`)
	assert.Contains(t, string(data), `bitbucket_deployer_info{noop="false",version="3.8.1"} 1`)
}
