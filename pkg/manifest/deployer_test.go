package manifest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/bitbucket-deployer/pkg/policy"
	"github.com/yourorg/bitbucket-deployer/pkg/resource"
	"github.com/yourorg/bitbucket-deployer/pkg/upgrade"
)

func callIndex(t *testing.T, calls []string, prefix string) int {
	t.Helper()
	for i, c := range calls {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	t.Fatalf("no call starting with %q in %v", prefix, calls)
	return -1
}

func hasCall(calls []string, prefix string) bool {
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestDeployFreshInstallConverges(t *testing.T) {
	host := newFakeHost()
	m := compose(t, testParams("4.0.2"))

	res, err := NewDeployer(host.providers(), nil).Deploy(context.Background(), m, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Plan)
	assert.Nil(t, res.Upgrade)
	assert.Positive(t, res.Report.Changed)
	assert.True(t, host.services["bitbucket"])
	assert.Contains(t, host.crons, "Backup Bitbucket")
	assert.True(t, hasCall(host.calls, "run chown -R atlbitbucket:atlbitbucket"))
	assert.False(t, hasCall(host.calls, "restart bitbucket"), "a freshly started service is not restarted")

	host.calls = nil
	res, err = NewDeployer(host.providers(), nil).Deploy(context.Background(), m, policy.MustParseVersion("4.0.2"))
	require.NoError(t, err)
	assert.Empty(t, res.Plan)
	assert.Zero(t, res.Report.Changed)
	assert.Empty(t, host.calls)
}

func TestDeployConfigChangeRestartsService(t *testing.T) {
	host := newFakeHost()
	_, err := NewDeployer(host.providers(), nil).Deploy(context.Background(), compose(t, testParams("4.0.2")), nil)
	require.NoError(t, err)

	host.calls = nil
	p := testParams("4.0.2")
	p.JavaOpts = "-Dfoo=bar"
	res, err := NewDeployer(host.providers(), nil).Deploy(context.Background(), compose(t, p), policy.MustParseVersion("4.0.2"))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Report.Refreshed)
	assert.Less(t, callIndex(t, host.calls, "write /opt/bitbucket/atlassian-bitbucket-4.0.2/bin/setenv.sh"),
		callIndex(t, host.calls, "restart bitbucket"))
}

func TestDeployUpgrade(t *testing.T) {
	host := newFakeHost()
	_, err := NewDeployer(host.providers(), nil).Deploy(context.Background(), compose(t, testParams("3.7.0")), nil)
	require.NoError(t, err)
	host.files["/home/bitbucket/stash-config.properties"] = "stale"
	host.calls = nil

	m := compose(t, testParams("4.0.2"))
	res, err := NewDeployer(host.providers(), nil).Deploy(context.Background(), m, policy.MustParseVersion("3.7.0"))
	require.NoError(t, err)

	require.Len(t, res.Plan, 6)
	require.NotNil(t, res.Upgrade)
	assert.Equal(t, upgrade.StateNotified, res.Upgrade.State)
	assert.Equal(t, "success", res.Upgrade.Status)

	stop := callIndex(t, host.calls, "stop bitbucket")
	remove := callIndex(t, host.calls, "remove /home/bitbucket/stash-config.properties")
	fetch := callIndex(t, host.calls, "fetch https://product-downloads.atlassian.com/software/stash/downloads/atlassian-bitbucket-4.0.2.tar.gz")
	config := callIndex(t, host.calls, "write /home/bitbucket/shared/server.xml")
	start := callIndex(t, host.calls, "service bitbucket running=true")
	assert.True(t, stop < remove && remove < fetch && fetch < config && config < start, "calls out of order: %v", host.calls)

	assert.NotContains(t, host.files, "/home/bitbucket/stash-config.properties")
	assert.False(t, hasCall(host.calls, "restart bitbucket"))
	assert.True(t, host.services["bitbucket"])
	assert.Empty(t, res.Pending)
}

func TestDeployNoop(t *testing.T) {
	host := newFakeHost()
	m := compose(t, testParams("4.0.2"))

	ctx := resource.WithNoop(context.Background())
	res, err := NewDeployer(host.providers(), nil).Deploy(ctx, m, policy.MustParseVersion("3.7.0"))
	require.NoError(t, err)

	assert.True(t, res.Noop)
	assert.True(t, res.Report.Noop)
	assert.Len(t, res.Plan, 6)
	assert.Nil(t, res.Upgrade)
	assert.Positive(t, res.Report.Changed)
	assert.Empty(t, host.files)
	assert.Empty(t, host.dirs)
	assert.Empty(t, host.services)
}

func TestDeployPreflightFailure(t *testing.T) {
	host := newFakeHost()
	m := compose(t, testParams("4.0.2"))
	dbDown := errors.New("connection refused")

	_, err := NewDeployer(host.providers(), nil, func(context.Context) error { return dbDown }).
		Deploy(context.Background(), m, nil)
	require.ErrorIs(t, err, dbDown)
	assert.Empty(t, host.calls)
}

func TestDeployAbortsOnProviderFailure(t *testing.T) {
	host := newFakeHost()
	m := compose(t, testParams("4.0.2"))

	res, err := NewDeployer(resource.Providers{Filesystem: host, System: host}, nil).
		Deploy(context.Background(), m, nil)
	require.ErrorIs(t, err, resource.ErrExternalAction)
	assert.Equal(t, "Archive[/tmp/atlassian-bitbucket-4.0.2.tar.gz]", res.Report.Failed)
	assert.False(t, host.services["bitbucket"])
}
