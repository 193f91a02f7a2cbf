package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tastythames/probe-deployer/internal/inventory"
	"github.com/tastythames/probe-deployer/internal/job"
)

func TestUninstall(t *testing.T) {
	opts := testOptions(t)
	opts.Reboot = true
	dialer := newFakeDialer()
	dialer.host("10.0.0.2").password = "different"

	notSelected := device("C", "10.0.0.3", inventory.Ubuntu, inventory.TAR)
	notSelected.Deploy = false

	jobs, err := Uninstall(context.Background(), []inventory.Device{
		device("A", "10.0.0.1", inventory.CentOS, inventory.TAR),
		device("B", "10.0.0.2", inventory.Ubuntu, inventory.TAR),
		notSelected,
	}, opts, Deps{Dialer: dialer})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, job.Completed, jobs[0].Status())
	assert.Equal(t, job.Error, jobs[1].Status())

	cmds := dialer.host("10.0.0.1").commands()
	assert.Contains(t, cmds, "/bin/systemctl stop insite-probe")
	assert.Contains(t, cmds, "rm -rf /opt/evertz/insite/probe")
	assert.Equal(t, "reboot", cmds[len(cmds)-1])
	assert.Equal(t, 0, dialer.host("10.0.0.3").dialCount())

	entries, err := os.ReadDir(opts.LogDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	b, err := os.ReadFile(filepath.Join(opts.LogDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(b), "Uninstall tasks\n")
	assert.Contains(t, string(b), "Alias: B    Control IP: 10.0.0.2\n")
}

func TestUninstallRequiresDialer(t *testing.T) {
	_, err := Uninstall(context.Background(), nil, Options{}, Deps{})
	assert.Error(t, err)
}
