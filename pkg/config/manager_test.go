package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFleet = `
defaults:
  port: 6668
  version: "3.3"
  issueGetOnConnect: true
  responseTimeout: 2
devices:
  - id: dev1
    ip: 10.0.0.5
  - id: dev2
    ip: 10.0.0.6
    version: "3.4"
    port: 6669
`

func writeSampleFleet(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFleet), 0o644))
	return path
}

func TestNewManagerLoadsFleet(t *testing.T) {
	m, err := NewManager(writeSampleFleet(t))
	require.NoError(t, err)

	fleet := m.Fleet()
	assert.Equal(t, 6668, fleet.Defaults.Port)
	assert.Len(t, fleet.Devices, 2)
}

func TestOptionsMergesDefaultsAndEntry(t *testing.T) {
	m, err := NewManager(writeSampleFleet(t))
	require.NoError(t, err)

	opts, err := m.Options("dev1", []byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", opts.IP)
	assert.Equal(t, 6668, opts.Port)
	assert.EqualValues(t, "3.3", opts.Version)
}

func TestOptionsEntryOverridesDefaultPortAndVersion(t *testing.T) {
	m, err := NewManager(writeSampleFleet(t))
	require.NoError(t, err)

	opts, err := m.Options("dev2", []byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6669, opts.Port)
	assert.EqualValues(t, "3.4", opts.Version)
}

func TestOptionsUnknownIDFails(t *testing.T) {
	m, err := NewManager(writeSampleFleet(t))
	require.NoError(t, err)

	_, err = m.Options("missing", nil)
	assert.Error(t, err)
}

func TestAddDevicePersists(t *testing.T) {
	path := writeSampleFleet(t)
	m, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, m.AddDevice(DeviceEntry{ID: "dev3", IP: "10.0.0.7"}))

	reloaded, err := NewManager(path)
	require.NoError(t, err)
	assert.Len(t, reloaded.Fleet().Devices, 3)
}
