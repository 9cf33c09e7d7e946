package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	iface "AutoFocusServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	d := Default()
	assert.Equal(t, d.Server, c.Server)
	assert.Equal(t, d.Autofocus.CoarseStep, c.Autofocus.CoarseStep)
	assert.Equal(t, d.Autofocus.Settle, c.Autofocus.Settle)
	assert.Equal(t, d.Microscopy.Timing, c.Microscopy.Timing)
	assert.Equal(t, d.Filter, c.Filter)
	assert.Equal(t, d.Hardware.Motion, c.Hardware.Motion)
	assert.Equal(t, "sim", c.Hardware.Mode)
	require.NoError(t, c.Autofocus.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":7000"
autofocus:
  coarse_step: 2
  settle: 15ms
microscopy:
  class_name: pollen
  trajectory:
    - {x: 10, y: 20}
    - {x: 30, y: 40}
  timing:
    check_cap: 12
filter:
  min_area: 5000
`), 0o644))

	t.Setenv("AFS_AUTOFOCUS__FINE_STEP", "0.25")
	t.Setenv("AFS_SERVER__ADDR", ":9999")
	t.Setenv("AFS_MICROSCOPY__TIMING__PAUSE_SPIN", "1s")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", c.Server.Addr)
	assert.Equal(t, 9090, c.Server.GRPCPort)
	assert.Equal(t, 2.0, c.Autofocus.CoarseStep)
	assert.Equal(t, 0.25, c.Autofocus.FineStep)
	assert.Equal(t, 15*time.Millisecond, c.Autofocus.Settle)
	assert.Equal(t, "pollen", c.Microscopy.ClassName)
	assert.Equal(t, []iface.StagePoint{{X: 10, Y: 20}, {X: 30, Y: 40}}, c.Microscopy.Trajectory)
	assert.Equal(t, 12, c.Microscopy.Timing.CheckCap)
	assert.Equal(t, time.Second, c.Microscopy.Timing.PauseSpin)
	assert.Equal(t, 100*time.Millisecond, c.Microscopy.Timing.CheckInterval)
	assert.Equal(t, 5000.0, c.Filter.MinArea)
	assert.Equal(t, 0.45, c.Filter.MinCircularity)
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("autofocus: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, WriteDefault(path))
	c, err := Load(path)
	require.NoError(t, err)
	d := Default()
	assert.Equal(t, d.Autofocus.Settle, c.Autofocus.Settle)
	assert.Equal(t, d.Microscopy.Timing, c.Microscopy.Timing)
	assert.Equal(t, d.Detector.ModelPath, c.Detector.ModelPath)
	assert.Equal(t, d.Volumetry, c.Volumetry)
	assert.Equal(t, d.Registry, c.Registry)
}
