package vibrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicehal-go/errcode"
	"devicehal-go/hw"
	"devicehal-go/internal/sysfs"
	"devicehal-go/types"
)

func fakeVibrator(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "vibrator")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "enable"), []byte("0"), 0o644))
	return dir
}

func open(t *testing.T, path string, maxMs int) hw.Device {
	t.Helper()
	m := &Module{}
	d, err := m.Open("", hw.Resources{Params: Params{Path: path, MaxMs: maxMs}})
	require.NoError(t, err)
	return d
}

func TestVibrateOnOff(t *testing.T) {
	dir := fakeVibrator(t)
	d := open(t, dir, 0)
	defer d.Close()

	_, err := d.Control(hw.CapAddr{}, "on", types.VibrateOn{DurationMs: 300})
	require.NoError(t, err)
	v, _ := sysfs.ReadIntAttr(dir, "enable")
	assert.Equal(t, 300, v)

	_, err = d.Control(hw.CapAddr{}, "off", nil)
	require.NoError(t, err)
	v, _ = sysfs.ReadIntAttr(dir, "enable")
	assert.Equal(t, 0, v)
}

func TestVibrateClampedToMax(t *testing.T) {
	dir := fakeVibrator(t)
	d := open(t, dir, 500)
	defer d.Close()

	_, err := d.Control(hw.CapAddr{}, "on", types.VibrateOn{DurationMs: 9999})
	require.NoError(t, err)
	v, _ := sysfs.ReadIntAttr(dir, "enable")
	assert.Equal(t, 500, v)
}

func TestVibrateBadDuration(t *testing.T) {
	d := open(t, fakeVibrator(t), 0)
	defer d.Close()

	_, err := d.Control(hw.CapAddr{}, "on", types.VibrateOn{DurationMs: 0})
	assert.Equal(t, errcode.BadValue, errcode.Of(err))

	_, err = d.Control(hw.CapAddr{}, "buzz", nil)
	assert.Equal(t, errcode.Unsupported, errcode.Of(err))
}

func TestCloseStopsMotor(t *testing.T) {
	dir := fakeVibrator(t)
	d := open(t, dir, 0)

	_, err := d.Control(hw.CapAddr{}, "on", types.VibrateOn{DurationMs: 1000})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	v, _ := sysfs.ReadIntAttr(dir, "enable")
	assert.Equal(t, 0, v)

	_, err = d.Control(hw.CapAddr{}, "on", types.VibrateOn{DurationMs: 10})
	assert.Equal(t, errcode.DeadObject, errcode.Of(err))
}

func TestOpenMissingNode(t *testing.T) {
	m := &Module{}
	_, err := m.Open("", hw.Resources{Params: Params{Path: filepath.Join(t.TempDir(), "gone")}})
	require.Error(t, err)
}
