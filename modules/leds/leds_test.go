package leds

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicehal-go/errcode"
	"devicehal-go/hw"
	"devicehal-go/internal/sysfs"
	"devicehal-go/types"
)

func fakeLEDRoot(t *testing.T, names map[string]int) string {
	t.Helper()
	root := t.TempDir()
	for name, max := range names {
		dir := filepath.Join(root, name)
		require.NoError(t, os.Mkdir(dir, 0o755))
		require.NoError(t, sysfs.WriteIntAttr(dir, "max_brightness", max))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "brightness"), []byte("0"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "trigger"), []byte("none"), 0o644))
	}
	return root
}

func openDevice(t *testing.T, root string) hw.Device {
	t.Helper()
	m := &Module{}
	d, err := m.Open("backlight", hw.Resources{Params: Params{Root: root}})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestCapabilitiesSorted(t *testing.T) {
	root := fakeLEDRoot(t, map[string]int{"red": 255, "blue": 127, "green": 255})
	d := openDevice(t, root)

	caps := d.Capabilities()
	require.Len(t, caps, 3)
	assert.Equal(t, "blue", caps[0].Name)
	assert.Equal(t, "green", caps[1].Name)
	assert.Equal(t, "red", caps[2].Name)
	assert.Equal(t, types.KindLED, caps[0].Kind)

	info := caps[0].Info.Detail.(types.LEDInfo)
	assert.Equal(t, 127, info.MaxBrightness)
}

func TestSetBrightnessClamped(t *testing.T) {
	root := fakeLEDRoot(t, map[string]int{"red": 100})
	d := openDevice(t, root)

	_, err := d.Control(hw.CapAddr{Name: "red"}, "set", types.LEDSet{Brightness: 5000})
	require.NoError(t, err)
	v, err := sysfs.ReadIntAttr(filepath.Join(root, "red"), "brightness")
	require.NoError(t, err)
	assert.Equal(t, 100, v)

	_, err = d.Control(hw.CapAddr{Name: "red"}, "set", types.LEDSet{Brightness: -3})
	require.NoError(t, err)
	v, _ = sysfs.ReadIntAttr(filepath.Join(root, "red"), "brightness")
	assert.Equal(t, 0, v)
}

func TestSetFromLooseMap(t *testing.T) {
	root := fakeLEDRoot(t, map[string]int{"red": 255})
	d := openDevice(t, root)

	_, err := d.Control(hw.CapAddr{Name: "red"}, "set", map[string]any{"brightness": 42})
	require.NoError(t, err)
	v, _ := sysfs.ReadIntAttr(filepath.Join(root, "red"), "brightness")
	assert.Equal(t, 42, v)
}

func TestTrigger(t *testing.T) {
	root := fakeLEDRoot(t, map[string]int{"red": 255})
	d := openDevice(t, root)

	_, err := d.Control(hw.CapAddr{Name: "red"}, "trigger", types.LEDTrigger{Name: "heartbeat"})
	require.NoError(t, err)
	s, err := sysfs.ReadAttr(filepath.Join(root, "red"), "trigger")
	require.NoError(t, err)
	assert.Equal(t, "heartbeat", s)
}

func TestRampSnapsWhenDurationZero(t *testing.T) {
	root := fakeLEDRoot(t, map[string]int{"red": 255})
	d := openDevice(t, root)

	_, err := d.Control(hw.CapAddr{Name: "red"}, "ramp", types.LEDRamp{To: 200})
	require.NoError(t, err)

	// Snap path writes once from the ramp goroutine.
	assert.Eventually(t, func() bool {
		v, err := sysfs.ReadIntAttr(filepath.Join(root, "red"), "brightness")
		return err == nil && v == 200
	}, time.Second, 5*time.Millisecond)
}

func TestUnknownLED(t *testing.T) {
	root := fakeLEDRoot(t, map[string]int{"red": 255})
	d := openDevice(t, root)

	_, err := d.Control(hw.CapAddr{Name: "nope"}, "set", types.LEDSet{Brightness: 1})
	assert.Equal(t, errcode.UnknownCapability, errcode.Of(err))

	_, err = d.Control(hw.CapAddr{Name: "red"}, "selfdestruct", nil)
	assert.Equal(t, errcode.Unsupported, errcode.Of(err))
}

func TestClosedDevice(t *testing.T) {
	root := fakeLEDRoot(t, map[string]int{"red": 255})
	d := openDevice(t, root)
	require.NoError(t, d.Close())

	_, err := d.Control(hw.CapAddr{Name: "red"}, "set", types.LEDSet{Brightness: 1})
	assert.Equal(t, errcode.DeadObject, errcode.Of(err))
}

func TestOpenMissingRoot(t *testing.T) {
	m := &Module{}
	_, err := m.Open("x", hw.Resources{Params: Params{Root: filepath.Join(t.TempDir(), "gone")}})
	require.Error(t, err)
}
