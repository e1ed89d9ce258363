package flashlight

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicehal-go/errcode"
	"devicehal-go/hw"
	"devicehal-go/types"
)

type fakeLine struct {
	values []int
	closed bool
	fail   bool
}

func (l *fakeLine) SetValue(v int) error {
	if l.fail {
		return errors.New("gpio write failed")
	}
	l.values = append(l.values, v)
	return nil
}

func (l *fakeLine) Close() error {
	l.closed = true
	return nil
}

// install swaps the gpio requester for a fake and restores it on cleanup.
func install(t *testing.T, l *fakeLine, err error) *reqRecord {
	t.Helper()
	rec := &reqRecord{}
	old := requestLine
	requestLine = func(chip string, offset int, activeLow bool) (line, error) {
		rec.chip, rec.offset, rec.activeLow = chip, offset, activeLow
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	t.Cleanup(func() { requestLine = old })
	return rec
}

type reqRecord struct {
	chip      string
	offset    int
	activeLow bool
}

func openTorch(t *testing.T, params any) *Device {
	t.Helper()
	m := &Module{}
	d, err := m.Open("", hw.Resources{Params: params})
	require.NoError(t, err)
	return d.(*Device)
}

func TestTorchOnOff(t *testing.T) {
	fl := &fakeLine{}
	install(t, fl, nil)
	d := openTorch(t, Params{Chip: "gpiochip2", Line: 17})
	defer d.Close()

	_, err := d.Control(hw.CapAddr{}, "on", nil)
	require.NoError(t, err)
	assert.True(t, d.On())

	_, err = d.Control(hw.CapAddr{}, "off", nil)
	require.NoError(t, err)
	assert.False(t, d.On())

	assert.Equal(t, []int{1, 0}, fl.values)
}

func TestTorchSetPayload(t *testing.T) {
	fl := &fakeLine{}
	install(t, fl, nil)
	d := openTorch(t, Params{Line: 4})
	defer d.Close()

	_, err := d.Control(hw.CapAddr{}, "set", types.TorchSet{On: true})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, fl.values)

	_, err = d.Control(hw.CapAddr{}, "set", map[string]any{"on": false})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, fl.values)
}

func TestRequestOptionsFromParams(t *testing.T) {
	rec := install(t, &fakeLine{}, nil)
	d := openTorch(t, Params{Chip: "gpiochip1", Line: 9, ActiveLow: true})
	defer d.Close()

	assert.Equal(t, "gpiochip1", rec.chip)
	assert.Equal(t, 9, rec.offset)
	assert.True(t, rec.activeLow)
}

func TestDefaultChip(t *testing.T) {
	rec := install(t, &fakeLine{}, nil)
	d := openTorch(t, Params{Line: 2})
	defer d.Close()

	assert.Equal(t, DefaultChip, rec.chip)
}

func TestOpenLineError(t *testing.T) {
	install(t, nil, errors.New("no such chip"))
	m := &Module{}
	_, err := m.Open("", hw.Resources{Params: Params{Chip: "gpiochip9", Line: 1}})
	assert.Equal(t, errcode.NoInit, errcode.Of(err))
}

func TestSetValueErrorPropagates(t *testing.T) {
	fl := &fakeLine{fail: true}
	install(t, fl, nil)
	d := openTorch(t, Params{Line: 3})
	defer d.Close()

	_, err := d.Control(hw.CapAddr{}, "on", nil)
	assert.Error(t, err)
	assert.False(t, d.On())
}

func TestCloseTurnsOffAndReleases(t *testing.T) {
	fl := &fakeLine{}
	install(t, fl, nil)
	d := openTorch(t, Params{Line: 5})

	_, err := d.Control(hw.CapAddr{}, "on", nil)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	assert.True(t, fl.closed)
	assert.Equal(t, []int{1, 0}, fl.values)

	_, err = d.Control(hw.CapAddr{}, "on", nil)
	assert.Equal(t, errcode.DeadObject, errcode.Of(err))
	assert.NoError(t, d.Close())
}

func TestCapabilities(t *testing.T) {
	install(t, &fakeLine{}, nil)
	d := openTorch(t, Params{Chip: "gpiochip0", Line: 12})
	defer d.Close()

	caps := d.Capabilities()
	require.Len(t, caps, 1)
	assert.Equal(t, types.KindTorch, caps[0].Kind)
	assert.Equal(t, types.TorchInfo{Chip: "gpiochip0", Line: 12}, caps[0].Info.Detail)
}
