package sensors

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
)

// ErrNotReady is returned by Collect while a conversion is still running.
var ErrNotReady = errors.New("sensors: not ready")

// Reading is one channel of a collected sample, fixed-point in tenths
// of the channel's unit (deci-degC, deci-%RH).
type Reading struct {
	Channel   string
	DeciValue int32
}

// meter is a two-phase measurement driver. Trigger starts a conversion
// and returns a hint for when Collect should first be attempted;
// Collect returns ErrNotReady until the conversion finishes.
type meter interface {
	Trigger(ctx context.Context) (time.Duration, error)
	Collect(ctx context.Context) ([]Reading, error)
}

type meterFactory func(dev *i2c.Dev) meter

var meterDrivers = map[string]meterFactory{
	"aht20": func(dev *i2c.Dev) meter { return &aht20{dev: dev} },
}

func newMeter(driver string, dev *i2c.Dev) (meter, bool) {
	f, ok := meterDrivers[driver]
	if !ok {
		return nil, false
	}
	return f(dev), true
}

// ---- AHT20 temperature/humidity ----

const (
	aht20Address = 0x38

	aht20CmdTrigger    = 0xAC
	aht20CmdInitialize = 0xBE
	aht20CmdStatus     = 0x71

	aht20StatusBusy       = 0x80
	aht20StatusCalibrated = 0x08

	aht20ConversionHint = 80 * time.Millisecond
)

type aht20 struct {
	dev        *i2c.Dev
	buf        [7]byte
	configured bool
}

func (a *aht20) Trigger(ctx context.Context) (time.Duration, error) {
	if !a.configured {
		if err := a.configure(); err != nil {
			return 0, err
		}
	}
	if err := a.dev.Tx([]byte{aht20CmdTrigger, 0x33, 0x00}, nil); err != nil {
		return 0, errors.Wrap(err, "aht20 trigger")
	}
	return aht20ConversionHint, nil
}

func (a *aht20) configure() error {
	st := []byte{0}
	if err := a.dev.Tx([]byte{aht20CmdStatus}, st); err != nil {
		return errors.Wrap(err, "aht20 status")
	}
	if st[0]&aht20StatusCalibrated == 0 {
		if err := a.dev.Tx([]byte{aht20CmdInitialize, 0x08, 0x00}, nil); err != nil {
			return errors.Wrap(err, "aht20 init")
		}
		time.Sleep(10 * time.Millisecond)
	}
	a.configured = true
	return nil
}

func (a *aht20) Collect(ctx context.Context) ([]Reading, error) {
	data := a.buf[:]
	if err := a.dev.Tx(nil, data); err != nil {
		return nil, errors.Wrap(err, "aht20 collect")
	}
	if data[0]&aht20StatusCalibrated == 0 || data[0]&aht20StatusBusy != 0 {
		return nil, ErrNotReady
	}
	hraw := (uint32(data[1]) << 12) | (uint32(data[2]) << 4) | (uint32(data[3]) >> 4)
	traw := (uint32(data[3]&0x0F) << 16) | (uint32(data[4]) << 8) | uint32(data[5])
	return []Reading{
		{Channel: "temperature", DeciValue: (int32(traw)*2000)/0x100000 - 500},
		{Channel: "humidity", DeciValue: (int32(hraw) * 1000) / 0x100000},
	}, nil
}
