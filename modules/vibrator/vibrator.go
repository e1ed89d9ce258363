// Package vibrator implements the "vibrator" HAL class over the
// timed_output sysfs convention: the whole function is a millisecond
// count written to an enable file, with 0 meaning off. The kernel
// driver handles the actual timeout.
package vibrator

import (
	"sync"

	"devicehal-go/errcode"
	"devicehal-go/hw"
	"devicehal-go/internal/sysfs"
	"devicehal-go/types"
	"devicehal-go/x/mathx"
)

const (
	Class  = "vibrator"
	Driver = "vibrator.timed_output"

	// DefaultPath is the timed_output device directory.
	DefaultPath = "/sys/class/timed_output/vibrator"

	// DefaultMaxMs bounds a single vibration.
	DefaultMaxMs = 10_000
)

func init() {
	hw.Register(Driver, hw.FactoryFunc{Class: Class, Make: func() (hw.Module, error) {
		return &Module{}, nil
	}})
}

type Module struct{}

func (*Module) ID() string      { return Class }
func (*Module) Name() string    { return "Timed-output vibrator HAL" }
func (*Module) Author() string  { return "devicehal" }
func (*Module) Version() uint16 { return 0x0100 }
func (*Module) Close() error    { return nil }

type Params struct {
	Path  string `json:"path,omitempty" yaml:"path,omitempty"`
	MaxMs int    `json:"max_ms,omitempty" yaml:"max_ms,omitempty"`
}

func (*Module) Open(name string, res hw.Resources) (hw.Device, error) {
	var p Params
	if err := hw.Decode(res.Params, &p); err != nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "vibrator.open", Err: err}
	}
	if p.Path == "" {
		p.Path = DefaultPath
	}
	if p.MaxMs <= 0 {
		p.MaxMs = DefaultMaxMs
	}
	if name == "" {
		name = Class
	}
	// The enable attribute must exist up front; a missing driver node
	// should fail Open, not the first vibrate.
	if _, err := sysfs.ReadAttr(p.Path, "enable"); err != nil {
		return nil, err
	}
	return &Device{id: name, path: p.Path, maxMs: p.MaxMs}, nil
}

type Device struct {
	id    string
	path  string
	maxMs int

	mu     sync.Mutex
	closed bool
}

func (d *Device) ID() string { return d.id }

func (d *Device) Capabilities() []hw.CapabilitySpec {
	return []hw.CapabilitySpec{{
		Kind: types.KindVibrator,
		Info: types.Info{
			SchemaVersion: 1,
			Driver:        Driver,
			Detail:        types.VibratorInfo{Path: d.path, MaxMs: d.maxMs},
		},
	}}
}

func (d *Device) Control(addr hw.CapAddr, verb string, payload any) (any, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, errcode.DeadObject
	}

	switch verb {
	case "on":
		var p types.VibrateOn
		if err := hw.Decode(payload, &p); err != nil {
			return nil, errcode.InvalidPayload
		}
		if p.DurationMs <= 0 {
			return nil, errcode.BadValue
		}
		ms := mathx.Min(p.DurationMs, d.maxMs)
		if err := sysfs.WriteIntAttr(d.path, "enable", ms); err != nil {
			return nil, err
		}
		return types.OKReply{OK: true}, nil

	case "off":
		if err := sysfs.WriteIntAttr(d.path, "enable", 0); err != nil {
			return nil, err
		}
		return types.OKReply{OK: true}, nil

	default:
		return nil, errcode.Unsupported
	}
}

// Close turns the motor off before releasing the device.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return sysfs.WriteIntAttr(d.path, "enable", 0)
}
