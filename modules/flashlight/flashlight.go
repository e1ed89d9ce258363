// Package flashlight implements the "flashlight" HAL class by driving
// a torch-enable GPIO through the character device uAPI.
package flashlight

import (
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"devicehal-go/errcode"
	"devicehal-go/hw"
	"devicehal-go/types"
)

const (
	Class  = "flashlight"
	Driver = "flashlight.gpio"

	DefaultChip = "gpiochip0"
)

func init() {
	hw.Register(Driver, hw.FactoryFunc{Class: Class, Make: func() (hw.Module, error) {
		return &Module{}, nil
	}})
}

type Module struct{}

func (*Module) ID() string      { return Class }
func (*Module) Name() string    { return "GPIO torch HAL" }
func (*Module) Author() string  { return "devicehal" }
func (*Module) Version() uint16 { return 0x0100 }
func (*Module) Close() error    { return nil }

type Params struct {
	Chip      string `json:"chip,omitempty" yaml:"chip,omitempty"`
	Line      int    `json:"line" yaml:"line"`
	ActiveLow bool   `json:"active_low,omitempty" yaml:"active_low,omitempty"`
}

// line is the slice of the gpiocdev request the device needs; tests
// substitute a fake through requestLine.
type line interface {
	SetValue(value int) error
	Close() error
}

var requestLine = func(chip string, offset int, activeLow bool) (line, error) {
	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer("flashlight"),
	}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	return gpiocdev.RequestLine(chip, offset, opts...)
}

func (*Module) Open(name string, res hw.Resources) (hw.Device, error) {
	var p Params
	if err := hw.Decode(res.Params, &p); err != nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "flashlight.open", Err: err}
	}
	if p.Chip == "" {
		p.Chip = DefaultChip
	}
	if name == "" {
		name = Class
	}
	l, err := requestLine(p.Chip, p.Line, p.ActiveLow)
	if err != nil {
		return nil, &errcode.E{C: errcode.NoInit, Op: "flashlight.open", Err: err}
	}
	return &Device{id: name, chip: p.Chip, offset: p.Line, line: l}, nil
}

type Device struct {
	id     string
	chip   string
	offset int

	mu     sync.Mutex
	line   line
	on     bool
	closed bool
}

func (d *Device) ID() string { return d.id }

func (d *Device) Capabilities() []hw.CapabilitySpec {
	return []hw.CapabilitySpec{{
		Kind: types.KindTorch,
		Info: types.Info{
			SchemaVersion: 1,
			Driver:        Driver,
			Detail:        types.TorchInfo{Chip: d.chip, Line: d.offset},
		},
	}}
}

func (d *Device) Control(addr hw.CapAddr, verb string, payload any) (any, error) {
	switch verb {
	case "on":
		return d.set(true)
	case "off":
		return d.set(false)
	case "set":
		var p types.TorchSet
		if err := hw.Decode(payload, &p); err != nil {
			return nil, errcode.InvalidPayload
		}
		return d.set(p.On)
	default:
		return nil, errcode.Unsupported
	}
}

func (d *Device) set(on bool) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errcode.DeadObject
	}
	v := 0
	if on {
		v = 1
	}
	if err := d.line.SetValue(v); err != nil {
		return nil, err
	}
	d.on = on
	return types.OKReply{OK: true}, nil
}

// On reports the last commanded torch state.
func (d *Device) On() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.on
}

// Close turns the torch off and releases the line.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	_ = d.line.SetValue(0)
	return d.line.Close()
}
