// Package leds implements the "leds" HAL class over the sysfs LED
// class. Each entry under the LED root directory becomes one "led"
// capability; brightness writes are clamped to the kernel-reported
// maximum, and ramps run through the shared linear ramp helper.
package leds

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"devicehal-go/errcode"
	"devicehal-go/hw"
	"devicehal-go/internal/sysfs"
	"devicehal-go/types"
	"devicehal-go/x/mathx"
	"devicehal-go/x/ramp"
	"devicehal-go/x/timex"
)

const (
	Class  = "leds"
	Driver = "leds.sysfs"

	// DefaultRoot is the kernel LED class directory.
	DefaultRoot = "/sys/class/leds"
)

func init() {
	hw.Register(Driver, hw.FactoryFunc{Class: Class, Make: func() (hw.Module, error) {
		return &Module{}, nil
	}})
}

type Module struct{}

func (*Module) ID() string      { return Class }
func (*Module) Name() string    { return "Sysfs LED HAL" }
func (*Module) Author() string  { return "devicehal" }
func (*Module) Version() uint16 { return 0x0100 }
func (*Module) Close() error    { return nil }

// Params configures Open.
type Params struct {
	Root string `json:"root,omitempty" yaml:"root,omitempty"`
}

func (*Module) Open(name string, res hw.Resources) (hw.Device, error) {
	var p Params
	if err := hw.Decode(res.Params, &p); err != nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "leds.open", Err: err}
	}
	if p.Root == "" {
		p.Root = DefaultRoot
	}
	if name == "" {
		name = Class
	}
	d := &Device{id: name, root: p.Root, emit: res.Pub}
	if err := d.scan(); err != nil {
		return nil, err
	}
	return d, nil
}

type led struct {
	path string
	max  int
}

// Device exposes every discovered LED as one capability.
type Device struct {
	id   string
	root string
	emit hw.EventEmitter

	mu   sync.Mutex
	leds map[string]*led

	closed bool
}

func (d *Device) ID() string { return d.id }

// scan walks the LED root and records each entry with its maximum
// brightness. Entries without a readable max_brightness default to 255.
func (d *Device) scan() error {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return errors.Wrap(err, "leds: scan")
	}
	d.leds = map[string]*led{}
	for _, e := range entries {
		if !e.IsDir() && e.Type()&os.ModeSymlink == 0 {
			continue
		}
		p := d.root + "/" + e.Name()
		max, err := sysfs.ReadIntAttr(p, "max_brightness")
		if err != nil || max <= 0 {
			max = 255
		}
		d.leds[e.Name()] = &led{path: p, max: max}
	}
	return nil
}

func (d *Device) Capabilities() []hw.CapabilitySpec {
	names := make([]string, 0, len(d.leds))
	for n := range d.leds {
		names = append(names, n)
	}
	sort.Strings(names)

	specs := make([]hw.CapabilitySpec, 0, len(names))
	for _, n := range names {
		l := d.leds[n]
		specs = append(specs, hw.CapabilitySpec{
			Kind: types.KindLED,
			Name: n,
			Info: types.Info{
				SchemaVersion: 1,
				Driver:        Driver,
				Detail:        types.LEDInfo{Path: l.path, MaxBrightness: l.max},
			},
		})
	}
	return specs
}

func (d *Device) Control(addr hw.CapAddr, verb string, payload any) (any, error) {
	d.mu.Lock()
	l, ok := d.leds[addr.Name]
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, errcode.DeadObject
	}
	if !ok {
		return nil, errcode.UnknownCapability
	}

	switch verb {
	case "set":
		var p types.LEDSet
		if err := hw.Decode(payload, &p); err != nil {
			return nil, errcode.InvalidPayload
		}
		if err := d.setBrightness(l, p.Brightness); err != nil {
			return nil, err
		}
		return types.OKReply{OK: true}, nil

	case "ramp":
		var p types.LEDRamp
		if err := hw.Decode(payload, &p); err != nil {
			return nil, errcode.InvalidPayload
		}
		cur, err := sysfs.ReadIntAttr(l.path, "brightness")
		if err != nil {
			cur = 0
		}
		go d.runRamp(addr, l, cur, p)
		return types.OKReply{OK: true}, nil

	case "trigger":
		var p types.LEDTrigger
		if err := hw.Decode(payload, &p); err != nil || p.Name == "" {
			return nil, errcode.InvalidPayload
		}
		if err := sysfs.WriteAttr(l.path, "trigger", p.Name); err != nil {
			return nil, err
		}
		return types.OKReply{OK: true}, nil

	default:
		return nil, errcode.Unsupported
	}
}

func (d *Device) setBrightness(l *led, v int) error {
	v = mathx.Clamp(v, 0, l.max)
	return sysfs.WriteIntAttr(l.path, "brightness", v)
}

// runRamp drives a linear brightness ramp. Each step is a plain sysfs
// write; the ramp aborts when the device is closed.
func (d *Device) runRamp(addr hw.CapAddr, l *led, cur int, p types.LEDRamp) {
	to := mathx.Clamp(p.To, 0, l.max)
	tick := func(wait time.Duration) bool {
		time.Sleep(wait)
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		return !closed
	}
	set := func(level uint16) {
		_ = sysfs.WriteIntAttr(l.path, "brightness", int(level))
	}
	ramp.StartLinear(uint16(cur), uint16(to), uint16(l.max), p.DurationMs, p.Steps, tick, set)

	if d.emit != nil {
		d.emit.Emit(hw.Event{
			Addr:    hw.CapAddr{Domain: addr.Domain, Kind: string(types.KindLED), Name: addr.Name},
			Payload: types.LEDSet{Brightness: to},
			TS:      timex.NowMs(),
		})
	}
}

func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
