// Package power implements the "power" HAL class: ref-counted wake
// locks over the kernel wakeup interface, plus the interactive state
// file. Lock names are written to wake_lock only on the 0->1
// transition and to wake_unlock only on the 1->0 transition, so nested
// holders never thrash the kernel files.
package power

import (
	"sync"

	"devicehal-go/errcode"
	"devicehal-go/hw"
	"devicehal-go/internal/sysfs"
	"devicehal-go/types"
)

const (
	Class  = "power"
	Driver = "power.sysfs"

	// DefaultRoot holds wake_lock / wake_unlock / state.
	DefaultRoot = "/sys/power"
)

func init() {
	hw.Register(Driver, hw.FactoryFunc{Class: Class, Make: func() (hw.Module, error) {
		return &Module{}, nil
	}})
}

type Module struct{}

func (*Module) ID() string      { return Class }
func (*Module) Name() string    { return "Sysfs power HAL" }
func (*Module) Author() string  { return "devicehal" }
func (*Module) Version() uint16 { return 0x0100 }
func (*Module) Close() error    { return nil }

type Params struct {
	Root string `json:"root,omitempty" yaml:"root,omitempty"`
}

func (*Module) Open(name string, res hw.Resources) (hw.Device, error) {
	var p Params
	if err := hw.Decode(res.Params, &p); err != nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "power.open", Err: err}
	}
	if p.Root == "" {
		p.Root = DefaultRoot
	}
	if name == "" {
		name = Class
	}
	return &Device{id: name, root: p.Root, held: map[string]int{}}, nil
}

type Device struct {
	id   string
	root string

	mu     sync.Mutex
	held   map[string]int // lock name -> hold count
	closed bool
}

func (d *Device) ID() string { return d.id }

func (d *Device) Capabilities() []hw.CapabilitySpec {
	return []hw.CapabilitySpec{{
		Kind: types.KindWakeLock,
		Info: types.Info{SchemaVersion: 1, Driver: Driver},
	}}
}

func (d *Device) Control(addr hw.CapAddr, verb string, payload any) (any, error) {
	switch verb {
	case "acquire":
		var p types.WakeLockReq
		if err := hw.Decode(payload, &p); err != nil || p.Name == "" {
			return nil, errcode.InvalidPayload
		}
		if err := d.Acquire(p.Name); err != nil {
			return nil, err
		}
		return types.OKReply{OK: true}, nil

	case "release":
		var p types.WakeLockReq
		if err := hw.Decode(payload, &p); err != nil || p.Name == "" {
			return nil, errcode.InvalidPayload
		}
		if err := d.Release(p.Name); err != nil {
			return nil, err
		}
		return types.OKReply{OK: true}, nil

	case "set_interactive":
		var p types.PowerInteractive
		if err := hw.Decode(payload, &p); err != nil {
			return nil, errcode.InvalidPayload
		}
		state := "mem"
		if p.On {
			state = "on"
		}
		if err := sysfs.WriteAttr(d.root, "state", state); err != nil {
			return nil, err
		}
		return types.OKReply{OK: true}, nil

	default:
		return nil, errcode.Unsupported
	}
}

// Acquire takes one hold on the named lock.
func (d *Device) Acquire(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errcode.DeadObject
	}
	if d.held[name] == 0 {
		if err := sysfs.WriteAttr(d.root, "wake_lock", name); err != nil {
			return err
		}
	}
	d.held[name]++
	return nil
}

// Release drops one hold. Releasing an unheld lock is BadValue.
func (d *Device) Release(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errcode.DeadObject
	}
	n := d.held[name]
	if n == 0 {
		return errcode.BadValue
	}
	if n == 1 {
		if err := sysfs.WriteAttr(d.root, "wake_unlock", name); err != nil {
			return err
		}
		delete(d.held, name)
		return nil
	}
	d.held[name] = n - 1
	return nil
}

// Holds reports the current hold count for a lock name.
func (d *Device) Holds(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held[name]
}

// Close releases every held lock.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var firstErr error
	for name := range d.held {
		if err := sysfs.WriteAttr(d.root, "wake_unlock", name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.held = map[string]int{}
	return firstErr
}
