// Package sensors implements the "sensors" HAL class. Configured
// sensors share one I2C bus behind a poll worker; activation starts a
// per-sensor tick loop that submits measurements at the requested rate
// and publishes each collected channel as a telemetry event.
package sensors

import (
	"context"
	"sort"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"

	"devicehal-go/errcode"
	"devicehal-go/hw"
	"devicehal-go/types"
	"devicehal-go/x/mathx"
	"devicehal-go/x/timex"
)

const (
	Class  = "sensors"
	Driver = "sensors.i2c"

	// DefaultMaxHz bounds the activation rate when config omits one.
	DefaultMaxHz = 10
)

func init() {
	hw.Register(Driver, hw.FactoryFunc{Class: Class, Make: func() (hw.Module, error) {
		return &Module{}, nil
	}})
}

type Module struct{}

func (*Module) ID() string      { return Class }
func (*Module) Name() string    { return "I2C sensors HAL" }
func (*Module) Author() string  { return "devicehal" }
func (*Module) Version() uint16 { return 0x0100 }
func (*Module) Close() error    { return nil }

type Params struct {
	// Bus names the I2C bus, "" for the first registered one.
	Bus     string         `json:"bus,omitempty" yaml:"bus,omitempty"`
	Sensors []SensorParams `json:"sensors" yaml:"sensors"`
}

type SensorParams struct {
	Name    string `json:"name" yaml:"name"`
	Driver  string `json:"driver" yaml:"driver"`
	Address uint16 `json:"address,omitempty" yaml:"address,omitempty"`
	MaxHz   int    `json:"max_hz,omitempty" yaml:"max_hz,omitempty"`
}

var openBus = func(name string) (i2c.BusCloser, error) {
	return i2creg.Open(name)
}

func (*Module) Open(name string, res hw.Resources) (hw.Device, error) {
	var p Params
	if err := hw.Decode(res.Params, &p); err != nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "sensors.open", Err: err}
	}
	if len(p.Sensors) == 0 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "sensors.open", Msg: "no sensors configured"}
	}
	if name == "" {
		name = Class
	}

	bus, err := openBus(p.Bus)
	if err != nil {
		return nil, &errcode.E{C: errcode.NoInit, Op: "sensors.open", Err: err}
	}

	d := &Device{
		id:      name,
		bus:     bus,
		pub:     res.Pub,
		sensors: map[string]*sensor{},
		sink:    make(chan result, 16),
	}
	for _, sp := range p.Sensors {
		if sp.Name == "" || sp.Driver == "" {
			bus.Close()
			return nil, &errcode.E{C: errcode.InvalidParams, Op: "sensors.open", Msg: "sensor needs name and driver"}
		}
		if _, dup := d.sensors[sp.Name]; dup {
			bus.Close()
			return nil, &errcode.E{C: errcode.InvalidParams, Op: "sensors.open", Msg: "duplicate sensor " + sp.Name}
		}
		if sp.MaxHz <= 0 {
			sp.MaxHz = DefaultMaxHz
		}
		m, ok := newMeter(sp.Driver, &i2c.Dev{Bus: bus, Addr: sp.Address})
		if !ok {
			bus.Close()
			return nil, &errcode.E{C: errcode.UnknownDriver, Op: "sensors.open", Msg: sp.Driver}
		}
		d.sensors[sp.Name] = &sensor{params: sp, m: m}
	}

	base := res.Ctx
	if base == nil {
		base = context.Background()
	}
	d.ctx, d.cancel = context.WithCancel(base)
	d.worker = newPollWorker(workerConfig{}, d.sink)
	d.worker.start(d.ctx)
	go d.forward()
	return d, nil
}

type sensor struct {
	params SensorParams
	m      meter

	active bool
	stop   chan struct{}
}

type Device struct {
	id  string
	bus i2c.BusCloser
	pub hw.EventEmitter

	ctx    context.Context
	cancel context.CancelFunc
	worker *pollWorker
	sink   chan result

	mu      sync.Mutex
	sensors map[string]*sensor
	closed  bool
}

func (d *Device) ID() string { return d.id }

func (d *Device) Capabilities() []hw.CapabilitySpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.sensors))
	for n := range d.sensors {
		names = append(names, n)
	}
	sort.Strings(names)
	specs := make([]hw.CapabilitySpec, 0, len(names))
	for _, n := range names {
		sp := d.sensors[n].params
		specs = append(specs, hw.CapabilitySpec{
			Kind: types.KindSensor,
			Name: n,
			Info: types.Info{
				SchemaVersion: 1,
				Driver:        Driver,
				Detail:        types.SensorInfo{Driver: sp.Driver, Address: sp.Address, MaxHz: sp.MaxHz},
			},
		})
	}
	return specs
}

func (d *Device) Control(addr hw.CapAddr, verb string, payload any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errcode.DeadObject
	}
	s, ok := d.sensors[addr.Name]
	if !ok {
		return nil, errcode.UnknownCapability
	}

	switch verb {
	case "activate":
		var p types.SensorActivate
		if err := hw.Decode(payload, &p); err != nil {
			return nil, errcode.InvalidPayload
		}
		rate := mathx.Clamp(p.RateHz, 1, s.params.MaxHz)
		d.stopLocked(s)
		s.active = true
		s.stop = make(chan struct{})
		go d.tickLoop(addr.Name, s.m, rate, s.stop)
		return types.OKReply{OK: true}, nil

	case "deactivate":
		d.stopLocked(s)
		return types.OKReply{OK: true}, nil

	case "sample":
		if !d.worker.submit(measureReq{id: addr.Name, m: s.m}) {
			return nil, errcode.Busy
		}
		return types.OKReply{OK: true}, nil

	default:
		return nil, errcode.Unsupported
	}
}

// Active reports whether the named sensor is currently polling.
func (d *Device) Active(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sensors[name]
	return ok && s.active
}

func (d *Device) stopLocked(s *sensor) {
	if s.active {
		close(s.stop)
		s.active = false
		s.stop = nil
	}
}

func (d *Device) tickLoop(name string, m meter, rateHz int, stop chan struct{}) {
	period := time.Duration(timex.PeriodFromHz(uint32(rateHz)))
	t := time.NewTicker(period)
	defer t.Stop()

	// Prime the first sample immediately.
	d.worker.submit(measureReq{id: name, m: m})
	for {
		select {
		case <-stop:
			return
		case <-d.ctx.Done():
			return
		case <-t.C:
			d.worker.submit(measureReq{id: name, m: m})
		}
	}
}

func (d *Device) forward() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case r := <-d.sink:
			if d.pub == nil {
				continue
			}
			if r.err != nil {
				d.pub.Emit(hw.Event{
					Addr: hw.CapAddr{Kind: string(types.KindSensor), Name: r.id},
					Err:  r.err.Error(),
					TS:   timex.NowMs(),
				})
				continue
			}
			now := timex.NowMs()
			for _, rd := range r.readings {
				d.pub.Emit(hw.Event{
					Addr:     hw.CapAddr{Kind: string(types.KindSensor), Name: r.id},
					IsEvent:  true,
					EventTag: rd.Channel,
					Payload:  types.SensorValue{DeciValue: rd.DeciValue, TS: now},
					TS:       now,
				})
			}
		}
	}
}

// Close stops all polling and releases the bus.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, s := range d.sensors {
		d.stopLocked(s)
	}
	d.mu.Unlock()
	d.cancel()
	return d.bus.Close()
}
