// Package camera implements the "camera" HAL class: stream
// configuration and reuse, buffer registration, typed capture
// metadata, and per-frame request accounting around a vendor-supplied
// capture pipeline. The pipeline itself does no image processing here;
// the soft pipeline echoes settings back with a sensor timestamp.
package camera

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"devicehal-go/errcode"
	"devicehal-go/hw"
	"devicehal-go/types"
	"devicehal-go/x/timex"
)

const (
	Class  = "camera"
	Driver = "camera.soft"

	// maxBuffersPerStream is the dequeue depth granted to each stream.
	maxBuffersPerStream = 4

	// maxQueueDepth bounds requests waiting for the capture worker;
	// submitters block once it is full.
	maxQueueDepth = 8
)

// Template selects a default request settings profile.
type Template uint8

const (
	TemplatePreview Template = iota + 1
	TemplateStillCapture
	TemplateRecord
	TemplateVideoSnapshot
	TemplateManual
)

// Request is one queued capture.
type Request struct {
	FrameNumber uint64
	Session     uuid.UUID
	Settings    *Metadata
	Outputs     []*Stream
}

// Result is the completion of one capture.
type Result struct {
	FrameNumber uint64
	Session     uuid.UUID
	Metadata    *Metadata
	Err         error
}

type NotifyKind uint8

const (
	NotifyShutter NotifyKind = iota + 1
	NotifyError
)

// Notification is an out-of-band per-frame message.
type Notification struct {
	Kind        NotifyKind
	FrameNumber uint64
	TimestampNs int64
	Message     string
}

// Callbacks receive capture results and notifications. Calls arrive
// from the capture worker goroutine.
type Callbacks interface {
	ProcessResult(Result)
	Notify(Notification)
}

// Pipeline is the vendor capture backend.
type Pipeline interface {
	DefaultSettings(t Template) (*Metadata, error)
	Capture(req *Request) (*Metadata, error)
}

// ErrFlushed completes requests dropped by Flush.
var ErrFlushed = errors.New("camera: capture flushed")

// Device is one open camera.
type Device struct {
	id   string
	pipe Pipeline

	mu         sync.Mutex
	cond       *sync.Cond
	cb         Callbacks
	streams    map[int]*Stream
	nextStream int
	session    uuid.UUID
	configured bool
	templates  map[Template]*Metadata
	nextFrame  uint64
	inflight   map[uint64]*Request
	queue      []*Request
	flushing   bool
	closed     bool
}

// NewDevice creates a camera around a pipeline and starts its capture
// worker. Call SetCallbacks before submitting requests.
func NewDevice(id string, pipe Pipeline) *Device {
	d := &Device{
		id:        id,
		pipe:      pipe,
		streams:   map[int]*Stream{},
		templates: map[Template]*Metadata{},
		inflight:  map[uint64]*Request{},
	}
	d.cond = sync.NewCond(&d.mu)
	go d.worker()
	return d
}

// SetCallbacks installs the result sink.
func (d *Device) SetCallbacks(cb Callbacks) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

// ConfigureStreams replaces the active stream set. Streams whose
// geometry, format, direction and usage match a requested config are
// reused and keep their registered buffers; the rest are torn down.
// Rejected while captures are in flight.
func (d *Device) ConfigureStreams(cfgs []StreamConfig) ([]*Stream, error) {
	if len(cfgs) == 0 {
		return nil, &errcode.E{C: errcode.BadValue, Op: "camera.configure", Msg: "no streams"}
	}
	for _, c := range cfgs {
		if c.Width <= 0 || c.Height <= 0 || c.Format == 0 {
			return nil, &errcode.E{C: errcode.BadValue, Op: "camera.configure", Msg: "bad stream geometry"}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errcode.DeadObject
	}
	if len(d.inflight) > 0 {
		return nil, &errcode.E{C: errcode.Busy, Op: "camera.configure", Msg: "captures in flight"}
	}

	next := map[int]*Stream{}
	claimed := map[int]bool{}
	out := make([]*Stream, 0, len(cfgs))
	for _, cfg := range cfgs {
		var reuse *Stream
		for id, s := range d.streams {
			if !claimed[id] && s.matches(cfg) {
				reuse = s
				break
			}
		}
		if reuse == nil {
			reuse = &Stream{ID: d.nextStream, Config: cfg, MaxBuffers: maxBuffersPerStream}
			d.nextStream++
		}
		claimed[reuse.ID] = true
		next[reuse.ID] = reuse
		out = append(out, reuse)
	}
	d.streams = next
	d.session = uuid.New()
	d.configured = true
	return out, nil
}

// RegisterBuffers attaches vendor buffer handles to a stream.
func (d *Device) RegisterBuffers(streamID int, handles []BufferHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errcode.DeadObject
	}
	s, ok := d.streams[streamID]
	if !ok {
		return &errcode.E{C: errcode.NotFound, Op: "camera.register", Msg: "no such stream"}
	}
	if len(handles) == 0 || len(handles) > s.MaxBuffers {
		return &errcode.E{C: errcode.BadValue, Op: "camera.register", Msg: "bad buffer count"}
	}
	s.buffers = append([]BufferHandle(nil), handles...)
	return nil
}

// Session returns the id of the current stream configuration.
func (d *Device) Session() uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Streams returns the active streams keyed by id.
func (d *Device) Streams() map[int]*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]*Stream, len(d.streams))
	for id, s := range d.streams {
		out[id] = s
	}
	return out
}

// InFlight returns the number of uncompleted requests.
func (d *Device) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// ConstructDefaultRequestSettings returns a copy of the pipeline's
// default settings for a template. Templates are cached after the
// first build.
func (d *Device) ConstructDefaultRequestSettings(t Template) (*Metadata, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errcode.DeadObject
	}
	if md, ok := d.templates[t]; ok {
		d.mu.Unlock()
		return md.Clone(), nil
	}
	d.mu.Unlock()

	md, err := d.pipe.DefaultSettings(t)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.templates[t] = md
	d.mu.Unlock()
	return md.Clone(), nil
}

// ProcessCaptureRequest validates and enqueues one capture, returning
// its frame number. Frame numbers increase monotonically per device.
// Blocks while the worker queue is full.
func (d *Device) ProcessCaptureRequest(settings *Metadata, streamIDs ...int) (uint64, error) {
	if settings == nil {
		return 0, &errcode.E{C: errcode.BadValue, Op: "camera.request", Msg: "nil settings"}
	}
	if len(streamIDs) == 0 {
		return 0, &errcode.E{C: errcode.BadValue, Op: "camera.request", Msg: "no output streams"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errcode.DeadObject
	}
	if !d.configured {
		return 0, &errcode.E{C: errcode.NoInit, Op: "camera.request", Msg: "streams not configured"}
	}
	outs := make([]*Stream, 0, len(streamIDs))
	for _, id := range streamIDs {
		s, ok := d.streams[id]
		if !ok {
			return 0, &errcode.E{C: errcode.NotFound, Op: "camera.request", Msg: "no such stream"}
		}
		if !s.Registered() {
			return 0, &errcode.E{C: errcode.InvalidOperation, Op: "camera.request", Msg: "stream has no buffers"}
		}
		outs = append(outs, s)
	}

	for len(d.queue) >= maxQueueDepth && !d.closed && !d.flushing {
		d.cond.Wait()
	}
	if d.closed {
		return 0, errcode.DeadObject
	}
	if d.flushing {
		return 0, &errcode.E{C: errcode.Busy, Op: "camera.request", Msg: "flush in progress"}
	}

	req := &Request{
		FrameNumber: d.nextFrame,
		Session:     d.session,
		Settings:    settings.Clone(),
		Outputs:     outs,
	}
	d.nextFrame++
	d.inflight[req.FrameNumber] = req
	d.queue = append(d.queue, req)
	d.cond.Broadcast()
	return req.FrameNumber, nil
}

// Flush drops queued requests, completing them with ErrFlushed, and
// waits for the one the worker may be executing.
func (d *Device) Flush() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errcode.DeadObject
	}
	d.flushing = true
	dropped := d.queue
	d.queue = nil
	for _, r := range dropped {
		delete(d.inflight, r.FrameNumber)
	}
	d.cond.Broadcast()
	for len(d.inflight) > 0 {
		d.cond.Wait()
	}
	d.flushing = false
	cb := d.cb
	d.mu.Unlock()
	d.cond.Broadcast()

	if cb != nil {
		for _, r := range dropped {
			cb.Notify(Notification{Kind: NotifyError, FrameNumber: r.FrameNumber, Message: ErrFlushed.Error()})
			cb.ProcessResult(Result{FrameNumber: r.FrameNumber, Session: r.Session, Err: ErrFlushed})
		}
	}
	return nil
}

// Close flushes and shuts the worker down.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	if err := d.Flush(); err != nil && err != errcode.DeadObject {
		return err
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
	return nil
}

func (d *Device) worker() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		req := d.queue[0]
		d.queue = d.queue[1:]
		cb := d.cb
		d.mu.Unlock()
		d.cond.Broadcast()

		if cb != nil {
			cb.Notify(Notification{Kind: NotifyShutter, FrameNumber: req.FrameNumber, TimestampNs: time.Now().UnixNano()})
		}
		md, err := d.pipe.Capture(req)

		d.mu.Lock()
		delete(d.inflight, req.FrameNumber)
		d.mu.Unlock()
		d.cond.Broadcast()

		if cb == nil {
			continue
		}
		if err != nil {
			cb.Notify(Notification{Kind: NotifyError, FrameNumber: req.FrameNumber, Message: err.Error()})
			cb.ProcessResult(Result{FrameNumber: req.FrameNumber, Session: req.Session, Err: err})
			continue
		}
		cb.ProcessResult(Result{FrameNumber: req.FrameNumber, Session: req.Session, Metadata: md})
	}
}

// ---- soft pipeline ----

// SoftPipeline is the built-in no-hardware backend: captures complete
// immediately with the request settings plus a sensor timestamp.
type SoftPipeline struct{}

func (SoftPipeline) DefaultSettings(t Template) (*Metadata, error) {
	var intent uint8
	fps := []int32{15, 30}
	ae := uint8(1)
	switch t {
	case TemplatePreview:
		intent = 1
	case TemplateStillCapture:
		intent = 2
	case TemplateRecord:
		intent = 3
		fps = []int32{30, 30}
	case TemplateVideoSnapshot:
		intent = 4
		fps = []int32{30, 30}
	case TemplateManual:
		intent = 0
		ae = 0
	default:
		return nil, &errcode.E{C: errcode.BadValue, Op: "camera.defaults", Msg: "unknown template"}
	}
	md := NewMetadata(8)
	if err := md.AddU8(TagControlMode, 1); err != nil {
		return nil, err
	}
	if err := md.AddU8(TagControlCaptureIntent, intent); err != nil {
		return nil, err
	}
	if err := md.AddU8(TagControlAEMode, ae); err != nil {
		return nil, err
	}
	if err := md.AddI32(TagControlAETargetFPS, fps...); err != nil {
		return nil, err
	}
	if err := md.AddI64(TagSensorExposureTime, 10_000_000); err != nil {
		return nil, err
	}
	return md, nil
}

func (SoftPipeline) Capture(req *Request) (*Metadata, error) {
	md := req.Settings.Clone()
	if err := md.AddI64(TagSensorTimestamp, time.Now().UnixNano()); err != nil {
		return nil, err
	}
	return md, nil
}

// ---- HAL module glue ----

func init() {
	hw.Register(Driver, hw.FactoryFunc{Class: Class, Make: func() (hw.Module, error) {
		return &Module{}, nil
	}})
}

type Module struct{}

func (*Module) ID() string      { return Class }
func (*Module) Name() string    { return "Software camera HAL" }
func (*Module) Author() string  { return "devicehal" }
func (*Module) Version() uint16 { return 0x0200 }
func (*Module) Close() error    { return nil }

type Params struct {
	// Cameras lists the camera ids to expose; default ["0"].
	Cameras []string `json:"cameras,omitempty" yaml:"cameras,omitempty"`
}

func (*Module) Open(name string, res hw.Resources) (hw.Device, error) {
	var p Params
	if err := hw.Decode(res.Params, &p); err != nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "camera.open", Err: err}
	}
	if len(p.Cameras) == 0 {
		p.Cameras = []string{"0"}
	}
	if name == "" {
		name = p.Cameras[0]
	}
	found := false
	for _, id := range p.Cameras {
		if id == name {
			found = true
			break
		}
	}
	if !found {
		return nil, &errcode.E{C: errcode.NotFound, Op: "camera.open", Msg: "no camera " + name}
	}
	d := NewDevice(name, SoftPipeline{})
	if res.Pub != nil {
		d.SetCallbacks(&emitterCallbacks{id: name, pub: res.Pub})
	}
	return &halDevice{Device: d}, nil
}

// emitterCallbacks forwards capture completion onto the HAL event bus.
type emitterCallbacks struct {
	id  string
	pub hw.EventEmitter
}

func (c *emitterCallbacks) addr() hw.CapAddr {
	return hw.CapAddr{Kind: string(types.KindCamera), Name: c.id}
}

func (c *emitterCallbacks) ProcessResult(r Result) {
	ev := hw.Event{Addr: c.addr(), IsEvent: true, EventTag: "result", TS: timex.NowMs()}
	if r.Err != nil {
		ev.Err = r.Err.Error()
	} else {
		ev.Payload = map[string]any{"frame": r.FrameNumber, "session": r.Session.String(), "tags": len(r.Metadata.Entries())}
	}
	c.pub.Emit(ev)
}

func (c *emitterCallbacks) Notify(n Notification) {
	tag := "shutter"
	if n.Kind == NotifyError {
		tag = "error"
	}
	c.pub.Emit(hw.Event{
		Addr:     c.addr(),
		IsEvent:  true,
		EventTag: tag,
		Payload:  map[string]any{"frame": n.FrameNumber, "ts_ns": n.TimestampNs, "message": n.Message},
		TS:       timex.NowMs(),
	})
}

// halDevice adapts the typed camera API to the generic control verbs.
type halDevice struct {
	*Device
}

type configurePayload struct {
	Streams []StreamConfig `json:"streams"`
}

type registerPayload struct {
	StreamID int `json:"stream_id"`
	Count    int `json:"count"`
}

type requestPayload struct {
	Template Template `json:"template"`
	Streams  []int    `json:"streams"`
}

func (h *halDevice) ID() string { return h.Device.id }

func (h *halDevice) Capabilities() []hw.CapabilitySpec {
	return []hw.CapabilitySpec{{
		Kind: types.KindCamera,
		Name: h.Device.id,
		Info: types.Info{SchemaVersion: 1, Driver: Driver},
	}}
}

func (h *halDevice) Control(addr hw.CapAddr, verb string, payload any) (any, error) {
	switch verb {
	case "configure_streams":
		var p configurePayload
		if err := hw.Decode(payload, &p); err != nil {
			return nil, errcode.InvalidPayload
		}
		return h.ConfigureStreams(p.Streams)

	case "register_buffers":
		var p registerPayload
		if err := hw.Decode(payload, &p); err != nil {
			return nil, errcode.InvalidPayload
		}
		// Control callers cannot pass native handles; mint opaque ones.
		handles := make([]BufferHandle, p.Count)
		for i := range handles {
			handles[i] = uuid.New()
		}
		if err := h.RegisterBuffers(p.StreamID, handles); err != nil {
			return nil, err
		}
		return types.OKReply{OK: true}, nil

	case "default_settings":
		var p requestPayload
		if err := hw.Decode(payload, &p); err != nil {
			return nil, errcode.InvalidPayload
		}
		md, err := h.ConstructDefaultRequestSettings(p.Template)
		if err != nil {
			return nil, err
		}
		return md.Entries(), nil

	case "request":
		var p requestPayload
		if err := hw.Decode(payload, &p); err != nil {
			return nil, errcode.InvalidPayload
		}
		md, err := h.ConstructDefaultRequestSettings(p.Template)
		if err != nil {
			return nil, err
		}
		frame, err := h.ProcessCaptureRequest(md, p.Streams...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"frame": frame}, nil

	case "flush":
		if err := h.Flush(); err != nil {
			return nil, err
		}
		return types.OKReply{OK: true}, nil

	default:
		return nil, errcode.Unsupported
	}
}
