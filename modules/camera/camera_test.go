package camera

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicehal-go/errcode"
	"devicehal-go/hw"
)

type collector struct {
	mu      sync.Mutex
	results []Result
	notes   []Notification
}

func (c *collector) ProcessResult(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *collector) Notify(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
}

func (c *collector) resultCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *collector) resultFor(frame uint64) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.results {
		if r.FrameNumber == frame {
			return r, true
		}
	}
	return Result{}, false
}

func (c *collector) notesOf(k NotifyKind) []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Notification
	for _, n := range c.notes {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

// gatedPipeline blocks every Capture until the gate is fed.
type gatedPipeline struct {
	gate     chan struct{}
	defaults int32
}

func (p *gatedPipeline) DefaultSettings(t Template) (*Metadata, error) {
	atomic.AddInt32(&p.defaults, 1)
	return SoftPipeline{}.DefaultSettings(t)
}

func (p *gatedPipeline) Capture(req *Request) (*Metadata, error) {
	<-p.gate
	return SoftPipeline{}.Capture(req)
}

func previewConfig() []StreamConfig {
	return []StreamConfig{
		{Direction: DirOutput, Width: 1280, Height: 720, Format: FormatYCbCr420, Usage: 1},
		{Direction: DirOutput, Width: 4000, Height: 3000, Format: FormatBlob, Usage: 2},
	}
}

func handles(n int) []BufferHandle {
	out := make([]BufferHandle, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func readyDevice(t *testing.T, pipe Pipeline) (*Device, *collector, []*Stream) {
	t.Helper()
	d := NewDevice("0", pipe)
	t.Cleanup(func() { d.Close() })
	cb := &collector{}
	d.SetCallbacks(cb)

	streams, err := d.ConfigureStreams(previewConfig())
	require.NoError(t, err)
	require.Len(t, streams, 2)
	for _, s := range streams {
		require.NoError(t, d.RegisterBuffers(s.ID, handles(s.MaxBuffers)))
	}
	return d, cb, streams
}

func TestCaptureRoundTrip(t *testing.T) {
	d, cb, streams := readyDevice(t, SoftPipeline{})

	md, err := d.ConstructDefaultRequestSettings(TemplatePreview)
	require.NoError(t, err)

	var frames []uint64
	for i := 0; i < 3; i++ {
		f, err := d.ProcessCaptureRequest(md, streams[0].ID, streams[1].ID)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	assert.Equal(t, []uint64{0, 1, 2}, frames, "frame numbers are monotonic from zero")

	require.Eventually(t, func() bool { return cb.resultCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, d.InFlight())
	assert.Len(t, cb.notesOf(NotifyShutter), 3)

	r, ok := cb.resultFor(2)
	require.True(t, ok)
	require.NoError(t, r.Err)
	assert.Equal(t, d.Session(), r.Session)
	_, ok = r.Metadata.Get(TagSensorTimestamp)
	assert.True(t, ok, "results carry the capture timestamp")
	_, ok = r.Metadata.Get(TagControlCaptureIntent)
	assert.True(t, ok, "request settings flow into the result")
}

func TestConfigureRejectedWhileInFlight(t *testing.T) {
	pipe := &gatedPipeline{gate: make(chan struct{})}
	d, cb, streams := readyDevice(t, pipe)

	md, err := d.ConstructDefaultRequestSettings(TemplatePreview)
	require.NoError(t, err)
	_, err = d.ProcessCaptureRequest(md, streams[0].ID)
	require.NoError(t, err)

	_, err = d.ConfigureStreams(previewConfig())
	assert.Equal(t, errcode.Busy, errcode.Of(err))

	pipe.gate <- struct{}{}
	require.Eventually(t, func() bool { return d.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return cb.resultCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = d.ConfigureStreams(previewConfig())
	assert.NoError(t, err)
}

func TestStreamReuseOnReconfigure(t *testing.T) {
	d, _, streams := readyDevice(t, SoftPipeline{})
	preview, still := streams[0], streams[1]
	firstSession := d.Session()

	// Keep the preview geometry, swap the still stream for a raw one.
	cfgs := []StreamConfig{
		preview.Config,
		{Direction: DirOutput, Width: 4000, Height: 3000, Format: FormatRAW16, Usage: 2},
	}
	next, err := d.ConfigureStreams(cfgs)
	require.NoError(t, err)

	assert.Equal(t, preview.ID, next[0].ID, "matching stream is reused")
	assert.True(t, next[0].Registered(), "reused stream keeps its buffers")
	assert.NotEqual(t, still.ID, next[1].ID, "changed stream is torn down and replaced")
	assert.False(t, next[1].Registered())
	assert.NotEqual(t, firstSession, d.Session(), "each configuration is a new session")

	_, gone := d.Streams()[still.ID]
	assert.False(t, gone)
}

func TestRequestValidation(t *testing.T) {
	d := NewDevice("0", SoftPipeline{})
	t.Cleanup(func() { d.Close() })
	d.SetCallbacks(&collector{})

	md, err := d.ConstructDefaultRequestSettings(TemplateStillCapture)
	require.NoError(t, err)

	_, err = d.ProcessCaptureRequest(md, 0)
	assert.Equal(t, errcode.NoInit, errcode.Of(err), "requests before configure")

	streams, err := d.ConfigureStreams(previewConfig())
	require.NoError(t, err)

	_, err = d.ProcessCaptureRequest(nil, streams[0].ID)
	assert.Equal(t, errcode.BadValue, errcode.Of(err))

	_, err = d.ProcessCaptureRequest(md)
	assert.Equal(t, errcode.BadValue, errcode.Of(err))

	_, err = d.ProcessCaptureRequest(md, 99)
	assert.Equal(t, errcode.NotFound, errcode.Of(err))

	_, err = d.ProcessCaptureRequest(md, streams[0].ID)
	assert.Equal(t, errcode.InvalidOperation, errcode.Of(err), "buffers not registered")

	err = d.RegisterBuffers(streams[0].ID, handles(streams[0].MaxBuffers+1))
	assert.Equal(t, errcode.BadValue, errcode.Of(err))
	err = d.RegisterBuffers(99, handles(1))
	assert.Equal(t, errcode.NotFound, errcode.Of(err))
}

func TestDefaultSettingsCached(t *testing.T) {
	pipe := &gatedPipeline{gate: make(chan struct{})}
	d := NewDevice("0", pipe)
	t.Cleanup(func() { d.Close() })

	a, err := d.ConstructDefaultRequestSettings(TemplatePreview)
	require.NoError(t, err)
	b, err := d.ConstructDefaultRequestSettings(TemplatePreview)
	require.NoError(t, err)
	_, err = d.ConstructDefaultRequestSettings(TemplateRecord)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&pipe.defaults), "one pipeline build per template")

	// Returned settings are private copies.
	require.NoError(t, a.AddU8(TagJPEGQuality, 50))
	_, ok := b.Get(TagJPEGQuality)
	assert.False(t, ok)

	_, err = d.ConstructDefaultRequestSettings(Template(99))
	assert.Equal(t, errcode.BadValue, errcode.Of(err))
}

func TestFlushDrainsQueue(t *testing.T) {
	pipe := &gatedPipeline{gate: make(chan struct{})}
	d, cb, streams := readyDevice(t, pipe)

	md, err := d.ConstructDefaultRequestSettings(TemplatePreview)
	require.NoError(t, err)

	// One request enters the worker, three more sit in the queue.
	for i := 0; i < 4; i++ {
		_, err := d.ProcessCaptureRequest(md, streams[0].ID)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(cb.notesOf(NotifyShutter)) == 1 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- d.Flush() }()

	// Flush must wait for the executing capture.
	select {
	case <-done:
		t.Fatal("flush returned while a capture was executing")
	case <-time.After(50 * time.Millisecond):
	}

	pipe.gate <- struct{}{}
	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return cb.resultCount() == 4 }, 2*time.Second, 5*time.Millisecond)

	flushed := 0
	for f := uint64(1); f <= 3; f++ {
		r, ok := cb.resultFor(f)
		require.True(t, ok)
		if r.Err == ErrFlushed {
			flushed++
		}
	}
	assert.Equal(t, 3, flushed)

	r, ok := cb.resultFor(0)
	require.True(t, ok)
	assert.NoError(t, r.Err, "the executing capture completes normally")
	assert.Zero(t, d.InFlight())

	// The device keeps working after a flush.
	f, err := d.ProcessCaptureRequest(md, streams[0].ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), f, "frame numbers keep counting across flush")
	pipe.gate <- struct{}{}
	require.Eventually(t, func() bool { return d.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCloseDevice(t *testing.T) {
	d, _, streams := readyDevice(t, SoftPipeline{})
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	md := NewMetadata(1)
	require.NoError(t, md.AddU8(TagControlMode, 1))
	_, err := d.ProcessCaptureRequest(md, streams[0].ID)
	assert.Equal(t, errcode.DeadObject, errcode.Of(err))
	_, err = d.ConfigureStreams(previewConfig())
	assert.Equal(t, errcode.DeadObject, errcode.Of(err))
	assert.Equal(t, errcode.DeadObject, errcode.Of(d.Flush()))
}

// ---- module glue ----

type fakeEmitter struct {
	mu     sync.Mutex
	events []hw.Event
}

func (e *fakeEmitter) Emit(ev hw.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return true
}

func (e *fakeEmitter) tagged(tag string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.EventTag == tag {
			n++
		}
	}
	return n
}

func TestModuleOpen(t *testing.T) {
	m := &Module{}
	assert.Equal(t, Class, m.ID())

	_, err := m.Open("2", hw.Resources{Params: Params{Cameras: []string{"0", "1"}}})
	assert.Equal(t, errcode.NotFound, errcode.Of(err))

	d, err := m.Open("", hw.Resources{})
	require.NoError(t, err)
	assert.Equal(t, "0", d.ID())
	assert.NoError(t, d.Close())
}

func TestControlVerbs(t *testing.T) {
	pub := &fakeEmitter{}
	m := &Module{}
	dev, err := m.Open("0", hw.Resources{Pub: pub})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	res, err := dev.Control(hw.CapAddr{}, "configure_streams", configurePayload{Streams: previewConfig()})
	require.NoError(t, err)
	streams := res.([]*Stream)
	require.Len(t, streams, 2)

	_, err = dev.Control(hw.CapAddr{}, "register_buffers", registerPayload{StreamID: streams[0].ID, Count: 4})
	require.NoError(t, err)

	res, err = dev.Control(hw.CapAddr{}, "default_settings", requestPayload{Template: TemplatePreview})
	require.NoError(t, err)
	assert.NotEmpty(t, res.([]Entry))

	_, err = dev.Control(hw.CapAddr{}, "request", requestPayload{Template: TemplatePreview, Streams: []int{streams[0].ID}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return pub.tagged("shutter") == 1 && pub.tagged("result") == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = dev.Control(hw.CapAddr{}, "flush", nil)
	require.NoError(t, err)

	_, err = dev.Control(hw.CapAddr{}, "zoom", nil)
	assert.Equal(t, errcode.Unsupported, errcode.Of(err))
}
