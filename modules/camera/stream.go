package camera

// Direction of a stream relative to the camera device.
type Direction uint8

const (
	DirOutput Direction = iota
	DirInput
	DirBidirectional
)

// Pixel formats.
type Format uint32

const (
	FormatYCbCr420 Format = iota + 1
	FormatRAW16
	FormatBlob // encoded output, e.g. JPEG
	FormatImplementationDefined
)

// StreamConfig is the caller's description of one stream.
type StreamConfig struct {
	Direction Direction `json:"direction"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Format    Format    `json:"format"`
	Usage     uint64    `json:"usage"`
}

// BufferHandle is an opaque vendor buffer reference.
type BufferHandle any

// Stream is one configured image stream. Buffers must be registered
// before the stream can serve capture requests.
type Stream struct {
	ID         int          `json:"id"`
	Config     StreamConfig `json:"config"`
	MaxBuffers int          `json:"max_buffers"`

	buffers []BufferHandle
}

// matches reports whether the stream can be reused for cfg:
// geometry, format, direction and usage all agree.
func (s *Stream) matches(cfg StreamConfig) bool {
	return s.Config == cfg
}

// Registered reports whether buffers have been attached.
func (s *Stream) Registered() bool { return len(s.buffers) > 0 }

// Buffers returns the registered handles.
func (s *Stream) Buffers() []BufferHandle {
	return append([]BufferHandle(nil), s.buffers...)
}
