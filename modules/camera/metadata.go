package camera

import (
	"fmt"
	"sort"

	"devicehal-go/errcode"
)

// TagType is the element type of a metadata entry.
type TagType uint8

const (
	TypeU8 TagType = iota
	TypeI32
	TypeI64
	TypeFloat
	TypeDouble
	TypeRational
)

func (t TagType) String() string {
	switch t {
	case TypeU8:
		return "u8"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeRational:
		return "rational"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Rational is an exact fraction metadata element.
type Rational struct {
	Numerator   int32 `json:"num"`
	Denominator int32 `json:"den"`
}

// Tag identifies one metadata field: section in the high 16 bits,
// index within the section in the low 16.
type Tag uint32

func mkTag(section, index uint16) Tag { return Tag(uint32(section)<<16 | uint32(index)) }

// Section returns the tag's section id.
func (t Tag) Section() uint16 { return uint16(t >> 16) }

// Standard sections.
const (
	sectionControl uint16 = 1
	sectionLens    uint16 = 2
	sectionSensor  uint16 = 3
	sectionRequest uint16 = 4
	sectionJPEG    uint16 = 5
)

// Standard tags.
var (
	TagControlMode          = mkTag(sectionControl, 0) // u8
	TagControlCaptureIntent = mkTag(sectionControl, 1) // u8
	TagControlAEMode        = mkTag(sectionControl, 2) // u8
	TagControlAETargetFPS   = mkTag(sectionControl, 3) // i32 x2

	TagLensFocalLength = mkTag(sectionLens, 0) // float
	TagLensAperture    = mkTag(sectionLens, 1) // float

	TagSensorExposureTime  = mkTag(sectionSensor, 0) // i64 ns
	TagSensorFrameDuration = mkTag(sectionSensor, 1) // i64 ns
	TagSensorTimestamp     = mkTag(sectionSensor, 2) // i64 ns
	TagSensorNeutralPoint  = mkTag(sectionSensor, 3) // rational x3

	TagRequestID = mkTag(sectionRequest, 0) // i32

	TagJPEGQuality        = mkTag(sectionJPEG, 0) // u8
	TagJPEGGPSCoordinates = mkTag(sectionJPEG, 1) // double x3
)

type tagDef struct {
	name string
	typ  TagType
}

var stdTags = map[Tag]tagDef{
	TagControlMode:          {"control.mode", TypeU8},
	TagControlCaptureIntent: {"control.captureIntent", TypeU8},
	TagControlAEMode:        {"control.aeMode", TypeU8},
	TagControlAETargetFPS:   {"control.aeTargetFpsRange", TypeI32},
	TagLensFocalLength:      {"lens.focalLength", TypeFloat},
	TagLensAperture:         {"lens.aperture", TypeFloat},
	TagSensorExposureTime:   {"sensor.exposureTime", TypeI64},
	TagSensorFrameDuration:  {"sensor.frameDuration", TypeI64},
	TagSensorTimestamp:      {"sensor.timestamp", TypeI64},
	TagSensorNeutralPoint:   {"sensor.neutralColorPoint", TypeRational},
	TagRequestID:            {"request.id", TypeI32},
	TagJPEGQuality:          {"jpeg.quality", TypeU8},
	TagJPEGGPSCoordinates:   {"jpeg.gpsCoordinates", TypeDouble},
}

// TagName returns the dotted name of a standard tag, or "" if unknown.
func TagName(t Tag) string { return stdTags[t].name }

// Entry is one metadata field with its typed payload. Exactly one of
// the value slices is populated, matching Type.
type Entry struct {
	Tag       Tag
	Type      TagType
	U8        []uint8
	I32       []int32
	I64       []int64
	Float     []float32
	Double    []float64
	Rationals []Rational
}

// Count returns the element count of the entry.
func (e Entry) Count() int {
	switch e.Type {
	case TypeU8:
		return len(e.U8)
	case TypeI32:
		return len(e.I32)
	case TypeI64:
		return len(e.I64)
	case TypeFloat:
		return len(e.Float)
	case TypeDouble:
		return len(e.Double)
	case TypeRational:
		return len(e.Rationals)
	}
	return 0
}

func (e Entry) clone() Entry {
	c := e
	c.U8 = append([]uint8(nil), e.U8...)
	c.I32 = append([]int32(nil), e.I32...)
	c.I64 = append([]int64(nil), e.I64...)
	c.Float = append([]float32(nil), e.Float...)
	c.Double = append([]float64(nil), e.Double...)
	c.Rationals = append([]Rational(nil), e.Rationals...)
	return c
}

// Metadata is a growable buffer of typed entries. Entries keep
// insertion order; lookup goes through a tag index. The zero value is
// not usable; call NewMetadata.
type Metadata struct {
	entries []Entry
	index   map[Tag]int
	vendor  *VendorTags
}

// NewMetadata allocates a buffer with room for capacity entries.
func NewMetadata(capacity int) *Metadata {
	if capacity < 0 {
		capacity = 0
	}
	return &Metadata{
		entries: make([]Entry, 0, capacity),
		index:   make(map[Tag]int, capacity),
	}
}

// WithVendorTags attaches a vendor tag registry used to validate
// vendor-section tags. Returns m for chaining.
func (m *Metadata) WithVendorTags(vt *VendorTags) *Metadata {
	m.vendor = vt
	return m
}

// Len returns the number of entries.
func (m *Metadata) Len() int { return len(m.entries) }

// Cap returns the current entry capacity.
func (m *Metadata) Cap() int { return cap(m.entries) }

func (m *Metadata) typeOf(tag Tag) (TagType, bool) {
	if def, ok := stdTags[tag]; ok {
		return def.typ, true
	}
	if m.vendor != nil {
		return m.vendor.TypeOf(tag)
	}
	return 0, false
}

func (m *Metadata) put(tag Tag, e Entry) error {
	want, known := m.typeOf(tag)
	if !known {
		return &errcode.E{C: errcode.NotFound, Op: "metadata.add", Msg: fmt.Sprintf("unknown tag 0x%08x", uint32(tag))}
	}
	if want != e.Type {
		return &errcode.E{C: errcode.BadValue, Op: "metadata.add",
			Msg: fmt.Sprintf("tag 0x%08x is %s, not %s", uint32(tag), want, e.Type)}
	}
	if e.Count() == 0 {
		return &errcode.E{C: errcode.BadValue, Op: "metadata.add", Msg: "empty entry"}
	}
	e.Tag = tag
	if i, ok := m.index[tag]; ok {
		m.entries[i] = e
		return nil
	}
	if len(m.entries) == cap(m.entries) {
		m.grow()
	}
	m.entries = append(m.entries, e)
	m.index[tag] = len(m.entries) - 1
	return nil
}

// grow doubles the entry capacity.
func (m *Metadata) grow() {
	next := cap(m.entries) * 2
	if next == 0 {
		next = 8
	}
	bigger := make([]Entry, len(m.entries), next)
	copy(bigger, m.entries)
	m.entries = bigger
}

func (m *Metadata) AddU8(tag Tag, v ...uint8) error {
	return m.put(tag, Entry{Type: TypeU8, U8: v})
}

func (m *Metadata) AddI32(tag Tag, v ...int32) error {
	return m.put(tag, Entry{Type: TypeI32, I32: v})
}

func (m *Metadata) AddI64(tag Tag, v ...int64) error {
	return m.put(tag, Entry{Type: TypeI64, I64: v})
}

func (m *Metadata) AddFloat(tag Tag, v ...float32) error {
	return m.put(tag, Entry{Type: TypeFloat, Float: v})
}

func (m *Metadata) AddDouble(tag Tag, v ...float64) error {
	return m.put(tag, Entry{Type: TypeDouble, Double: v})
}

func (m *Metadata) AddRational(tag Tag, v ...Rational) error {
	return m.put(tag, Entry{Type: TypeRational, Rationals: v})
}

// Get returns a copy of the entry for tag.
func (m *Metadata) Get(tag Tag) (Entry, bool) {
	i, ok := m.index[tag]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i].clone(), true
}

// Update replaces the payload of an existing entry; the tag must
// already be present and e's type must match.
func (m *Metadata) Update(tag Tag, e Entry) error {
	if _, ok := m.index[tag]; !ok {
		return &errcode.E{C: errcode.NotFound, Op: "metadata.update", Msg: fmt.Sprintf("tag 0x%08x", uint32(tag))}
	}
	return m.put(tag, e)
}

// Delete removes an entry if present, preserving the order of the rest.
func (m *Metadata) Delete(tag Tag) bool {
	i, ok := m.index[tag]
	if !ok {
		return false
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	delete(m.index, tag)
	for j := i; j < len(m.entries); j++ {
		m.index[m.entries[j].Tag] = j
	}
	return true
}

// Merge copies every entry of src into m, overwriting duplicates.
func (m *Metadata) Merge(src *Metadata) error {
	if src == nil {
		return nil
	}
	for _, e := range src.entries {
		if err := m.put(e.Tag, e.clone()); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy sharing no storage with m.
func (m *Metadata) Clone() *Metadata {
	c := NewMetadata(cap(m.entries))
	c.vendor = m.vendor
	for _, e := range m.entries {
		c.entries = append(c.entries, e.clone())
		c.index[e.Tag] = len(c.entries) - 1
	}
	return c
}

// Tags returns the present tags in ascending order.
func (m *Metadata) Tags() []Tag {
	out := make([]Tag, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entries returns copies of all entries in insertion order.
func (m *Metadata) Entries() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.clone())
	}
	return out
}
