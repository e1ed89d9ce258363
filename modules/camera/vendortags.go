package camera

import (
	"fmt"
	"sort"
	"sync"

	"devicehal-go/errcode"
)

// VendorSectionStart is the first tag value reserved for vendor
// extensions; everything below it belongs to the standard sections.
const VendorSectionStart Tag = 0x8000_0000

const maxSectionTags = 1 << 16

// VendorTags maps vendor extension tags to names and types. Sections
// are allocated a 64K tag range each; a tag is section base + index.
type VendorTags struct {
	mu       sync.RWMutex
	sections []string
	byName   map[string]Tag
	tags     map[Tag]tagDef
	nextIdx  []uint32 // per section
}

func NewVendorTags() *VendorTags {
	return &VendorTags{
		byName: map[string]Tag{},
		tags:   map[Tag]tagDef{},
	}
}

// RegisterSection allocates a tag range for a vendor section and
// returns its base tag. Registering the same name twice returns the
// existing base.
func (v *VendorTags) RegisterSection(name string) (Tag, error) {
	if name == "" {
		return 0, &errcode.E{C: errcode.InvalidParams, Op: "vendortags.section", Msg: "empty section name"}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, s := range v.sections {
		if s == name {
			return VendorSectionStart + Tag(i*maxSectionTags), nil
		}
	}
	base := VendorSectionStart + Tag(len(v.sections)*maxSectionTags)
	v.sections = append(v.sections, name)
	v.nextIdx = append(v.nextIdx, 0)
	return base, nil
}

// Register adds a tag to a section and returns its value.
func (v *VendorTags) Register(sectionBase Tag, name string, typ TagType) (Tag, error) {
	if name == "" {
		return 0, &errcode.E{C: errcode.InvalidParams, Op: "vendortags.register", Msg: "empty tag name"}
	}
	if typ > TypeRational {
		return 0, &errcode.E{C: errcode.BadValue, Op: "vendortags.register", Msg: "bad tag type"}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	si, ok := v.sectionIndexLocked(sectionBase)
	if !ok {
		return 0, &errcode.E{C: errcode.NotFound, Op: "vendortags.register",
			Msg: fmt.Sprintf("no section at 0x%08x", uint32(sectionBase))}
	}
	full := v.sections[si] + "." + name
	if t, dup := v.byName[full]; dup {
		return t, &errcode.E{C: errcode.InvalidOperation, Op: "vendortags.register", Msg: full + " already registered"}
	}
	idx := v.nextIdx[si]
	if idx >= maxSectionTags {
		return 0, &errcode.E{C: errcode.InvalidOperation, Op: "vendortags.register", Msg: "section full"}
	}
	v.nextIdx[si] = idx + 1
	t := sectionBase + Tag(idx)
	v.tags[t] = tagDef{name: full, typ: typ}
	v.byName[full] = t
	return t, nil
}

func (v *VendorTags) sectionIndexLocked(base Tag) (int, bool) {
	if base < VendorSectionStart || (base-VendorSectionStart)%maxSectionTags != 0 {
		return 0, false
	}
	i := int(base-VendorSectionStart) / maxSectionTags
	if i >= len(v.sections) {
		return 0, false
	}
	return i, true
}

// TypeOf returns the registered type of a vendor tag.
func (v *VendorTags) TypeOf(t Tag) (TagType, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	def, ok := v.tags[t]
	return def.typ, ok
}

// Name returns the "section.tag" name of a vendor tag.
func (v *VendorTags) Name(t Tag) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	def, ok := v.tags[t]
	return def.name, ok
}

// Lookup resolves a full "section.tag" name.
func (v *VendorTags) Lookup(name string) (Tag, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.byName[name]
	return t, ok
}

// Sections returns the registered section names in allocation order.
func (v *VendorTags) Sections() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]string(nil), v.sections...)
}

// All returns every registered vendor tag in ascending order.
func (v *VendorTags) All() []Tag {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Tag, 0, len(v.tags))
	for t := range v.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
