package hw

import (
	"os"
	"path/filepath"
	"sync"

	"devicehal-go/errcode"
	"devicehal-go/props"
)

// DefaultSuffix is the manifest file extension.
const DefaultSuffix = ".hal"

// DefaultRoots are the ranked search directories, most specific first.
// Vendor-only builds pass a reduced list via WithRoots.
var DefaultRoots = []string{
	"/odm/lib/hw",
	"/vendor/lib/hw",
	"/system/lib/hw",
}

// Variant keys tried in order when no per-name override property is set.
var defaultVariantKeys = []string{
	props.KeyHardware,
	props.KeyProductBoard,
	props.KeyBoardPlatform,
	props.KeyArch,
}

// Resolver resolves module classes to loaded modules.
//
// A resolver holds at most one live module per resolved manifest path;
// repeated lookups hand back counted references to the same module.
type Resolver struct {
	store  *props.Store
	roots  []string
	keys   []string
	suffix string

	mu     sync.Mutex
	loaded map[string]*refModule // canonical path -> live module
}

type refModule struct {
	mod  Module
	refs int
}

type Option func(*Resolver)

// WithRoots replaces the ranked search roots.
func WithRoots(roots ...string) Option {
	return func(r *Resolver) { r.roots = append([]string(nil), roots...) }
}

// WithProps selects the property store consulted during resolution.
func WithProps(s *props.Store) Option {
	return func(r *Resolver) { r.store = s }
}

// WithVariantKeys replaces the fallback variant key order.
func WithVariantKeys(keys ...string) Option {
	return func(r *Resolver) { r.keys = append([]string(nil), keys...) }
}

// WithSuffix replaces the manifest extension (tests mostly).
func WithSuffix(s string) Option {
	return func(r *Resolver) { r.suffix = s }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		store:  props.System,
		roots:  append([]string(nil), DefaultRoots...),
		keys:   append([]string(nil), defaultVariantKeys...),
		suffix: DefaultSuffix,
		loaded: map[string]*refModule{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Props returns the property store the resolver consults.
func (r *Resolver) Props() *props.Store { return r.store }

// Handle is a counted reference to a loaded module. Callers must
// Release it when done; the module closes when the last reference goes.
type Handle struct {
	Module
	path string
	r    *Resolver
	once sync.Once
}

// Path returns the canonical manifest path the module was loaded from.
func (h *Handle) Path() string { return h.path }

// Release puts the reference back. Idempotent per handle.
func (h *Handle) Release() error {
	var err error
	h.once.Do(func() { err = h.r.release(h.path) })
	return err
}

// Get resolves a class with no instance qualifier.
func (r *Resolver) Get(class string) (*Handle, error) {
	return r.GetByClass(class, "")
}

// GetByClass resolves and loads the module for class, optionally
// qualified by instance.
//
// Candidate order: the per-name override property "ro.hardware.<name>",
// then each fallback variant key with a non-empty value, then the
// "default" variant. A candidate whose file is missing (or escapes its
// search root) is skipped; once a file matches, load failures are
// terminal and do not fall through to later candidates.
func (r *Resolver) GetByClass(class, instance string) (*Handle, error) {
	if class == "" {
		return nil, &errcode.E{C: errcode.BadValue, Op: "hw.get", Msg: "empty class"}
	}
	name := class
	if instance != "" {
		name = class + "." + instance
	}

	path := ""
	if v := r.store.Get("ro.hardware." + name); v != "" {
		path = r.probe(name, v)
	}
	if path == "" {
		for _, key := range r.keys {
			v := r.store.Get(key)
			if v == "" {
				continue
			}
			if p := r.probe(name, v); p != "" {
				path = p
				break
			}
		}
	}
	if path == "" {
		path = r.probe(name, "default")
	}
	if path == "" {
		return nil, &errcode.E{C: errcode.NotFound, Op: "hw.get", Msg: name}
	}
	return r.load(path, class)
}

// probe returns the first existing, contained manifest for
// name.variant across the ranked roots, or "".
func (r *Resolver) probe(name, variant string) string {
	fname := name + "." + variant + r.suffix
	for _, root := range r.roots {
		p := filepath.Join(root, fname)
		if !contained(root, p) {
			continue
		}
		fi, err := os.Stat(p)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		return p
	}
	return ""
}

// contained reports whether p's real path stays strictly inside root.
// A variant value smuggling separators, "..", or a symlink pointing
// outside the root fails here.
func contained(root, p string) bool {
	if filepath.Dir(filepath.Clean(p)) != filepath.Clean(root) {
		return false
	}
	rp, err := filepath.EvalSymlinks(p)
	if err != nil {
		return false
	}
	rroot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false
	}
	return filepath.Dir(rp) == rroot
}

// load binds a matched manifest to its registered factory. Any failure
// past this point is terminal for the whole resolution.
func (r *Resolver) load(path, class string) (*Handle, error) {
	canon, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, &errcode.E{C: errcode.NotFound, Op: "hw.load", Msg: path, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.loaded[canon]; ok {
		rm.refs++
		return &Handle{Module: rm.mod, path: canon, r: r}, nil
	}

	m, err := readManifest(canon)
	if err != nil {
		return nil, &errcode.E{C: errcode.BadManifest, Op: "hw.load", Msg: canon, Err: err}
	}
	f, ok := lookupFactory(m.Driver)
	if !ok {
		return nil, &errcode.E{C: errcode.UnknownDriver, Op: "hw.load", Msg: m.Driver}
	}
	if m.ID != class || f.ID() != class {
		return nil, &errcode.E{C: errcode.IDMismatch, Op: "hw.load", Msg: m.ID + " != " + class}
	}
	mod, err := f.New()
	if err != nil {
		return nil, &errcode.E{C: errcode.NoInit, Op: "hw.load", Msg: m.Driver, Err: err}
	}
	// The module's embedded id must agree with the class it was
	// resolved for.
	if mod.ID() != class {
		mod.Close()
		return nil, &errcode.E{C: errcode.IDMismatch, Op: "hw.load", Msg: mod.ID() + " != " + class}
	}

	r.loaded[canon] = &refModule{mod: mod, refs: 1}
	return &Handle{Module: mod, path: canon, r: r}, nil
}

func (r *Resolver) release(path string) error {
	r.mu.Lock()
	rm, ok := r.loaded[path]
	if !ok {
		r.mu.Unlock()
		return &errcode.E{C: errcode.DeadObject, Op: "hw.release", Msg: path}
	}
	rm.refs--
	var mod Module
	if rm.refs == 0 {
		delete(r.loaded, path)
		mod = rm.mod
	}
	r.mu.Unlock()

	if mod != nil {
		return mod.Close()
	}
	return nil
}

// refs reports the live reference count for a canonical path (tests).
func (r *Resolver) refs(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.loaded[path]; ok {
		return rm.refs
	}
	return 0
}
