package hw

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicehal-go/errcode"
	"devicehal-go/props"
)

// ---- fake driver plumbing ----

type fakeModule struct {
	id     string
	closed bool
}

func (m *fakeModule) ID() string      { return m.id }
func (m *fakeModule) Name() string    { return "fake " + m.id }
func (m *fakeModule) Author() string  { return "tests" }
func (m *fakeModule) Version() uint16 { return 0x0100 }
func (m *fakeModule) Open(name string, res Resources) (Device, error) {
	return nil, errcode.Unsupported
}
func (m *fakeModule) Close() error {
	m.closed = true
	return nil
}

func init() {
	Register("fake.flash", FactoryFunc{Class: "flash", Make: func() (Module, error) {
		return &fakeModule{id: "flash"}, nil
	}})
	Register("fake.beep", FactoryFunc{Class: "beep", Make: func() (Module, error) {
		return &fakeModule{id: "beep"}, nil
	}})
	Register("fake.broken", FactoryFunc{Class: "flash", Make: func() (Module, error) {
		return nil, errors.New("hardware on fire")
	}})
	Register("fake.liar", FactoryFunc{Class: "flash", Make: func() (Module, error) {
		return &fakeModule{id: "bogus"}, nil
	}})
}

func writeManifest(t *testing.T, root, file, class, driver string) string {
	t.Helper()
	p := filepath.Join(root, file)
	content := fmt.Sprintf("id: %s\ndriver: %s\nversion: 256\n", class, driver)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func newTestResolver(t *testing.T, store *props.Store, roots ...string) *Resolver {
	t.Helper()
	if store == nil {
		store = props.NewStore()
	}
	return NewResolver(WithRoots(roots...), WithProps(store))
}

// ---- resolution order ----

func TestResolveDefaultFallback(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "flash.default.hal", "flash", "fake.flash")

	r := newTestResolver(t, nil, root)
	h, err := r.Get("flash")
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, "flash", h.ID())
	assert.Equal(t, uint16(0x0100), h.Version())
}

func TestResolveOverrideProperty(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "flash.default.hal", "flash", "fake.flash")
	special := writeManifest(t, root, "flash.sim.hal", "flash", "fake.flash")

	store := props.NewStore()
	store.Set("ro.hardware.flash", "sim")

	r := newTestResolver(t, store, root)
	h, err := r.Get("flash")
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, special, h.Path())
}

func TestResolveVariantKeyOrder(t *testing.T) {
	root := t.TempDir()
	// ro.hardware is set but has no file; ro.product.board has one.
	writeManifest(t, root, "flash.lunchbox.hal", "flash", "fake.flash")
	writeManifest(t, root, "flash.default.hal", "flash", "fake.flash")

	store := props.NewStore()
	store.Set(props.KeyHardware, "starfish")
	store.Set(props.KeyProductBoard, "lunchbox")

	r := newTestResolver(t, store, root)
	h, err := r.Get("flash")
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, filepath.Join(root, "flash.lunchbox.hal"), h.Path())
}

func TestResolveRootRanking(t *testing.T) {
	vendor := t.TempDir()
	system := t.TempDir()
	want := writeManifest(t, vendor, "flash.default.hal", "flash", "fake.flash")
	writeManifest(t, system, "flash.default.hal", "flash", "fake.flash")

	r := newTestResolver(t, nil, vendor, system)
	h, err := r.Get("flash")
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, want, h.Path())
}

func TestResolveInstanceName(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "flash.rear.default.hal", "flash", "fake.flash")

	r := newTestResolver(t, nil, root)

	h, err := r.GetByClass("flash", "rear")
	require.NoError(t, err)
	defer h.Release()

	_, err = r.GetByClass("flash", "front")
	assert.Equal(t, errcode.NotFound, errcode.Of(err))
}

func TestResolveNotFound(t *testing.T) {
	r := newTestResolver(t, nil, t.TempDir())
	_, err := r.Get("nonexistent")
	require.Error(t, err)
	assert.Equal(t, errcode.NotFound, errcode.Of(err))
}

// ---- load failures are terminal ----

func TestLoadFailureDoesNotFallThrough(t *testing.T) {
	root := t.TempDir()
	// The matched candidate binds a driver for the wrong class; a
	// perfectly good default also exists but must not be consulted.
	writeManifest(t, root, "flash.sim.hal", "beep", "fake.beep")
	writeManifest(t, root, "flash.default.hal", "flash", "fake.flash")

	store := props.NewStore()
	store.Set("ro.hardware.flash", "sim")

	r := newTestResolver(t, store, root)
	_, err := r.Get("flash")
	require.Error(t, err)
	assert.Equal(t, errcode.IDMismatch, errcode.Of(err))
}

func TestLoadUnknownDriver(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "flash.default.hal", "flash", "fake.unregistered")

	r := newTestResolver(t, nil, root)
	_, err := r.Get("flash")
	assert.Equal(t, errcode.UnknownDriver, errcode.Of(err))
}

func TestLoadBadManifest(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "flash.default.hal")
	require.NoError(t, os.WriteFile(p, []byte(":\nnot yaml at all ["), 0o644))

	r := newTestResolver(t, nil, root)
	_, err := r.Get("flash")
	assert.Equal(t, errcode.BadManifest, errcode.Of(err))
}

func TestLoadFactoryError(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "flash.default.hal", "flash", "fake.broken")

	r := newTestResolver(t, nil, root)
	_, err := r.Get("flash")
	assert.Equal(t, errcode.NoInit, errcode.Of(err))
}

func TestLoadModuleIDDisagrees(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "flash.default.hal", "flash", "fake.liar")

	r := newTestResolver(t, nil, root)
	_, err := r.Get("flash")
	assert.Equal(t, errcode.IDMismatch, errcode.Of(err))
}

// ---- path containment ----

func TestContainmentRejectsTraversal(t *testing.T) {
	outer := t.TempDir()
	root := filepath.Join(outer, "hw")
	require.NoError(t, os.Mkdir(root, 0o755))
	// A manifest outside the root that a malicious property value
	// would reach via "..".
	writeManifest(t, outer, "evil.hal", "flash", "fake.flash")

	store := props.NewStore()
	store.Set("ro.hardware.flash", "x/../../evil")

	r := newTestResolver(t, store, root)
	_, err := r.Get("flash")
	assert.Equal(t, errcode.NotFound, errcode.Of(err))
}

func TestContainmentRejectsSymlinkEscape(t *testing.T) {
	outer := t.TempDir()
	root := filepath.Join(outer, "hw")
	require.NoError(t, os.Mkdir(root, 0o755))
	target := writeManifest(t, outer, "real.hal", "flash", "fake.flash")
	require.NoError(t, os.Symlink(target, filepath.Join(root, "flash.default.hal")))

	r := newTestResolver(t, nil, root)
	_, err := r.Get("flash")
	assert.Equal(t, errcode.NotFound, errcode.Of(err))
}

// ---- reference counting ----

func TestRefCounting(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "flash.default.hal", "flash", "fake.flash")

	r := newTestResolver(t, nil, root)

	h1, err := r.Get("flash")
	require.NoError(t, err)
	h2, err := r.Get("flash")
	require.NoError(t, err)

	// Same live module, counted twice.
	assert.Same(t, h1.Module, h2.Module)
	assert.Equal(t, 2, r.refs(h1.Path()))

	mod := h1.Module.(*fakeModule)

	require.NoError(t, h1.Release())
	assert.Equal(t, 1, r.refs(h2.Path()))
	assert.False(t, mod.closed)

	// Release is idempotent per handle.
	require.NoError(t, h1.Release())
	assert.Equal(t, 1, r.refs(h2.Path()))

	require.NoError(t, h2.Release())
	assert.Equal(t, 0, r.refs(h2.Path()))
	assert.True(t, mod.closed)
}

func TestReleaseUnknownPath(t *testing.T) {
	r := newTestResolver(t, nil, t.TempDir())
	err := r.release("/no/such/path")
	assert.Equal(t, errcode.DeadObject, errcode.Of(err))
}
