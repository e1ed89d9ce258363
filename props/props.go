// Package props is a process-wide key-value property store in the style
// of system build properties ("ro.hardware", "ro.product.board", ...).
//
// Values are plain strings. Properties load from key=value files and
// from the environment; later sources win.
package props

import (
	"bufio"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Well-known keys consulted by the module resolver.
const (
	KeyHardware      = "ro.hardware"
	KeyProductBoard  = "ro.product.board"
	KeyBoardPlatform = "ro.board.platform"
	KeyArch          = "ro.arch"
)

type Store struct {
	mu   sync.RWMutex
	vals map[string]string
}

func NewStore() *Store {
	return &Store{vals: map[string]string{}}
}

// System is the process-wide store consulted by default.
var System = NewStore()

// Get returns the value for key, or "" when unset.
func (s *Store) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vals[key]
}

// GetDefault returns the value for key, or def when unset or empty.
func (s *Store) GetDefault(key, def string) string {
	if v := s.Get(key); v != "" {
		return v
	}
	return def
}

func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = value
}

// Keys returns all set keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.vals))
	for k := range s.vals {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// LoadFile reads key=value lines. '#' starts a comment, blank lines are
// skipped, later assignments win. Values keep inner spaces but are
// trimmed at both ends.
func (s *Store) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "props: open")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		s.Set(k, strings.TrimSpace(v))
	}
	return errors.Wrap(sc.Err(), "props: scan")
}

// LoadEnv imports environment variables carrying the given prefix.
// "PREFIX_RO_PRODUCT_BOARD=pico" becomes "ro.product.board"="pico".
func (s *Store) LoadEnv(prefix string) {
	p := prefix + "_"
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, p) {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(k, p), "_", "."))
		if key == "" {
			continue
		}
		s.Set(key, v)
	}
}
