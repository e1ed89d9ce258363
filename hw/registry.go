package hw

import (
	"fmt"
	"sync"
)

// Factory builds the module a manifest points at.
type Factory interface {
	// ID returns the class the factory's modules implement. The
	// resolver rejects a manifest whose class does not match.
	ID() string
	New() (Module, error)
}

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs a driver factory under its well-known symbol name,
// e.g. "leds.sysfs". Drivers call it from init(). It panics on
// duplicate registration to catch mistakes at start-up.
func Register(symbol string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if symbol == "" {
		panic("hw: empty driver symbol")
	}
	if _, exists := factories[symbol]; exists {
		panic(fmt.Sprintf("hw: duplicate driver symbol: %s", symbol))
	}
	factories[symbol] = f
}

func lookupFactory(symbol string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[symbol]
	return f, ok
}

// Symbols returns the registered driver symbols, for diagnostics.
func Symbols() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for s := range factories {
		out = append(out, s)
	}
	return out
}

// FactoryFunc adapts a pair of funcs to Factory.
type FactoryFunc struct {
	Class string
	Make  func() (Module, error)
}

func (f FactoryFunc) ID() string           { return f.Class }
func (f FactoryFunc) New() (Module, error) { return f.Make() }
