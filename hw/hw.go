// Package hw locates and opens HAL modules.
//
// A module is a vendor driver for one logical device class ("leds",
// "camera", ...). Drivers compile into the binary and self-register a
// Factory under a well-known symbol name in init(). Which driver serves
// a class on a given product is decided at runtime by the Resolver: it
// probes ranked search roots for a module manifest named after the
// class and a variant key (hardware id, product board, board platform,
// architecture) read from the system property store, and binds the
// manifest to its registered factory.
package hw

import (
	"context"

	"devicehal-go/props"
	"devicehal-go/types"
)

// Module is the handle a resolved driver exposes for a whole class.
type Module interface {
	// ID returns the class the module implements, e.g. "camera".
	ID() string
	Name() string
	Author() string
	// Version is the module's HAL API version (major<<8 | minor).
	Version() uint16
	// Open instantiates one device of the class. name selects the unit
	// ("0", "backlight", ...); drivers accept "" for their default.
	Open(name string, res Resources) (Device, error)
	// Close releases class-wide resources. Called by the resolver when
	// the last reference is put back.
	Close() error
}

// Device is one opened unit of a module.
type Device interface {
	ID() string
	Capabilities() []CapabilitySpec
	// Control executes a verb against one of the device's capabilities.
	Control(addr CapAddr, verb string, payload any) (any, error)
	Close() error
}

// Resources are injected into Open by the caller.
type Resources struct {
	// Props gives drivers access to system properties. Never nil once
	// handed to Open; the resolver fills in the store it resolves with.
	Props *props.Store
	// Pub receives device telemetry. May be nil for callers that poll.
	Pub EventEmitter
	// Params carries driver-specific open parameters (decoded config).
	Params any
	// Ctx bounds driver background work. Defaults to context.Background.
	Ctx context.Context
}

// CapAddr addresses one capability of a device.
type CapAddr struct {
	Domain string
	Kind   string
	Name   string
}

// CapabilitySpec describes one capability a device exposes.
type CapabilitySpec struct {
	Kind   types.Kind
	Domain string // defaulted by the service when empty
	Name   string // defaults to the device ID
	Info   types.Info
}

// Event is device telemetry handed to the emitter.
type Event struct {
	Addr     CapAddr
	Payload  any
	IsEvent  bool   // true: transient event; false: retained value
	EventTag string // optional event subtopic
	Err      string // non-empty: degraded status, no payload published
	TS       int64  // unix ms
}

// EventEmitter enqueues device telemetry. Emit must not block; it
// reports false when the event was dropped.
type EventEmitter interface {
	Emit(Event) bool
}
