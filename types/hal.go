package types

// ---- HAL configuration ----

// HALConfig lists the HAL modules the service should resolve and open.
type HALConfig struct {
	Devices []HALDevice `json:"devices" yaml:"devices"`
}

// HALDevice names one module instance to open.
//
// Class is the logical module class (e.g. "camera"); Instance is the
// optional per-device discriminator the resolver appends to the class
// when composing the lookup name. Name is the argument passed to the
// module's Open (defaults to the device ID).
type HALDevice struct {
	ID       string      `json:"id" yaml:"id"`
	Class    string      `json:"class" yaml:"class"`
	Instance string      `json:"instance,omitempty" yaml:"instance,omitempty"`
	Name     string      `json:"name,omitempty" yaml:"name,omitempty"`
	Params   interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}
