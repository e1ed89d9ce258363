package hw

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk binding between a module class and the driver
// that serves it on this product. Vendors drop one per class under a
// search root, named "<class>[.<instance>].<variant>.hal".
type Manifest struct {
	// ID must equal the class being resolved.
	ID string `yaml:"id"`
	// Driver is the registered factory symbol, e.g. "leds.sysfs".
	Driver string `yaml:"driver"`
	// Version is the module API version the vendor validated against.
	Version uint16 `yaml:"version,omitempty"`
}

func readManifest(path string) (Manifest, error) {
	var m Manifest
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, errors.Wrap(err, "hw: read manifest")
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, errors.Wrap(err, "hw: parse manifest")
	}
	if m.ID == "" || m.Driver == "" {
		return m, errors.Errorf("hw: manifest %s missing id or driver", path)
	}
	return m, nil
}
