// Package config loads a host YAML configuration file and publishes
// each top-level section as a retained message under config/<section>.
// Services pick up their own section by subscribing; late subscribers
// get the retained copy.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"devicehal-go/bus"
)

const configPrefix = "config"

type Service struct {
	path string
}

func New(path string) *Service {
	return &Service{path: path}
}

// Publish reads the file and publishes every top-level section.
func (s *Service) Publish(conn *bus.Connection) error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Wrap(err, "config: read")
	}
	sections, err := Parse(raw)
	if err != nil {
		return err
	}
	for key, val := range sections {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, key), val, true))
	}
	return nil
}

// Parse decodes a YAML document into its top-level sections.
func Parse(raw []byte) (map[string]any, error) {
	var sections map[string]any
	if err := yaml.Unmarshal(raw, &sections); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	return sections, nil
}
