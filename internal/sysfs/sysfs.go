// Package sysfs reads and writes kernel pseudo-file attributes.
package sysfs

import (
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ReadAttr returns the trimmed content of the attribute file p/attr.
func ReadAttr(p, attr string) (string, error) {
	data, err := os.ReadFile(path.Join(p, attr))
	if err != nil {
		return "", errors.Wrap(err, "sysfs: read attr")
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadIntAttr returns the attribute parsed as a decimal integer.
func ReadIntAttr(p, attr string) (int, error) {
	s, err := ReadAttr(p, attr)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "sysfs: attr %s not an int", attr)
	}
	return n, nil
}

// WriteAttr writes value to the attribute file p/attr.
func WriteAttr(p, attr, value string) error {
	return errors.Wrap(os.WriteFile(path.Join(p, attr), []byte(value), 0666), "sysfs: write attr")
}

// WriteIntAttr writes a decimal integer to the attribute file p/attr.
func WriteIntAttr(p, attr string, value int) error {
	return WriteAttr(p, attr, strconv.Itoa(value))
}
