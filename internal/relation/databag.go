// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// FileDataBag persists published relation data as one yaml document per
// relation under a directory, where the platform's relation transport
// picks it up. Writes are atomic.
type FileDataBag struct {
	dir string
}

// NewFileDataBag returns a DataBag rooted at dir.
func NewFileDataBag(dir string) *FileDataBag {
	return &FileDataBag{dir: dir}
}

// Publish implements DataBag.
func (b *FileDataBag) Publish(relationID string, data map[string]string) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return errors.Trace(err)
	}
	out, err := yaml.Marshal(data)
	if err != nil {
		return errors.Trace(err)
	}
	path := filepath.Join(b.dir, fileName(relationID))
	tmp := path + ".preparing"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp, path))
}

// Read returns the published data for relationID, if any.
func (b *FileDataBag) Read(relationID string) (map[string]string, error) {
	raw, err := os.ReadFile(filepath.Join(b.dir, fileName(relationID)))
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("data bag for relation %q", relationID)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	var data map[string]string
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// Relation ids contain a ":" separator, e.g. "database:0".
func fileName(relationID string) string {
	return strings.ReplaceAll(relationID, ":", "-") + ".yaml"
}
