// Package atomicfile provides the write-to-temp-then-rename primitive every
// persisted JSON file in CribCall (identity, trust stores, subscriptions,
// settings) uses so a crash never yields a partially written file.
package atomicfile

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// WriteJSON marshals v as indented JSON and replaces path atomically.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return Write(path, data)
}

// Write replaces path's contents atomically with data.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadJSON reads and unmarshals path into v. It returns os.ErrNotExist
// (wrapped) if the file does not exist, unchanged, so callers can
// distinguish "never written" from a corrupt file.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
