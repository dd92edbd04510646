// Package statestore persists the bridge state blob.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store loads and saves one JSON-encodable value.
type Store interface {
	// Load decodes the stored blob into v. It returns false when nothing
	// usable is stored, leaving v untouched.
	Load(v any) (bool, error)
	Save(v any) error
	Close() error
}

// JSONFile keeps the blob in a single file, written atomically.
type JSONFile struct {
	Path string
	lock sync.Mutex
}

var _ Store = (*JSONFile)(nil)

func NewJSONFile(path string) *JSONFile {
	return &JSONFile{Path: path}
}

// Load treats a missing or corrupt file as empty state. Corrupt files are
// kept next to the original with a .corrupt suffix.
func (f *JSONFile) Load(v any) (bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to read state at %s: %w", f.Path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err = json.Unmarshal(data, v); err != nil {
		_ = os.Rename(f.Path, f.Path+".corrupt")
		return false, nil
	}
	return true, nil
}

func (f *JSONFile) Save(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if err = os.MkdirAll(filepath.Dir(f.Path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err = os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err = os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("failed to replace state: %w", err)
	}
	return nil
}

func (f *JSONFile) Close() error {
	return nil
}

// Remove deletes the state file.
func (f *JSONFile) Remove() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	err := os.Remove(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
