// Package cache implements the PSF Cache Store (persistent, string-keyed
// dense-array storage on disk) and the LRU Cache Manager that sits in front
// of it, per spec.md §4.2.
package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrCacheMiss is returned when a key is absent from both the in-memory
// tier and the on-disk store.
var ErrCacheMiss = errors.New("cache: key not found")

const arrayExt = ".arr"

// Array is a dense array value: a flat row-major payload plus its shape.
type Array struct {
	Shape []int
	Data  []float64
}

// Store is a dictionary-like interface to dense arrays persisted as
// individual files under cacheDir, one per key. It is the Go rendering of
// DDFacet's Store class (original_source/.../ClassScaleMachine.py): on
// construction it enumerates existing files to discover valid keys; reads
// deserialize from disk; writes serialize via a temp-file-then-rename so a
// crash mid-write never corrupts the previous value.
type Store struct {
	dir       string
	validKeys map[string]bool
}

// NewStore creates (if necessary) cacheDir and enumerates any array files
// already present so reads against pre-populated cache directories succeed
// immediately.
func NewStore(cacheDir string) (*Store, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir %s: %w", cacheDir, err)
	}
	s := &Store{dir: cacheDir, validKeys: map[string]bool{}}

	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("cache: list dir %s: %w", cacheDir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, arrayExt) {
			s.validKeys[strings.TrimSuffix(name, arrayExt)] = true
		}
	}
	return s, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+arrayExt)
}

// Contains reports whether key has a persisted value.
func (s *Store) Contains(key string) bool {
	return s.validKeys[key]
}

// Get reads and deserializes the array stored under key.
func (s *Store) Get(key string) (Array, error) {
	if !s.validKeys[key] {
		return Array{}, ErrCacheMiss
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return Array{}, fmt.Errorf("cache: read %s: %w", key, err)
	}
	var a Array
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&a); err != nil {
		return Array{}, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return a, nil
}

// Put serializes value and writes it under key, via a temp file renamed
// into place so a failed write never leaves a partially-written value at
// the final path.
func (s *Store) Put(key string, value Array) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("cache: create temp for %s: %w", key, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cache: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: close %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, s.path(key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: rename into place %s: %w", key, err)
	}
	s.validKeys[key] = true
	return nil
}
