package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DiskBackend persists artifacts as two files per key under a root
// directory: `<key>.bin` (the artifact bytes) and `<key>.json` (its
// Metadata). This is the `cache.backend: disk` default (spec §6.3).
type DiskBackend struct {
	root string
}

// NewDiskBackend creates the root directory if needed and returns a backend
// rooted there.
func NewDiskBackend(root string) (*DiskBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache disk backend: create root %s: %w", root, err)
	}
	return &DiskBackend{root: root}, nil
}

func (b *DiskBackend) paths(key string) (data, meta string) {
	return filepath.Join(b.root, key+".bin"), filepath.Join(b.root, key+".json")
}

func (b *DiskBackend) Get(_ context.Context, key string) ([]byte, Metadata, bool, error) {
	dataPath, metaPath := b.paths(key)

	artifact, err := os.ReadFile(dataPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, Metadata{}, false, nil
	}
	if err != nil {
		return nil, Metadata{}, false, fmt.Errorf("cache disk backend: read %s: %w", dataPath, err)
	}

	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, Metadata{}, false, fmt.Errorf("cache disk backend: read %s: %w", metaPath, err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, Metadata{}, false, fmt.Errorf("cache disk backend: decode metadata %s: %w", metaPath, err)
	}
	return artifact, meta, true, nil
}

func (b *DiskBackend) Put(_ context.Context, key string, artifact []byte, meta Metadata) error {
	dataPath, metaPath := b.paths(key)
	if err := os.WriteFile(dataPath, artifact, 0o644); err != nil {
		return fmt.Errorf("cache disk backend: write %s: %w", dataPath, err)
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cache disk backend: encode metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaBytes, 0o644); err != nil {
		return fmt.Errorf("cache disk backend: write %s: %w", metaPath, err)
	}
	return nil
}

func (b *DiskBackend) Delete(_ context.Context, key string) error {
	dataPath, metaPath := b.paths(key)
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cache disk backend: remove %s: %w", dataPath, err)
	}
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cache disk backend: remove %s: %w", metaPath, err)
	}
	return nil
}
