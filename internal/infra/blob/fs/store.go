// Package fs implements a filesystem-backed blob Store. Artifact bytes live
// under the root directory with a JSON metadata sidecar per key.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"billingcore/internal/blob/core"
)

const metaSuffix = ".meta.json"

// Store implements core.Store on a local directory.
type Store struct {
	root string
}

// New creates the root directory if needed and returns the store.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("fs blob root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

// Driver returns the blob driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

func (s *Store) paths(key string) (dataPath, metaPath string, err error) {
	if key == "" || strings.Contains(key, "..") || filepath.IsAbs(key) {
		return "", "", fmt.Errorf("invalid blob key %q", key)
	}
	dataPath = filepath.Join(s.root, filepath.FromSlash(key))
	return dataPath, dataPath + metaSuffix, nil
}

// Put stores a new artifact; errors if key exists.
func (s *Store) Put(_ context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return core.Info{}, err
	}
	if _, err := os.Stat(dataPath); err == nil {
		return core.Info{}, fmt.Errorf("blob %s already exists", key)
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return core.Info{}, fmt.Errorf("create blob dir: %w", err)
	}
	f, err := os.OpenFile(dataPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return core.Info{}, fmt.Errorf("create blob %s: %w", key, err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dataPath)
		return core.Info{}, fmt.Errorf("write blob %s: %w", key, err)
	}
	info := core.Info{
		Key:          key,
		Size:         size,
		ContentType:  opts.ContentType,
		Metadata:     opts.Metadata,
		LastModified: time.Now().UTC(),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		_ = os.Remove(dataPath)
		return core.Info{}, fmt.Errorf("encode blob metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, meta, 0o644); err != nil {
		_ = os.Remove(dataPath)
		return core.Info{}, fmt.Errorf("write blob metadata: %w", err)
	}
	return info, nil
}

// Get returns artifact metadata and a reader over its content.
func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return core.Info{}, nil, err
	}
	info, err := readMeta(metaPath, key)
	if err != nil {
		return core.Info{}, nil, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		return core.Info{}, nil, fmt.Errorf("blob %s not found", key)
	}
	return info, f, nil
}

// List returns all artifacts matching prefix in key order.
func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	var infos []core.Info
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, metaSuffix) {
			return err
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(path, metaSuffix))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := readMeta(path, key)
		if err != nil {
			return err
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Delete removes the artifact and its sidecar, reporting whether it existed.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dataPath); err != nil {
		return false, nil
	}
	if err := os.Remove(dataPath); err != nil {
		return false, fmt.Errorf("delete blob %s: %w", key, err)
	}
	_ = os.Remove(metaPath)
	return true, nil
}

func readMeta(metaPath, key string) (core.Info, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return core.Info{}, fmt.Errorf("blob %s not found", key)
	}
	var info core.Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return core.Info{}, fmt.Errorf("decode blob metadata %s: %w", key, err)
	}
	info.Key = key
	return info, nil
}
