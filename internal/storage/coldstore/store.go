// Package coldstore provides byte-blob storage for the cold tier.
//
// The engine treats the cold tier as a plain object store keyed by
// validated cache keys. The filesystem implementation below is the default;
// anything exposing the same put/get/list surface (an S3 bucket, a GCS
// bucket) can stand in behind the ObjectStore interface.
package coldstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/coldpoint/tierstore/internal/errors"
)

// ObjectInfo describes a stored object without its payload.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// ObjectStore is the cold-tier collaborator surface.
type ObjectStore interface {
	// Put stores a payload under key, overwriting any existing object.
	Put(ctx context.Context, key string, payload []byte) error

	// Get returns the payload for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object under key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// List returns objects whose keys start with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Stat returns object info without fetching the payload.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Path resolves a key to a local filesystem path, or "" when the
	// store has no local representation. The cold query engine scans
	// archive files in place when it can.
	Path(key string) string
}

// FSStore stores objects as files under a root directory.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed object store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, errors.NewMissingField("cold store directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create cold store root")
	}
	return &FSStore{root: dir}, nil
}

// Root returns the store's root directory.
func (s *FSStore) Root() string {
	return s.root
}

// Path resolves a key to its backing file path.
func (s *FSStore) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put stores a payload under key.
func (s *FSStore) Put(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create object directory")
	}

	// Write-then-rename so concurrent readers never observe a torn object.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write object")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "publish object")
	}

	return nil
}

// Get returns the payload for key.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound("object", key)
		}
		return nil, errors.Wrap(err, "read object")
	}
	return data, nil
}

// Exists reports whether an object is stored under key.
func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(s.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "stat object")
	}
	return true, nil
}

// Delete removes the object under key.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(s.Path(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete object")
	}
	return nil
}

// Stat returns object info without fetching the payload.
func (s *FSStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	info, err := os.Stat(s.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, errors.NewNotFound("object", key)
		}
		return ObjectInfo{}, errors.Wrap(err, "stat object")
	}

	return ObjectInfo{
		Key:      key,
		Size:     info.Size(),
		Modified: info.ModTime(),
	}, nil
}

// List returns objects whose keys start with prefix, sorted by key.
func (s *FSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var objects []ObjectInfo

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		objects = append(objects, ObjectInfo{
			Key:      key,
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list objects")
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})

	return objects, nil
}
