// Package cache provides the cold-tier cache service: keyed payload storage
// with transparent compression and head-style metadata lookups.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/logging"
	"github.com/coldpoint/tierstore/internal/storage/cachekey"
	"github.com/coldpoint/tierstore/internal/storage/coldstore"
)

// metaSuffix names the JSON sidecar that carries object metadata.
const metaSuffix = ".meta"

// Metadata describes a cached object. It is retrievable via Head without
// fetching the payload.
type Metadata struct {
	PointsCount      int       `json:"points_count,omitempty"`
	SamplesCount     int64     `json:"samples_count,omitempty"`
	UncompressedSize int64     `json:"uncompressed_size"`
	StoredSize       int64     `json:"stored_size"`
	Compressed       bool      `json:"compressed"`
	UploadedAt       time.Time `json:"uploaded_at"`
}

// Age returns how long ago the object was uploaded.
func (m Metadata) Age(now time.Time) time.Duration {
	return now.Sub(m.UploadedAt)
}

// Expired applies a caller-side TTL policy. The cache itself never sweeps;
// staleness is a read-time decision.
func (m Metadata) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && m.Age(now) > ttl
}

// Options configures the cache service.
type Options struct {
	// Compression enables transparent zstd for payloads that are not
	// already columnar archives.
	Compression bool

	// Level is the zstd encoder level (1 fastest .. 4 best).
	Level int
}

// DefaultOptions returns the default cache options.
func DefaultOptions() Options {
	return Options{Compression: true, Level: 3}
}

// Stats summarizes the store contents.
type Stats struct {
	TotalObjects int64
	TotalSize    int64
	Puts         int64
	Gets         int64
	Hits         int64
	Misses       int64
}

// Service is the cache service over the cold object store.
type Service struct {
	store coldstore.ObjectStore
	opts  Options

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu    sync.Mutex
	stats Stats
}

// New creates a cache service.
func New(store coldstore.ObjectStore, opts Options) (*Service, error) {
	level := zstd.EncoderLevel(opts.Level)
	if level < zstd.SpeedFastest || level > zstd.SpeedBestCompression {
		level = zstd.SpeedDefault
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, errors.Wrap(err, "create zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create zstd decoder")
	}

	return &Service{
		store: store,
		opts:  opts,
		enc:   enc,
		dec:   dec,
	}, nil
}

// compressible reports whether a key's payload should be zstd-wrapped.
// Parquet archives are already column-compressed and must stay scannable
// in place by the cold query engine.
func (s *Service) compressible(key string) bool {
	return s.opts.Compression && cachekey.Ext(key) != cachekey.ExtParquet
}

// Put stores a payload under a validated key and attaches metadata.
// Concurrent puts to the same key are idempotent: the last writer's payload
// is what subsequent gets observe.
func (s *Service) Put(ctx context.Context, key string, payload []byte, meta Metadata) error {
	if err := cachekey.Validate(key); err != nil {
		return err
	}

	stored := payload
	meta.Compressed = false
	if s.compressible(key) {
		stored = s.enc.EncodeAll(payload, nil)
		meta.Compressed = true
	}

	meta.UncompressedSize = int64(len(payload))
	meta.StoredSize = int64(len(stored))
	if meta.UploadedAt.IsZero() {
		meta.UploadedAt = time.Now().UTC()
	}

	if err := s.store.Put(ctx, key, stored); err != nil {
		return err
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "marshal metadata")
	}
	if err := s.store.Put(ctx, key+metaSuffix, metaBytes); err != nil {
		return err
	}

	s.mu.Lock()
	s.stats.Puts++
	s.mu.Unlock()

	logging.Component("cache").Debug("object stored",
		"key", key,
		"size", meta.StoredSize,
		"compressed", meta.Compressed)

	return nil
}

// Get returns the payload for key, or nil (without error) when the key is
// absent. Compressed payloads are decompressed transparently.
func (s *Service) Get(ctx context.Context, key string) ([]byte, error) {
	if err := cachekey.Validate(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.stats.Gets++
	s.mu.Unlock()

	stored, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.IsNotFound(err) {
			s.recordMiss()
			return nil, nil
		}
		return nil, err
	}

	meta, metaErr := s.Head(ctx, key)
	compressed := metaErr == nil && meta != nil && meta.Compressed

	var payload []byte
	if compressed {
		payload, err = s.dec.DecodeAll(stored, nil)
		if err != nil {
			return nil, errors.Wrap(err, "decompress object")
		}
	} else {
		payload = stored
	}

	s.mu.Lock()
	s.stats.Hits++
	s.mu.Unlock()

	return payload, nil
}

// Head returns an object's metadata without fetching the payload, or
// nil when the object or its sidecar is absent.
func (s *Service) Head(ctx context.Context, key string) (*Metadata, error) {
	if err := cachekey.Validate(key); err != nil {
		return nil, err
	}

	data, err := s.store.Get(ctx, key+metaSuffix)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(err, "unmarshal metadata")
	}
	return &meta, nil
}

// Exists reports whether an object is cached under key.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	if err := cachekey.Validate(key); err != nil {
		return false, err
	}
	return s.store.Exists(ctx, key)
}

// Delete removes an object and its metadata sidecar.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := cachekey.Validate(key); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	return s.store.Delete(ctx, key+metaSuffix)
}

// Entry is one object in a listing.
type Entry struct {
	Key      string
	Size     int64
	Modified time.Time
}

// List returns cached objects under prefix, metadata sidecars excluded.
func (s *Service) List(ctx context.Context, prefix string) ([]Entry, error) {
	objects, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(objects))
	for _, o := range objects {
		if strings.HasSuffix(o.Key, metaSuffix) {
			continue
		}
		entries = append(entries, Entry{
			Key:      o.Key,
			Size:     o.Size,
			Modified: o.Modified,
		})
	}
	return entries, nil
}

// PathFor resolves a validated key to a local path for in-place scans,
// or "" when the backing store is not local.
func (s *Service) PathFor(key string) string {
	if err := cachekey.Validate(key); err != nil {
		return ""
	}
	return s.store.Path(key)
}

// TierDir resolves a tier prefix to its local directory, for glob scans
// over an entire tier.
func (s *Service) TierDir(tier string) string {
	return s.store.Path(tier)
}

// ServiceStats returns running counters plus a fresh object/size census.
func (s *Service) ServiceStats(ctx context.Context) (Stats, error) {
	entries, err := s.List(ctx, "")
	if err != nil {
		return Stats{}, err
	}

	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()

	stats.TotalObjects = int64(len(entries))
	for _, e := range entries {
		stats.TotalSize += e.Size
	}
	return stats, nil
}

func (s *Service) recordMiss() {
	s.mu.Lock()
	s.stats.Misses++
	s.mu.Unlock()
}
