package hotstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/logging"
	"github.com/coldpoint/tierstore/internal/storage/types"
)

// samplePrefix namespaces sample keys inside the database.
const samplePrefix = 's'

// BadgerStore is the embedded hot tier.
type BadgerStore struct {
	db *badger.DB
}

// BadgerOptions configures the embedded hot store.
type BadgerOptions struct {
	// Path is the database directory.
	Path string

	// InMemory runs without files (tests).
	InMemory bool
}

// OpenBadger opens the embedded hot store.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(opts.Path).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "open hot store")
	}

	return &BadgerStore{db: db}, nil
}

// Close releases the store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// sampleKey builds the key for one sample:
// 's' 0x00 site 0x00 point 0x00 ts(8, big endian).
// Names never contain NUL (validation rejects control characters), and the
// big-endian timestamp keeps each series sorted by time.
func sampleKey(site, point string, tsMs int64) []byte {
	key := make([]byte, 0, len(site)+len(point)+12)
	key = append(key, samplePrefix, 0)
	key = append(key, site...)
	key = append(key, 0)
	key = append(key, point...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, uint64(tsMs))
	return key
}

// seriesPrefix builds the common prefix of one (site, point) series.
func seriesPrefix(site, point string) []byte {
	key := make([]byte, 0, len(site)+len(point)+4)
	key = append(key, samplePrefix, 0)
	key = append(key, site...)
	key = append(key, 0)
	key = append(key, point...)
	key = append(key, 0)
	return key
}

// sitePrefix builds the common prefix of all of a site's series.
func sitePrefix(site string) []byte {
	key := make([]byte, 0, len(site)+3)
	key = append(key, samplePrefix, 0)
	key = append(key, site...)
	key = append(key, 0)
	return key
}

// encodeValue packs value bits plus the optional unit string.
func encodeValue(s *types.Sample) []byte {
	buf := make([]byte, 8, 8+len(s.Unit))
	binary.BigEndian.PutUint64(buf, math.Float64bits(s.Value))
	return append(buf, s.Unit...)
}

// decodeValue unpacks a stored value.
func decodeValue(data []byte, s *types.Sample) error {
	if len(data) < 8 {
		return errors.Wrap(errors.ErrStorage, "short sample value")
	}
	s.Value = math.Float64frombits(binary.BigEndian.Uint64(data[:8]))
	s.Unit = string(data[8:])
	return nil
}

// UpsertBatch writes samples, last writer wins per (site, point, timestamp).
func (s *BadgerStore) UpsertBatch(ctx context.Context, samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range samples {
		sm := &samples[i]
		if !sm.IsValid() {
			return errors.Wrapf(errors.ErrMissingField,
				"sample %d (%s/%s) is incomplete or non-finite", i, sm.SiteName, sm.PointName)
		}

		key := sampleKey(sm.SiteName, sm.PointName, sm.TimestampMs)
		if err := wb.Set(key, encodeValue(sm)); err != nil {
			return errors.Wrap(err, "batch sample")
		}
	}

	if err := wb.Flush(); err != nil {
		return errors.Wrap(err, "flush sample batch")
	}
	return nil
}

// QueryRange returns samples for the given points within [tr.Start, tr.End],
// per point in ascending timestamp order.
func (s *BadgerStore) QueryRange(ctx context.Context, site string, points []string, tr types.TimeRange) ([]types.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	startMs := tr.Start.UnixMilli()
	endMs := tr.End.UnixMilli()

	var results []types.Sample

	err := s.db.View(func(txn *badger.Txn) error {
		for _, point := range points {
			if err := ctx.Err(); err != nil {
				return err
			}

			prefix := seriesPrefix(site, point)
			seek := sampleKey(site, point, startMs)

			iopts := badger.DefaultIteratorOptions
			iopts.Prefix = prefix

			it := txn.NewIterator(iopts)
			for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				key := item.Key()

				tsMs := int64(binary.BigEndian.Uint64(key[len(key)-8:]))
				if tsMs > endMs {
					break
				}

				sample := types.Sample{
					SiteName:    site,
					PointName:   point,
					TimestampMs: tsMs,
				}
				err := item.Value(func(val []byte) error {
					return decodeValue(val, &sample)
				})
				if err != nil {
					it.Close()
					return err
				}

				results = append(results, sample)
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "query hot range")
	}

	return results, nil
}

// DeleteBefore removes a site's samples older than the cutoff.
func (s *BadgerStore) DeleteBefore(ctx context.Context, site string, cutoffMs int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	prefix := sitePrefix(site)
	var deleted int64

	// Collect then delete in batches; Badger iterators cannot outlive a
	// write transaction that touched the same keys.
	var doomed [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		iopts.PrefetchValues = false

		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			if len(key) < 8 {
				continue
			}
			tsMs := int64(binary.BigEndian.Uint64(key[len(key)-8:]))
			if tsMs < cutoffMs {
				doomed = append(doomed, bytes.Clone(key))
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "scan for expired samples")
	}

	if len(doomed) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range doomed {
		if err := wb.Delete(key); err != nil {
			return deleted, errors.Wrap(err, "delete expired sample")
		}
		deleted++
	}
	if err := wb.Flush(); err != nil {
		return 0, errors.Wrap(err, "flush deletes")
	}

	logging.Component("hotstore").Debug("expired samples removed",
		"site", site, "count", deleted)

	return deleted, nil
}

// Sites returns the distinct site names present in the hot tier.
func (s *BadgerStore) Sites(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sites []string
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte{samplePrefix, 0}

		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		iopts.PrefetchValues = false

		it := txn.NewIterator(iopts)
		defer it.Close()

		seek := prefix
		for it.Seek(seek); it.ValidForPrefix(prefix); {
			key := it.Item().Key()
			end := bytes.IndexByte(key[2:], 0)
			if end < 0 {
				it.Next()
				continue
			}
			site := string(key[2 : 2+end])
			sites = append(sites, site)

			// Skip the rest of this site's key range.
			seek = append(bytes.Clone(sitePrefix(site)), 0xff)
			it.Seek(seek)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan sites")
	}
	return sites, nil
}

// ScanBefore returns all of a site's samples older than the cutoff, in key
// order. The archiver uses this to build the cold-tier file before
// DeleteBefore removes the originals.
func (s *BadgerStore) ScanBefore(ctx context.Context, site string, cutoffMs int64) ([]types.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := sitePrefix(site)
	var results []types.Sample

	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix

		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) < 8 {
				continue
			}
			tsMs := int64(binary.BigEndian.Uint64(key[len(key)-8:]))
			if tsMs >= cutoffMs {
				continue
			}

			pointStart := 2 + len(site) + 1
			pointEnd := len(key) - 9
			if pointEnd <= pointStart {
				continue
			}

			sample := types.Sample{
				SiteName:    site,
				PointName:   string(key[pointStart:pointEnd]),
				TimestampMs: tsMs,
			}
			err := item.Value(func(val []byte) error {
				return decodeValue(val, &sample)
			})
			if err != nil {
				return err
			}
			results = append(results, sample)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan expired samples")
	}
	return results, nil
}
