package hotstore

import (
	"context"
	"encoding/json"

	"github.com/dgraph-io/badger/v4"

	"github.com/coldpoint/tierstore/internal/errors"
	"github.com/coldpoint/tierstore/internal/storage/types"
)

// registryPrefix namespaces point-registry keys inside the database.
const registryPrefix = 'p'

// Registry tracks the known points per site. The ingest path upserts an
// entry the first time a point name is seen so queries can enrich results
// with display metadata.
type Registry interface {
	UpsertPoints(ctx context.Context, points []types.Point) error
	Points(ctx context.Context, site string) ([]types.Point, error)
}

func registryKey(site, name string) []byte {
	key := make([]byte, 0, 2+len(site)+1+len(name))
	key = append(key, registryPrefix, 0)
	key = append(key, site...)
	key = append(key, 0)
	key = append(key, name...)
	return key
}

func registrySitePrefix(site string) []byte {
	key := make([]byte, 0, 2+len(site)+1)
	key = append(key, registryPrefix, 0)
	key = append(key, site...)
	key = append(key, 0)
	return key
}

// UpsertPoints writes registry entries, last writer wins per (site, name).
func (s *BadgerStore) UpsertPoints(ctx context.Context, points []types.Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range points {
		p := &points[i]
		if p.SiteName == "" || p.Name == "" {
			return errors.Wrapf(errors.ErrMissingField, "point %d lacks site or name", i)
		}

		data, err := json.Marshal(p)
		if err != nil {
			return errors.Wrap(err, "marshal point")
		}
		if err := wb.Set(registryKey(p.SiteName, p.Name), data); err != nil {
			return errors.Wrap(err, "batch point")
		}
	}

	if err := wb.Flush(); err != nil {
		return errors.Wrap(err, "flush point batch")
	}
	return nil
}

// Points returns a site's registry entries in name order.
func (s *BadgerStore) Points(ctx context.Context, site string) ([]types.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := registrySitePrefix(site)
	var points []types.Point

	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix

		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var p types.Point
				if err := json.Unmarshal(val, &p); err != nil {
					return errors.Wrap(err, "unmarshal point")
				}
				points = append(points, p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list points")
	}
	return points, nil
}
