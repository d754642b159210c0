package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/coldpoint/tierstore/internal/errors"
)

// Key layout inside the job database:
//
//	row/{job_id}                         -> JSON job row
//	idx/{priority:016x}/{created_ns:020d}/{job_id} -> empty
//
// The idx/ keyspace exists only for rows in status queued. Because Badger
// iterates keys in lexicographic order, a forward scan over idx/ yields
// jobs by priority ascending, then FIFO by creation time, with no
// secondary sort in code.
const (
	rowPrefix = "row/"
	idxPrefix = "idx/"
)

// Store is the durable job table.
type Store struct {
	db *badger.DB
}

// StoreOptions configures the job table.
type StoreOptions struct {
	Path     string
	InMemory bool
}

// OpenStore opens the durable job table.
func OpenStore(opts StoreOptions) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Path).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "open job store")
	}
	return &Store{db: db}, nil
}

// Close releases the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func rowKey(jobID string) []byte {
	return []byte(rowPrefix + jobID)
}

// idxPriority renders a priority so lexicographic key order matches
// numeric order across the whole int range. Flipping the sign bit maps
// int64 onto uint64 order-preservingly; fixed-width hex keeps the
// lexicographic comparison aligned with it.
func idxPriority(p int) string {
	return fmt.Sprintf("%016x", uint64(int64(p))^(1<<63))
}

func idxKey(j *Job) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s",
		idxPrefix, idxPriority(j.Priority), j.CreatedAt.UTC().UnixNano(), j.ID))
}

// Put writes a job row, maintaining the dequeue index: the row gains an
// index entry while queued and loses it in any other status.
func (s *Store) Put(ctx context.Context, j *Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(rowKey(j.ID), data); err != nil {
			return err
		}

		if j.Status == StatusQueued {
			return txn.Set(idxKey(j), nil)
		}
		return txn.Delete(idxKey(j))
	})
}

// Get returns a job row, or (nil, nil) when absent - a missing job is a
// query result, not an error.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var j *Job
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rowKey(jobID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var job Job
			if err := json.Unmarshal(val, &job); err != nil {
				return errors.Wrap(err, "unmarshal job")
			}
			j = &job
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return j, nil
}

// Delete permanently removes a job row and its index entry.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return errors.Wrap(errors.ErrJobNotFound, jobID)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(idxKey(j)); err != nil {
			return err
		}
		return txn.Delete(rowKey(jobID))
	})
}

// NextQueued returns the first job in dequeue order (priority ascending,
// then FIFO), or nil when the queue is empty.
func (s *Store) NextQueued(ctx context.Context) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var jobID string
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = []byte(idxPrefix)
		iopts.PrefetchValues = false

		it := txn.NewIterator(iopts)
		defer it.Close()

		it.Seek([]byte(idxPrefix))
		if !it.ValidForPrefix([]byte(idxPrefix)) {
			return nil
		}

		// idx/{priority}/{created}/{job_id}
		key := string(it.Item().Key())
		if idx := lastSlash(key); idx >= 0 {
			jobID = key[idx+1:]
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan queue index")
	}
	if jobID == "" {
		return nil, nil
	}

	return s.Get(ctx, jobID)
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// List returns all job rows, optionally filtered by status, newest first.
func (s *Store) List(ctx context.Context, status Status) ([]*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []*Job
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = []byte(rowPrefix)

		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Seek([]byte(rowPrefix)); it.ValidForPrefix([]byte(rowPrefix)); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var j Job
				if err := json.Unmarshal(val, &j); err != nil {
					return errors.Wrap(err, "unmarshal job")
				}
				if status == "" || j.Status == status {
					all = append(all, &j)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}

	// Newest first for operator listings.
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	return all, nil
}

// UpdateStatus loads a job, applies a transition plus a mutation, and
// writes it back. The mutation runs after the transition so it can set
// completion fields.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, to Status, mutate func(*Job)) (*Job, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, errors.Wrap(errors.ErrJobNotFound, jobID)
	}

	// Index entries encode (priority, created_at); capture the old key in
	// case the transition moves the row out of the queued keyspace.
	oldIdx := idxKey(j)

	if err := j.Transition(to, time.Now().UTC()); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(j)
	}

	data, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "marshal job")
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(rowKey(j.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(oldIdx); err != nil {
			return err
		}
		if j.Status == StatusQueued {
			return txn.Set(idxKey(j), nil)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "update job")
	}

	return j, nil
}
