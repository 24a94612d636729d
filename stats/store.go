package stats

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/calluna-db/gbptree"
	"github.com/calluna-db/gbptree/internal/shardmap"
)

const cacheShards = 16

// Store keeps statistics samples for indexes, addressed by index id.
// Reads and updates are served from an in-memory cache and are safe for
// concurrent use; Checkpoint rewrites the backing tree from the cache
// and makes it durable. Between checkpoints the file trails the cache.
type Store struct {
	tree   *gbptree.Tree[int64, Statistics]
	cache  *shardmap.Map[int64, Statistics]
	logger *zap.Logger
}

// Open opens or creates a statistics store at path and loads every
// stored sample into the cache. A nil logger disables logging. Extra
// tree options are passed through.
func Open(path string, logger *zap.Logger, opts ...gbptree.Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]gbptree.Option{gbptree.WithLogger(logger)}, opts...)
	tree, err := gbptree.Open[int64, Statistics](path, Layout{}, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "open statistics store")
	}
	s := &Store{
		tree:   tree,
		cache:  shardmap.New[int64, Statistics](cacheShards, hashIndexID),
		logger: logger,
	}
	if err := s.load(); err != nil {
		tree.Close()
		return nil, errors.Wrap(err, "load statistics store")
	}
	logger.Info("opened statistics store",
		zap.String("path", path),
		zap.Int("indexes", s.cache.Len()))
	return s, nil
}

// hashIndexID spreads sequential index ids across cache shards.
func hashIndexID(id int64) uint64 {
	return uint64(id) * 0x9E3779B97F4A7C15
}

func (s *Store) load() error {
	it, err := s.tree.SeekAll()
	if err != nil {
		return err
	}
	for it.Next() {
		s.cache.Set(it.Key(), it.Value())
	}
	return it.Err()
}

// IndexSample returns the sample for indexID, or Empty when none is
// recorded.
func (s *Store) IndexSample(indexID int64) Statistics {
	if v, ok := s.cache.Get(indexID); ok {
		return v
	}
	return Empty
}

// ReplaceStats records stats as the sample for indexID.
func (s *Store) ReplaceStats(indexID int64, stats Statistics) {
	s.cache.Set(indexID, stats)
}

// IncrementIndexUpdates adds delta to the update counter of indexID.
// Indexes without a recorded sample are left alone, so counting starts
// only once ReplaceStats has seen the index.
func (s *Store) IncrementIndexUpdates(indexID, delta int64) {
	s.cache.UpdatePresent(indexID, func(v Statistics) Statistics {
		v.UpdatesCount += delta
		return v
	})
}

// RemoveIndex drops the sample for indexID. The file entry goes away at
// the next checkpoint.
func (s *Store) RemoveIndex(indexID int64) {
	s.cache.Del(indexID)
}

// Visit calls fn for every recorded index in no particular order.
// Returning false stops the visit. Concurrent updates may or may not be
// observed.
func (s *Store) Visit(fn func(indexID int64, stats Statistics) bool) {
	s.cache.Do(fn)
}

// Len returns the number of indexes with recorded statistics.
func (s *Store) Len() int {
	return s.cache.Len()
}

// Checkpoint rewrites the tree from the cache and checkpoints it. On a
// read-only store it does nothing.
func (s *Store) Checkpoint() error {
	if s.tree.ReadOnly() {
		return nil
	}
	// Collect the stored ids first; entries the cache no longer has
	// must go so removed indexes do not resurface on restart.
	var stored []int64
	it, err := s.tree.SeekAll()
	if err != nil {
		return errors.Wrap(err, "statistics checkpoint")
	}
	for it.Next() {
		stored = append(stored, it.Key())
	}
	if err := it.Err(); err != nil {
		return errors.Wrap(err, "statistics checkpoint")
	}

	w, err := s.tree.Writer()
	if err != nil {
		return errors.Wrap(err, "statistics checkpoint")
	}
	for _, id := range stored {
		if _, _, err := w.Remove(id); err != nil {
			w.Close()
			return errors.Wrap(err, "statistics checkpoint")
		}
	}
	var writeErr error
	s.cache.Do(func(id int64, stats Statistics) bool {
		if err := w.Put(id, stats); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	if err := w.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		return errors.Wrap(writeErr, "statistics checkpoint")
	}
	if err := s.tree.Checkpoint(); err != nil {
		return errors.Wrap(err, "statistics checkpoint")
	}
	s.logger.Debug("statistics checkpoint", zap.Int("indexes", s.cache.Len()))
	return nil
}

// ConsistencyCheck runs the tree consistency check on the backing file.
func (s *Store) ConsistencyCheck(visitor gbptree.ConsistencyVisitor, numThreads int) error {
	return s.tree.ConsistencyCheck(visitor, numThreads)
}

// Close checkpoints the store and closes the backing tree.
func (s *Store) Close() error {
	err := s.Checkpoint()
	if cerr := s.tree.Close(); err == nil {
		err = cerr
	}
	s.logger.Info("closed statistics store", zap.String("path", s.tree.Path()))
	return err
}
