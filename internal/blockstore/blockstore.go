// Package blockstore keeps content blocks in leveldb behind a small LRU.
package blockstore

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"relaymesh/internal/crypto"
	"relaymesh/internal/proto"
)

const DefaultCacheSize = 256

var (
	ErrNotFound     = errors.New("block not found")
	ErrHashMismatch = errors.New("block hash mismatch")
)

var blockPrefix = []byte("b/")

type LevelStore struct {
	db    *leveldb.DB
	cache *lru.Cache[proto.Hash, []byte]
	log   *zap.Logger
}

func Open(path string, cacheSize int, log *zap.Logger) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open block store %s: %w", path, err)
	}
	return newStore(db, cacheSize, log)
}

// OpenMemory backs the store with in-memory leveldb storage.
func OpenMemory(cacheSize int, log *zap.Logger) (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory block store: %w", err)
	}
	return newStore(db, cacheSize, log)
}

func newStore(db *leveldb.DB, cacheSize int, log *zap.Logger) (*LevelStore, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := lru.New[proto.Hash, []byte](cacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LevelStore{db: db, cache: cache, log: log}, nil
}

func blockKey(h proto.Hash) []byte {
	k := make([]byte, 0, len(blockPrefix)+len(h))
	k = append(k, blockPrefix...)
	return append(k, h[:]...)
}

func (s *LevelStore) Contains(h proto.Hash) bool {
	if s.cache.Contains(h) {
		return true
	}
	ok, err := s.db.Has(blockKey(h), nil)
	if err != nil {
		s.log.Debug("block store has failed", zap.Stringer("hash", h), zap.Error(err))
		return false
	}
	return ok
}

func (s *LevelStore) Get(h proto.Hash) ([]byte, error) {
	if v, ok := s.cache.Get(h); ok {
		return v, nil
	}
	v, err := s.db.Get(blockKey(h), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get block %s: %w", h, err)
	}
	s.cache.Add(h, v)
	return v, nil
}

// Put stores value under h after checking that h is its content hash.
func (s *LevelStore) Put(h proto.Hash, value []byte) error {
	if proto.Hash(crypto.HashBlock(value)) != h {
		return ErrHashMismatch
	}
	if s.Contains(h) {
		return nil
	}
	if err := s.db.Put(blockKey(h), value, nil); err != nil {
		return fmt.Errorf("put block %s: %w", h, err)
	}
	s.cache.Add(h, value)
	return nil
}

// Except returns the hashes the store does not hold, in input order.
func (s *LevelStore) Except(hashes []proto.Hash) []proto.Hash {
	var out []proto.Hash
	for _, h := range hashes {
		if !s.Contains(h) {
			out = append(out, h)
		}
	}
	return out
}

// Intersect returns the hashes the store holds, in input order.
func (s *LevelStore) Intersect(hashes []proto.Hash) []proto.Hash {
	var out []proto.Hash
	for _, h := range hashes {
		if s.Contains(h) {
			out = append(out, h)
		}
	}
	return out
}

func (s *LevelStore) Hashes() []proto.Hash {
	it := s.db.NewIterator(util.BytesPrefix(blockPrefix), nil)
	defer it.Release()
	var out []proto.Hash
	for it.Next() {
		key := it.Key()
		if len(key) != len(blockPrefix)+proto.KeySize {
			continue
		}
		var h proto.Hash
		copy(h[:], key[len(blockPrefix):])
		out = append(out, h)
	}
	if err := it.Error(); err != nil {
		s.log.Debug("block store iterate failed", zap.Error(err))
	}
	return out
}

func (s *LevelStore) Close() error {
	s.cache.Purge()
	return s.db.Close()
}
