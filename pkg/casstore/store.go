// Copyright 2025 Certen Protocol
//
// Casstore wraps a CometBFT dbm.DB as a content-addressed blob store, with
// an LRU read-through cache in front of it so repeated reads of hot CIDs
// (manifests, policy cascades, recent receipts) don't round-trip storage.

package casstore

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ubl-network/ubl-gate/pkg/cid"
)

// Store is a content-addressed blob store: Put computes the CID, Get looks
// up by it. It implements vm.CasProvider.
type Store struct {
	db    dbm.DB
	cache *lru.Cache[string, []byte]
}

// Open creates or opens a blob store under dataDir. kind selects the
// backend: "memdb" for an in-process store (tests, single-node dev), or
// "goleveldb" for a durable on-disk store.
func Open(dataDir, kind string, cacheSize int) (*Store, error) {
	var db dbm.DB
	var err error
	switch kind {
	case "memdb":
		db = dbm.NewMemDB()
	case "goleveldb":
		db, err = dbm.NewGoLevelDB("ubl-blobs", dataDir)
		if err != nil {
			return nil, fmt.Errorf("casstore: open goleveldb: %w", err)
		}
	default:
		return nil, fmt.Errorf("casstore: unknown backend kind %q", kind)
	}

	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("casstore: create lru cache: %w", err)
	}

	return &Store{db: db, cache: cache}, nil
}

// Get returns the blob stored under cidStr, or ok=false if it is absent.
func (s *Store) Get(cidStr string) ([]byte, bool, error) {
	if v, ok := s.cache.Get(cidStr); ok {
		return v, true, nil
	}
	v, err := s.db.Get([]byte(cidStr))
	if err != nil {
		return nil, false, fmt.Errorf("casstore: get %s: %w", cidStr, err)
	}
	if v == nil {
		return nil, false, nil
	}
	s.cache.Add(cidStr, v)
	return v, true, nil
}

// Put stores data under its content identifier and returns that CID. Put is
// idempotent: storing the same bytes twice returns the same CID and is a
// cheap no-op the second time.
func (s *Store) Put(data []byte) (string, error) {
	c := cid.Of(data)
	if _, ok := s.cache.Get(c); ok {
		return c, nil
	}
	if existing, err := s.db.Get([]byte(c)); err == nil && existing != nil {
		s.cache.Add(c, existing)
		return c, nil
	}
	if err := s.db.SetSync([]byte(c), data); err != nil {
		return "", fmt.Errorf("casstore: put %s: %w", c, err)
	}
	s.cache.Add(c, data)
	return c, nil
}

// idxPrefix separates explicit-key index entries from the content-addressed
// keyspace, so an index key can never collide with a cid.
const idxPrefix = "idx:"

// SetKeyed stores data under an explicit key rather than its content hash —
// used for index entries such as receipts-by-body_cid, where the lookup key
// is chosen by the caller. Re-inserting under the same key overwrites.
func (s *Store) SetKeyed(key string, data []byte) error {
	if err := s.db.SetSync([]byte(idxPrefix+key), data); err != nil {
		return fmt.Errorf("casstore: set %s: %w", key, err)
	}
	s.cache.Add(idxPrefix+key, data)
	return nil
}

// GetKeyed returns the entry stored under an explicit key via SetKeyed.
func (s *Store) GetKeyed(key string) ([]byte, bool, error) {
	if v, ok := s.cache.Get(idxPrefix + key); ok {
		return v, true, nil
	}
	v, err := s.db.Get([]byte(idxPrefix + key))
	if err != nil {
		return nil, false, fmt.Errorf("casstore: get %s: %w", key, err)
	}
	if v == nil {
		return nil, false, nil
	}
	s.cache.Add(idxPrefix+key, v)
	return v, true, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
