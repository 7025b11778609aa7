// Package store persists dBFT state in LevelDB.
//
// A Store keeps the latest consensus snapshot (for crash recovery of a
// validator that already sent its commit) and the hashes of committed
// blocks by height.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/edgedlt/dbft"
)

// ErrBlockNotFound is returned when no block is stored at a height.
var ErrBlockNotFound = errors.New("block not found")

var (
	snapshotKey = []byte("snapshot")
	blockPrefix = []byte("block/")
)

// Store is a goleveldb-backed dbft.Store.
type Store struct {
	db *leveldb.DB
}

var _ dbft.Store = (*Store)(nil)

// Open opens or creates the database in dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// NewMemory creates a Store on in-memory storage. Nothing survives Close.
func NewMemory() *Store {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		// Memory storage cannot be locked or corrupted.
		panic(fmt.Sprintf("open memory leveldb: %v", err))
	}
	return &Store{db: db}
}

// SaveSnapshot replaces the stored snapshot. The write is synced.
func (s *Store) SaveSnapshot(snap *dbft.Snapshot) error {
	if err := s.db.Put(snapshotKey, snap.Bytes(), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot or dbft.ErrSnapshotNotFound.
func (s *Store) LoadSnapshot() (*dbft.Snapshot, error) {
	data, err := s.db.Get(snapshotKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, dbft.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return dbft.SnapshotFromBytes(data)
}

// PutBlock records the hash committed at height and drops the snapshot,
// which only matters for the round in progress.
func (s *Store) PutBlock(height uint32, hash dbft.Hash) error {
	batch := new(leveldb.Batch)
	batch.Put(blockKey(height), hash[:])
	batch.Delete(snapshotKey)
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("put block %d: %w", height, err)
	}
	return nil
}

// BlockHash returns the hash committed at height.
func (s *Store) BlockHash(height uint32) (dbft.Hash, error) {
	var h dbft.Hash
	data, err := s.db.Get(blockKey(height), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return h, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	if err != nil {
		return h, err
	}
	if len(data) != len(h) {
		return h, fmt.Errorf("block %d: corrupt hash of %d bytes", height, len(data))
	}
	copy(h[:], data)
	return h, nil
}

// Head returns the highest stored height and its hash. ok is false when no
// block has been stored.
func (s *Store) Head() (height uint32, hash dbft.Hash, ok bool, err error) {
	iter := s.db.NewIterator(util.BytesPrefix(blockPrefix), nil)
	defer iter.Release()

	if iter.Last() {
		height = binary.BigEndian.Uint32(iter.Key()[len(blockPrefix):])
		copy(hash[:], iter.Value())
		ok = true
	}
	return height, hash, ok, iter.Error()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Heights sort in key order.
func blockKey(height uint32) []byte {
	key := make([]byte, len(blockPrefix)+4)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint32(key[len(blockPrefix):], height)
	return key
}
