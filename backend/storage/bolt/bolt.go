package bolt

import (
	"Inkwell/backend/storage"
	"Inkwell/backend/types"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var (
	snapshotKey   = []byte("snapshot")
	entriesBucket = []byte("entries")
)

// NewStorage opens, or creates, the database at path. Every document gets
// its own top-level bucket holding the latest snapshot and an entries bucket.
func NewStorage(path string) (*Storage, error) {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return nil, xerrors.Errorf("failed to create storage directory: %v", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("failed to open %s: %v", path, err)
	}

	return &Storage{db: db}, nil
}

// Storage implements a persistent storage on top of bbolt.
//
// - implements storage.Storage
type Storage struct {
	db *bolt.DB
}

var _ storage.Storage = (*Storage)(nil)

// PutEntry implements storage.Storage
func (s *Storage) PutEntry(doc string, e types.LogEntry) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return xerrors.Errorf("failed to marshal entry %s: %v", e.ID(), err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := entries(tx, doc)
		if err != nil {
			return err
		}
		return b.Put(entryKey(e.ID()), buf)
	})
}

// Compact implements storage.Storage
func (s *Storage) Compact(doc string, snap types.Snapshot) error {
	buf, err := json.Marshal(snap)
	if err != nil {
		return xerrors.Errorf("failed to marshal snapshot: %v", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := entries(tx, doc)
		if err != nil {
			return err
		}

		// keys are collected first, deleting while iterating skips keys
		var covered [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			id, err := parseKey(k)
			if err != nil {
				return err
			}
			if snap.Frontier.Covers(id) {
				covered = append(covered, append([]byte(nil), k...))
			}
		}
		for _, k := range covered {
			err = b.Delete(k)
			if err != nil {
				return xerrors.Errorf("failed to delete entry: %v", err)
			}
		}

		return tx.Bucket([]byte(doc)).Put(snapshotKey, buf)
	})
}

// Load implements storage.Storage
func (s *Storage) Load(doc string) (*types.Snapshot, []types.LogEntry, error) {
	var snap *types.Snapshot
	var res []types.LogEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(doc))
		if root == nil {
			return nil
		}

		if buf := root.Get(snapshotKey); buf != nil {
			snap = &types.Snapshot{}
			err := json.Unmarshal(buf, snap)
			if err != nil {
				return xerrors.Errorf("failed to unmarshal snapshot: %v", err)
			}
		}

		b := root.Bucket(entriesBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e types.LogEntry
			err := json.Unmarshal(v, &e)
			if err != nil {
				return xerrors.Errorf("failed to unmarshal entry: %v", err)
			}
			res = append(res, e)
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}

	return snap, res, nil
}

// Documents implements storage.Storage
func (s *Storage) Documents() ([]string, error) {
	var docs []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			docs = append(docs, string(name))
			return nil
		})
	})
	return docs, err
}

// Close implements storage.Storage
func (s *Storage) Close() error {
	return s.db.Close()
}

func entries(tx *bolt.Tx, doc string) (*bolt.Bucket, error) {
	root, err := tx.CreateBucketIfNotExists([]byte(doc))
	if err != nil {
		return nil, xerrors.Errorf("failed to create bucket %s: %v", doc, err)
	}
	b, err := root.CreateBucketIfNotExists(entriesBucket)
	if err != nil {
		return nil, xerrors.Errorf("failed to create entries bucket: %v", err)
	}
	return b, nil
}

// entryKey is the author, a zero byte and the big endian sequence number, so
// that keys sort by (author, seq).
func entryKey(id types.EntryID) []byte {
	key := make([]byte, 0, len(id.Author)+9)
	key = append(key, id.Author...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, id.Seq)
}

func parseKey(key []byte) (types.EntryID, error) {
	if len(key) < 9 || key[len(key)-9] != 0 {
		return types.EntryID{}, xerrors.Errorf("invalid entry key %x", key)
	}
	return types.EntryID{
		Author: string(key[:len(key)-9]),
		Seq:    binary.BigEndian.Uint64(key[len(key)-8:]),
	}, nil
}
