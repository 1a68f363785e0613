package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jup-ag/clone-protocol/oracle"
	"github.com/jup-ag/clone-protocol/positions"
	"github.com/jup-ag/clone-protocol/registry"
)

var (
	stateBucket = []byte("state")
	snapshotKey = []byte("snapshot")
)

// Snapshot is the full protocol state written after each committed
// action. Actions are atomic, so the snapshot is always internally
// consistent.
type Snapshot struct {
	Slot         uint64                        `json:"slot"`
	EventCounter uint64                        `json:"eventCounter"`
	Pools        []registry.Pool               `json:"pools"`
	Collaterals  []registry.Collateral         `json:"collaterals"`
	Readings     []oracle.Reading              `json:"readings"`
	Accounts     map[string]*positions.Account `json:"accounts"`
}

// SnapshotStore persists snapshots in a bbolt file. Each save replaces
// the previous snapshot in one write transaction.
type SnapshotStore struct {
	db *bolt.DB
}

// OpenSnapshotStore creates or opens the snapshot file.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open snapshot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SnapshotStore{db: db}, nil
}

// Save writes the snapshot in a single transaction.
func (s *SnapshotStore) Save(snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("storage: encode snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(snapshotKey, raw)
	})
}

// Load reads the stored snapshot. The second return is false when no
// snapshot has been written yet.
func (s *SnapshotStore) Load() (*Snapshot, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(stateBucket).Get(snapshotKey); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	snap := new(Snapshot)
	if err := json.Unmarshal(raw, snap); err != nil {
		return nil, false, fmt.Errorf("storage: decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Close closes the underlying file.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
