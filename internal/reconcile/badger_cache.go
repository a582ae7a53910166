package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const snapshotPrefix = "snapshot:"

type cachedSnapshot struct {
	SavedAt  time.Time `json:"savedAt"`
	Snapshot *Snapshot `json:"snapshot"`
}

// BadgerCache 本地持久化的账户快照，按用户一条
type BadgerCache struct {
	db *badger.DB
}

// OpenBadgerCache opens the cache at path; an empty path keeps it in memory.
func OpenBadgerCache(path string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if strings.TrimSpace(path) == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerCache{db: db}, nil
}

func (c *BadgerCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *BadgerCache) Load(ctx context.Context, userID string) (*Snapshot, error) {
	var out *Snapshot
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotPrefix + userID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var cs cachedSnapshot
			if err := json.Unmarshal(val, &cs); err != nil {
				return err
			}
			out = cs.Snapshot
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		out.ensure()
	}
	return out, nil
}

func (c *BadgerCache) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.UserID == "" {
		return errors.New("reconcile: snapshot without user")
	}
	body, err := json.Marshal(cachedSnapshot{SavedAt: time.Now(), Snapshot: snap})
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotPrefix+snap.UserID), body)
	})
}
