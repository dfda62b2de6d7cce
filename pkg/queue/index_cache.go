package queue

import (
	"encoding/binary"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/gan-ainm/toolbox/internal/logging"
)

// IndexCache is an optional, purely diagnostic Badger-backed index of the
// sequence numbers currently enqueued per queue directory. It exists only
// to let Foreach flag a depth mismatch against the filesystem without a
// second readdir on a hot path; the filesystem directory remains the sole
// source of truth — a process with no IndexCache attached still sees every
// item correctly via plain readdir. Modeled on omni's
// internal/storage.BadgerStore open/close idiom.
type IndexCache struct {
	mu  sync.Mutex
	dbs map[string]*badger.DB
	log logging.Logger
}

func (c *IndexCache) dbFor(path string) *badger.DB {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dbs == nil {
		c.dbs = make(map[string]*badger.DB)
	}
	if db, ok := c.dbs[path]; ok {
		return db
	}

	opts := badger.DefaultOptions(filepath.Join(path, ".idx")).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		// The cache is advisory; failing to open it degrades silently to
		// "always readdir" rather than failing the queue operation.
		if c.log != nil {
			c.log.Warn("queue index cache unavailable for %s: %v", path, err)
		}
		return nil
	}
	c.dbs[path] = db
	return db
}

func (c *IndexCache) record(path string, seq uint64) {
	db := c.dbFor(path)
	if db == nil {
		return
	}
	_ = db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqKey(seq), nil)
	})
}

func (c *IndexCache) forget(path string, seq uint64) {
	db := c.dbFor(path)
	if db == nil {
		return
	}
	_ = db.Update(func(txn *badger.Txn) error {
		return txn.Delete(seqKey(seq))
	})
}

// reconcile compares the cache's recorded depth against the authoritative
// filesystem listing and logs a warning on mismatch; it never changes what
// Foreach returns to its caller.
func (c *IndexCache) reconcile(path string, authoritativeNames []string, empty bool) {
	db := c.dbFor(path)
	if db == nil {
		return
	}

	count := 0
	_ = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})

	if count != len(authoritativeNames) && c.log != nil {
		c.log.Warn("queue index cache depth %d disagrees with filesystem depth %d for %s", count, len(authoritativeNames), path)
	}
}

func (c *IndexCache) closeFor(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dbs == nil {
		return
	}
	if db, ok := c.dbs[path]; ok {
		_ = db.Close()
		delete(c.dbs, path)
	}
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
