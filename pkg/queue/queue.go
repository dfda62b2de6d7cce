// Package queue defines the persistent, concurrency-safe FIFO primitive that
// endpoints hand messages through as a named interface, and provides
// FileQueue, a concrete filesystem-backed implementation so the rest of
// this module is runnable end to end.
//
// Items are opaque strings with no embedded newlines (the codec package
// guarantees this for every token this module ever enqueues). FIFO order is
// per-destination only; there is no cross-queue ordering guarantee.
package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/gan-ainm/toolbox/pkg/ipcerr"
)

// Queue is the external contract every endpoint queue satisfies. Timeout
// semantics on Get: negative waits indefinitely, zero is non-blocking,
// positive bounds the wait.
type Queue interface {
	Init(path string) error
	Destroy(path string) error
	Put(path, item string) error
	Get(path string, timeout time.Duration) (string, error)
	Foreach(path string, fn func(item string) error) error
}

const (
	itemsDirName = "items"
	lockFileName = ".lock"
	seqFileName  = "seq"
)

// FileQueue implements Queue over a plain directory: each item is a file
// named by a monotonic, zero-padded sequence number under <path>/items/.
// Put is an atomic write-then-rename; Get and Foreach are serialized
// against concurrent Get/Put from unrelated processes with an advisory
// flock, and Get blocks efficiently on an fsnotify watch of the items
// directory rather than busy-polling.
type FileQueue struct {
	index *IndexCache
}

// NewFileQueue returns a FileQueue. withIndexCache enables a small Badger
// index alongside each queue directory purely as a diagnostic depth cache
// (see IndexCache) — the filesystem directory remains the sole source of
// truth for Get/Foreach regardless.
func NewFileQueue(withIndexCache bool) *FileQueue {
	if !withIndexCache {
		return &FileQueue{}
	}
	return &FileQueue{index: &IndexCache{}}
}

// Init creates path and its items subdirectory.
func (q *FileQueue) Init(path string) error {
	if err := os.MkdirAll(filepath.Join(path, itemsDirName), 0o2770); err != nil {
		return fmt.Errorf("%w: init queue %q: %v", ipcerr.ErrIO, path, err)
	}
	return nil
}

// Destroy removes path and everything under it, including any index cache.
func (q *FileQueue) Destroy(path string) error {
	if q.index != nil {
		q.index.closeFor(path)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("%w: destroy queue %q: %v", ipcerr.ErrIO, path, err)
	}
	return nil
}

// Put appends item to the queue under path.
func (q *FileQueue) Put(path, item string) error {
	lock := flock.New(filepath.Join(path, lockFileName))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: locking queue %q: %v", ipcerr.ErrIO, path, err)
	}
	defer lock.Unlock()

	seq, err := nextSeq(path)
	if err != nil {
		return err
	}

	itemsDir := filepath.Join(path, itemsDirName)
	final := filepath.Join(itemsDir, seqName(seq))
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, []byte(item), 0o660); err != nil {
		return fmt.Errorf("%w: writing queue item: %v", ipcerr.ErrIO, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("%w: publishing queue item: %v", ipcerr.ErrIO, err)
	}

	if q.index != nil {
		q.index.record(path, seq)
	}

	return nil
}

// Get removes and returns the oldest item under path, blocking per the
// timeout semantics documented on Queue.
func (q *FileQueue) Get(path string, timeout time.Duration) (string, error) {
	if timeout == 0 {
		item, ok, err := q.tryDequeue(path)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w", ipcerr.ErrTimeout)
		}
		return item, nil
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	// The watcher is established once, before the first check, so a
	// change landing between "check" and "block" is still observed as a
	// buffered event rather than racing a freshly (re)created watcher.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("%w: watching queue directory: %v", ipcerr.ErrIO, err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Join(path, itemsDirName)); err != nil {
		return "", fmt.Errorf("%w: watching queue directory: %v", ipcerr.ErrIO, err)
	}

	for {
		item, ok, err := q.tryDequeue(path)
		if err != nil {
			return "", err
		}
		if ok {
			return item, nil
		}

		changed, err := waitOnWatcher(watcher, deadline, timeout < 0)
		if err != nil {
			return "", err
		}
		if !changed {
			return "", fmt.Errorf("%w", ipcerr.ErrTimeout)
		}
	}
}

// tryDequeue attempts a single, non-blocking pop of the oldest item.
func (q *FileQueue) tryDequeue(path string) (string, bool, error) {
	lock := flock.New(filepath.Join(path, lockFileName))
	if err := lock.Lock(); err != nil {
		return "", false, fmt.Errorf("%w: locking queue %q: %v", ipcerr.ErrIO, path, err)
	}
	defer lock.Unlock()

	names, err := sortedItemFiles(path)
	if err != nil {
		return "", false, err
	}
	if len(names) == 0 {
		return "", false, nil
	}

	itemsDir := filepath.Join(path, itemsDirName)
	full := filepath.Join(itemsDir, names[0])
	data, err := os.ReadFile(full)
	if err != nil {
		return "", false, fmt.Errorf("%w: reading queue item: %v", ipcerr.ErrIO, err)
	}
	if err := os.Remove(full); err != nil {
		return "", false, fmt.Errorf("%w: removing queue item: %v", ipcerr.ErrIO, err)
	}

	if q.index != nil {
		if seq, err := strconv.ParseUint(names[0], 10, 64); err == nil {
			q.index.forget(path, seq)
		}
	}

	return string(data), true, nil
}

// Foreach invokes fn over current queue contents in FIFO order without
// consuming them (peek semantics), delegating to the same flock discipline
// Get and Put use so a Foreach call never observes a torn write.
func (q *FileQueue) Foreach(path string, fn func(item string) error) error {
	lock := flock.New(filepath.Join(path, lockFileName))
	if err := lock.RLock(); err != nil {
		return fmt.Errorf("%w: locking queue %q: %v", ipcerr.ErrIO, path, err)
	}
	defer lock.Unlock()

	names, err := sortedItemFiles(path)
	if err != nil {
		return err
	}

	if q.index != nil {
		q.index.reconcile(path, names, names == nil)
	}

	itemsDir := filepath.Join(path, itemsDirName)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(itemsDir, name))
		if err != nil {
			// item was concurrently consumed between listing and read; skip it
			continue
		}
		if err := fn(string(data)); err != nil {
			return err
		}
	}
	return nil
}

func sortedItemFiles(path string) ([]string, error) {
	itemsDir := filepath.Join(path, itemsDirName)
	entries, err := os.ReadDir(itemsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: listing queue %q: %v", ipcerr.ErrIO, path, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func seqName(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// nextSeq reads, increments, and persists the queue's sequence counter.
// Callers must hold the queue's flock.
func nextSeq(path string) (uint64, error) {
	seqFile := filepath.Join(path, seqFileName)

	var current uint64
	if data, err := os.ReadFile(seqFile); err == nil {
		current, _ = strconv.ParseUint(string(data), 10, 64)
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: reading sequence counter: %v", ipcerr.ErrIO, err)
	}

	next := current + 1
	if err := os.WriteFile(seqFile, []byte(strconv.FormatUint(next, 10)), 0o660); err != nil {
		return 0, fmt.Errorf("%w: persisting sequence counter: %v", ipcerr.ErrIO, err)
	}
	return next, nil
}

// waitOnWatcher blocks on watcher until an event arrives, the deadline
// passes (when indefinite is false), or indefinitely when indefinite is
// true. It returns true if a change was observed before the deadline.
func waitOnWatcher(watcher *fsnotify.Watcher, deadline time.Time, indefinite bool) (bool, error) {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if !indefinite {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		timer = time.NewTimer(remaining)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case _, ok := <-watcher.Events:
		return ok, nil
	case <-watcher.Errors:
		return true, nil // re-check the directory regardless of watcher error
	case <-timeoutCh:
		return false, nil
	}
}
