package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gan-ainm/toolbox/pkg/ipcerr"
)

func TestFileQueueFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q")
	q := NewFileQueue(false)
	require.NoError(t, q.Init(path))

	require.NoError(t, q.Put(path, "first"))
	require.NoError(t, q.Put(path, "second"))
	require.NoError(t, q.Put(path, "third"))

	for _, want := range []string{"first", "second", "third"} {
		got, err := q.Get(path, 0)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestFileQueueNonBlockingTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q")
	q := NewFileQueue(false)
	require.NoError(t, q.Init(path))

	_, err := q.Get(path, 0)
	require.ErrorIs(t, err, ipcerr.ErrTimeout)
}

func TestFileQueueBoundedTimeoutDeliversLateArrival(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q")
	q := NewFileQueue(false)
	require.NoError(t, q.Init(path))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = q.Put(path, "late")
	}()

	got, err := q.Get(path, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "late", got)
}

func TestFileQueueForeachIsNonConsuming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q")
	q := NewFileQueue(false)
	require.NoError(t, q.Init(path))
	require.NoError(t, q.Put(path, "a"))
	require.NoError(t, q.Put(path, "b"))

	var seen []string
	require.NoError(t, q.Foreach(path, func(item string) error {
		seen = append(seen, item)
		return nil
	}))
	require.Equal(t, []string{"a", "b"}, seen)

	// Foreach must not have consumed anything.
	got, err := q.Get(path, 0)
	require.NoError(t, err)
	require.Equal(t, "a", got)
}

func TestFileQueueDestroy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q")
	q := NewFileQueue(true)
	require.NoError(t, q.Init(path))
	require.NoError(t, q.Put(path, "x"))
	require.NoError(t, q.Destroy(path))

	_, err := q.Get(path, 0)
	require.ErrorIs(t, err, ipcerr.ErrIO)
}
