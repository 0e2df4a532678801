package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/docwire/docstore"
	"github.com/go-playground/assert/v2"
)

func TestStoreReadWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := Open(ctx, filepath.Join(t.TempDir(), "docs.db"))
	assert.Equal(t, nil, err)
	defer store.Close()

	key := docstore.NewDocumentKey("users", "u1")

	_, err = store.Read(ctx, key)
	assert.Equal(t, true, errors.Is(err, docstore.ErrNotFound))

	written, err := store.Write(ctx, key, docstore.Document{"name": "ann", "age": 5})
	assert.Equal(t, nil, err)
	// numbers canonicalize to float64
	assert.Equal(t, float64(5), written["age"])

	read, err := store.Read(ctx, key)
	assert.Equal(t, nil, err)
	assert.Equal(t, "ann", read["name"])
	assert.Equal(t, float64(5), read["age"])

	// an upsert replaces the document
	_, err = store.Write(ctx, key, docstore.Document{"name": "bob"})
	assert.Equal(t, nil, err)
	read, err = store.Read(ctx, key)
	assert.Equal(t, nil, err)
	assert.Equal(t, "bob", read["name"])
	assert.Equal(t, nil, read["age"])

	exists, err := store.Exists(ctx, key)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, exists)

	err = store.Delete(ctx, key)
	assert.Equal(t, nil, err)
	exists, err = store.Exists(ctx, key)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, exists)

	// deleting an absent document is a no-op
	err = store.Delete(ctx, key)
	assert.Equal(t, nil, err)
}

func TestStoreCollectionsAreIndependent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := Open(ctx, filepath.Join(t.TempDir(), "docs.db"))
	assert.Equal(t, nil, err)
	defer store.Close()

	_, err = store.Write(ctx, docstore.NewDocumentKey("users", "x"), docstore.Document{"who": "user"})
	assert.Equal(t, nil, err)
	_, err = store.Write(ctx, docstore.NewDocumentKey("rooms", "x"), docstore.Document{"who": "room"})
	assert.Equal(t, nil, err)

	read, err := store.Read(ctx, docstore.NewDocumentKey("users", "x"))
	assert.Equal(t, nil, err)
	assert.Equal(t, "user", read["who"])

	err = store.Delete(ctx, docstore.NewDocumentKey("users", "x"))
	assert.Equal(t, nil, err)
	exists, err := store.Exists(ctx, docstore.NewDocumentKey("rooms", "x"))
	assert.Equal(t, nil, err)
	assert.Equal(t, true, exists)
}

func TestStoreWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second
	n := 8

	store, err := Open(ctx, filepath.Join(t.TempDir(), "docs.db"))
	assert.Equal(t, nil, err)
	defer store.Close()

	key := docstore.NewDocumentKey("users", "u1")

	events, stop, err := store.Watch(ctx, key)
	assert.Equal(t, nil, err)
	defer stop()

	// current snapshot first. an absent document is an empty snapshot.
	event := awaitEvent(t, events, timeout)
	assert.Equal(t, nil, event.Err)
	assert.Equal(t, true, event.Doc.IsEmpty())

	// events follow commit order
	for i := 0; i < n; i += 1 {
		_, err := store.Write(ctx, key, docstore.Document{"i": i})
		assert.Equal(t, nil, err)
	}
	for i := 0; i < n; i += 1 {
		event = awaitEvent(t, events, timeout)
		assert.Equal(t, float64(i), event.Doc["i"])
	}

	err = store.Delete(ctx, key)
	assert.Equal(t, nil, err)
	event = awaitEvent(t, events, timeout)
	assert.Equal(t, true, event.Doc.IsEmpty())
}

func TestStorePersistence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "docs.db")
	key := docstore.NewDocumentKey("users", "u1")

	store, err := Open(ctx, path)
	assert.Equal(t, nil, err)
	_, err = store.Write(ctx, key, docstore.Document{"name": "ann"})
	assert.Equal(t, nil, err)
	err = store.Close()
	assert.Equal(t, nil, err)

	// documents survive a reopen
	store, err = Open(ctx, path)
	assert.Equal(t, nil, err)
	defer store.Close()
	read, err := store.Read(ctx, key)
	assert.Equal(t, nil, err)
	assert.Equal(t, "ann", read["name"])
}

func TestStoreOpenEmptyPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := Open(ctx, "  ")
	assert.NotEqual(t, nil, err)
}

func awaitEvent(t *testing.T, events <-chan docstore.WatchEvent, timeout time.Duration) docstore.WatchEvent {
	select {
	case event, ok := <-events:
		if !ok {
			t.FailNow()
		}
		return event
	case <-time.After(timeout):
		t.FailNow()
	}
	return docstore.WatchEvent{}
}
