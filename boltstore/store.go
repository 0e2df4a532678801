// Package boltstore persists documents in a local bbolt file, one bucket per
// collection. It implements docstore.Transport for single process use, with
// watch events delivered in commit order.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docwire/docstore"
	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var _ docstore.Transport = (*Store)(nil)

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		OpenTimeout:     time.Second,
		WatchBufferSize: 64,
	}
}

type StoreSettings struct {
	OpenTimeout     time.Duration
	WatchBufferSize int
}

type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	db       *bbolt.DB
	settings *StoreSettings

	// serializes commits with watcher notification so that events follow
	// commit order
	mutex    sync.Mutex
	watchers map[docstore.DocumentKey]map[docstore.Id]*docstore.WatchPump
}

func Open(ctx context.Context, path string) (*Store, error) {
	return OpenWithSettings(ctx, path, DefaultStoreSettings())
}

func OpenWithSettings(ctx context.Context, path string, settings *StoreSettings) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: settings.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	return &Store{
		ctx:      cancelCtx,
		cancel:   cancel,
		db:       db,
		settings: settings,
		watchers: map[docstore.DocumentKey]map[docstore.Id]*docstore.WatchPump{},
	}, nil
}

func (self *Store) Read(ctx context.Context, key docstore.DocumentKey) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc docstore.Document
	err := self.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(key.Collection))
		if bucket == nil {
			return docstore.ErrNotFound
		}
		payload := bucket.Get([]byte(key.DocId))
		if payload == nil {
			return docstore.ErrNotFound
		}
		if err := json.Unmarshal(payload, &doc); err != nil {
			return fmt.Errorf("unmarshal document: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (self *Store) Write(ctx context.Context, key docstore.DocumentKey, doc docstore.Document) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	canonical, err := docstore.CanonicalDocument(doc)
	if err != nil {
		return nil, err
	}
	if canonical == nil {
		canonical = docstore.Document{}
	}
	payload, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	err = self.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(key.Collection))
		if err != nil {
			return fmt.Errorf("create collection bucket: %w", err)
		}
		return bucket.Put([]byte(key.DocId), payload)
	})
	if err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}

	self.notifyWatchers(key, canonical)
	return canonical, nil
}

func (self *Store) Delete(ctx context.Context, key docstore.DocumentKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	present := false
	err := self.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(key.Collection))
		if bucket == nil {
			return nil
		}
		if bucket.Get([]byte(key.DocId)) == nil {
			return nil
		}
		present = true
		return bucket.Delete([]byte(key.DocId))
	})
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	if present {
		self.notifyWatchers(key, docstore.Document{})
	}
	return nil
}

func (self *Store) Exists(ctx context.Context, key docstore.DocumentKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	exists := false
	err := self.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(key.Collection))
		if bucket == nil {
			return nil
		}
		exists = bucket.Get([]byte(key.DocId)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check document: %w", err)
	}
	return exists, nil
}

func (self *Store) Watch(ctx context.Context, key docstore.DocumentKey) (<-chan docstore.WatchEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	snapshot, err := self.readSnapshot(key)
	if err != nil {
		return nil, nil, err
	}

	watcher := docstore.NewWatchPump(self.ctx, self.settings.WatchBufferSize)
	watcherId := docstore.NewId()

	keyWatchers, ok := self.watchers[key]
	if !ok {
		keyWatchers = map[docstore.Id]*docstore.WatchPump{}
		self.watchers[key] = keyWatchers
	}
	keyWatchers[watcherId] = watcher

	watcher.Push(docstore.WatchEvent{Doc: snapshot})

	stop := func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		self.removeWatcher(key, watcherId)
	}
	glog.V(2).Infof("[bolt]watch open %s\n", key)
	return watcher.Events(), stop, nil
}

func (self *Store) Close() error {
	self.cancel()

	self.mutex.Lock()
	for key, keyWatchers := range self.watchers {
		for watcherId, watcher := range keyWatchers {
			watcher.Close()
			delete(keyWatchers, watcherId)
		}
		delete(self.watchers, key)
	}
	self.mutex.Unlock()

	return self.db.Close()
}

// must be called with the mutex held
func (self *Store) readSnapshot(key docstore.DocumentKey) (docstore.Document, error) {
	// an absent document is an empty snapshot
	snapshot := docstore.Document{}
	err := self.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(key.Collection))
		if bucket == nil {
			return nil
		}
		payload := bucket.Get([]byte(key.DocId))
		if payload == nil {
			return nil
		}
		return json.Unmarshal(payload, &snapshot)
	})
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return snapshot, nil
}

// must be called with the mutex held
func (self *Store) notifyWatchers(key docstore.DocumentKey, doc docstore.Document) {
	for _, watcher := range self.watchers[key] {
		watcher.Push(docstore.WatchEvent{Doc: doc})
	}
}

// must be called with the mutex held
func (self *Store) removeWatcher(key docstore.DocumentKey, watcherId docstore.Id) {
	keyWatchers, ok := self.watchers[key]
	if !ok {
		return
	}
	if watcher, ok := keyWatchers[watcherId]; ok {
		watcher.Close()
		delete(keyWatchers, watcherId)
	}
	if len(keyWatchers) == 0 {
		delete(self.watchers, key)
	}
}
