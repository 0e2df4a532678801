// Package sqlitestore persists documents in SQLite, one row per document
// keyed by (collection, doc_id). It implements docstore.Transport for single
// process use, with watch events delivered in commit order.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docwire/docstore"
	"github.com/golang/glog"
	_ "modernc.org/sqlite"
)

var _ docstore.Transport = (*Store)(nil)

const schema = `CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	body TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, doc_id)
)`

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		WatchBufferSize: 64,
	}
}

type StoreSettings struct {
	WatchBufferSize int
}

type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	db       *sql.DB
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
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
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

	var body string
	err := self.db.QueryRowContext(
		ctx,
		`SELECT body FROM documents WHERE collection = ? AND doc_id = ?`,
		key.Collection,
		key.DocId,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, docstore.ErrNotFound
		}
		return nil, fmt.Errorf("read document: %w", err)
	}

	var doc docstore.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
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

	_, err = self.db.ExecContext(
		ctx,
		`INSERT INTO documents (collection, doc_id, body, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, doc_id) DO UPDATE SET
		   body = excluded.body,
		   updated_at = excluded.updated_at`,
		key.Collection,
		key.DocId,
		string(payload),
		time.Now().UTC().UnixMilli(),
	)
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

	result, err := self.db.ExecContext(
		ctx,
		`DELETE FROM documents WHERE collection = ? AND doc_id = ?`,
		key.Collection,
		key.DocId,
	)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	// RowsAffected is always supported by the sqlite driver
	if n, _ := result.RowsAffected(); 0 < n {
		self.notifyWatchers(key, docstore.Document{})
	}
	return nil
}

func (self *Store) Exists(ctx context.Context, key docstore.DocumentKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var one int
	err := self.db.QueryRowContext(
		ctx,
		`SELECT 1 FROM documents WHERE collection = ? AND doc_id = ?`,
		key.Collection,
		key.DocId,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check document: %w", err)
	}
	return true, nil
}

func (self *Store) Watch(ctx context.Context, key docstore.DocumentKey) (<-chan docstore.WatchEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	snapshot, err := self.readSnapshot(ctx, key)
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
	glog.V(2).Infof("[sqlite]watch open %s\n", key)
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
func (self *Store) readSnapshot(ctx context.Context, key docstore.DocumentKey) (docstore.Document, error) {
	// an absent document is an empty snapshot
	snapshot := docstore.Document{}

	var body string
	err := self.db.QueryRowContext(
		ctx,
		`SELECT body FROM documents WHERE collection = ? AND doc_id = ?`,
		key.Collection,
		key.DocId,
	).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snapshot, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
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
