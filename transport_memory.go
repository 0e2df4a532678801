package docstore

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

func DefaultMemoryTransportSettings() *MemoryTransportSettings {
	return &MemoryTransportSettings{
		WatchBufferSize: 64,
	}
}

type MemoryTransportSettings struct {
	WatchBufferSize int
}

// MemoryTransport is an in process transport. Documents live in one map and
// every committed change is delivered to every watcher of the key, in commit
// order. Used by tests and by the mem store of the ctl.
type MemoryTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *MemoryTransportSettings

	mutex    sync.Mutex
	docs     map[DocumentKey]Document
	watchers map[DocumentKey]map[Id]*WatchPump
}

func NewMemoryTransportWithDefaults(ctx context.Context) *MemoryTransport {
	return NewMemoryTransport(ctx, DefaultMemoryTransportSettings())
}

func NewMemoryTransport(ctx context.Context, settings *MemoryTransportSettings) *MemoryTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MemoryTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		docs:     map[DocumentKey]Document{},
		watchers: map[DocumentKey]map[Id]*WatchPump{},
	}
}

func (self *MemoryTransport) Read(ctx context.Context, key DocumentKey) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	self.mutex.Lock()
	doc, ok := self.docs[key]
	self.mutex.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	return CanonicalDocument(doc)
}

func (self *MemoryTransport) Write(ctx context.Context, key DocumentKey, doc Document) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	canonical, err := CanonicalDocument(doc)
	if err != nil {
		return nil, err
	}
	if canonical == nil {
		canonical = Document{}
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.docs[key] = canonical
	for _, watcher := range self.watchers[key] {
		watcher.Push(WatchEvent{Doc: canonical})
	}
	return canonical, nil
}

func (self *MemoryTransport) Delete(ctx context.Context, key DocumentKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.docs[key]; !ok {
		return nil
	}
	delete(self.docs, key)
	for _, watcher := range self.watchers[key] {
		watcher.Push(WatchEvent{Doc: Document{}})
	}
	return nil
}

func (self *MemoryTransport) Exists(ctx context.Context, key DocumentKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	_, ok := self.docs[key]
	return ok, nil
}

func (self *MemoryTransport) Watch(ctx context.Context, key DocumentKey) (<-chan WatchEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	watcher := NewWatchPump(self.ctx, self.settings.WatchBufferSize)
	watcherId := NewId()

	keyWatchers, ok := self.watchers[key]
	if !ok {
		keyWatchers = map[Id]*WatchPump{}
		self.watchers[key] = keyWatchers
	}
	keyWatchers[watcherId] = watcher

	// current snapshot first. an absent document is an empty snapshot.
	snapshot := Document{}
	if doc, ok := self.docs[key]; ok {
		snapshot, _ = CanonicalDocument(doc)
	}
	watcher.Push(WatchEvent{Doc: snapshot})

	stop := func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		self.removeWatcher(key, watcherId)
	}
	glog.V(2).Infof("[mem]watch open %s\n", key)
	return watcher.Events(), stop, nil
}

// BreakWatches simulates an upstream failure: every live watcher of the key
// receives a terminal error event and is removed. Later Watch calls start
// clean.
func (self *MemoryTransport) BreakWatches(key DocumentKey, err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for watcherId, watcher := range self.watchers[key] {
		// the pump exits itself after delivering the terminal event
		watcher.Push(WatchEvent{Err: err})
		delete(self.watchers[key], watcherId)
	}
	if len(self.watchers[key]) == 0 {
		delete(self.watchers, key)
	}
	glog.V(1).Infof("[mem]watch break %s = %s\n", key, err)
}

// WatcherCount is the number of live watch streams for the key.
func (self *MemoryTransport) WatcherCount(key DocumentKey) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.watchers[key])
}

func (self *MemoryTransport) Close() {
	self.cancel()

	self.mutex.Lock()
	defer self.mutex.Unlock()
	for key, keyWatchers := range self.watchers {
		for watcherId, watcher := range keyWatchers {
			watcher.Close()
			delete(keyWatchers, watcherId)
		}
		delete(self.watchers, key)
	}
}

// must be called with the mutex held
func (self *MemoryTransport) removeWatcher(key DocumentKey, watcherId Id) {
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
