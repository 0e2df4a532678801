package docstore

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// StoreState is the single observable snapshot of a store client. Replaced
// wholesale on every transition; fields are never mutated in place, so a
// held snapshot stays consistent.
//
// IsWatching implies a multiplexer handle for DocId is currently held.
// Loading holds only while a command's work is outstanding. On a failed
// command Err is set and the previous Doc stays visible.
type StoreState[T any] struct {
	DocId      string
	Doc        *T
	Loading    bool
	Err        error
	IsWatching bool
}

// StoreClient is the reactive facade over one typed repository. Commands
// never panic; they return their result and also update the shared state.
// A write in flight and a watch emission for the same document may
// interleave; whichever completes last sets the displayed Doc.
type StoreClient[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	repository *Repository[T]

	stateCallbacks *CallbackList[func(StoreState[T])]

	stateLock       sync.Mutex
	state           StoreState[T]
	disposed        bool
	watch           *TypedWatch[T]
	watchDocId      string
	watchGeneration int
}

func NewStoreClient[T any](ctx context.Context, repository *Repository[T]) *StoreClient[T] {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &StoreClient[T]{
		ctx:            cancelCtx,
		cancel:         cancel,
		repository:     repository,
		stateCallbacks: NewCallbackList[func(StoreState[T])](),
	}
}

// State returns the current snapshot.
func (self *StoreClient[T]) State() StoreState[T] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// AddStateCallback registers an observer for every state transition and
// returns the remove function. Callbacks run outside the state lock with
// the snapshot that caused the notification. No replay of the current
// state; use State for that.
func (self *StoreClient[T]) AddStateCallback(callback func(StoreState[T])) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *StoreClient[T]) Read(ctx context.Context, docId string) (T, error) {
	var empty T
	if !self.begin() {
		return empty, self.disposedError("read", docId)
	}
	model, err := self.repository.Read(ctx, docId)
	if err != nil {
		self.fail(err)
		return empty, err
	}
	self.completeDoc(docId, &model)
	return model, nil
}

func (self *StoreClient[T]) Write(ctx context.Context, docId string, model T) (T, error) {
	var empty T
	if !self.begin() {
		return empty, self.disposedError("write", docId)
	}
	result, err := self.repository.Write(ctx, docId, model)
	if err != nil {
		self.fail(err)
		return empty, err
	}
	self.completeDoc(docId, &result)
	return result, nil
}

func (self *StoreClient[T]) Delete(ctx context.Context, docId string) error {
	if !self.begin() {
		return self.disposedError("delete", docId)
	}
	err := self.repository.Delete(ctx, docId)
	if err != nil {
		self.fail(err)
		return err
	}
	self.completeDelete(docId)
	return nil
}

func (self *StoreClient[T]) Exists(ctx context.Context, docId string) (bool, error) {
	if !self.begin() {
		return false, self.disposedError("exists", docId)
	}
	exists, err := self.repository.Exists(ctx, docId)
	if err != nil {
		self.fail(err)
		return false, err
	}
	self.completeQuery()
	return exists, nil
}

func (self *StoreClient[T]) Ensure(ctx context.Context, docId string, create func() T, updateIfExists func(T) T) (T, error) {
	var empty T
	if !self.begin() {
		return empty, self.disposedError("ensure", docId)
	}
	result, err := self.repository.Ensure(ctx, docId, create, updateIfExists)
	if err != nil {
		self.fail(err)
		return empty, err
	}
	self.completeDoc(docId, &result)
	return result, nil
}

func (self *StoreClient[T]) Mutate(ctx context.Context, docId string, transform func(T) T) (T, error) {
	var empty T
	if !self.begin() {
		return empty, self.disposedError("mutate", docId)
	}
	result, err := self.repository.Mutate(ctx, docId, transform)
	if err != nil {
		self.fail(err)
		return empty, err
	}
	self.completeDoc(docId, &result)
	return result, nil
}

func (self *StoreClient[T]) Patch(ctx context.Context, docId string, fields Document) (T, error) {
	var empty T
	if !self.begin() {
		return empty, self.disposedError("patch", docId)
	}
	result, err := self.repository.Patch(ctx, docId, fields)
	if err != nil {
		self.fail(err)
		return empty, err
	}
	self.completeDoc(docId, &result)
	return result, nil
}

// StartWatch attaches to the document and applies every emission as a state
// update. Watching a different document already, it first performs the
// equivalent of StopWatch on the old one. Watching the same document
// already, it is a no-op.
func (self *StoreClient[T]) StartWatch(docId string) error {
	self.stateLock.Lock()
	if self.disposed {
		self.stateLock.Unlock()
		return self.disposedError("start watch", docId)
	}
	if self.watch != nil && self.watchDocId == docId {
		self.stateLock.Unlock()
		return nil
	}
	oldWatch := self.watch
	self.watch = nil
	self.watchDocId = ""
	self.watchGeneration += 1
	self.stateLock.Unlock()

	if oldWatch != nil {
		oldWatch.Cancel()
	}

	watch, err := self.repository.Watch(self.ctx, docId)
	if err != nil {
		self.setState(func(state *StoreState[T]) {
			state.Err = err
			state.IsWatching = false
		})
		return err
	}

	self.stateLock.Lock()
	if self.disposed {
		self.stateLock.Unlock()
		watch.Cancel()
		return self.disposedError("start watch", docId)
	}
	// a concurrent StartWatch may have installed a watch while this one
	// attached. the last completer wins the active slot.
	raceWatch := self.watch
	self.watch = watch
	self.watchDocId = docId
	self.watchGeneration += 1
	generation := self.watchGeneration
	next := self.state
	next.DocId = docId
	next.IsWatching = true
	next.Err = nil
	self.state = next
	self.stateLock.Unlock()

	if raceWatch != nil {
		raceWatch.Cancel()
	}
	self.notify(next)
	glog.V(1).Infof("[client]watch start %s/%s\n", self.repository.Collection(), docId)

	go HandleError(func() {
		self.runWatch(docId, watch, generation)
	})
	return nil
}

// StopWatch detaches the watch for the document. Not watching, or watching
// a different document, it is a no-op.
func (self *StoreClient[T]) StopWatch(docId string) {
	self.stateLock.Lock()
	if self.watch == nil || self.watchDocId != docId {
		self.stateLock.Unlock()
		return
	}
	watch := self.watch
	self.watch = nil
	self.watchDocId = ""
	self.watchGeneration += 1
	next := self.state
	next.IsWatching = false
	self.state = next
	self.stateLock.Unlock()

	watch.Cancel()
	self.notify(next)
	glog.V(1).Infof("[client]watch stop %s/%s\n", self.repository.Collection(), docId)
}

// Close detaches any held watch and puts the client in its terminal state.
// Afterwards every command fails fast with a disposed error and does not
// touch the transport.
func (self *StoreClient[T]) Close() {
	self.stateLock.Lock()
	if self.disposed {
		self.stateLock.Unlock()
		return
	}
	self.disposed = true
	watch := self.watch
	self.watch = nil
	self.watchDocId = ""
	self.watchGeneration += 1
	next := self.state
	next.Loading = false
	next.IsWatching = false
	self.state = next
	self.stateLock.Unlock()

	if watch != nil {
		watch.Cancel()
	}
	self.cancel()
	self.notify(next)
}

func (self *StoreClient[T]) runWatch(docId string, watch *TypedWatch[T], generation int) {
	for event := range watch.Events() {
		self.applyWatchEvent(docId, generation, event)
		if event.Terminal {
			return
		}
	}
}

func (self *StoreClient[T]) applyWatchEvent(docId string, generation int, event TypedEvent[T]) {
	self.stateLock.Lock()
	if self.disposed || generation != self.watchGeneration {
		// a stale watcher, the client moved on
		self.stateLock.Unlock()
		return
	}

	next := self.state
	if event.Terminal {
		self.watch = nil
		self.watchDocId = ""
		next.Err = event.Err
		next.IsWatching = false
	} else if event.Err != nil {
		// non terminal mapping failure, keep the known good doc
		next.Err = event.Err
	} else {
		model := event.Model
		next.Doc = &model
		next.Err = nil
	}
	self.state = next
	self.stateLock.Unlock()

	self.notify(next)
}

// begin marks a command in flight. Returns false when the client is
// disposed, before any transport work.
func (self *StoreClient[T]) begin() bool {
	self.stateLock.Lock()
	if self.disposed {
		self.stateLock.Unlock()
		return false
	}
	next := self.state
	next.Loading = true
	self.state = next
	self.stateLock.Unlock()

	self.notify(next)
	return true
}

func (self *StoreClient[T]) fail(err error) {
	self.setState(func(state *StoreState[T]) {
		state.Loading = false
		state.Err = err
	})
}

// completeDoc applies a successful doc producing command. When the command
// switched the active document away from a watched one, the old watch is
// stopped so that a held handle always belongs to the active document.
func (self *StoreClient[T]) completeDoc(docId string, doc *T) {
	self.stateLock.Lock()
	if self.disposed {
		self.stateLock.Unlock()
		return
	}
	var staleWatch *TypedWatch[T]
	if self.watch != nil && self.watchDocId != docId {
		staleWatch = self.watch
		self.watch = nil
		self.watchDocId = ""
		self.watchGeneration += 1
	}
	next := self.state
	next.DocId = docId
	next.Doc = doc
	next.Loading = false
	next.Err = nil
	if staleWatch != nil {
		next.IsWatching = false
	}
	self.state = next
	self.stateLock.Unlock()

	if staleWatch != nil {
		staleWatch.Cancel()
	}
	self.notify(next)
}

func (self *StoreClient[T]) completeDelete(docId string) {
	self.setState(func(state *StoreState[T]) {
		state.Loading = false
		state.Err = nil
		if state.DocId == docId {
			// the active document is gone
			state.Doc = nil
		}
	})
}

func (self *StoreClient[T]) completeQuery() {
	self.setState(func(state *StoreState[T]) {
		state.Loading = false
		state.Err = nil
	})
}

func (self *StoreClient[T]) setState(update func(state *StoreState[T])) {
	self.stateLock.Lock()
	if self.disposed {
		self.stateLock.Unlock()
		return
	}
	next := self.state
	update(&next)
	self.state = next
	self.stateLock.Unlock()

	self.notify(next)
}

func (self *StoreClient[T]) notify(state StoreState[T]) {
	for _, callback := range self.stateCallbacks.Get() {
		HandleError(func() {
			callback(state)
		})
	}
}

func (self *StoreClient[T]) disposedError(op string, docId string) error {
	return newStoreError(ErrorDisposed, op, NewDocumentKey(self.repository.Collection(), docId), nil)
}
