package docstore

import (
	"context"
	"sync"
)

// WatchEvent is one emission on a transport watch stream.
type WatchEvent struct {
	Doc Document
	// Err is terminal for the stream
	Err error
}

// Transport is the port to the underlying document store. One document per
// (collection, docId), read and replaced as a whole.
//
// Read returns ErrNotFound for an absent document.
// Write returns the authoritative stored document, or nil when the adapter
// cannot re-read cheaply. The repository decides whether to trust the sent
// payload or issue a follow up read.
// Watch returns the event stream and a stop function. The first event is the
// current snapshot (an absent document is an empty snapshot), then one event
// per observed change. An event with Err set is terminal and the channel
// closes after it. Stop is idempotent.
//
// Failures are adapter defined error values. Conversion into the closed
// error taxonomy happens only at the repository.
type Transport interface {
	Read(ctx context.Context, key DocumentKey) (Document, error)
	Write(ctx context.Context, key DocumentKey, doc Document) (Document, error)
	Delete(ctx context.Context, key DocumentKey) error
	Exists(ctx context.Context, key DocumentKey) (bool, error)
	Watch(ctx context.Context, key DocumentKey) (<-chan WatchEvent, func(), error)
}

// WatchPump decouples an adapter's commit path from watch consumers. Push
// appends without blocking; a pump goroutine delivers the events in push
// order. After a terminal event the pump delivers it and closes Events.
// Close stops delivery and closes Events without a terminal event.
//
// Adapters push under their commit lock and hand Events to Watch callers.
type WatchPump struct {
	ctx    context.Context
	cancel context.CancelFunc

	events chan WatchEvent

	mutex   sync.Mutex
	pending []WatchEvent
	notify  chan struct{}
}

func NewWatchPump(ctx context.Context, bufferSize int) *WatchPump {
	cancelCtx, cancel := context.WithCancel(ctx)
	pump := &WatchPump{
		ctx:    cancelCtx,
		cancel: cancel,
		events: make(chan WatchEvent, bufferSize),
		notify: make(chan struct{}, 1),
	}
	go HandleError(pump.run)
	return pump
}

func (self *WatchPump) Events() <-chan WatchEvent {
	return self.events
}

func (self *WatchPump) Push(event WatchEvent) {
	self.mutex.Lock()
	self.pending = append(self.pending, event)
	self.mutex.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *WatchPump) run() {
	defer self.cancel()
	defer close(self.events)

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.notify:
		}

		for {
			self.mutex.Lock()
			if len(self.pending) == 0 {
				self.mutex.Unlock()
				break
			}
			event := self.pending[0]
			self.pending = self.pending[1:]
			self.mutex.Unlock()

			select {
			case self.events <- event:
			case <-self.ctx.Done():
				return
			}
			if event.Err != nil {
				// terminal
				return
			}
		}
	}
}

func (self *WatchPump) Close() {
	self.cancel()
}
