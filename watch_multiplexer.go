package docstore

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

var errWatchClosed = errors.New("watch stream closed")

func DefaultWatchMultiplexerSettings() *WatchMultiplexerSettings {
	return &WatchMultiplexerSettings{
		ObserverBufferSize: 32,
	}
}

type WatchMultiplexerSettings struct {
	ObserverBufferSize int
}

// WatchHandle is one observer's registration on a multiplexed watch.
// The observer owns the handle exclusively and detaches it via the
// multiplexer when done.
//
// Events delivers every upstream emission after the attach, in upstream
// order, with no replay of past values. An event with Err set is terminal
// and Events closes after it. After Detach, Done is closed and the observer
// must stop reading Events.
type WatchHandle struct {
	key      DocumentKey
	handleId Id

	events   chan WatchEvent
	detached chan struct{}
}

func (self *WatchHandle) Key() DocumentKey {
	return self.key
}

func (self *WatchHandle) Events() <-chan WatchEvent {
	return self.events
}

func (self *WatchHandle) Done() <-chan struct{} {
	return self.detached
}

// WatchMultiplexer owns, per key, at most one live transport watch and fans
// it out to any number of observers. The shared channel for a key is created
// lazily on first attach and torn down when the last observer detaches or
// when the upstream stream fails. A torn down channel is never resurrected;
// a later attach opens a fresh transport watch.
type WatchMultiplexer struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport

	settings *WatchMultiplexerSettings

	mutex          sync.Mutex
	sharedChannels map[DocumentKey]*sharedChannel
}

func NewWatchMultiplexerWithDefaults(ctx context.Context, transport Transport) *WatchMultiplexer {
	return NewWatchMultiplexer(ctx, transport, DefaultWatchMultiplexerSettings())
}

func NewWatchMultiplexer(ctx context.Context, transport Transport, settings *WatchMultiplexerSettings) *WatchMultiplexer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WatchMultiplexer{
		ctx:            cancelCtx,
		cancel:         cancel,
		transport:      transport,
		settings:       settings,
		sharedChannels: map[DocumentKey]*sharedChannel{},
	}
}

func (self *WatchMultiplexer) Attach(key DocumentKey) (*WatchHandle, error) {
	initSharedChannel := func(skip *sharedChannel) *sharedChannel {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		channel, ok := self.sharedChannels[key]
		if ok {
			if skip == nil || skip != channel {
				return channel
			} else {
				channel.Cancel()
				delete(self.sharedChannels, key)
			}
		}

		channel = newSharedChannel(self.ctx, self.transport, key, self.settings)
		self.sharedChannels[key] = channel
		return channel
	}

	var channel *sharedChannel
	for i := 0; i < 2; i += 1 {
		select {
		case <-self.ctx.Done():
			return nil, ErrDisposed
		default:
		}
		channel = initSharedChannel(channel)
		if handle, ok := channel.attach(); ok {
			// the upstream opens only after the starting observer is
			// registered. the opening observer never misses the initial
			// snapshot.
			self.start(channel, key)
			glog.V(1).Infof("[mx]attach %s = %s\n", key, handle.handleId)
			return handle, nil
		}
		// channel closed between init and attach, try a fresh one
	}
	return nil, errWatchClosed
}

func (self *WatchMultiplexer) start(channel *sharedChannel, key DocumentKey) {
	channel.startOnce.Do(func() {
		go func() {
			HandleError(channel.Run)

			self.mutex.Lock()
			defer self.mutex.Unlock()
			channel.Close()
			// clean up
			if channel == self.sharedChannels[key] {
				delete(self.sharedChannels, key)
			}
		}()
	})
}

// Detach removes the observer and, when it was the last one, tears down the
// upstream subscription. Idempotent: an already detached or unknown handle
// is a no-op.
func (self *WatchMultiplexer) Detach(handle *WatchHandle) {
	if handle == nil {
		return
	}

	self.mutex.Lock()
	channel, ok := self.sharedChannels[handle.key]
	self.mutex.Unlock()
	if !ok {
		return
	}

	if channel.detach(handle.handleId) {
		// last observer is gone
		glog.V(1).Infof("[mx]teardown %s\n", handle.key)
		channel.Cancel()
	}
}

func (self *WatchMultiplexer) Close() {
	self.cancel()
}

// sharedChannel is one upstream transport watch plus its observer registry.
// Owned by the multiplexer, never exposed. Run is the only sender on
// observer event channels.
type sharedChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	key       DocumentKey

	settings *WatchMultiplexerSettings

	startOnce sync.Once

	stateLock sync.Mutex
	observers map[Id]*watchObserver
	closed    bool
}

type watchObserver struct {
	events   chan WatchEvent
	detached chan struct{}
}

func newSharedChannel(ctx context.Context, transport Transport, key DocumentKey, settings *WatchMultiplexerSettings) *sharedChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &sharedChannel{
		ctx:       cancelCtx,
		cancel:    cancel,
		transport: transport,
		key:       key,
		settings:  settings,
		observers: map[Id]*watchObserver{},
	}
}

func (self *sharedChannel) attach() (*WatchHandle, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil, false
	}

	handleId := NewId()
	observer := &watchObserver{
		events:   make(chan WatchEvent, self.settings.ObserverBufferSize),
		detached: make(chan struct{}),
	}
	self.observers[handleId] = observer

	handle := &WatchHandle{
		key:      self.key,
		handleId: handleId,
		events:   observer.events,
		detached: observer.detached,
	}
	return handle, true
}

// detach reports whether the channel has no observers left.
func (self *sharedChannel) detach(handleId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	observer, ok := self.observers[handleId]
	if !ok {
		return false
	}
	delete(self.observers, handleId)
	close(observer.detached)
	if len(self.observers) == 0 {
		// no new attaches on this channel. the caller cancels and the
		// multiplexer replaces the map entry on the next attach.
		self.closed = true
		return true
	}
	return false
}

func (self *sharedChannel) Run() {
	defer self.cancel()

	upstream, stop, err := self.transport.Watch(self.ctx, self.key)
	if err != nil {
		glog.V(1).Infof("[mx]watch open %s = %s\n", self.key, err)
		self.terminate(err)
		return
	}
	defer stop()

	for {
		select {
		case <-self.ctx.Done():
			self.terminate(ErrDisposed)
			return
		case event, ok := <-upstream:
			if !ok {
				self.terminate(errWatchClosed)
				return
			}
			if event.Err != nil {
				glog.V(1).Infof("[mx]watch error %s = %s\n", self.key, event.Err)
				self.terminate(event.Err)
				return
			}
			self.fanOut(event)
		}
	}
}

// fanOut delivers the event to every observer, in attach-independent order,
// skipping observers that detach mid delivery. Sends block so that no
// observer misses an emission; a stalled observer stalls this key until it
// detaches.
func (self *sharedChannel) fanOut(event WatchEvent) {
	self.stateLock.Lock()
	observers := maps.Values(self.observers)
	self.stateLock.Unlock()

	for _, observer := range observers {
		select {
		case observer.events <- event:
		case <-observer.detached:
		case <-self.ctx.Done():
			return
		}
	}
	glog.V(2).Infof("[mx]fan out %s to %d\n", self.key, len(observers))
}

// terminate delivers the terminal error to every current observer, closes
// their event channels, and marks the channel dead. Called only from Run.
func (self *sharedChannel) terminate(err error) {
	self.stateLock.Lock()
	self.closed = true
	observers := maps.Values(self.observers)
	maps.Clear(self.observers)
	self.stateLock.Unlock()

	for _, observer := range observers {
		select {
		case observer.events <- WatchEvent{Err: err}:
		case <-observer.detached:
		}
		close(observer.events)
	}
}

func (self *sharedChannel) Cancel() {
	self.cancel()
}

func (self *sharedChannel) Close() {
	self.cancel()
}
