package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

func DefaultWriteSerializerSettings() *WriteSerializerSettings {
	return &WriteSerializerSettings{
		QueueBufferSize:  32,
		QueueIdleTimeout: 5 * time.Second,
	}
}

type WriteSerializerSettings struct {
	QueueBufferSize int
	// how long a drained queue lingers before it is garbage collected.
	// a new write after collection starts a fresh, empty queue.
	QueueIdleTimeout time.Duration
}

// WriteSerializer runs the mutating operations for a key strictly one at a
// time, in submission order. Operations for different keys run independently
// and concurrently. A failed operation reports only to its submitter; the
// queue keeps going.
//
// Reads are not serialized here. A read may race ahead of or behind a queued
// write; per key write order is guaranteed, linearizability across reads and
// writes is not.
type WriteSerializer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *WriteSerializerSettings

	mutex       sync.Mutex
	writeQueues map[DocumentKey]*writeQueue
}

func NewWriteSerializerWithDefaults(ctx context.Context) *WriteSerializer {
	return NewWriteSerializer(ctx, DefaultWriteSerializerSettings())
}

func NewWriteSerializer(ctx context.Context, settings *WriteSerializerSettings) *WriteSerializer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WriteSerializer{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		writeQueues: map[DocumentKey]*writeQueue{},
	}
}

// Enqueue submits op for the key and blocks until it has run. op runs on the
// queue goroutine; results travel through the closure. When the submitter
// context ends before the op's turn, the op is skipped and the context error
// returned. After Close, Enqueue fails with ErrDisposed.
func (self *WriteSerializer) Enqueue(ctx context.Context, key DocumentKey, op func(ctx context.Context) error) error {
	initWriteQueue := func(skip *writeQueue) *writeQueue {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		queue, ok := self.writeQueues[key]
		if ok {
			if skip == nil || skip != queue {
				return queue
			} else {
				queue.Cancel()
				delete(self.writeQueues, key)
			}
		}

		queue = newWriteQueue(self.ctx, key, self.settings)
		self.writeQueues[key] = queue
		go func() {
			HandleError(queue.Run)

			self.mutex.Lock()
			defer self.mutex.Unlock()
			queue.Close()
			// clean up
			if queue == self.writeQueues[key] {
				delete(self.writeQueues, key)
			}
		}()
		return queue
	}

	pending := &pendingWrite{
		ctx:  ctx,
		op:   op,
		done: make(chan struct{}),
	}

	var queue *writeQueue
	submitted := false
	for i := 0; i < 2; i += 1 {
		select {
		case <-self.ctx.Done():
			return ErrDisposed
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		queue = initWriteQueue(queue)
		if queue.submit(pending) {
			submitted = true
			break
		}
		// queue drained away between init and submit, start a fresh one
	}
	if !submitted {
		return ErrDisposed
	}

	select {
	case <-pending.done:
		return pending.err
	case <-self.ctx.Done():
		return ErrDisposed
	}
}

func (self *WriteSerializer) Close() {
	self.cancel()
}

func (self *WriteSerializer) queueCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.writeQueues)
}

type pendingWrite struct {
	ctx  context.Context
	op   func(ctx context.Context) error
	done chan struct{}
	err  error
}

// writeQueue is the FIFO for one key. Owned by the serializer, never
// exposed. The queue goroutine exits and removes itself after the idle
// timeout with no submissions.
type writeQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	key DocumentKey

	settings *WriteSerializerSettings

	ops           chan *pendingWrite
	idleCondition *IdleCondition
}

func newWriteQueue(ctx context.Context, key DocumentKey, settings *WriteSerializerSettings) *writeQueue {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &writeQueue{
		ctx:           cancelCtx,
		cancel:        cancel,
		key:           key,
		settings:      settings,
		ops:           make(chan *pendingWrite, settings.QueueBufferSize),
		idleCondition: NewIdleCondition(),
	}
}

func (self *writeQueue) submit(pending *pendingWrite) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}

	if !self.idleCondition.UpdateOpen() {
		return false
	}
	defer self.idleCondition.UpdateClose()

	select {
	case self.ops <- pending:
		return true
	case <-self.ctx.Done():
		return false
	}
}

func (self *writeQueue) Run() {
	defer self.cancel()

	for {
		checkpointId := self.idleCondition.Checkpoint()
		select {
		case <-self.ctx.Done():
			return
		case pending := <-self.ops:
			self.runOne(pending)
		case <-time.After(self.settings.QueueIdleTimeout):
			// drained
			if self.idleCondition.Close(checkpointId) {
				glog.V(2).Infof("[wq]idle close %s\n", self.key)
				return
			}
			// else a submit raced in, keep going
		}
	}
}

func (self *writeQueue) runOne(pending *pendingWrite) {
	defer close(pending.done)

	if err := pending.ctx.Err(); err != nil {
		// the submitter went away before its turn
		pending.err = err
		return
	}

	HandleError(func() {
		pending.err = pending.op(pending.ctx)
	}, func(err error) {
		pending.err = newStoreError(ErrorUnknown, "write op", self.key, err)
	})
	glog.V(2).Infof("[wq]ran %s err=%v\n", self.key, pending.err)
}

func (self *writeQueue) Cancel() {
	self.cancel()
}

func (self *writeQueue) Close() {
	self.cancel()
}
