package docstore

import (
	"context"
	"errors"

	"github.com/golang/glog"
)

func DefaultRepositorySettings() *RepositorySettings {
	return &RepositorySettings{
		EmptyIsMissing:  true,
		ReadAfterWrite:  false,
		WatchBufferSize: 32,
	}
}

type RepositorySettings struct {
	// EmptyIsMissing treats an empty document as absent, consistently for
	// Read, Exists, and Watch mapping. Transports represent an absent
	// document as an empty snapshot on watch streams, so with this off a
	// watch of an absent document maps the empty document instead of
	// reporting not found.
	EmptyIsMissing bool

	// ReadAfterWrite returns the authoritative stored document after every
	// successful write instead of trusting the sent payload. The
	// authoritative document passes the same missing policy as a read.
	ReadAfterWrite bool

	WatchBufferSize int
}

// Repository is the typed access surface for one collection. It is the only
// place where transport and mapping failures become the closed error
// taxonomy; nothing above it branches on adapter error types. Writes and
// deletes flow through the store's write serializer; watches attach through
// the store's watch multiplexer.
type Repository[T any] struct {
	store *Store

	collection string

	mapping Mapping[T]

	settings *RepositorySettings
}

func NewRepositoryWithDefaults[T any](store *Store, collection string, mapping Mapping[T]) *Repository[T] {
	return NewRepository(store, collection, mapping, DefaultRepositorySettings())
}

func NewRepository[T any](store *Store, collection string, mapping Mapping[T], settings *RepositorySettings) *Repository[T] {
	return &Repository[T]{
		store:      store,
		collection: collection,
		mapping:    mapping,
		settings:   settings,
	}
}

func (self *Repository[T]) Collection() string {
	return self.collection
}

func (self *Repository[T]) key(docId string) DocumentKey {
	return NewDocumentKey(self.collection, docId)
}

func (self *Repository[T]) Read(ctx context.Context, docId string) (T, error) {
	var empty T

	doc, err := self.readRaw(ctx, self.key(docId))
	if err != nil {
		return empty, self.storeError("read", docId, err)
	}
	model, err := self.mapping.FromDocument(doc)
	if err != nil {
		return empty, self.payloadError("read", docId, err)
	}
	return model, nil
}

func (self *Repository[T]) Write(ctx context.Context, docId string, model T) (T, error) {
	var empty T
	key := self.key(docId)

	doc, err := self.mapping.ToDocument(model)
	if err != nil {
		return empty, self.payloadError("write", docId, err)
	}

	result := model
	err = self.store.WriteSerializer().Enqueue(ctx, key, func(ctx context.Context) error {
		final, err := self.writeRaw(ctx, key, doc)
		if err != nil {
			return err
		}
		if self.settings.ReadAfterWrite {
			authoritative, err := self.mapping.FromDocument(final)
			if err != nil {
				return self.payloadError("write", docId, err)
			}
			result = authoritative
		}
		return nil
	})
	if err != nil {
		return empty, self.storeError("write", docId, err)
	}
	glog.V(1).Infof("[repo]write %s\n", key)
	return result, nil
}

func (self *Repository[T]) Delete(ctx context.Context, docId string) error {
	key := self.key(docId)

	err := self.store.WriteSerializer().Enqueue(ctx, key, func(ctx context.Context) error {
		return self.store.Transport().Delete(ctx, key)
	})
	if err != nil {
		return self.storeError("delete", docId, err)
	}
	glog.V(1).Infof("[repo]delete %s\n", key)
	return nil
}

func (self *Repository[T]) Exists(ctx context.Context, docId string) (bool, error) {
	key := self.key(docId)

	if !self.settings.EmptyIsMissing {
		exists, err := self.store.Transport().Exists(ctx, key)
		if err != nil {
			return false, self.storeError("exists", docId, err)
		}
		return exists, nil
	}

	// the policy needs the document body
	_, err := self.readRaw(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, self.storeError("exists", docId, err)
}

// Ensure creates the document when it is absent and otherwise applies
// updateIfExists, or returns the current document unchanged when no updater
// is given. The existence check and the write run as one serialized unit
// for the key, so two concurrent Ensure calls cannot both observe absent
// and both create.
func (self *Repository[T]) Ensure(ctx context.Context, docId string, create func() T, updateIfExists func(T) T) (T, error) {
	var empty T
	key := self.key(docId)

	var result T
	err := self.store.WriteSerializer().Enqueue(ctx, key, func(ctx context.Context) error {
		current, err := self.readRaw(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if err == nil {
			model, err := self.mapping.FromDocument(current)
			if err != nil {
				return self.payloadError("ensure", docId, err)
			}
			if updateIfExists == nil {
				result = model
				return nil
			}
			return self.writeModel(ctx, docId, key, updateIfExists(model), &result)
		}

		return self.writeModel(ctx, docId, key, create(), &result)
	})
	if err != nil {
		return empty, self.storeError("ensure", docId, err)
	}
	return result, nil
}

// Mutate reads the current document, applies the pure transform, and writes
// the result, as one serialized unit for the key. Absent documents fail
// with not found.
func (self *Repository[T]) Mutate(ctx context.Context, docId string, transform func(T) T) (T, error) {
	var empty T
	key := self.key(docId)

	var result T
	err := self.store.WriteSerializer().Enqueue(ctx, key, func(ctx context.Context) error {
		current, err := self.readRaw(ctx, key)
		if err != nil {
			return err
		}
		model, err := self.mapping.FromDocument(current)
		if err != nil {
			return self.payloadError("mutate", docId, err)
		}
		return self.writeModel(ctx, docId, key, transform(model), &result)
	})
	if err != nil {
		return empty, self.storeError("mutate", docId, err)
	}
	return result, nil
}

// Patch merges fields into the current document, replacing existing top
// level keys, through the same serialized read merge write discipline as
// Mutate.
func (self *Repository[T]) Patch(ctx context.Context, docId string, fields Document) (T, error) {
	var empty T
	key := self.key(docId)

	var result T
	err := self.store.WriteSerializer().Enqueue(ctx, key, func(ctx context.Context) error {
		current, err := self.readRaw(ctx, key)
		if err != nil {
			return err
		}
		merged := MergeShallow(current, fields)
		final, err := self.writeRaw(ctx, key, merged)
		if err != nil {
			return err
		}
		if !self.settings.ReadAfterWrite {
			final = merged
		}
		model, err := self.mapping.FromDocument(final)
		if err != nil {
			return self.payloadError("patch", docId, err)
		}
		result = model
		return nil
	})
	if err != nil {
		return empty, self.storeError("patch", docId, err)
	}
	return result, nil
}

// TypedEvent is one emission on a typed watch stream. Mapping and missing
// policy failures are non terminal; the stream continues with the next
// upstream emission. A terminal event ends the stream and a fresh Watch is
// required to resume.
type TypedEvent[T any] struct {
	Model    T
	Err      error
	Terminal bool
}

type TypedWatch[T any] struct {
	cancel context.CancelFunc

	events chan TypedEvent[T]
}

func (self *TypedWatch[T]) Events() <-chan TypedEvent[T] {
	return self.events
}

// Cancel detaches from the multiplexer. Idempotent. No events are delivered
// after Cancel returns.
func (self *TypedWatch[T]) Cancel() {
	self.cancel()
}

// Watch attaches to the key through the watch multiplexer and maps every
// raw emission to a typed event.
func (self *Repository[T]) Watch(ctx context.Context, docId string) (*TypedWatch[T], error) {
	key := self.key(docId)

	handle, err := self.store.WatchMultiplexer().Attach(key)
	if err != nil {
		return nil, self.storeError("watch", docId, err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	watch := &TypedWatch[T]{
		cancel: cancel,
		events: make(chan TypedEvent[T], self.settings.WatchBufferSize),
	}

	go HandleError(func() {
		defer close(watch.events)
		defer self.store.WatchMultiplexer().Detach(handle)

		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-handle.Done():
				return
			case event, ok := <-handle.Events():
				if !ok {
					return
				}

				var typedEvent TypedEvent[T]
				if event.Err != nil {
					typedEvent = TypedEvent[T]{
						Err:      self.storeError("watch", docId, event.Err),
						Terminal: true,
					}
				} else {
					typedEvent = self.mapWatchEvent(docId, event.Doc)
				}

				select {
				case watch.events <- typedEvent:
				case <-cancelCtx.Done():
					return
				}
				if typedEvent.Terminal {
					return
				}
			}
		}
	})
	return watch, nil
}

func (self *Repository[T]) mapWatchEvent(docId string, doc Document) TypedEvent[T] {
	if self.settings.EmptyIsMissing && doc.IsEmpty() {
		return TypedEvent[T]{
			Err: newStoreError(ErrorNotFound, "watch", self.key(docId), nil),
		}
	}
	model, err := self.mapping.FromDocument(doc)
	if err != nil {
		return TypedEvent[T]{
			Err: newStoreError(ErrorPayloadInvalid, "watch", self.key(docId), err),
		}
	}
	return TypedEvent[T]{Model: model}
}

// readRaw reads the document and applies the missing policy.
func (self *Repository[T]) readRaw(ctx context.Context, key DocumentKey) (Document, error) {
	doc, err := self.store.Transport().Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if self.settings.EmptyIsMissing && doc.IsEmpty() {
		return nil, ErrNotFound
	}
	return doc, nil
}

// writeRaw writes through the transport and returns the document the caller
// should trust: the authoritative stored document under ReadAfterWrite, the
// sent payload otherwise. Runs inside the key's queue.
func (self *Repository[T]) writeRaw(ctx context.Context, key DocumentKey, doc Document) (Document, error) {
	stored, err := self.store.Transport().Write(ctx, key, doc)
	if err != nil {
		return nil, err
	}
	if !self.settings.ReadAfterWrite {
		return doc, nil
	}
	if stored == nil {
		// the adapter cannot re-read cheaply, issue the follow up read
		return self.readRaw(ctx, key)
	}
	if self.settings.EmptyIsMissing && stored.IsEmpty() {
		// the same outcome the follow up read would report
		return nil, ErrNotFound
	}
	return stored, nil
}

// writeModel maps the model, writes through writeRaw, and resolves the
// final model per the ReadAfterWrite setting. Runs inside the key's queue.
func (self *Repository[T]) writeModel(ctx context.Context, docId string, key DocumentKey, model T, result *T) error {
	doc, err := self.mapping.ToDocument(model)
	if err != nil {
		return self.payloadError("write", docId, err)
	}
	final, err := self.writeRaw(ctx, key, doc)
	if err != nil {
		return err
	}
	if !self.settings.ReadAfterWrite {
		*result = model
		return nil
	}
	finalModel, err := self.mapping.FromDocument(final)
	if err != nil {
		return self.payloadError("write", docId, err)
	}
	*result = finalModel
	return nil
}

// storeError converts any failure into the closed taxonomy. Errors already
// classified pass through unchanged; this is the single choke point.
func (self *Repository[T]) storeError(op string, docId string, err error) error {
	if err == nil {
		return nil
	}
	var storeError *StoreError
	if errors.As(err, &storeError) {
		return err
	}
	code := ErrorTransportFailure
	if errors.Is(err, ErrNotFound) {
		code = ErrorNotFound
	} else if errors.Is(err, ErrDisposed) {
		code = ErrorDisposed
	}
	return newStoreError(code, op, self.key(docId), err)
}

func (self *Repository[T]) payloadError(op string, docId string, err error) error {
	return newStoreError(ErrorPayloadInvalid, op, self.key(docId), err)
}
