package docstore

import (
	"context"
)

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		WriteSerializerSettings:  DefaultWriteSerializerSettings(),
		WatchMultiplexerSettings: DefaultWatchMultiplexerSettings(),
	}
}

type StoreSettings struct {
	WriteSerializerSettings  *WriteSerializerSettings
	WatchMultiplexerSettings *WatchMultiplexerSettings
}

// Store bundles one transport with the shared access components built on it,
// the write serializer and the watch multiplexer. Typed repositories share
// these, so every write for a key flows through one queue and every watch
// for a key shares one upstream subscription, regardless of which repository
// issued it.
type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport

	writeSerializer  *WriteSerializer
	watchMultiplexer *WatchMultiplexer

	settings *StoreSettings
}

func NewStoreWithDefaults(ctx context.Context, transport Transport) *Store {
	return NewStore(ctx, transport, DefaultStoreSettings())
}

func NewStore(ctx context.Context, transport Transport, settings *StoreSettings) *Store {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Store{
		ctx:              cancelCtx,
		cancel:           cancel,
		transport:        transport,
		writeSerializer:  NewWriteSerializer(cancelCtx, settings.WriteSerializerSettings),
		watchMultiplexer: NewWatchMultiplexer(cancelCtx, transport, settings.WatchMultiplexerSettings),
		settings:         settings,
	}
}

func (self *Store) Transport() Transport {
	return self.transport
}

func (self *Store) WriteSerializer() *WriteSerializer {
	return self.writeSerializer
}

func (self *Store) WatchMultiplexer() *WatchMultiplexer {
	return self.watchMultiplexer
}

// Close stops the serializer and the multiplexer. Operations in flight fail
// with ErrDisposed. The transport itself is owned by the caller.
func (self *Store) Close() {
	self.cancel()
}
