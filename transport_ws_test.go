package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func TestWsTransportRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	platform := newTestPlatform(t)
	defer platform.Close()

	transport := NewWsTransport(ctx, platform.url(), testClientAuth(), testWsSettings())
	defer transport.Close()
	assert.Equal(t, true, transport.WaitForConnect(ctx))

	key := NewDocumentKey("users", "u1")

	_, err := transport.Read(ctx, key)
	assert.Equal(t, true, errors.Is(err, ErrNotFound))

	written, err := transport.Write(ctx, key, Document{"name": "ann", "age": 5})
	assert.Equal(t, nil, err)
	// the json round trip normalizes numbers to float64
	assert.Equal(t, float64(5), written["age"])

	read, err := transport.Read(ctx, key)
	assert.Equal(t, nil, err)
	assert.Equal(t, "ann", read["name"])
	assert.Equal(t, float64(5), read["age"])

	exists, err := transport.Exists(ctx, key)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, exists)

	err = transport.Delete(ctx, key)
	assert.Equal(t, nil, err)
	exists, err = transport.Exists(ctx, key)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, exists)

	// a platform error surfaces as a plain error, not as not found
	platform.failNextRead("backend down")
	_, err = transport.Read(ctx, key)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, false, errors.Is(err, ErrNotFound))
}

func TestWsTransportWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second
	n := 4

	platform := newTestPlatform(t)
	defer platform.Close()

	transport := NewWsTransport(ctx, platform.url(), testClientAuth(), testWsSettings())
	defer transport.Close()
	assert.Equal(t, true, transport.WaitForConnect(ctx))

	key := NewDocumentKey("users", "u1")

	events, stop, err := transport.Watch(ctx, key)
	assert.Equal(t, nil, err)

	// current snapshot first. an absent document is an empty snapshot.
	event := awaitEvent(t, events, timeout)
	assert.Equal(t, nil, event.Err)
	assert.Equal(t, true, event.Doc.IsEmpty())

	for i := 0; i < n; i += 1 {
		_, err := transport.Write(ctx, key, Document{"i": i})
		assert.Equal(t, nil, err)
	}
	for i := 0; i < n; i += 1 {
		event = awaitEvent(t, events, timeout)
		assert.Equal(t, float64(i), event.Doc["i"])
	}

	err = transport.Delete(ctx, key)
	assert.Equal(t, nil, err)
	event = awaitEvent(t, events, timeout)
	assert.Equal(t, true, event.Doc.IsEmpty())

	// a platform error on the subscription is terminal
	platform.breakWatches(key, "watch revoked")
	event = awaitEvent(t, events, timeout)
	assert.NotEqual(t, nil, event.Err)
	awaitClosed(t, events, timeout)

	// stopping releases the platform subscription
	second, stopSecond, err := transport.Watch(ctx, key)
	assert.Equal(t, nil, err)
	awaitEvent(t, second, timeout)
	assert.Equal(t, 1, platform.subscriberCount(key))
	stopSecond()
	awaitCondition(t, timeout, func() bool {
		return platform.subscriberCount(key) == 0
	})
	stop()
}

func TestWsTransportReconnect(t *testing.T) {
	// a dropped connection fails open watches terminally and the transport
	// redials on its own

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 5 * time.Second

	platform := newTestPlatform(t)
	defer platform.Close()

	transport := NewWsTransport(ctx, platform.url(), testClientAuth(), testWsSettings())
	defer transport.Close()
	assert.Equal(t, true, transport.WaitForConnect(ctx))

	key := NewDocumentKey("users", "u1")

	events, _, err := transport.Watch(ctx, key)
	assert.Equal(t, nil, err)
	awaitEvent(t, events, timeout)

	platform.closeClientConnections()

	event := awaitEvent(t, events, timeout)
	assert.NotEqual(t, nil, event.Err)
	awaitClosed(t, events, timeout)

	// the old watch does not resume, new work flows after the reconnect
	assert.Equal(t, true, transport.WaitForConnect(ctx))
	awaitCondition(t, timeout, func() bool {
		return platform.subscriberCount(key) == 0
	})

	_, err = transport.Write(ctx, key, Document{"name": "ann"})
	assert.Equal(t, nil, err)
	second, stopSecond, err := transport.Watch(ctx, key)
	assert.Equal(t, nil, err)
	defer stopSecond()
	event = awaitEvent(t, second, timeout)
	assert.Equal(t, "ann", event.Doc["name"])
}

func TestWsTransportNotConnected(t *testing.T) {
	// requests fail fast while the transport is disconnected

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	platform := newTestPlatform(t)
	platform.Close()

	transport := NewWsTransport(ctx, platform.url(), testClientAuth(), testWsSettings())
	defer transport.Close()

	waitCtx, waitCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer waitCancel()
	assert.Equal(t, false, transport.WaitForConnect(waitCtx))

	key := NewDocumentKey("users", "u1")

	_, err := transport.Read(ctx, key)
	assert.NotEqual(t, nil, err)
	_, err = transport.Write(ctx, key, Document{"name": "ann"})
	assert.NotEqual(t, nil, err)
	_, _, err = transport.Watch(ctx, key)
	assert.NotEqual(t, nil, err)
}

func testClientAuth() *ClientAuth {
	return &ClientAuth{
		ByJwt:      "test",
		InstanceId: NewId(),
		AppVersion: "test 0.0.0",
	}
}

func testWsSettings() *WsTransportSettings {
	settings := DefaultWsTransportSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	return settings
}

// a minimal in process platform. one document table, subscriber writes under
// one mutex so events follow commit order.
type testPlatform struct {
	t *testing.T

	server *httptest.Server

	mutex         sync.Mutex
	docs          map[DocumentKey]Document
	subscribers   map[Id]*testSubscriber
	conns         map[*testPlatformConn]bool
	nextReadError string
}

type testSubscriber struct {
	key  DocumentKey
	conn *testPlatformConn
}

type testPlatformConn struct {
	ws *websocket.Conn

	writeMutex sync.Mutex
}

func (self *testPlatformConn) writeFrame(frame *wsFrame) {
	message, err := json.Marshal(frame)
	if err != nil {
		return
	}
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	self.ws.WriteMessage(websocket.BinaryMessage, message)
}

func newTestPlatform(t *testing.T) *testPlatform {
	platform := &testPlatform{
		t:           t,
		docs:        map[DocumentKey]Document{},
		subscribers: map[Id]*testSubscriber{},
		conns:       map[*testPlatformConn]bool{},
	}
	platform.server = httptest.NewServer(http.HandlerFunc(platform.handle))
	return platform
}

func (self *testPlatform) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testPlatform) Close() {
	self.server.Close()
}

// httptest's CloseClientConnections does not reach hijacked connections, so
// the platform severs its own websocket conns to simulate a drop
func (self *testPlatform) closeClientConnections() {
	self.mutex.Lock()
	conns := make([]*testPlatformConn, 0, len(self.conns))
	for conn := range self.conns {
		conns = append(conns, conn)
	}
	self.mutex.Unlock()
	for _, conn := range conns {
		conn.ws.Close()
	}
}

func (self *testPlatform) failNextRead(message string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.nextReadError = message
}

func (self *testPlatform) subscriberCount(key DocumentKey) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	count := 0
	for _, subscriber := range self.subscribers {
		if subscriber.key == key {
			count += 1
		}
	}
	return count
}

func (self *testPlatform) breakWatches(key DocumentKey, message string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for subscriptionId, subscriber := range self.subscribers {
		if subscriber.key == key {
			subscriber.conn.writeFrame(&wsFrame{
				Op:             wsOpEvent,
				SubscriptionId: subscriptionId,
				Error:          message,
			})
			delete(self.subscribers, subscriptionId)
		}
	}
}

func (self *testPlatform) handle(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	// the auth exchange echoes the exact bytes back
	_, authBytes, err := ws.ReadMessage()
	if err != nil {
		return
	}
	auth := &wsAuth{}
	if err := json.Unmarshal(authBytes, auth); err != nil {
		return
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		return
	}

	conn := &testPlatformConn{ws: ws}
	self.addConn(conn)
	defer self.dropConn(conn)

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if len(message) == 0 {
			// ping
			continue
		}
		frame := &wsFrame{}
		if err := json.Unmarshal(message, frame); err != nil {
			continue
		}
		self.handleFrame(conn, frame)
	}
}

func (self *testPlatform) addConn(conn *testPlatformConn) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.conns[conn] = true
}

func (self *testPlatform) dropConn(conn *testPlatformConn) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.conns, conn)
	for subscriptionId, subscriber := range self.subscribers {
		if subscriber.conn == conn {
			delete(self.subscribers, subscriptionId)
		}
	}
}

func (self *testPlatform) handleFrame(conn *testPlatformConn, frame *wsFrame) {
	key := NewDocumentKey(frame.Collection, frame.DocId)

	switch frame.Op {
	case wsOpRead:
		self.mutex.Lock()
		doc, ok := self.docs[key]
		readError := self.nextReadError
		self.nextReadError = ""
		self.mutex.Unlock()

		result := &wsFrame{Op: wsOpResult, RequestId: frame.RequestId}
		if readError != "" {
			result.Error = readError
		} else if ok {
			result.Doc = doc
		} else {
			result.NotFound = true
		}
		conn.writeFrame(result)
	case wsOpWrite:
		doc := frame.Doc
		if doc == nil {
			doc = Document{}
		}
		self.mutex.Lock()
		self.docs[key] = doc
		self.notifySubscribers(key, doc)
		self.mutex.Unlock()
		conn.writeFrame(&wsFrame{Op: wsOpResult, RequestId: frame.RequestId, Doc: doc})
	case wsOpDelete:
		self.mutex.Lock()
		_, present := self.docs[key]
		delete(self.docs, key)
		if present {
			self.notifySubscribers(key, Document{})
		}
		self.mutex.Unlock()
		conn.writeFrame(&wsFrame{Op: wsOpResult, RequestId: frame.RequestId})
	case wsOpExists:
		self.mutex.Lock()
		_, exists := self.docs[key]
		self.mutex.Unlock()
		conn.writeFrame(&wsFrame{Op: wsOpResult, RequestId: frame.RequestId, Exists: &exists})
	case wsOpWatch:
		self.mutex.Lock()
		self.subscribers[frame.SubscriptionId] = &testSubscriber{
			key:  key,
			conn: conn,
		}
		snapshot, ok := self.docs[key]
		if !ok {
			snapshot = Document{}
		}
		conn.writeFrame(&wsFrame{Op: wsOpResult, RequestId: frame.RequestId})
		conn.writeFrame(&wsFrame{Op: wsOpEvent, SubscriptionId: frame.SubscriptionId, Doc: snapshot})
		self.mutex.Unlock()
	case wsOpUnwatch:
		self.mutex.Lock()
		delete(self.subscribers, frame.SubscriptionId)
		self.mutex.Unlock()
	default:
		self.t.Logf("unhandled frame op %s", frame.Op)
	}
}

// must be called with the mutex held
func (self *testPlatform) notifySubscribers(key DocumentKey, doc Document) {
	for subscriptionId, subscriber := range self.subscribers {
		if subscriber.key == key {
			subscriber.conn.writeFrame(&wsFrame{
				Op:             wsOpEvent,
				SubscriptionId: subscriptionId,
				Doc:            doc,
			})
		}
	}
}
