package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// errors surfaced by the ws transport. the repository converts these to its
// own taxonomy at the read/write boundary.
var (
	errNotConnected   = errors.New("not connected")
	errConnectionLost = errors.New("connection lost")
	errRequestTimeout = errors.New("request timeout")
)

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		RequestTimeout:     15 * time.Second,
		SendBufferSize:     32,
		WatchBufferSize:    32,
	}
}

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	RequestTimeout     time.Duration
	SendBufferSize     int
	WatchBufferSize    int
}

// frame ops
const (
	wsOpRead    = "read"
	wsOpWrite   = "write"
	wsOpDelete  = "delete"
	wsOpExists  = "exists"
	wsOpWatch   = "watch"
	wsOpUnwatch = "unwatch"
	wsOpResult  = "result"
	wsOpEvent   = "event"
)

// wsFrame is the json envelope for every message after the auth exchange.
// Requests carry a request id and are answered by exactly one result frame.
// Watch subscriptions carry a subscription id and receive event frames until
// an event with an error, which is terminal.
type wsFrame struct {
	Op             string   `json:"op"`
	RequestId      Id       `json:"request_id"`
	SubscriptionId Id       `json:"subscription_id"`
	Collection     string   `json:"collection,omitempty"`
	DocId          string   `json:"doc_id,omitempty"`
	Doc            Document `json:"doc,omitempty"`
	Exists         *bool    `json:"exists,omitempty"`
	NotFound       bool     `json:"not_found,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// wsAuth is the first message on a new connection. The platform echoes the
// exact bytes back to accept the client.
type wsAuth struct {
	ByJwt      string `json:"by_jwt"`
	AppVersion string `json:"app_version"`
	InstanceId Id     `json:"instance_id"`
}

type wsConn struct {
	ws   *websocket.Conn
	send chan []byte
	done <-chan struct{}
}

type wsSubscription struct {
	key  DocumentKey
	pump *WatchPump
}

// WsTransport speaks the store protocol over a single websocket. Requests
// fail fast while disconnected, and a connection drop delivers a terminal
// error to every open watch. The run loop keeps redialing until Close.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url  string
	auth *ClientAuth

	settings *WsTransportSettings

	connectMonitor *Monitor

	mutex         sync.Mutex
	conn          *wsConn
	pending       map[Id]chan *wsFrame
	subscriptions map[Id]*wsSubscription
}

func NewWsTransportWithDefaults(
	ctx context.Context,
	url string,
	auth *ClientAuth,
) *WsTransport {
	return NewWsTransport(ctx, url, auth, DefaultWsTransportSettings())
}

func NewWsTransport(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	settings *WsTransportSettings,
) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WsTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		url:            url,
		auth:           auth,
		settings:       settings,
		connectMonitor: NewMonitor(),
		pending:        map[Id]chan *wsFrame{},
		subscriptions:  map[Id]*wsSubscription{},
	}
	go HandleError(transport.run)
	return transport
}

func (self *WsTransport) run() {
	defer self.cancel()

	clientId, _ := self.auth.ClientId()

	authBytes, err := json.Marshal(&wsAuth{
		ByJwt:      self.auth.ByJwt,
		AppVersion: self.auth.AppVersion,
		InstanceId: self.auth.InstanceId,
	})
	if err != nil {
		return
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.BinaryMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("Auth response error: bad bytes.")
					}
				default:
					return nil, fmt.Errorf("Auth response error.")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[ws]auth error %s = %s\n", clientId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		self.runConn(ws, clientId)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *WsTransport) runConn(ws *websocket.Conn, clientId Id) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	conn := &wsConn{
		ws:   ws,
		send: make(chan []byte, self.settings.SendBufferSize),
		done: handleCtx.Done(),
	}

	self.mutex.Lock()
	self.conn = conn
	self.mutex.Unlock()
	self.connectMonitor.NotifyAll()
	glog.V(1).Infof("[ws]connect %s\n", clientId)

	defer self.disconnect(conn, clientId)

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-conn.send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[ws]%s-> error = %s\n", clientId, err)
					return
				}
				glog.V(2).Infof("[ws]%s->\n", clientId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[ws]%s<- error = %s\n", clientId, err)
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if 0 == len(message) {
					// ping
					glog.V(2).Infof("[ws]ping %s<-\n", clientId)
					continue
				}

				frame := &wsFrame{}
				if err := json.Unmarshal(message, frame); err != nil {
					glog.Infof("[ws]%s<- bad frame = %s\n", clientId, err)
					continue
				}
				self.dispatch(frame)
				glog.V(2).Infof("[ws]%s<- %s\n", clientId, frame.Op)
			default:
				glog.V(2).Infof("[ws]other=%d %s<-\n", messageType, clientId)
			}
		}
	}()

	<-handleCtx.Done()
}

// disconnect detaches the conn and resolves everything in flight. Pending
// requests fail with connection lost, and every open subscription receives a
// terminal error event. Watches do not resume on reconnect.
func (self *WsTransport) disconnect(conn *wsConn, clientId Id) {
	self.mutex.Lock()
	if self.conn != conn {
		self.mutex.Unlock()
		return
	}
	self.conn = nil
	pending := self.pending
	self.pending = map[Id]chan *wsFrame{}
	subscriptions := self.subscriptions
	self.subscriptions = map[Id]*wsSubscription{}
	self.mutex.Unlock()

	for _, response := range pending {
		close(response)
	}
	for _, subscription := range subscriptions {
		// the pump exits itself after delivering the terminal event
		subscription.pump.Push(WatchEvent{Err: errConnectionLost})
	}
	glog.V(1).Infof("[ws]disconnect %s pending=%d subscriptions=%d\n", clientId, len(pending), len(subscriptions))
}

// WaitForConnect blocks until the transport has an authenticated connection.
func (self *WsTransport) WaitForConnect(ctx context.Context) bool {
	for {
		// take the notify channel before the check so a connect between the
		// two still wakes the select
		notify := self.connectMonitor.NotifyChannel()

		self.mutex.Lock()
		connected := self.conn != nil
		self.mutex.Unlock()
		if connected {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-self.ctx.Done():
			return false
		case <-notify:
		}
	}
}

func (self *WsTransport) request(ctx context.Context, frame *wsFrame) (*wsFrame, error) {
	requestId := NewId()
	frame.RequestId = requestId
	response := make(chan *wsFrame, 1)

	self.mutex.Lock()
	conn := self.conn
	if conn == nil {
		self.mutex.Unlock()
		return nil, errNotConnected
	}
	self.pending[requestId] = response
	self.mutex.Unlock()

	message, err := json.Marshal(frame)
	if err != nil {
		self.removePending(requestId)
		return nil, err
	}

	select {
	case <-ctx.Done():
		self.removePending(requestId)
		return nil, ctx.Err()
	case <-self.ctx.Done():
		self.removePending(requestId)
		return nil, ErrDisposed
	case <-conn.done:
		self.removePending(requestId)
		return nil, errConnectionLost
	case conn.send <- message:
	}

	select {
	case <-ctx.Done():
		self.removePending(requestId)
		return nil, ctx.Err()
	case <-self.ctx.Done():
		self.removePending(requestId)
		return nil, ErrDisposed
	case responseFrame, ok := <-response:
		if !ok {
			return nil, errConnectionLost
		}
		return responseFrame, nil
	case <-time.After(self.settings.RequestTimeout):
		self.removePending(requestId)
		return nil, errRequestTimeout
	}
}

func (self *WsTransport) removePending(requestId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.pending, requestId)
}

func (self *WsTransport) dispatch(frame *wsFrame) {
	switch frame.Op {
	case wsOpResult:
		self.mutex.Lock()
		response, ok := self.pending[frame.RequestId]
		if ok {
			delete(self.pending, frame.RequestId)
		}
		self.mutex.Unlock()
		if ok {
			// buffered, sole sender for this request id
			response <- frame
		}
	case wsOpEvent:
		terminal := frame.Error != ""
		self.mutex.Lock()
		subscription, ok := self.subscriptions[frame.SubscriptionId]
		if ok && terminal {
			delete(self.subscriptions, frame.SubscriptionId)
		}
		self.mutex.Unlock()
		if !ok {
			// already unwatched
			glog.V(2).Infof("[ws]drop event %s\n", frame.SubscriptionId)
			return
		}
		if terminal {
			subscription.pump.Push(WatchEvent{Err: fmt.Errorf("watch %s: %s", subscription.key, frame.Error)})
		} else {
			doc := frame.Doc
			if doc == nil {
				doc = Document{}
			}
			subscription.pump.Push(WatchEvent{Doc: doc})
		}
	default:
		glog.V(2).Infof("[ws]drop op %s\n", frame.Op)
	}
}

func (self *WsTransport) Read(ctx context.Context, key DocumentKey) (Document, error) {
	response, err := self.request(ctx, &wsFrame{
		Op:         wsOpRead,
		Collection: key.Collection,
		DocId:      key.DocId,
	})
	if err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, fmt.Errorf("read %s: %s", key, response.Error)
	}
	if response.NotFound {
		return nil, ErrNotFound
	}
	return response.Doc, nil
}

func (self *WsTransport) Write(ctx context.Context, key DocumentKey, doc Document) (Document, error) {
	response, err := self.request(ctx, &wsFrame{
		Op:         wsOpWrite,
		Collection: key.Collection,
		DocId:      key.DocId,
		Doc:        doc,
	})
	if err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, fmt.Errorf("write %s: %s", key, response.Error)
	}
	return response.Doc, nil
}

func (self *WsTransport) Delete(ctx context.Context, key DocumentKey) error {
	response, err := self.request(ctx, &wsFrame{
		Op:         wsOpDelete,
		Collection: key.Collection,
		DocId:      key.DocId,
	})
	if err != nil {
		return err
	}
	if response.Error != "" {
		return fmt.Errorf("delete %s: %s", key, response.Error)
	}
	return nil
}

func (self *WsTransport) Exists(ctx context.Context, key DocumentKey) (bool, error) {
	response, err := self.request(ctx, &wsFrame{
		Op:         wsOpExists,
		Collection: key.Collection,
		DocId:      key.DocId,
	})
	if err != nil {
		return false, err
	}
	if response.Error != "" {
		return false, fmt.Errorf("exists %s: %s", key, response.Error)
	}
	if response.Exists == nil {
		return false, fmt.Errorf("exists %s: malformed result", key)
	}
	return *response.Exists, nil
}

func (self *WsTransport) Watch(ctx context.Context, key DocumentKey) (<-chan WatchEvent, func(), error) {
	subscriptionId := NewId()
	pump := NewWatchPump(self.ctx, self.settings.WatchBufferSize)

	// register before the request so events that beat the result frame land
	// in the pump
	self.mutex.Lock()
	if self.conn == nil {
		self.mutex.Unlock()
		pump.Close()
		return nil, nil, errNotConnected
	}
	self.subscriptions[subscriptionId] = &wsSubscription{
		key:  key,
		pump: pump,
	}
	self.mutex.Unlock()

	response, err := self.request(ctx, &wsFrame{
		Op:             wsOpWatch,
		SubscriptionId: subscriptionId,
		Collection:     key.Collection,
		DocId:          key.DocId,
	})
	if err == nil && response.Error != "" {
		err = fmt.Errorf("watch %s: %s", key, response.Error)
	}
	if err != nil {
		self.removeSubscription(subscriptionId)
		pump.Close()
		return nil, nil, err
	}

	stop := func() {
		self.removeSubscription(subscriptionId)
		pump.Close()
		// best effort. the platform also unwatches on disconnect.
		self.trySend(&wsFrame{
			Op:             wsOpUnwatch,
			SubscriptionId: subscriptionId,
		})
	}
	glog.V(1).Infof("[ws]watch open %s\n", key)
	return pump.Events(), stop, nil
}

func (self *WsTransport) removeSubscription(subscriptionId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.subscriptions, subscriptionId)
}

func (self *WsTransport) trySend(frame *wsFrame) {
	self.mutex.Lock()
	conn := self.conn
	self.mutex.Unlock()
	if conn == nil {
		return
	}

	message, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case conn.send <- message:
	default:
		// full or closing. drop it.
	}
}

func (self *WsTransport) Close() {
	self.cancel()
}
