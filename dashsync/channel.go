package dashsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

type ChannelState string

const (
	ChannelStateDisconnected ChannelState = "disconnected"
	ChannelStateNegotiating  ChannelState = "negotiating"
	ChannelStateConnecting   ChannelState = "connecting"
	ChannelStateConnected    ChannelState = "connected"
	ChannelStateReconnecting ChannelState = "reconnecting"
)

// TopicHandler receives the raw argument list of one event frame.
// Handlers run on the read loop goroutine and must not block.
type TopicHandler = func(arguments []json.RawMessage)

// a token reused on reconnect must have at least this much life left
const credentialExpireMargin = 10 * time.Second

type ChannelSettings struct {
	WsHandshakeTimeout  time.Duration
	ReconnectTimeout    time.Duration
	MaxReconnectTimeout time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		WsHandshakeTimeout:  5 * time.Second,
		ReconnectTimeout:    1 * time.Second,
		MaxReconnectTimeout: 32 * time.Second,
		PingTimeout:         15 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         60 * time.Second,
	}
}

// wire frame of the status hub. An empty target is a keepalive ping.
type hubMessage struct {
	Target    string            `json:"target,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
}

// Channel multiplexes one hub connection across any number of consumers.
// Consumers call Acquire/Release to share the connection by refcount, or
// Connect/Disconnect to manage it directly. Once connected, the channel
// reconnects on its own after transport drops, negotiating a fresh
// credential per attempt, until Disconnect.
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *AdminApi
	settings *ChannelSettings

	trace LogFunction

	stateLock      sync.Mutex
	state          ChannelState
	refCount       int
	conn           *channelConn
	subscribers    map[string]*CallbackList[TopicHandler]
	lastCredential *NegotiateResult
}

// one logical connection session. The session spans transport reconnects
// and ends only on disconnect or initial connect failure.
type channelConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	ready    chan struct{}
	readyErr error
}

func NewChannel(ctx context.Context, api *AdminApi) *Channel {
	return NewChannelWithSettings(ctx, api, DefaultChannelSettings())
}

func NewChannelWithSettings(ctx context.Context, api *AdminApi, settings *ChannelSettings) *Channel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Channel{
		ctx:         cancelCtx,
		cancel:      cancel,
		api:         api,
		settings:    settings,
		trace:       LogFn(2, "[ch]"),
		state:       ChannelStateDisconnected,
		subscribers: map[string]*CallbackList[TopicHandler]{},
	}
}

func (self *Channel) State() ChannelState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

// Cancel tears the channel down for good, ending any session.
func (self *Channel) Cancel() {
	self.cancel()
}

// Acquire registers a consumer and ensures the channel is connected.
// Pair every successful Acquire with exactly one Release.
func (self *Channel) Acquire(ctx context.Context) error {
	self.stateLock.Lock()
	self.refCount += 1
	self.stateLock.Unlock()

	if err := self.Connect(ctx); err != nil {
		self.stateLock.Lock()
		self.refCount -= 1
		self.stateLock.Unlock()
		return err
	}
	return nil
}

func (self *Channel) Release() {
	self.stateLock.Lock()
	if self.refCount == 0 {
		self.stateLock.Unlock()
		glog.Warningf("[ch]release without acquire\n")
		return
	}
	self.refCount -= 1
	last := self.refCount == 0
	self.stateLock.Unlock()

	if last {
		self.Disconnect()
	}
}

// Connect negotiates and opens the hub connection. Calling while a
// session exists joins it, so concurrent and repeated calls share one
// transport. The given ctx bounds only this caller's wait, not the
// session itself.
func (self *Channel) Connect(ctx context.Context) error {
	self.stateLock.Lock()
	conn := self.conn
	if conn == nil {
		connCtx, connCancel := context.WithCancel(self.ctx)
		conn = &channelConn{
			ctx:    connCtx,
			cancel: connCancel,
			ready:  make(chan struct{}),
		}
		self.conn = conn
		self.state = ChannelStateNegotiating
		go self.run(conn)
	}
	self.stateLock.Unlock()

	select {
	case <-conn.ready:
		return conn.readyErr
	case <-conn.ctx.Done():
		return NewRequestError(ErrorKindCancelled, "channel disconnected")
	case <-ctx.Done():
		return classifyTransport(ctx.Err())
	}
}

// Disconnect ends the session and clears subscriptions so that a
// subsequent Connect starts fresh.
func (self *Channel) Disconnect() {
	self.stateLock.Lock()
	conn := self.conn
	if conn == nil {
		self.stateLock.Unlock()
		glog.Warningf("[ch]disconnect while disconnected has no effect\n")
		return
	}
	self.conn = nil
	self.state = ChannelStateDisconnected
	maps.Clear(self.subscribers)
	self.stateLock.Unlock()

	conn.cancel()
}

// Subscribe registers a handler for one event target. The returned
// disposer removes it and is safe to call more than once. Subscribing
// while disconnected has no effect beyond a warning, callers connect
// first.
func (self *Channel) Subscribe(topic string, handler TopicHandler) func() {
	self.stateLock.Lock()
	if self.conn == nil {
		self.stateLock.Unlock()
		glog.Warningf("[ch]subscribe %s while disconnected has no effect\n", topic)
		return func() {}
	}
	topicCallbacks, ok := self.subscribers[topic]
	if !ok {
		topicCallbacks = NewCallbackList[TopicHandler]()
		self.subscribers[topic] = topicCallbacks
	}
	callbackId := topicCallbacks.Add(handler)
	self.stateLock.Unlock()

	return func() {
		topicCallbacks.Remove(callbackId)
	}
}

func (self *Channel) run(conn *channelConn) {
	defer func() {
		conn.cancel()
		self.stateLock.Lock()
		if self.conn == conn {
			self.conn = nil
			self.state = ChannelStateDisconnected
		}
		self.stateLock.Unlock()
	}()

	// initial attempt. A failure here fails Connect, there is no retry
	// until the next Connect.
	ws, err := self.dial(conn, true)
	if err != nil {
		conn.readyErr = err
		close(conn.ready)
		return
	}
	self.setState(conn, ChannelStateConnected)
	close(conn.ready)

	for {
		self.serve(conn.ctx, ws)
		select {
		case <-conn.ctx.Done():
			return
		default:
		}

		// the transport dropped without a disconnect
		self.setState(conn, ChannelStateReconnecting)
		glog.Infof("[ch]connection lost, reconnecting\n")
		reconnect := NewReconnectWithMax(self.settings.ReconnectTimeout, self.settings.MaxReconnectTimeout)
		for {
			select {
			case <-conn.ctx.Done():
				return
			case <-reconnect.After():
			}
			var reconnectErr error
			ws, reconnectErr = self.dial(conn, false)
			if reconnectErr == nil {
				break
			}
			if KindOf(reconnectErr) == ErrorKindCancelled {
				return
			}
			glog.Infof("[ch]reconnect error = %s\n", reconnectErr)
		}
		self.setState(conn, ChannelStateConnected)
		glog.Infof("[ch]reconnected\n")
	}
}

func (self *Channel) dial(conn *channelConn, first bool) (*websocket.Conn, error) {
	credential, err := self.negotiate(conn.ctx)
	if err != nil {
		return nil, err
	}
	if first {
		self.setState(conn, ChannelStateConnecting)
	}

	wsUrl, err := hubUrl(credential)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(conn.ctx, wsUrl, nil)
	if err != nil {
		if conn.ctx.Err() != nil {
			return nil, classifyTransport(conn.ctx.Err())
		}
		return nil, NewRequestError(ErrorKindNetwork, fmt.Sprintf("hub dial: %s", err))
	}
	return ws, nil
}

// negotiate fetches a fresh credential for this attempt. If the
// negotiate endpoint misbehaves and the last issued token still has
// life, reconnect with that instead of staying down.
func (self *Channel) negotiate(ctx context.Context) (*NegotiateResult, error) {
	credential, err := self.api.NegotiateSync(ctx)
	if err == nil {
		self.stateLock.Lock()
		self.lastCredential = credential
		self.stateLock.Unlock()
		return credential, nil
	}
	if KindOf(err) == ErrorKindCancelled {
		return nil, err
	}

	self.stateLock.Lock()
	lastCredential := self.lastCredential
	self.stateLock.Unlock()
	if lastCredential != nil && !credentialExpired(lastCredential.AccessToken) {
		glog.Infof("[ch]negotiate error = %s, reusing last issued credential\n", err)
		return lastCredential, nil
	}
	return nil, err
}

// serve pumps one transport connection until it breaks or ctx ends.
func (self *Channel) serve(ctx context.Context, ws *websocket.Conn) {
	handleCtx, handleCancel := context.WithCancel(ctx)

	go func() {
		defer func() {
			handleCancel()
			ws.Close()
		}()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, []byte("{}")); err != nil {
				self.trace("ping error = %s", err)
				return
			}
		}
	}()

	defer func() {
		handleCancel()
		ws.Close()
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[ch]read error = %s\n", err)
			return
		}
		switch messageType {
		case websocket.TextMessage:
			self.dispatch(message)
		default:
			// the hub is json only
			self.trace("ignoring message type %d", messageType)
		}
	}
}

// dispatch fans one frame out to the target's subscribers in add order.
// A panicking handler is contained so that it cannot take down the read
// loop or starve later subscribers.
func (self *Channel) dispatch(message []byte) {
	var frame hubMessage
	if err := json.Unmarshal(message, &frame); err != nil {
		glog.Infof("[ch]dropping malformed frame = %s\n", err)
		return
	}
	if frame.Target == "" {
		self.trace("ping")
		return
	}

	self.stateLock.Lock()
	topicCallbacks := self.subscribers[frame.Target]
	self.stateLock.Unlock()
	if topicCallbacks == nil {
		self.trace("no subscribers for %s", frame.Target)
		return
	}
	for _, handler := range topicCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[ch]handler panic for %s = %v\n", frame.Target, r)
				}
			}()
			handler(frame.Arguments)
		}()
	}
}

func (self *Channel) setState(conn *channelConn, state ChannelState) {
	self.stateLock.Lock()
	if self.conn != conn {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()
	glog.V(1).Infof("[ch]state %s\n", state)
}

// the negotiated url is http(s), the hub speaks websocket. The access
// token rides the query per the service contract.
func hubUrl(credential *NegotiateResult) (string, error) {
	hub, err := url.Parse(credential.Url)
	if err != nil {
		return "", NewRequestError(ErrorKindNegotiationFailed, fmt.Sprintf("bad hub url: %s", err))
	}
	switch hub.Scheme {
	case "http":
		hub.Scheme = "ws"
	case "https":
		hub.Scheme = "wss"
	}
	query := hub.Query()
	query.Set("access_token", credential.AccessToken)
	hub.RawQuery = query.Encode()
	return hub.String(), nil
}

func credentialExpired(accessToken string) bool {
	token, _, err := gojwt.NewParser().ParseUnverified(accessToken, gojwt.MapClaims{})
	if err != nil {
		// opaque token, assume usable
		return false
	}
	expirationTime, err := token.Claims.GetExpirationTime()
	if err != nil || expirationTime == nil {
		return false
	}
	return expirationTime.Before(time.Now().Add(credentialExpireMargin))
}
