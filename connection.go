package corehub

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/caldera-oss/corehub/challenge"
	"github.com/caldera-oss/corehub/config"
	"github.com/caldera-oss/corehub/hubs"
	corelog "github.com/caldera-oss/corehub/internal/log"
)

// ConnectionState is the lifecycle state of one Connection. It is
// monotonic from New in the order declared here, except that Connecting
// may jump directly to Disconnected on handshake failure. Disconnected is
// terminal: a new Connection must be constructed to reconnect.
type ConnectionState int32

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionDescriptor is the opaque handshake result produced by
// negotiate and consumed by connect/start/abort. Discarded on teardown.
type ConnectionDescriptor struct {
	ConnectionID               string   `json:"ConnectionId"`
	ConnectionToken            string   `json:"ConnectionToken"`
	ProtocolVersion            string   `json:"ProtocolVersion"`
	TransportConnectTimeoutSec float64  `json:"TransportConnectTimeout"`
	DisconnectTimeoutSec       float64  `json:"DisconnectTimeout"`
	KeepAliveTimeoutSec        *float64 `json:"KeepAliveTimeout,omitempty"`
}

// handshakeTimeoutFactor matches Open Question 1 of the reference design:
// the server-advertised TransportConnectTimeout (seconds) is doubled, then
// converted to milliseconds. Preserved exactly even though the factor
// isn't obviously justified, to match observed server tolerance.
const handshakeTimeoutFactor = 2

func (d ConnectionDescriptor) handshakeTimeout() time.Duration {
	ms := d.TransportConnectTimeoutSec * handshakeTimeoutFactor * 1000
	return time.Duration(ms) * time.Millisecond
}

// socket is the subset of *websocket.Conn the Connection depends on. It
// exists so that tests can substitute a double without standing up a real
// TCP listener for every case.
type socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type pendingCall struct {
	callback func(result json.RawMessage, callErr error)
}

// connEventKind tags the variants of connEvent.
type connEventKind int

const (
	connEvtConnected connEventKind = iota
	connEvtData
	connEvtConnectionError
	connEvtDisconnected
)

// connEvent is the internal sum type a Connection emits on its events
// channel. The Client facade is the sole consumer.
type connEvent struct {
	kind connEventKind

	connectionID string

	data hubs.PushMessage

	errStep     string
	errAttempts int
	errRetry    bool
	err         error

	closeCode   int
	closeReason string
}

// Connection owns one transport session end to end: negotiate, connect,
// start, and the live message loop, through to abort on teardown. It
// exclusively owns its socket, its Heartbeat Record and its Pending
// Callback Table. Credentials are passed in explicitly rather than read
// from package-level state (Design Note: hidden global-ish state).
type Connection struct {
	opts  config.Options
	creds challenge.Credentials
	http  *http.Client
	log   *corelog.Logger

	// customID identifies this Connection in log lines, so concurrent
	// Connections (across reconnects, or across multiple Clients in one
	// process) can be told apart in the log stream.
	customID string

	mu                 sync.Mutex
	state              ConnectionState
	closeSuppressed    bool // set by Disconnect, failHandshake or finalize; never cleared
	connectedAnnounced bool // set once connEvtConnected has been queued
	descriptor         ConnectionDescriptor
	conn               socket
	startSucceeded  bool

	idCounter uint32 // local to this Connection; a fresh Connection always starts at 0
	pendingMu sync.Mutex
	pending   map[uint32]pendingCall

	isAlive atomic.Bool

	events chan connEvent

	// httpScheme/wsScheme are "https"/"wss" in production. Tests in this
	// package override them to talk to a plaintext httptest.Server.
	httpScheme string
	wsScheme   string
}

// NewConnection creates a Connection in state New. httpClient may be nil,
// in which case an http.Client with a 60 s timeout is used.
func NewConnection(opts config.Options, creds challenge.Credentials, httpClient *http.Client) *Connection {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &Connection{
		opts:       opts,
		creds:      creds,
		http:       httpClient,
		log:        corelog.Default(),
		customID:   uuid.NewString(),
		state:      StateNew,
		pending:    make(map[uint32]pendingCall),
		events:     make(chan connEvent, 64),
		httpScheme: "https",
		wsScheme:   "wss",
	}
}

// logEntry scopes a log line to this Connection's correlation id, so
// concurrent Connections (across reconnects, or across multiple Clients
// in one process) can be told apart in the log stream.
func (c *Connection) logEntry(component string) *logrus.Entry {
	return c.log.WithComponent(component).WithField("conn_id", c.customID)
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// connectedAnnouncedNow reports whether connEvtConnected has already been
// queued on events. readLoop checks this before dispatching a push, so a
// push observed the instant state flips to Connected can never reach
// events ahead of the connected event itself.
func (c *Connection) connectedAnnouncedNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAnnounced
}

// Events returns the channel of internal lifecycle and data events. Closed
// once the Connection reaches Disconnected and has delivered every event
// already in flight.
func (c *Connection) Events() <-chan connEvent {
	return c.events
}

// Connect is permitted only in state New. It transitions New -> Connecting
// and asynchronously drives negotiate -> connect -> start. Returns false
// if called outside New.
func (c *Connection) Connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.state != StateNew {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnecting
	c.mu.Unlock()

	go c.runHandshake(ctx)
	return true
}

func (c *Connection) runHandshake(ctx context.Context) {
	descriptor, err := c.negotiate(ctx)
	if err != nil {
		c.failHandshake("negotiate", err)
		return
	}

	c.mu.Lock()
	c.descriptor = descriptor
	c.mu.Unlock()

	conn, err := c.connectWebsocket(ctx, descriptor)
	if err != nil {
		c.failHandshake("connect", err)
		return
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// disconnect() ran while we were mid-handshake.
		c.mu.Unlock()
		_ = conn.Close()
		close(c.events)
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.startHeartbeat()
	go c.readLoop()

	if !c.opts.IgnoreStartStep {
		if err := c.start(ctx, descriptor); err != nil {
			c.failHandshake("start", err)
			return
		}
		c.mu.Lock()
		c.startSucceeded = true
		c.mu.Unlock()
	} else {
		c.mu.Lock()
		c.startSucceeded = true
		c.mu.Unlock()
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.mu.Unlock()

	c.events <- connEvent{kind: connEvtConnected, connectionID: descriptor.ConnectionID}

	// readLoop has been running since before the start phase, watching for
	// StateConnected; it's gated on this flag too so it can't dispatch a
	// push ahead of the connected event above on the shared channel.
	c.mu.Lock()
	c.connectedAnnounced = true
	c.mu.Unlock()
}

func (c *Connection) failHandshake(step string, err error) {
	var attempts int
	var ae attemptCounter
	if errors.As(err, &ae) {
		attempts = ae.Attempts()
	}

	c.mu.Lock()
	wasConnecting := c.state == StateConnecting
	c.state = StateDisconnected
	c.closeSuppressed = true
	conn := c.conn
	c.mu.Unlock()

	if wasConnecting {
		c.events <- connEvent{
			kind:        connEvtConnectionError,
			errStep:     step,
			errAttempts: attempts,
			errRetry:    false,
			err:         err,
		}
	}

	// With a socket open, readLoop is running and its finalize closes
	// events; otherwise nothing else will.
	if conn != nil {
		_ = conn.Close()
	} else {
		close(c.events)
	}
}

// attemptCounter lets failHandshake recover how many attempts a retry-
// exhausted error represents, without retry depending on this package.
type attemptCounter interface {
	Attempts() int
}

// Disconnect is permitted from any non-terminal state. It transitions
// immediately to Disconnecting, closes the socket gracefully, fires abort
// if start had completed, and reaches Disconnected. It never emits
// disconnected.
func (c *Connection) Disconnect(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateDisconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	c.closeSuppressed = true
	conn := c.conn
	startSucceeded := c.startSucceeded
	descriptor := c.descriptor
	c.mu.Unlock()

	if conn != nil {
		gracefulClose(conn)
	}

	if startSucceeded {
		c.abort(ctx, descriptor)
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

func gracefulClose(s socket) {
	_ = s.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = s.Close()
}

// Invoke is valid only in Connected with an open socket. It assigns the
// next invocation id, stores the optional callback, and transmits
// {H,M,A,I}. Returns false if not Connected or if the transport write
// fails; on write failure the callback is not invoked, since the imminent
// disconnect path will propagate the failure.
func (c *Connection) Invoke(hubName, method string, args []interface{}, callback func(result json.RawMessage, callErr error)) bool {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	id := atomic.AddUint32(&c.idCounter, 1) - 1

	if callback != nil {
		c.pendingMu.Lock()
		c.pending[id] = pendingCall{callback: callback}
		c.pendingMu.Unlock()
	}

	msg := hubs.ClientMsg{H: hubName, M: lower(method), A: args, I: id}
	if err := conn.WriteJSON(msg); err != nil {
		c.logEntry("invoke").WithError(err).Warn("invocation write failed")
		return false
	}

	return true
}

func lower(s string) string {
	b := []byte(s)
	for i, ch := range b {
		if ch >= 'A' && ch <= 'Z' {
			b[i] = ch + ('a' - 'A')
		}
	}
	return string(b)
}

// readLoop processes inbound text frames once the socket is open. It
// serializes all frame handling on one goroutine, matching the single
// logical task queue the protocol assumes. Frames are dropped while the
// Connection isn't Connected.
func (c *Connection) readLoop() {
	var closeErr error
	defer func() { c.finalize(closeErr) }()

	for {
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			closeErr = err
			return
		}

		if string(p) == hubs.KeepAlive {
			continue
		}

		if c.State() != StateConnected {
			continue
		}

		var frame hubs.Frame
		if jsonErr := jsonUnmarshal(p, &frame); jsonErr != nil {
			continue
		}

		if frame.IsReply() {
			c.handleReply(frame)
			continue
		}

		if frame.IsPush() && c.connectedAnnouncedNow() {
			for _, pm := range frame.M {
				c.events <- connEvent{kind: connEvtData, data: pm}
			}
		}
	}
}

func (c *Connection) handleReply(frame hubs.Frame) {
	sm := frame.ServerMsg()
	id64, err := strconv.ParseUint(sm.I, 10, 32)
	if err != nil {
		return
	}
	id := uint32(id64)

	if sm.IsProgress() {
		return
	}

	c.pendingMu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok || call.callback == nil {
		return
	}

	if sm.IsError() {
		call.callback(nil, errors.New(*sm.E))
		return
	}

	var result json.RawMessage
	if sm.R != nil {
		result = *sm.R
	}
	call.callback(result, nil)
}

// finalize runs when the socket's read loop ends, whether because of a
// genuine transport close or because disconnect() already closed it. The
// emit-or-suppress decision is a pure function of closeSuppressed, set
// exactly once by Disconnect or a prior failHandshake/finalize.
func (c *Connection) finalize(closeErr error) {
	c.mu.Lock()
	alreadySuppressed := c.closeSuppressed
	wasLive := c.state == StateConnecting || c.state == StateConnected
	connectionID := c.descriptor.ConnectionID
	startSucceeded := c.startSucceeded
	descriptor := c.descriptor
	c.closeSuppressed = true
	c.state = StateDisconnected
	c.mu.Unlock()

	if !wasLive || alreadySuppressed {
		close(c.events)
		return
	}

	if startSucceeded {
		c.abort(context.Background(), descriptor)
	}

	code, reason := closeCodeAndReason(closeErr)
	c.events <- connEvent{
		kind:         connEvtDisconnected,
		connectionID: connectionID,
		closeCode:    code,
		closeReason:  reason,
	}
	close(c.events)
}

// closeCodeAndReason extracts the WebSocket close code and reason from a
// transport error, falling back to CloseAbnormalClosure for errors that
// aren't a proper close frame (a dropped TCP connection, a read timeout).
func closeCodeAndReason(err error) (int, string) {
	if err == nil {
		return websocket.CloseNormalClosure, ""
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func jsonUnmarshal(p []byte, v interface{}) error {
	return json.Unmarshal(p, v)
}
