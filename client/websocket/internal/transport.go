package internal

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

// State is the state of a single websocket connection.
type State int

const (
	// StateIdle means Connect wasn't called yet.
	StateIdle State = iota

	// StateDialing means the websocket handshake is in progress.
	StateDialing

	// StateOpen means the websocket connection is established.
	StateOpen

	// StateClosed means the connection has failed or was closed; see the cause
	// passed to OnStateChange. It's final: a Conn is never redialed, the owner
	// creates a new one instead.
	StateClosed
)

var StateNames = map[State]string{
	StateIdle:    "idle",
	StateDialing: "dialing",
	StateOpen:    "open",
	StateClosed:  "closed",
}

func (s State) String() string {
	return StateNames[s]
}

const (
	// The streaming server pings every 30 seconds.
	serverPingPeriod = 30 * time.Second

	// DefaultReadTimeout is how long to wait for any data from the server
	// before giving up on the connection.
	DefaultReadTimeout = 3 * serverPingPeriod

	DefaultHandshakeTimeout = 15 * time.Second

	// DefaultCloseTimeout is how long the server has to answer our close frame.
	DefaultCloseTimeout = 5 * time.Second

	maxWriteTimeout = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("transport error: not connected")
	ErrAlreadyUsed  = errors.New("transport error: Connect was already called")
)

// ConnParams contains params for dialing a Conn.
type ConnParams struct {
	URL string

	// Subprotocols to request during the handshake.
	Subprotocols []string

	// EnableCompression requests permessage-deflate.
	EnableCompression bool

	TLSConfig *tls.Config
	Header    http.Header

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	CloseTimeout     time.Duration
}

// Callbacks are called from the goroutine reading the connection, one at a
// time; OnStateChange is also called from Connect and Close.
type Callbacks struct {
	OnRead        func(data []byte)
	OnStateChange func(state State, cause error)
}

// Conn is a single websocket connection: it's dialed once, delivers the
// received messages to OnRead, and once closed it stays so.
type Conn struct {
	params ConnParams
	cbs    Callbacks

	dialCtx    context.Context
	cancelDial context.CancelFunc

	// done is closed when the read loop quits.
	done chan struct{}

	mtx     sync.Mutex
	state   State
	ws      *websocket.Conn
	closing bool

	// writeMtx serializes writes, since gorilla allows one writer at a time.
	writeMtx sync.Mutex
}

// NewConn creates a new connection; it's not dialed until Connect is called.
func NewConn(params *ConnParams, cbs Callbacks) (*Conn, error) {
	if params.URL == "" {
		return nil, errors.New("url is required")
	}

	c := &Conn{
		params: *params,
		cbs:    cbs,
		done:   make(chan struct{}),
	}

	if c.params.HandshakeTimeout == 0 {
		c.params.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if c.params.ReadTimeout == 0 {
		c.params.ReadTimeout = DefaultReadTimeout
	}

	if c.params.CloseTimeout == 0 {
		c.params.CloseTimeout = DefaultCloseTimeout
	}

	c.dialCtx, c.cancelDial = context.WithCancel(context.Background())

	return c, nil
}

// Connect starts dialing in a separate goroutine, and returns right away.
func (c *Conn) Connect() error {
	c.mtx.Lock()
	if c.state != StateIdle || c.closing {
		c.mtx.Unlock()
		return errors.Trace(ErrAlreadyUsed)
	}
	c.state = StateDialing
	c.mtx.Unlock()

	c.notify(StateDialing, nil)

	go c.run()

	return nil
}

// URL returns the url the connection is dialed to.
func (c *Conn) URL() string {
	return c.params.URL
}

func (c *Conn) State() State {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// Done returns a channel which is closed once the connection is over.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send writes a text message; the write is bounded by ctx's deadline, or by
// a default timeout if ctx has none.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mtx.Lock()
	ws := c.ws
	c.mtx.Unlock()

	if ws == nil {
		return errors.Trace(ErrNotConnected)
	}

	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}

	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > maxWriteTimeout {
		deadline = time.Now().Add(maxWriteTimeout)
	}

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Annotatef(err, "sending msg")
	}

	return nil
}

// Close sends a normal closure frame, and closes the connection forcefully
// if the server doesn't close its side within CloseTimeout. The cause
// reported with StateClosed is nil then.
func (c *Conn) Close() error {
	c.mtx.Lock()
	if c.state == StateClosed || c.closing {
		c.mtx.Unlock()
		return errors.Trace(ErrNotConnected)
	}

	c.closing = true
	c.cancelDial()

	ws := c.ws
	neverDialed := c.state == StateIdle
	if neverDialed {
		c.state = StateClosed
		close(c.done)
	}
	c.mtx.Unlock()

	if neverDialed {
		c.notify(StateClosed, nil)
		return nil
	}

	if ws == nil {
		// Still dialing; run gives up as soon as the dial is canceled.
		return nil
	}

	go func() {
		select {
		case <-c.done:
		case <-time.After(c.params.CloseTimeout):
			ws.Close()
		}
	}()

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.params.CloseTimeout)); err != nil {
		return errors.Trace(ws.Close())
	}

	return nil
}

// run dials, then reads messages until the connection breaks or is closed.
func (c *Conn) run() {
	var cause error

	defer func() {
		c.mtx.Lock()
		if c.closing {
			cause = nil
		}
		c.state = StateClosed
		c.ws = nil
		c.mtx.Unlock()

		close(c.done)
		c.notify(StateClosed, cause)
	}()

	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  c.params.HandshakeTimeout,
		Subprotocols:      c.params.Subprotocols,
		EnableCompression: c.params.EnableCompression,
		TLSClientConfig:   c.params.TLSConfig,
	}

	ws, _, err := dialer.DialContext(c.dialCtx, c.params.URL, c.params.Header)
	if err != nil {
		cause = errors.Annotatef(err, "dialing %s", c.params.URL)
		return
	}
	defer ws.Close()

	c.mtx.Lock()
	if c.closing {
		c.mtx.Unlock()
		return
	}
	c.ws = ws
	c.state = StateOpen
	c.mtx.Unlock()

	c.notify(StateOpen, nil)

	for {
		// A silent server means a broken network; the deadline makes the read
		// fail without waiting for TCP to notice.
		ws.SetReadDeadline(time.Now().Add(c.params.ReadTimeout))

		msgType, data, err := ws.ReadMessage()
		if err != nil {
			cause = errors.Trace(err)
			return
		}

		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			if c.cbs.OnRead != nil {
				c.cbs.OnRead(data)
			}
		}
	}
}

func (c *Conn) notify(state State, cause error) {
	if c.cbs.OnStateChange != nil {
		c.cbs.OnStateChange(state, cause)
	}
}
