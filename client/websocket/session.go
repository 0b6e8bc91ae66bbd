package websocket // import "github.com/y3sh/rt-sdk-go/client/websocket"

import (
	"context"
	"crypto/tls"
	"os"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/y3sh/rt-sdk-go/client/websocket/internal"
	"github.com/y3sh/rt-sdk-go/common"
)

const (
	// Subprotocol is the websocket sub-protocol of the streaming JSON API.
	Subprotocol = "tr_json2"

	// StreamingPath is the path of the websocket endpoint on a streaming host.
	StreamingPath = "/WebSocket"

	DefaultAppID          = "256"
	DefaultService        = ""
	DefaultReconnectDelay = 3 * time.Second
	DefaultPostInterval   = 3 * time.Second

	sendTimeout = 10 * time.Second
)

var logger = loggo.GetLogger("rtsdk.websocket")

// ConnState represents the session state
type ConnState int

// The following constants represent every possible ConnState.
const (
	// ConnStateDisconnected means there's no connection: either it was never
	// established, or it was lost and we're waiting ReconnectDelay before
	// reconnecting, or the session is closed.
	ConnStateDisconnected ConnState = iota

	// ConnStateConnecting means the websocket is being dialed.
	ConnStateConnecting

	// ConnStateConnected means the websocket connection is established, and
	// the login request is sent.
	ConnStateConnected

	// ConnStateLoggedIn means the server accepted the login; the item request
	// is sent right after entering this state.
	ConnStateLoggedIn

	// ConnStateAwaitingNewToken means the session wants to reconnect, but
	// waits for UpdateToken first since the token it holds is likely stale.
	ConnStateAwaitingNewToken

	// ConnStateAny can be used with OnStateChange() and OnStateChangeOpt()
	// in order to listen for all states.
	ConnStateAny = -1
)

// ConnStateNames contains human-readable names for connection states.
var ConnStateNames = map[ConnState]string{
	ConnStateDisconnected:     "disconnected",
	ConnStateConnecting:       "connecting",
	ConnStateConnected:        "connected",
	ConnStateLoggedIn:         "logged-in",
	ConnStateAwaitingNewToken: "awaiting-new-token",
}

func (s ConnState) String() string {
	if name, ok := ConnStateNames[s]; ok {
		return name
	}
	return "any"
}

// SessionParams contains params for creating a Session.
type SessionParams struct {
	// Name identifies the session in logs and errors, e.g. "session1".
	Name string

	// Endpoint is the streaming host to connect to.
	Endpoint common.EndpointDescriptor

	// URL overrides the URL derived from Endpoint; it's only useful against
	// plain-ws test servers.
	URL string

	// Token is the initial token set.
	Token common.TokenSet

	AppID    string
	Position string

	// RICs are the items to request once logged in; more than one makes a
	// batch request.
	RICs    []string
	Service string

	// View, if not empty, limits the fields the server sends for the items.
	View []string

	// Posting, if not nil, makes the session post field values to the first
	// item stream once it's open.
	Posting *PostingParams

	// ReconnectDelay is how long to wait after a disconnection before
	// reconnecting. Defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// AwaitTokenOnReconnect makes the session wait for a new token after a
	// disconnection, instead of reconnecting with the token it holds. Used
	// with on-demand token renewal.
	AwaitTokenOnReconnect bool

	TLSConfig    *tls.Config
	CloseTimeout time.Duration
	ReadTimeout  time.Duration

	// Below are mockables; should only be set for tests. By default, prod values
	// will be used.

	clock clock.Clock

	newTransport func(params *internal.ConnParams, cbs transportCallbacks) (transport, error)
}

// PostingParams configures on-stream posting.
type PostingParams struct {
	// Interval between posts. Defaults to DefaultPostInterval.
	Interval time.Duration

	// Fields are the values of the Update posted every time.
	Fields map[string]interface{}

	// UserID goes to PostUserInfo along with Position. Defaults to the
	// process id.
	UserID int
}

// transport is the part of internal.Conn used by Session.
type transport interface {
	Connect() error
	Close() error
	Send(ctx context.Context, data []byte) error
}

type transportCallbacks struct {
	onRead        func(data []byte)
	onStateChange func(state internal.State, cause error)
}

func newStreamTransport(
	params *internal.ConnParams, cbs transportCallbacks,
) (transport, error) {
	t, err := internal.NewConn(params, internal.Callbacks{
		OnRead:        cbs.onRead,
		OnStateChange: cbs.onStateChange,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	return t, nil
}

// Session is a single streaming connection: it connects, logs in with the
// access token, requests the items, answers pings, and reconnects when the
// connection is lost. All of its state is owned by a single goroutine.
type Session struct {
	params SessionParams

	transport transport
	// generation is incremented for each new transport; events of older
	// transports are ignored.
	generation uint64
	// connID identifies the current connection in logs.
	connID string

	// Current state
	state ConnState

	token common.TokenSet

	// subscribed is set once the item request is sent over the current
	// connection.
	subscribed bool

	// needsNewToken is set when the connection is lost, and cleared when a new
	// token is received.
	needsNewToken bool

	// refreshPending is set while the token is being renewed.
	refreshPending bool

	// closed is set by Close and after a fatal login failure.
	closed bool

	reconnectTimer *clock.Timer
	// reconnectSeq is incremented for each scheduled reconnection, so that a
	// stale timer can be recognized.
	reconnectSeq uint64

	// pingTimeout comes from the login Refresh; zero until then.
	pingTimeout time.Duration
	pingTimer   *clock.Timer
	pingSeq     uint64
	// pingSent is set while waiting for any data after our ping.
	pingSent bool

	// postStreamID is the item stream being posted to, or zero.
	postStreamID int
	postTimer    *clock.Timer
	postSeq      uint64
	lastPostID   int

	// closeWaiters are the results of Close calls waiting for the
	// disconnection; closeTimer bounds the wait.
	closeWaiters []chan<- error
	closeTimer   *clock.Timer

	stateListeners map[ConnState][]stateListener
	onErrorCBs     []OnErrorCB
	onMessageCBs   []OnMessageCB
	onSendCBs      []OnSendCB

	// internalEvents is a channel of events handled by eventLoop. See
	// internalEvent struct.
	internalEvents chan internalEvent
}

// internalEvent represents an event handled in eventLoop. Each field
// represents one kind of the event, and only a single field should be non-nil.
type internalEvent struct {
	// rxData contains data received from the server via websocket.
	rxData *rxData
	// transportStateUpdate represents an update of transport layer state.
	transportStateUpdate *transportStateUpdate
	// reconnect is sent by the reconnect timer.
	reconnect *timerEvent
	// pingDue is sent when it's time to ping the server, or to give up after
	// the ping.
	pingDue *timerEvent
	// postDue is sent by the posting timer.
	postDue *timerEvent
	// closeTimeout is sent when the server didn't close the connection in
	// time; seq is the generation of the transport being closed.
	closeTimeout *timerEvent

	reqConnect            *reqConnect
	reqClose              *reqClose
	reqUpdateToken        *reqUpdateToken
	reqMarkRefreshPending *reqMarkRefreshPending
	reqNeedsNewToken      *reqNeedsNewToken
	reqOnStateChange      *reqOnStateChange
	reqAddOnErrorCB       *reqAddOnErrorCB
	reqAddOnMessageCB     *reqAddOnMessageCB
	reqAddOnSendCB        *reqAddOnSendCB
	reqConnState          *reqConnState
}

type rxData struct {
	generation uint64
	data       []byte
}

// transportStateUpdate is an update of transport layer state.
type transportStateUpdate struct {
	generation uint64
	state      internal.State
	cause      error
}

type timerEvent struct {
	seq uint64
}

type reqConnect struct {
	result chan<- error
}

type reqClose struct {
	result chan<- error
}

type reqUpdateToken struct {
	token  common.TokenSet
	result chan<- struct{}
}

type reqMarkRefreshPending struct {
	result chan<- struct{}
}

type reqNeedsNewToken struct {
	result chan<- bool
}

// reqOnStateChange is a request to add state listener
type reqOnStateChange struct {
	state ConnState
	cb    StateCallback
	opt   StateListenerOpt

	result chan<- struct{}
}

type reqAddOnErrorCB struct {
	cb     OnErrorCB
	result chan<- struct{}
}

type reqAddOnMessageCB struct {
	cb     OnMessageCB
	result chan<- struct{}
}

type reqAddOnSendCB struct {
	cb     OnSendCB
	result chan<- struct{}
}

// reqConnState is a client request of conn state via State().
type reqConnState struct {
	result chan<- ConnState
}

// StateCallback is a signature of a state listener.
type StateCallback func(prevState, curState ConnState)

// OnErrorCB is a signature of an error listener. If the error is going to
// cause the disconnection, disconnecting is set to true. The error listeners
// are always called before the state listeners.
type OnErrorCB func(err error, disconnecting bool)

// OnMessageCB is a signature of a listener of the messages received from the
// server. Pings are answered by the session; neither pings nor pongs are
// passed to listeners.
type OnMessageCB func(msg *Message)

// OnSendCB is a signature of a listener of the messages sent to the server.
type OnSendCB func(data []byte)

type StateListenerOpt struct {
	// If OneOff is true, the listener will only be called once; otherwise it'll
	// be called every time the requested state becomes active.
	OneOff bool

	// If CallImmediately is true, and the state being subscribed to is active
	// at the moment, the callback will be called immediately (with the "old"
	// state being equal to the new one)
	CallImmediately bool
}

// stateListener wraps a state change callback and its options.
type stateListener struct {
	cb  StateCallback
	opt StateListenerOpt
}

// NewSession creates a new session with the given params.
//
// Note that clients should manually call Connect on a newly created
// session; the rationale is that clients might register some state and/or
// message handlers before the connection, to avoid any possible races.
func NewSession(params *SessionParams) (*Session, error) {
	s := &Session{
		params:         *params,
		stateListeners: make(map[ConnState][]stateListener),
		internalEvents: make(chan internalEvent, 64),
	}

	if s.params.URL == "" {
		if s.params.Endpoint.Host == "" {
			return nil, errors.New("endpoint or url is required")
		}
		s.params.URL = s.params.Endpoint.URL(StreamingPath)
	}

	if s.params.Name == "" {
		s.params.Name = s.params.Endpoint.Host
	}

	if !s.params.Token.Valid() {
		return nil, errors.New("valid token is required")
	}
	s.token = s.params.Token

	if s.params.AppID == "" {
		s.params.AppID = DefaultAppID
	}

	if s.params.Position == "" {
		s.params.Position = common.DefaultPosition()
	}

	if s.params.ReconnectDelay == 0 {
		s.params.ReconnectDelay = DefaultReconnectDelay
	}

	if s.params.CloseTimeout == 0 {
		s.params.CloseTimeout = internal.DefaultCloseTimeout
	}

	if s.params.Posting != nil {
		posting := *s.params.Posting
		if posting.Interval == 0 {
			posting.Interval = DefaultPostInterval
		}
		if posting.UserID == 0 {
			posting.UserID = os.Getpid()
		}
		s.params.Posting = &posting
	}

	// Set prod values for mockables by default.

	if s.params.clock == nil {
		s.params.clock = clock.New()
	}

	if s.params.newTransport == nil {
		s.params.newTransport = newStreamTransport
	}

	go s.eventLoop()

	return s, nil
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.params.Name
}

// URL returns the url the session connects to.
func (s *Session) URL() string {
	return s.params.URL
}

// Connect drops the current connection, if any, and starts a new one. It
// doesn't wait for the connection to establish.
func (s *Session) Connect() error {
	result := make(chan error, 1)

	s.internalEvents <- internalEvent{
		reqConnect: &reqConnect{result: result},
	}

	return <-result
}

// Close stops reconnecting, and closes the connection with a close frame.
// It returns once the connection is over, or after CloseTimeout if the
// server doesn't answer the close frame. A closed session can't be
// reconnected.
func (s *Session) Close() error {
	result := make(chan error, 1)

	s.internalEvents <- internalEvent{
		reqClose: &reqClose{result: result},
	}

	return <-result
}

// UpdateToken hands a new token set to the session. Token sets older than
// the one held are ignored. When logged in, the session re-logs in with the
// new token; when waiting for a token, it reconnects.
func (s *Session) UpdateToken(ts common.TokenSet) {
	result := make(chan struct{})

	s.internalEvents <- internalEvent{
		reqUpdateToken: &reqUpdateToken{token: ts, result: result},
	}

	<-result
}

// MarkRefreshPending tells the session that a new token is on its way; if
// the connection is lost until then, the session will wait for the token
// before reconnecting.
func (s *Session) MarkRefreshPending() {
	result := make(chan struct{})

	s.internalEvents <- internalEvent{
		reqMarkRefreshPending: &reqMarkRefreshPending{result: result},
	}

	<-result
}

// NeedsNewToken reports whether the connection was lost since the last token
// update.
func (s *Session) NeedsNewToken() bool {
	result := make(chan bool, 1)

	s.internalEvents <- internalEvent{
		reqNeedsNewToken: &reqNeedsNewToken{result: result},
	}

	return <-result
}

// State returns the current session state.
func (s *Session) State() ConnState {
	result := make(chan ConnState, 1)

	s.internalEvents <- internalEvent{
		reqConnState: &reqConnState{result: result},
	}

	return <-result
}

// OnStateChange registers a new listener for the given state. The listener is
// registered with the default options (call the listener every time the state
// becomes active, and don't call the listener immediately for the current
// state). All registered callbacks are called by the same internal goroutine,
// i.e. they are never called concurrently with each other.
//
// The listeners shouldn't block, and shouldn't call the session methods.
//
// To subscribe to all state changes, use ConnStateAny as a state.
func (s *Session) OnStateChange(state ConnState, cb StateCallback) {
	s.OnStateChangeOpt(state, cb, StateListenerOpt{})
}

// OnStateChangeOpt is like OnStateChange, but also takes additional
// options; see StateListenerOpt for details.
func (s *Session) OnStateChangeOpt(state ConnState, cb StateCallback, opt StateListenerOpt) {
	result := make(chan struct{})

	s.internalEvents <- internalEvent{
		reqOnStateChange: &reqOnStateChange{
			state: state,
			cb:    cb,
			opt:   opt,

			result: result,
		},
	}

	<-result
}

// OnError registers an error listener.
func (s *Session) OnError(cb OnErrorCB) {
	result := make(chan struct{})

	s.internalEvents <- internalEvent{
		reqAddOnErrorCB: &reqAddOnErrorCB{cb: cb, result: result},
	}

	<-result
}

// OnMessage registers a listener of received messages.
func (s *Session) OnMessage(cb OnMessageCB) {
	result := make(chan struct{})

	s.internalEvents <- internalEvent{
		reqAddOnMessageCB: &reqAddOnMessageCB{cb: cb, result: result},
	}

	<-result
}

// OnSend registers a listener of sent messages.
func (s *Session) OnSend(cb OnSendCB) {
	result := make(chan struct{})

	s.internalEvents <- internalEvent{
		reqAddOnSendCB: &reqAddOnSendCB{cb: cb, result: result},
	}

	<-result
}

// connectInternal replaces the current transport with a new one.
//
// NOTE: connectInternal should only be called from the eventLoop.
func (s *Session) connectInternal() error {
	if s.closed {
		return errors.Trace(ErrClosed)
	}

	s.stopReconnectTimer()
	s.stopPingTimer()
	s.stopPosting()
	s.discardTransport()

	gen := s.generation

	t, err := s.params.newTransport(&internal.ConnParams{
		URL:               s.params.URL,
		Subprotocols:      []string{Subprotocol},
		EnableCompression: true,
		TLSConfig:         s.params.TLSConfig,
		CloseTimeout:      s.params.CloseTimeout,
		ReadTimeout:       s.params.ReadTimeout,
	}, transportCallbacks{
		onRead: func(data []byte) {
			s.internalEvents <- internalEvent{
				rxData: &rxData{generation: gen, data: data},
			}
		},
		onStateChange: func(state internal.State, cause error) {
			if state == internal.StateDialing {
				// The session enters Connecting by itself.
				return
			}

			s.internalEvents <- internalEvent{
				transportStateUpdate: &transportStateUpdate{
					generation: gen,
					state:      state,
					cause:      cause,
				},
			}
		},
	})
	if err != nil {
		return errors.Trace(err)
	}

	s.transport = t
	s.connID = uuid.NewString()
	s.subscribed = false
	s.pingTimeout = 0

	logger.Infof("%s: connecting to %s (conn %s)", s.params.Name, s.params.URL, s.connID)

	s.updateState(ConnStateConnecting)

	if err := t.Connect(); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// discardTransport forgets the current transport and closes it in the
// background; nothing it reports afterwards is handled.
//
// NOTE: discardTransport should only be called from the eventLoop.
func (s *Session) discardTransport() {
	s.generation++

	if s.transport == nil {
		return
	}

	t := s.transport
	s.transport = nil

	go func() {
		if err := t.Close(); err != nil && errors.Cause(err) != internal.ErrNotConnected {
			logger.Debugf("closing discarded transport: %s", err)
		}
	}()
}

// NOTE: handleDisconnect should only be called from the eventLoop.
func (s *Session) handleDisconnect(cause error) {
	s.transport = nil
	s.subscribed = false
	s.stopPingTimer()
	s.stopPosting()

	if s.closed {
		s.finishClose()
		return
	}

	if cause == nil {
		cause = errors.New("connection closed by server")
	}

	logger.Warningf(
		"%s: disconnected (conn %s): %s; reconnecting in %s",
		s.params.Name, s.connID, cause, s.params.ReconnectDelay,
	)

	s.needsNewToken = true

	s.callOnErrorCBs(&TransportError{Session: s.params.Name, Cause: cause}, true)

	s.scheduleReconnect()
	s.updateState(ConnStateDisconnected)
}

// NOTE: scheduleReconnect should only be called from the eventLoop.
func (s *Session) scheduleReconnect() {
	s.stopReconnectTimer()

	s.reconnectSeq++
	seq := s.reconnectSeq

	s.reconnectTimer = s.params.clock.AfterFunc(s.params.ReconnectDelay, func() {
		s.internalEvents <- internalEvent{
			reconnect: &timerEvent{seq: seq},
		}
	})
}

// NOTE: stopReconnectTimer should only be called from the eventLoop.
func (s *Session) stopReconnectTimer() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.reconnectSeq++
}

// NOTE: handleReconnect should only be called from the eventLoop.
func (s *Session) handleReconnect() {
	s.reconnectTimer = nil

	if s.closed || s.state != ConnStateDisconnected {
		return
	}

	if s.refreshPending || (s.params.AwaitTokenOnReconnect && s.needsNewToken) {
		logger.Infof("%s: waiting for a new token before reconnecting", s.params.Name)
		s.updateState(ConnStateAwaitingNewToken)
		return
	}

	s.reconnect()
}

// reconnect connects, and if that fails right away, treats it like a
// disconnection.
//
// NOTE: reconnect should only be called from the eventLoop.
func (s *Session) reconnect() {
	if err := s.connectInternal(); err != nil {
		if s.closed {
			return
		}
		s.handleDisconnect(errors.Trace(err))
	}
}

// NOTE: handleTransportState should only be called from the eventLoop.
func (s *Session) handleTransportState(tsu *transportStateUpdate) {
	switch tsu.state {
	case internal.StateOpen:
		logger.Infof("%s: connected (conn %s), logging in", s.params.Name, s.connID)

		s.updateState(ConnStateConnected)

		// First login over this connection: no Refresh field.
		if err := s.sendLogin(nil); err != nil {
			logger.Errorf("%s: sending login: %s", s.params.Name, err)
			s.closeCurrentTransport()
		}

	case internal.StateClosed:
		s.handleDisconnect(tsu.cause)

	default:
		logger.Debugf(
			"%s: ignoring transport state %s", s.params.Name, tsu.state,
		)
	}
}

// closeCurrentTransport writes the close frame; the disconnection is then
// reported by the transport and handled as usual.
//
// NOTE: closeCurrentTransport should only be called from the eventLoop.
func (s *Session) closeCurrentTransport() {
	if s.transport == nil {
		return
	}

	if err := s.transport.Close(); err != nil && errors.Cause(err) != internal.ErrNotConnected {
		logger.Debugf("%s: closing transport (conn %s): %s", s.params.Name, s.connID, err)
	}
}

// NOTE: handleRxData should only be called from the eventLoop.
func (s *Session) handleRxData(data []byte) {
	// Any data from the server proves the connection is alive.
	s.armPingTimer()

	msgs, err := parseMessages(data)
	if err != nil {
		logger.Errorf("%s: %s", s.params.Name, err)
		s.callOnErrorCBs(errors.Trace(err), false)
		return
	}

	for _, msg := range msgs {
		switch msg.Type {
		case MsgTypePing:
			logger.Tracef("%s: ping", s.params.Name)
			if err := s.send(marshalPong()); err != nil {
				logger.Errorf("%s: sending pong: %s", s.params.Name, err)
			}
			continue

		case MsgTypePong:
			logger.Tracef("%s: pong", s.params.Name)
			continue
		}

		logger.Tracef("%s: received %s", s.params.Name, msg.Raw)

		if !msg.IsLogin() {
			s.handleItemMessage(msg)
		}

		s.callOnMessageCBs(msg)

		if msg.IsLogin() && (msg.Type == MsgTypeRefresh || msg.Type == MsgTypeStatus) {
			if !s.handleLoginResponse(msg) {
				// The session is closed, so drop the rest.
				return
			}
		}
	}
}

// handleLoginResponse returns false if the login was refused.
//
// NOTE: handleLoginResponse should only be called from the eventLoop.
func (s *Session) handleLoginResponse(msg *Message) bool {
	state := msg.State
	if state == nil {
		state = &StreamState{}
	}

	if state.Stream != StreamStateOpen {
		err := &SessionFatalError{
			Session: s.params.Name,
			Stream:  state.Stream,
			Data:    state.Data,
			Text:    state.Text,
		}

		logger.Errorf("%s", err)

		s.closed = true
		s.stopReconnectTimer()
		s.stopPingTimer()
		s.stopPosting()
		s.discardTransport()

		s.callOnErrorCBs(err, true)
		s.finishClose()

		return false
	}

	if state.Data != DataStateOk {
		logger.Warningf(
			"%s: login stream is open, but data is %q: %s", s.params.Name, state.Data, state.Text,
		)
	}

	if pt := msg.PingTimeout(); pt > 0 && pt != s.pingTimeout {
		logger.Debugf("%s: server ping timeout is %s", s.params.Name, pt)
		s.pingTimeout = pt
		s.armPingTimer()
	}

	if s.state == ConnStateConnected {
		logger.Infof("%s: logged in", s.params.Name)
		s.updateState(ConnStateLoggedIn)
	}

	if !s.subscribed && s.state == ConnStateLoggedIn && len(s.params.RICs) > 0 {
		data, err := marshalItemRequest(s.params.RICs, s.params.Service, s.params.View)
		if err != nil {
			s.callOnErrorCBs(errors.Trace(err), false)
			return true
		}

		if err := s.send(data); err != nil {
			logger.Errorf("%s: sending item request: %s", s.params.Name, err)
			return true
		}

		s.subscribed = true
	}

	return true
}

// handleItemMessage starts posting once the first item stream is open, and
// stops it when that stream is closed.
//
// NOTE: handleItemMessage should only be called from the eventLoop.
func (s *Session) handleItemMessage(msg *Message) {
	switch msg.Type {
	case MsgTypeAck:
		if msg.NakCode != "" {
			logger.Warningf(
				"%s: post %d rejected: %s %s", s.params.Name, msg.AckID, msg.NakCode, msg.Text,
			)
			return
		}
		logger.Debugf("%s: post %d acknowledged", s.params.Name, msg.AckID)

	case MsgTypeRefresh:
		if s.params.Posting == nil || s.postStreamID != 0 || msg.ID < itemStreamID {
			return
		}
		if msg.State != nil && !msg.State.IsOpenOk() {
			return
		}

		logger.Infof(
			"%s: posting to %s (stream %d) every %s",
			s.params.Name, msg.ItemName(), msg.ID, s.params.Posting.Interval,
		)

		s.postStreamID = msg.ID
		s.schedulePost()

	case MsgTypeStatus:
		if msg.ID == s.postStreamID && msg.State != nil && msg.State.Stream != StreamStateOpen {
			logger.Warningf("%s: stream %d is closed, posting stopped", s.params.Name, msg.ID)
			s.stopPosting()
		}
	}
}

// armPingTimer restarts the ping countdown: after a third of the server's
// ping timeout without any data, we ping the server ourselves.
//
// NOTE: armPingTimer should only be called from the eventLoop.
func (s *Session) armPingTimer() {
	if s.pingTimeout == 0 || s.transport == nil || s.closed {
		return
	}

	s.stopPingTimer()
	s.pingSent = false
	s.schedulePing(s.pingTimeout / 3)
}

// NOTE: schedulePing should only be called from the eventLoop.
func (s *Session) schedulePing(d time.Duration) {
	seq := s.pingSeq

	s.pingTimer = s.params.clock.AfterFunc(d, func() {
		s.internalEvents <- internalEvent{
			pingDue: &timerEvent{seq: seq},
		}
	})
}

// NOTE: stopPingTimer should only be called from the eventLoop.
func (s *Session) stopPingTimer() {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
	s.pingSeq++
}

// handlePingDue pings the server, or drops the connection if nothing came
// since the previous ping.
//
// NOTE: handlePingDue should only be called from the eventLoop.
func (s *Session) handlePingDue() {
	s.pingTimer = nil

	if s.transport == nil {
		return
	}

	if s.pingSent {
		logger.Warningf(
			"%s: nothing received within %s after ping (conn %s)",
			s.params.Name, s.pingTimeout, s.connID,
		)

		s.discardTransport()
		s.handleDisconnect(errors.Annotatef(ErrPingTimeout, "%s", s.pingTimeout))
		return
	}

	s.pingSent = true
	s.schedulePing(s.pingTimeout)

	if err := s.send(marshalPing()); err != nil {
		logger.Errorf("%s: sending ping: %s", s.params.Name, err)
	}
}

// NOTE: schedulePost should only be called from the eventLoop.
func (s *Session) schedulePost() {
	seq := s.postSeq

	s.postTimer = s.params.clock.AfterFunc(s.params.Posting.Interval, func() {
		s.internalEvents <- internalEvent{
			postDue: &timerEvent{seq: seq},
		}
	})
}

// NOTE: stopPosting should only be called from the eventLoop.
func (s *Session) stopPosting() {
	if s.postTimer != nil {
		s.postTimer.Stop()
		s.postTimer = nil
	}
	s.postSeq++
	s.postStreamID = 0
}

// NOTE: handlePostDue should only be called from the eventLoop.
func (s *Session) handlePostDue() {
	s.postTimer = nil

	if s.postStreamID == 0 || s.transport == nil {
		return
	}

	s.schedulePost()

	s.lastPostID++
	data, err := marshalPost(
		s.postStreamID, s.lastPostID, s.params.Position,
		s.params.Posting.UserID, s.params.Posting.Fields,
	)
	if err != nil {
		s.callOnErrorCBs(errors.Trace(err), false)
		return
	}

	if err := s.send(data); err != nil {
		logger.Errorf("%s: sending post %d: %s", s.params.Name, s.lastPostID, err)
	}
}

// NOTE: handleUpdateToken should only be called from the eventLoop.
func (s *Session) handleUpdateToken(ts common.TokenSet) {
	if ts.Seq < s.token.Seq {
		logger.Debugf(
			"%s: ignoring stale token #%d, have #%d", s.params.Name, ts.Seq, s.token.Seq,
		)
		return
	}

	s.token = ts
	s.refreshPending = false
	s.needsNewToken = false

	logger.Debugf("%s: got %s", s.params.Name, ts)

	switch s.state {
	case ConnStateLoggedIn:
		// Re-login with the new token, asking the server not to send a Refresh;
		// the items stay subscribed.
		refresh := false
		if err := s.sendLogin(&refresh); err != nil {
			logger.Errorf("%s: sending re-login: %s", s.params.Name, err)
		}

	case ConnStateAwaitingNewToken:
		s.reconnect()
	}
}

// NOTE: sendLogin should only be called from the eventLoop.
func (s *Session) sendLogin(refresh *bool) error {
	data, err := marshalLogin(s.params.AppID, s.params.Position, s.token.AccessToken, refresh)
	if err != nil {
		return errors.Trace(err)
	}

	if err := s.send(data); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// send sends data over the current transport.
//
// NOTE: send should only be called from the eventLoop.
func (s *Session) send(data []byte) (err error) {
	defer func() {
		if errors.Cause(err) == internal.ErrNotConnected {
			err = errors.Trace(ErrNotConnected)
		}
	}()

	if s.transport == nil {
		return errors.Trace(ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := s.transport.Send(ctx, data); err != nil {
		return errors.Trace(err)
	}

	for _, cb := range s.onSendCBs {
		cb(data)
	}

	return nil
}

// closeInternal writes the close frame, and replies to result once the
// transport reports the disconnection, or after CloseTimeout.
//
// NOTE: closeInternal should only be called from the eventLoop.
func (s *Session) closeInternal(result chan<- error) {
	if s.closed && s.transport == nil && s.reconnectTimer == nil {
		result <- errors.Trace(ErrNotConnected)
		return
	}

	s.closed = true
	s.stopReconnectTimer()
	s.stopPingTimer()
	s.stopPosting()

	if s.transport == nil {
		// Not connected, so no disconnection will be reported.
		s.updateState(ConnStateDisconnected)
		result <- nil
		return
	}

	s.closeWaiters = append(s.closeWaiters, result)

	if s.closeTimer != nil {
		// Already closing.
		return
	}

	logger.Infof("%s: closing (conn %s)", s.params.Name, s.connID)

	gen := s.generation
	s.closeTimer = s.params.clock.AfterFunc(s.params.CloseTimeout, func() {
		s.internalEvents <- internalEvent{
			closeTimeout: &timerEvent{seq: gen},
		}
	})

	s.closeCurrentTransport()
}

// handleCloseTimeout gives up waiting for the server to close the connection.
//
// NOTE: handleCloseTimeout should only be called from the eventLoop.
func (s *Session) handleCloseTimeout() {
	s.closeTimer = nil

	logger.Warningf(
		"%s: connection wasn't closed within %s (conn %s)",
		s.params.Name, s.params.CloseTimeout, s.connID,
	)

	s.discardTransport()
	s.finishClose()
}

// finishClose completes the pending Close calls.
//
// NOTE: finishClose should only be called from the eventLoop.
func (s *Session) finishClose() {
	if s.closeTimer != nil {
		s.closeTimer.Stop()
		s.closeTimer = nil
	}

	s.updateState(ConnStateDisconnected)

	for _, result := range s.closeWaiters {
		result <- nil
	}
	s.closeWaiters = nil
}

// NOTE: updateState should only be called from the eventLoop.
func (s *Session) updateState(state ConnState) {
	if s.state == state {
		// No need to do anything
		return
	}

	oldState := s.state
	s.state = state

	logger.Debugf("%s: %s -> %s", s.params.Name, oldState, state)

	// Collect all listeners to call now
	listeners := append(
		append([]stateListener{}, s.stateListeners[state]...),
		s.stateListeners[ConnStateAny]...,
	)

	// Remove one-off listeners
	s.stateListeners[state] = removeOneOff(s.stateListeners[state])
	s.stateListeners[ConnStateAny] = removeOneOff(s.stateListeners[ConnStateAny])

	s.callStateListeners(listeners, oldState, state)
}

// NOTE: callOnErrorCBs should only be called from the eventLoop.
func (s *Session) callOnErrorCBs(err error, disconnecting bool) {
	for _, cb := range s.onErrorCBs {
		cb(err, disconnecting)
	}
}

// NOTE: callOnMessageCBs should only be called from the eventLoop.
func (s *Session) callOnMessageCBs(msg *Message) {
	for _, cb := range s.onMessageCBs {
		cb(msg)
	}
}

// NOTE: callStateListeners should only be called from the eventLoop, to ensure
// that all callbacks are only invoked from a single goroutine.
func (s *Session) callStateListeners(listeners []stateListener, oldState, state ConnState) {
	for _, sl := range listeners {
		sl.cb(oldState, state)
	}
}

// removeOneOff takes a slice of listeners and returns a new one, with one-off
// listeners removed.
func removeOneOff(listeners []stateListener) []stateListener {
	newListeners := []stateListener{}

	for _, sl := range listeners {
		if !sl.opt.OneOff {
			newListeners = append(newListeners, sl)
		}
	}

	return newListeners
}

// eventLoop handles all internal events like transport state change, received
// data, or client calls. See internalEvent struct.
func (s *Session) eventLoop() {
	for {
		event := <-s.internalEvents

		if rx := event.rxData; rx != nil {
			if rx.generation != s.generation {
				continue
			}
			s.handleRxData(rx.data)

		} else if tsu := event.transportStateUpdate; tsu != nil {
			if tsu.generation != s.generation {
				// An update from a replaced transport.
				continue
			}
			s.handleTransportState(tsu)

		} else if rec := event.reconnect; rec != nil {
			if rec.seq != s.reconnectSeq {
				continue
			}
			s.handleReconnect()

		} else if ping := event.pingDue; ping != nil {
			if ping.seq != s.pingSeq {
				continue
			}
			s.handlePingDue()

		} else if post := event.postDue; post != nil {
			if post.seq != s.postSeq {
				continue
			}
			s.handlePostDue()

		} else if ct := event.closeTimeout; ct != nil {
			if ct.seq != s.generation || s.closeTimer == nil {
				continue
			}
			s.handleCloseTimeout()

		} else if req := event.reqConnect; req != nil {
			req.result <- s.connectInternal()

		} else if req := event.reqClose; req != nil {
			s.closeInternal(req.result)

		} else if req := event.reqUpdateToken; req != nil {
			s.handleUpdateToken(req.token)
			req.result <- struct{}{}

		} else if req := event.reqMarkRefreshPending; req != nil {
			s.refreshPending = true
			req.result <- struct{}{}

		} else if req := event.reqNeedsNewToken; req != nil {
			req.result <- s.needsNewToken

		} else if al := event.reqOnStateChange; al != nil {
			// Request to add a new state listener.

			sl := stateListener{
				cb:  al.cb,
				opt: al.opt,
			}

			// Determine whether the callback should be called right now
			callNow := al.opt.CallImmediately && (al.state == s.state || al.state == ConnStateAny)

			// Update stored listeners if needed
			if !al.opt.OneOff || !callNow {
				s.stateListeners[al.state] = append(s.stateListeners[al.state], sl)
			}

			if callNow {
				s.callStateListeners([]stateListener{sl}, s.state, s.state)
			}

			al.result <- struct{}{}

		} else if req := event.reqAddOnErrorCB; req != nil {
			s.onErrorCBs = append(s.onErrorCBs, req.cb)
			req.result <- struct{}{}

		} else if req := event.reqAddOnMessageCB; req != nil {
			s.onMessageCBs = append(s.onMessageCBs, req.cb)
			req.result <- struct{}{}

		} else if req := event.reqAddOnSendCB; req != nil {
			s.onSendCBs = append(s.onSendCBs, req.cb)
			req.result <- struct{}{}

		} else if req := event.reqConnState; req != nil {
			req.result <- s.state
		}
	}
}
