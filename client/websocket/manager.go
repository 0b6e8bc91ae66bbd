package websocket

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"

	"github.com/y3sh/rt-sdk-go/client/websocket/internal"
	"github.com/y3sh/rt-sdk-go/common"
)

// SessionManagerParams contains params for creating a SessionManager; the
// session-level fields are passed to every session.
type SessionManagerParams struct {
	AppID    string
	Position string
	RICs     []string
	Service  string
	View     []string
	Posting  *PostingParams

	ReconnectDelay        time.Duration
	AwaitTokenOnReconnect bool

	TLSConfig    *tls.Config
	CloseTimeout time.Duration

	// Setup, if not nil, is called for each session before it connects; it's
	// the place to register listeners.
	Setup func(s *Session)

	// Below are mockables; should only be set for tests.

	clock        clock.Clock
	newTransport func(params *internal.ConnParams, cbs transportCallbacks) (transport, error)
	// sessionURL overrides the URL of each session.
	sessionURL func(ep common.EndpointDescriptor) string
}

// SessionManager runs one session, or two for hot standby, and keeps their
// tokens up to date. It implements the sink used by tokens.Scheduler.
type SessionManager struct {
	params SessionManagerParams

	// broadcastMtx orders token broadcasts.
	broadcastMtx sync.Mutex
	latestSeq    uint64

	mtx      sync.Mutex
	sessions []*Session
	states   map[string]SessionSummary

	fatalChan chan error
	fatalOnce sync.Once
}

// SessionSummary is the last known state of a session.
type SessionSummary struct {
	Name    string
	URL     string
	State   ConnState
	LastErr error
	// Fatal is set when the session was closed for good by a refused login.
	Fatal bool
}

func (s SessionSummary) String() string {
	res := fmt.Sprintf("%s: %s", s.Name, s.State)
	if s.Fatal {
		res += " (closed)"
	}
	return res
}

// NewSessionManager creates a new session manager.
func NewSessionManager(params *SessionManagerParams) *SessionManager {
	return &SessionManager{
		params:    *params,
		states:    map[string]SessionSummary{},
		fatalChan: make(chan error, 1),
	}
}

// Start creates a session per endpoint, named session1, session2 and so on,
// and connects them with the given token.
func (m *SessionManager) Start(
	endpoints []common.EndpointDescriptor, token common.TokenSet,
) ([]*Session, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no endpoints to connect to")
	}

	m.broadcastMtx.Lock()
	if token.Seq > m.latestSeq {
		m.latestSeq = token.Seq
	}
	m.broadcastMtx.Unlock()

	var sessions []*Session

	for i, ep := range endpoints {
		params := &SessionParams{
			Name:                  fmt.Sprintf("session%d", i+1),
			Endpoint:              ep,
			Token:                 token,
			AppID:                 m.params.AppID,
			Position:              m.params.Position,
			RICs:                  m.params.RICs,
			Service:               m.params.Service,
			View:                  m.params.View,
			Posting:               m.params.Posting,
			ReconnectDelay:        m.params.ReconnectDelay,
			AwaitTokenOnReconnect: m.params.AwaitTokenOnReconnect,
			TLSConfig:             m.params.TLSConfig,
			CloseTimeout:          m.params.CloseTimeout,

			clock:        m.params.clock,
			newTransport: m.params.newTransport,
		}

		if m.params.sessionURL != nil {
			params.URL = m.params.sessionURL(ep)
		}

		s, err := NewSession(params)
		if err != nil {
			return nil, errors.Annotatef(err, "creating %s", params.Name)
		}

		m.track(s)

		if m.params.Setup != nil {
			m.params.Setup(s)
		}

		sessions = append(sessions, s)
	}

	m.mtx.Lock()
	m.sessions = append(m.sessions, sessions...)
	m.mtx.Unlock()

	for _, s := range sessions {
		if err := s.Connect(); err != nil {
			return nil, errors.Annotatef(err, "connecting %s", s.Name())
		}
	}

	return sessions, nil
}

// track registers the listeners which keep the session summary.
func (m *SessionManager) track(s *Session) {
	name := s.Name()

	m.mtx.Lock()
	m.states[name] = SessionSummary{Name: name, URL: s.URL()}
	m.mtx.Unlock()

	s.OnStateChange(ConnStateAny, func(_, state ConnState) {
		m.mtx.Lock()
		defer m.mtx.Unlock()

		summary := m.states[name]
		summary.State = state
		m.states[name] = summary
	})

	s.OnError(func(err error, disconnecting bool) {
		var fatalErr *SessionFatalError
		isFatal := errors.As(err, &fatalErr)

		m.mtx.Lock()
		summary := m.states[name]
		summary.LastErr = err
		if isFatal {
			summary.Fatal = true
		}
		m.states[name] = summary

		allFatal := len(m.states) > 0
		for _, st := range m.states {
			if !st.Fatal {
				allFatal = false
			}
		}
		m.mtx.Unlock()

		if !isFatal {
			return
		}

		if !allFatal {
			logger.Warningf("%s is closed: %s; continuing with the remaining sessions", name, err)
			return
		}

		m.fatalOnce.Do(func() {
			m.fatalChan <- err
		})
	})
}

// BroadcastToken hands the token set to every session, all at once, and
// returns when every session has it. A token set older than an already
// broadcast one is dropped.
func (m *SessionManager) BroadcastToken(ts common.TokenSet) {
	m.broadcastMtx.Lock()
	if ts.Seq < m.latestSeq {
		m.broadcastMtx.Unlock()
		logger.Debugf("dropping stale token #%d, latest is #%d", ts.Seq, m.latestSeq)
		return
	}
	m.latestSeq = ts.Seq
	m.broadcastMtx.Unlock()

	// A session stuck sending doesn't hold back the others; the sessions
	// themselves drop token sets older than the one they hold.
	m.forEachSession(func(s *Session) {
		s.UpdateToken(ts)
	})
}

// forEachSession calls f for every session concurrently, and waits for all
// the calls to return.
func (m *SessionManager) forEachSession(f func(s *Session)) {
	var wg sync.WaitGroup

	for _, s := range m.Sessions() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			f(s)
		}(s)
	}

	wg.Wait()
}

// BeginRefresh marks every session refresh-pending.
func (m *SessionManager) BeginRefresh() {
	for _, s := range m.Sessions() {
		s.MarkRefreshPending()
	}
}

// NeedsNewToken reports whether any session lost its connection since the
// last token update.
func (m *SessionManager) NeedsNewToken() bool {
	for _, s := range m.Sessions() {
		if s.NeedsNewToken() {
			return true
		}
	}

	return false
}

// Fatal returns a channel which receives an error once every session is
// closed by a refused login.
func (m *SessionManager) Fatal() <-chan error {
	return m.fatalChan
}

// Sessions returns all the sessions.
func (m *SessionManager) Sessions() []*Session {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return append([]*Session(nil), m.sessions...)
}

// States returns the summaries of all sessions, in the order of creation.
func (m *SessionManager) States() []SessionSummary {
	sessions := m.Sessions()

	m.mtx.Lock()
	defer m.mtx.Unlock()

	res := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		res = append(res, m.states[s.Name()])
	}

	return res
}

// AllLoggedIn reports whether every session is logged in.
func (m *SessionManager) AllLoggedIn() bool {
	states := m.States()
	if len(states) == 0 {
		return false
	}

	for _, st := range states {
		if st.State != ConnStateLoggedIn {
			return false
		}
	}

	return true
}

// Close closes every session, and waits for all of them to disconnect.
func (m *SessionManager) Close() error {
	var (
		errMtx   sync.Mutex
		firstErr error
	)

	m.forEachSession(func(s *Session) {
		err := s.Close()
		if err == nil || errors.Cause(err) == ErrNotConnected {
			return
		}

		errMtx.Lock()
		defer errMtx.Unlock()

		if firstErr == nil {
			firstErr = errors.Annotatef(err, "closing %s", s.Name())
		}
	})

	return firstErr
}
