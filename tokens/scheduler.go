package tokens

import (
	"context"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/y3sh/rt-sdk-go/common"
)

var logger = loggo.GetLogger("rtsdk.tokens")

// Policy selects when the scheduler renews the token.
type Policy int

const (
	// PolicyProactive renews at RefreshFraction of the validity using the
	// refresh grant, whether or not anything needs the token.
	PolicyProactive Policy = iota

	// PolicyLazy polls every PollInterval and renews only when the token is
	// past its conservative deadline, or when a session lost its connection
	// and needs a fresh token to reconnect.
	PolicyLazy
)

// PolicyNames contains human-readable names for policies.
var PolicyNames = map[Policy]string{
	PolicyProactive: "proactive",
	PolicyLazy:      "lazy",
}

func (p Policy) String() string {
	return PolicyNames[p]
}

// ParsePolicy returns the policy with the given name.
func ParsePolicy(name string) (Policy, error) {
	for p, n := range PolicyNames {
		if n == name {
			return p, nil
		}
	}

	return 0, errors.Errorf("unknown refresh policy %q", name)
}

const (
	DefaultPollInterval    = 3 * time.Second
	DefaultRefreshFraction = 0.9
	DefaultLazyThreshold   = 600 * time.Second
	DefaultLazyMargin      = 300 * time.Second
)

// Authenticator obtains token sets; previous, if not nil, allows using the
// refresh grant. It's implemented by rest.Authenticator.
type Authenticator interface {
	Authenticate(ctx context.Context, previous *common.TokenSet) (*common.TokenSet, error)
}

// Sink receives renewed tokens. It's implemented by
// websocket.SessionManager.
type Sink interface {
	BroadcastToken(ts common.TokenSet)
	BeginRefresh()
	NeedsNewToken() bool
}

// SchedulerParams contains params for creating a Scheduler.
type SchedulerParams struct {
	Policy Policy

	Auth  Authenticator
	Sink  Sink
	Store *Store

	PollInterval    time.Duration
	RefreshFraction float64
	LazyThreshold   time.Duration
	LazyMargin      time.Duration

	// Below are mockables; should only be set for tests.

	clock clock.Clock
	// waiting is called right after the scheduler armed its timer.
	waiting func(d time.Duration)
}

// Scheduler keeps the token in Store fresh, and broadcasts every renewed
// token to Sink.
type Scheduler struct {
	params SchedulerParams
}

// NewScheduler creates a new scheduler.
func NewScheduler(params *SchedulerParams) (*Scheduler, error) {
	s := &Scheduler{
		params: *params,
	}

	if s.params.Auth == nil || s.params.Sink == nil || s.params.Store == nil {
		return nil, errors.New("auth, sink and store are required")
	}

	if s.params.PollInterval == 0 {
		s.params.PollInterval = DefaultPollInterval
	}

	if s.params.RefreshFraction == 0 {
		s.params.RefreshFraction = DefaultRefreshFraction
	}

	if s.params.LazyThreshold == 0 {
		s.params.LazyThreshold = DefaultLazyThreshold
	}

	if s.params.LazyMargin == 0 {
		s.params.LazyMargin = DefaultLazyMargin
	}

	// Set prod values for mockables by default.

	if s.params.clock == nil {
		s.params.clock = clock.New()
	}

	if s.params.waiting == nil {
		s.params.waiting = func(time.Duration) {}
	}

	return s, nil
}

// Run renews tokens until ctx is done, in which case it returns nil. A failed
// renewal ends Run with the error: without a token no session can log in.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Infof("running %s token renewal", s.params.Policy)

	for {
		var err error

		switch s.params.Policy {
		case PolicyProactive:
			err = s.proactiveStep(ctx)
		case PolicyLazy:
			err = s.lazyStep(ctx)
		default:
			return errors.Errorf("unknown refresh policy %d", s.params.Policy)
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Trace(err)
		}
	}
}

func (s *Scheduler) proactiveStep(ctx context.Context) error {
	cur := s.params.Store.Current()

	delay := cur.RenewAt(s.params.RefreshFraction).Sub(s.params.clock.Now())
	if delay < 0 {
		delay = 0
	}

	logger.Debugf("renewing %s in %s", cur, delay)

	if err := s.sleep(ctx, delay); err != nil {
		return errors.Trace(err)
	}

	s.params.Sink.BeginRefresh()

	ts, err := s.params.Auth.Authenticate(ctx, &cur)
	if err != nil {
		return errors.Annotatef(err, "renewing token")
	}

	if baseline := s.params.Store.Baseline(); ts.ExpiresIn != baseline {
		logger.Warningf(
			"renewed token expires in %ds instead of %ds, re-authenticating",
			ts.ExpiresIn, baseline,
		)

		ts, err = s.params.Auth.Authenticate(ctx, nil)
		if err != nil {
			return errors.Annotatef(err, "re-authenticating")
		}

		s.params.Store.Rebaseline(ts.ExpiresIn)
	}

	s.publish(*ts)

	return nil
}

func (s *Scheduler) lazyStep(ctx context.Context) error {
	if err := s.sleep(ctx, s.params.PollInterval); err != nil {
		return errors.Trace(err)
	}

	cur := s.params.Store.Current()
	deadline := cur.LazyRenewAt(s.params.LazyThreshold, s.params.LazyMargin)

	expired := !s.params.clock.Now().Before(deadline)
	needed := s.params.Sink.NeedsNewToken()

	if !expired && !needed {
		return nil
	}

	if expired {
		logger.Debugf("%s is past its renewal deadline %s", cur, deadline)
	} else {
		logger.Debugf("a session needs a new token")
	}

	s.params.Sink.BeginRefresh()

	ts, err := s.params.Auth.Authenticate(ctx, &cur)
	if err != nil {
		return errors.Annotatef(err, "renewing token")
	}

	s.publish(*ts)

	return nil
}

func (s *Scheduler) publish(ts common.TokenSet) {
	stamped := s.params.Store.Supersede(ts)

	logger.Infof("renewed: %s", stamped)

	s.params.Sink.BroadcastToken(stamped)
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	timer := s.params.clock.Timer(d)
	defer timer.Stop()

	s.params.waiting(d)

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}
