package tokens

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"

	"github.com/y3sh/rt-sdk-go/common"
)

const expectTimeout = 1 * time.Second

type authResult struct {
	expiresIn    int
	refreshToken string
	err          error
}

// fakeAuth returns queued results, stamped with the mock clock time.
type fakeAuth struct {
	clock *clock.Mock

	mtx       sync.Mutex
	results   []authResult
	previous  []*common.TokenSet
	callCount int
}

func (a *fakeAuth) Authenticate(
	ctx context.Context, previous *common.TokenSet,
) (*common.TokenSet, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.callCount++
	a.previous = append(a.previous, previous)

	if len(a.results) == 0 {
		return nil, errors.New("no more results")
	}

	res := a.results[0]
	a.results = a.results[1:]

	if res.err != nil {
		return nil, res.err
	}

	return &common.TokenSet{
		AccessToken:  "access",
		RefreshToken: res.refreshToken,
		ExpiresIn:    res.expiresIn,
		ObtainedAt:   a.clock.Now(),
	}, nil
}

func (a *fakeAuth) calls() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.callCount
}

func (a *fakeAuth) previousArgs() []*common.TokenSet {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return append([]*common.TokenSet(nil), a.previous...)
}

type fakeSink struct {
	mtx           sync.Mutex
	broadcasts    []common.TokenSet
	beginRefresh  int
	needsNewToken bool
}

func (s *fakeSink) BroadcastToken(ts common.TokenSet) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.broadcasts = append(s.broadcasts, ts)
}

func (s *fakeSink) BeginRefresh() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.beginRefresh++
}

func (s *fakeSink) NeedsNewToken() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.needsNewToken
}

func (s *fakeSink) setNeedsNewToken(v bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.needsNewToken = v
}

func (s *fakeSink) tokens() []common.TokenSet {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]common.TokenSet(nil), s.broadcasts...)
}

type schedulerMocks struct {
	clock   *clock.Mock
	auth    *fakeAuth
	sink    *fakeSink
	store   *Store
	waiting chan time.Duration
}

func newSchedulerMocks(initial common.TokenSet, results ...authResult) *schedulerMocks {
	c := clock.NewMockOpt(clock.MockOpt{
		Gosched: func() {},
	})
	c.Set(time.Date(2018, 5, 1, 0, 0, 0, 0, time.UTC))

	initial.ObtainedAt = c.Now()

	return &schedulerMocks{
		clock:   c,
		auth:    &fakeAuth{clock: c, results: results},
		sink:    &fakeSink{},
		store:   NewStore(initial),
		waiting: make(chan time.Duration, 1),
	}
}

// run starts the scheduler; the returned channel receives the result of Run.
func (m *schedulerMocks) run(ctx context.Context, policy Policy) (<-chan error, error) {
	s, err := NewScheduler(&SchedulerParams{
		Policy: policy,
		Auth:   m.auth,
		Sink:   m.sink,
		Store:  m.store,

		clock: m.clock,
		waiting: func(d time.Duration) {
			m.waiting <- d
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	res := make(chan error, 1)
	go func() {
		res <- s.Run(ctx)
	}()

	return res, nil
}

func (m *schedulerMocks) expectWaiting(want time.Duration) error {
	select {
	case got := <-m.waiting:
		if got != want {
			return errors.Errorf("expected to wait %s, got %s", want, got)
		}
		return nil
	case <-time.After(expectTimeout):
		return errors.Errorf("expected to wait %s, got nothing", want)
	}
}

func expectRunResult(res <-chan error) (error, error) {
	select {
	case err := <-res:
		return err, nil
	case <-time.After(expectTimeout):
		return nil, errors.New("Run didn't return")
	}
}

func TestProactive(t *testing.T) {
	if err := testProactive(t); err != nil {
		t.Fatal(errors.ErrorStack(err))
	}
}

func testProactive(t *testing.T) error {
	mocks := newSchedulerMocks(
		common.TokenSet{AccessToken: "access", RefreshToken: "refresh1", ExpiresIn: 300},
		authResult{expiresIn: 300, refreshToken: "refresh2"},
		authResult{expiresIn: 300, refreshToken: "refresh3"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := mocks.run(ctx, PolicyProactive)
	if err != nil {
		return errors.Trace(err)
	}

	// 90% of 300s
	if err := mocks.expectWaiting(270 * time.Second); err != nil {
		return errors.Trace(err)
	}
	mocks.clock.Add(270 * time.Second)

	if err := mocks.expectWaiting(270 * time.Second); err != nil {
		return errors.Trace(err)
	}

	tokens := mocks.sink.tokens()
	if assert.Len(t, tokens, 1) {
		assert.Equal(t, uint64(2), tokens[0].Seq)
		assert.Equal(t, "refresh2", tokens[0].RefreshToken)
	}

	prev := mocks.auth.previousArgs()
	if assert.Len(t, prev, 1) && assert.NotNil(t, prev[0]) {
		assert.Equal(t, "refresh1", prev[0].RefreshToken)
	}

	// Not yet
	mocks.clock.Add(269 * time.Second)
	assert.Equal(t, 1, mocks.auth.calls())

	mocks.clock.Add(time.Second)

	if err := mocks.expectWaiting(270 * time.Second); err != nil {
		return errors.Trace(err)
	}

	tokens = mocks.sink.tokens()
	if assert.Len(t, tokens, 2) {
		assert.Equal(t, uint64(3), tokens[1].Seq)
	}

	prev = mocks.auth.previousArgs()
	if assert.Len(t, prev, 2) && assert.NotNil(t, prev[1]) {
		assert.Equal(t, "refresh2", prev[1].RefreshToken)
	}

	assert.Equal(t, 2, mocks.sink.beginRefresh)

	cancel()

	runErr, err := expectRunResult(res)
	if err != nil {
		return errors.Trace(err)
	}
	assert.NoError(t, runErr)

	return nil
}

func TestProactiveRebaseline(t *testing.T) {
	if err := testProactiveRebaseline(t); err != nil {
		t.Fatal(errors.ErrorStack(err))
	}
}

func testProactiveRebaseline(t *testing.T) error {
	mocks := newSchedulerMocks(
		common.TokenSet{AccessToken: "access", RefreshToken: "refresh1", ExpiresIn: 300},
		// The refresh grant comes back with a shorter validity, so the
		// primary grant is used to re-normalize it.
		authResult{expiresIn: 120, refreshToken: "refresh2"},
		authResult{expiresIn: 600, refreshToken: "refresh3"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := mocks.run(ctx, PolicyProactive); err != nil {
		return errors.Trace(err)
	}

	if err := mocks.expectWaiting(270 * time.Second); err != nil {
		return errors.Trace(err)
	}
	mocks.clock.Add(270 * time.Second)

	// 90% of the new 600s
	if err := mocks.expectWaiting(540 * time.Second); err != nil {
		return errors.Trace(err)
	}

	prev := mocks.auth.previousArgs()
	if assert.Len(t, prev, 2) {
		assert.NotNil(t, prev[0])
		assert.Nil(t, prev[1])
	}

	assert.Equal(t, 600, mocks.store.Baseline())

	// Only the re-normalized token is broadcast
	tokens := mocks.sink.tokens()
	if assert.Len(t, tokens, 1) {
		assert.Equal(t, 600, tokens[0].ExpiresIn)
		assert.Equal(t, "refresh3", tokens[0].RefreshToken)
	}

	assert.Equal(t, tokens[0], mocks.store.Current())

	return nil
}

func TestProactiveAuthError(t *testing.T) {
	authErr := errors.New("invalid_grant")

	mocks := newSchedulerMocks(
		common.TokenSet{AccessToken: "access", RefreshToken: "refresh1", ExpiresIn: 100},
		authResult{err: authErr},
	)

	res, err := mocks.run(context.Background(), PolicyProactive)
	if err != nil {
		t.Fatal(errors.ErrorStack(err))
	}

	if err := mocks.expectWaiting(90 * time.Second); err != nil {
		t.Fatal(errors.ErrorStack(err))
	}
	mocks.clock.Add(90 * time.Second)

	runErr, err := expectRunResult(res)
	if err != nil {
		t.Fatal(errors.ErrorStack(err))
	}

	assert.Equal(t, authErr, errors.Cause(runErr))
	assert.Empty(t, mocks.sink.tokens())
}

func TestLazyMargin(t *testing.T) {
	if err := testLazyMargin(t); err != nil {
		t.Fatal(errors.ErrorStack(err))
	}
}

func testLazyMargin(t *testing.T) error {
	// A long-lived token is renewed after the fixed margin of 300s.
	mocks := newSchedulerMocks(
		common.TokenSet{AccessToken: "access", ExpiresIn: 3600},
		authResult{expiresIn: 3600},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := mocks.run(ctx, PolicyLazy); err != nil {
		return errors.Trace(err)
	}

	for i := 1; i <= 100; i++ {
		if err := mocks.expectWaiting(DefaultPollInterval); err != nil {
			return errors.Annotatef(err, "poll #%d", i)
		}

		// The previous poll is done by now
		if i < 100 {
			assert.Equal(t, 0, mocks.auth.calls(), "poll #%d", i)
		}

		mocks.clock.Add(DefaultPollInterval)
	}

	if err := mocks.expectWaiting(DefaultPollInterval); err != nil {
		return errors.Trace(err)
	}

	assert.Equal(t, 1, mocks.auth.calls())

	tokens := mocks.sink.tokens()
	if assert.Len(t, tokens, 1) {
		assert.Equal(t, uint64(2), tokens[0].Seq)
	}

	return nil
}

func TestLazyShortToken(t *testing.T) {
	if err := testLazyShortToken(t); err != nil {
		t.Fatal(errors.ErrorStack(err))
	}
}

func testLazyShortToken(t *testing.T) error {
	// Below the threshold, the token is renewed at 90% of its validity: 27s.
	mocks := newSchedulerMocks(
		common.TokenSet{AccessToken: "access", ExpiresIn: 30},
		authResult{expiresIn: 30},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := mocks.run(ctx, PolicyLazy); err != nil {
		return errors.Trace(err)
	}

	for i := 1; i <= 9; i++ {
		if err := mocks.expectWaiting(DefaultPollInterval); err != nil {
			return errors.Annotatef(err, "poll #%d", i)
		}
		mocks.clock.Add(DefaultPollInterval)
	}

	if err := mocks.expectWaiting(DefaultPollInterval); err != nil {
		return errors.Trace(err)
	}

	assert.Equal(t, 1, mocks.auth.calls())

	return nil
}

func TestLazyNeedsNewToken(t *testing.T) {
	if err := testLazyNeedsNewToken(t); err != nil {
		t.Fatal(errors.ErrorStack(err))
	}
}

func testLazyNeedsNewToken(t *testing.T) error {
	mocks := newSchedulerMocks(
		common.TokenSet{AccessToken: "access", ExpiresIn: 3600},
		authResult{expiresIn: 3600},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := mocks.run(ctx, PolicyLazy)
	if err != nil {
		return errors.Trace(err)
	}

	if err := mocks.expectWaiting(DefaultPollInterval); err != nil {
		return errors.Trace(err)
	}
	mocks.clock.Add(DefaultPollInterval)

	if err := mocks.expectWaiting(DefaultPollInterval); err != nil {
		return errors.Trace(err)
	}
	assert.Equal(t, 0, mocks.auth.calls())

	mocks.sink.setNeedsNewToken(true)
	mocks.clock.Add(DefaultPollInterval)

	if err := mocks.expectWaiting(DefaultPollInterval); err != nil {
		return errors.Trace(err)
	}

	assert.Equal(t, 1, mocks.auth.calls())
	assert.Equal(t, 1, mocks.sink.beginRefresh)
	assert.Len(t, mocks.sink.tokens(), 1)

	cancel()

	runErr, err := expectRunResult(res)
	if err != nil {
		return errors.Trace(err)
	}
	assert.NoError(t, runErr)

	return nil
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("lazy")
	assert.NoError(t, err)
	assert.Equal(t, PolicyLazy, p)

	p, err = ParsePolicy("proactive")
	assert.NoError(t, err)
	assert.Equal(t, PolicyProactive, p)

	_, err = ParsePolicy("eager")
	assert.Error(t, err)
}

func TestStore(t *testing.T) {
	s := NewStore(common.TokenSet{AccessToken: "a1", ExpiresIn: 300})

	assert.Equal(t, uint64(1), s.Current().Seq)
	assert.Equal(t, 300, s.Baseline())
	assert.False(t, s.Previous().Valid())

	stamped := s.Supersede(common.TokenSet{AccessToken: "a2", ExpiresIn: 600})
	assert.Equal(t, uint64(2), stamped.Seq)
	assert.Equal(t, stamped, s.Current())
	assert.Equal(t, "a1", s.Previous().AccessToken)

	// The baseline only changes explicitly
	assert.Equal(t, 300, s.Baseline())
	s.Rebaseline(600)
	assert.Equal(t, 600, s.Baseline())
}
