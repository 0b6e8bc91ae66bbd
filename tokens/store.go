/*
Package tokens keeps the access token fresh for the lifetime of streaming
sessions: Store holds the current token set, and Scheduler renews it either
proactively, shortly before expiry, or lazily, when a session needs one.
*/
package tokens // import "github.com/y3sh/rt-sdk-go/tokens"

import (
	"sync"

	"github.com/y3sh/rt-sdk-go/common"
)

// Store holds the current token set and the one it superseded. It's safe for
// concurrent use.
type Store struct {
	mtx sync.Mutex

	current  common.TokenSet
	previous common.TokenSet
	seq      uint64

	// baseline is the expires_in of the first primary grant; renewals which
	// come back with a different value are re-normalized.
	baseline int
}

// NewStore creates a store holding initial, which becomes the baseline.
func NewStore(initial common.TokenSet) *Store {
	s := &Store{}
	s.Supersede(initial)
	s.baseline = initial.ExpiresIn
	return s
}

// Current returns a copy of the current token set.
func (s *Store) Current() common.TokenSet {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.current
}

// Previous returns a copy of the token set which the current one replaced.
func (s *Store) Previous() common.TokenSet {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.previous
}

// Supersede stamps ts with the next sequence number, makes it current, and
// returns the stamped copy.
func (s *Store) Supersede(ts common.TokenSet) common.TokenSet {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.seq++
	ts.Seq = s.seq

	s.previous = s.current
	s.current = ts

	return ts
}

// Baseline returns the expiry baseline in seconds.
func (s *Store) Baseline() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.baseline
}

// Rebaseline resets the expiry baseline.
func (s *Store) Rebaseline(expiresIn int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.baseline = expiresIn
}
