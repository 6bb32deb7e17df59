package core

import (
	"strings"
	"sync"

	goerrors "github.com/goliatone/go-errors"
)

// RefreshOutcome is broadcast to every request waiting on a refresh.
type RefreshOutcome struct {
	Token    string
	Provider string
	Err      error
}

// RefreshCoordinator guarantees at most one in-flight token refresh per
// session scope. Waiters receive the outcome on their own buffered channel,
// in subscription order, after which the channel is closed.
type RefreshCoordinator struct {
	mu         sync.Mutex
	inProgress bool
	generation uint64
	scope      string
	waiters    []chan RefreshOutcome
}

func NewRefreshCoordinator() *RefreshCoordinator {
	return &RefreshCoordinator{}
}

// TryBeginRefresh marks a refresh in progress for scope. It returns the
// generation the leader must present on completion, or false when a refresh
// is already running.
func (c *RefreshCoordinator) TryBeginRefresh(scope string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inProgress {
		return 0, false
	}
	return c.beginLocked(scope), true
}

// Subscribe registers a waiter for the running refresh. It returns false when
// no refresh is in progress.
func (c *RefreshCoordinator) Subscribe() (<-chan RefreshOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inProgress {
		return nil, false
	}
	return c.subscribeLocked(), true
}

// Acquire atomically either starts a refresh (leader=true) or subscribes to
// the running one. A running refresh for a different scope is superseded.
func (c *RefreshCoordinator) Acquire(scope string) (gen uint64, leader bool, wait <-chan RefreshOutcome) {
	scope = strings.TrimSpace(scope)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inProgress && c.scope != scope {
		c.broadcastLocked(RefreshOutcome{Err: errRefreshSuperseded()})
		c.inProgress = false
	}
	if !c.inProgress {
		return c.beginLocked(scope), true, nil
	}
	return 0, false, c.subscribeLocked()
}

// CompleteRefresh publishes token to every waiter and clears the in-progress
// flag. Results for a stale generation are discarded and false is returned.
func (c *RefreshCoordinator) CompleteRefresh(gen uint64, token string) bool {
	return c.completeWith(gen, token, nil)
}

// completeWith runs apply while the generation is known to be current, so a
// concurrent Reset cannot interleave between the check and the state update.
// A false return from apply fails the refresh instead.
func (c *RefreshCoordinator) completeWith(gen uint64, token string, apply func() bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inProgress || gen != c.generation {
		return false
	}
	c.inProgress = false
	if apply != nil && !apply() {
		c.broadcastLocked(RefreshOutcome{Provider: c.scope, Err: errRefreshSuperseded()})
		return false
	}
	c.broadcastLocked(RefreshOutcome{Token: token, Provider: c.scope})
	return true
}

// FailRefresh clears the flag and the waiter list together, then delivers err
// to each waiter.
func (c *RefreshCoordinator) FailRefresh(gen uint64, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inProgress || gen != c.generation {
		return false
	}
	c.inProgress = false
	c.broadcastLocked(RefreshOutcome{Provider: c.scope, Err: err})
	return true
}

// Reset abandons any running refresh. The leader's eventual completion is
// discarded because its generation is no longer current.
func (c *RefreshCoordinator) Reset(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inProgress {
		return
	}
	if err == nil {
		err = errRefreshSuperseded()
	}
	c.generation++
	c.inProgress = false
	c.broadcastLocked(RefreshOutcome{Provider: c.scope, Err: err})
}

func (c *RefreshCoordinator) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

func (c *RefreshCoordinator) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *RefreshCoordinator) beginLocked(scope string) uint64 {
	c.generation++
	c.inProgress = true
	c.scope = strings.TrimSpace(scope)
	c.waiters = nil
	return c.generation
}

func (c *RefreshCoordinator) subscribeLocked() chan RefreshOutcome {
	ch := make(chan RefreshOutcome, 1)
	c.waiters = append(c.waiters, ch)
	return ch
}

func (c *RefreshCoordinator) broadcastLocked(outcome RefreshOutcome) {
	waiters := c.waiters
	c.waiters = nil
	for _, ch := range waiters {
		ch <- outcome
		close(ch)
	}
}

func errRefreshSuperseded() error {
	return NewAuthError("token refresh superseded by a session change", goerrors.CategoryAuth, ErrorSessionExpired)
}
