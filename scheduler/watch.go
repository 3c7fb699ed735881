package scheduler

import (
	"context"
	"sync"

	"github.com/gurre/remexec/errs"
)

// stateChannel broadcasts the latest ActionState snapshot to subscribers.
// Each subscriber holds a one-slot mailbox where newer values replace
// unread ones, so a slow subscriber always observes the most recent state.
// That is sufficient because stages only move toward terminal states.
type stateChannel struct {
	mu     sync.Mutex
	latest *ActionState
	subs   map[*Subscription]struct{}
}

func newStateChannel(initial *ActionState) *stateChannel {
	return &stateChannel{
		latest: initial,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Publish replaces the latest snapshot and wakes every subscriber.
func (c *stateChannel) Publish(state *ActionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = state
	for sub := range c.subs {
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- state
	}
}

// Subscribe returns a subscription preloaded with the latest snapshot.
func (c *stateChannel) Subscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &Subscription{ch: make(chan *ActionState, 1), parent: c}
	sub.ch <- c.latest
	c.subs[sub] = struct{}{}
	return sub
}

// HasSubscribers reports whether anyone is still listening.
func (c *stateChannel) HasSubscribers() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs) > 0
}

// Subscription is one client's view of an action's state updates.
type Subscription struct {
	ch     chan *ActionState
	parent *stateChannel
	closed bool
}

// Next blocks until a state newer than the last observed one is available
// (or the preloaded current state on first call).
func (s *Subscription) Next(ctx context.Context) (*ActionState, error) {
	if s.closed {
		return nil, errs.New(errs.Internal, "subscription is closed")
	}
	select {
	case state := <-s.ch:
		return state, nil
	case <-ctx.Done():
		return nil, errs.New(errs.Internal, "subscription wait cancelled: %v", ctx.Err())
	}
}

// Close detaches the subscription. Dropping a subscription never cancels
// the underlying action.
func (s *Subscription) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.parent != nil {
		s.parent.mu.Lock()
		delete(s.parent.subs, s)
		s.parent.mu.Unlock()
	}
}

// newTerminalSubscription wraps an already-final state for late
// subscribers served from the recently-completed set.
func newTerminalSubscription(state *ActionState) *Subscription {
	sub := &Subscription{ch: make(chan *ActionState, 1)}
	sub.ch <- state
	return sub
}
