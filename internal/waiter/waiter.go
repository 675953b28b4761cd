// Package waiter resolves a DOM locator against a document, waiting for
// mutations until a match appears or the locator's timeout elapses.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout applies to locators that do not set one.
const DefaultTimeout = 5 * time.Second

// ErrTimeout matches every *NotFoundError under errors.Is.
var ErrTimeout = errors.New("waiter: timed out")

// Locator describes an element to find.
type Locator struct {
	Selector string
	Timeout  time.Duration
}

// Within returns a locator for selector with the given timeout.
func Within(selector string, timeout time.Duration) Locator {
	return Locator{Selector: selector, Timeout: timeout}
}

func (l Locator) timeout() time.Duration {
	if l.Timeout <= 0 {
		return DefaultTimeout
	}
	return l.Timeout
}

// NotFoundError reports that a locator never matched within its window.
type NotFoundError struct {
	Selector string
	Timeout  time.Duration
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("element '%s' not found after %dms", e.Selector, e.Timeout.Milliseconds())
}

// Is makes NotFoundError match ErrTimeout.
func (e *NotFoundError) Is(target error) bool { return target == ErrTimeout }

// Element is an opaque handle to a matched node.
type Element interface{}

// Document is the minimal view of a page the waiter needs. Query returns
// (nil, nil) when nothing matches.
type Document interface {
	Query(ctx context.Context, selector string) (Element, error)
	Observe(ctx context.Context) (Observation, error)
}

// Observation is a live subtree-mutation subscription. C receives one value
// per batch of mutations. Stop must be safe to call more than once.
type Observation interface {
	C() <-chan struct{}
	Stop()
}

// Waiter waits for locators on behalf of one logical caller.
type Waiter struct {
	logger *zap.Logger
}

// New creates a Waiter.
func New(logger *zap.Logger) *Waiter {
	return &Waiter{logger: logger.Named("waiter")}
}

// Wait resolves loc against doc. It checks once immediately, then re-checks
// on every mutation batch until a match is found, the timeout elapses, or
// ctx is cancelled. The observation is always stopped before Wait returns.
func (w *Waiter) Wait(ctx context.Context, doc Document, loc Locator) (Element, error) {
	if el, err := doc.Query(ctx, loc.Selector); err != nil {
		return nil, fmt.Errorf("waiter: query '%s': %w", loc.Selector, err)
	} else if el != nil {
		w.logger.Debug("Found element immediately.", zap.String("selector", loc.Selector))
		return el, nil
	}

	timeout := loc.timeout()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	obs, err := doc.Observe(waitCtx)
	if err != nil {
		return nil, fmt.Errorf("waiter: observe for '%s': %w", loc.Selector, err)
	}
	defer obs.Stop()

	// A mutation may have landed between the first query and the subscription.
	if el, err := doc.Query(waitCtx, loc.Selector); err != nil {
		if waitCtx.Err() != nil {
			return nil, w.expired(ctx, loc, timeout)
		}
		return nil, fmt.Errorf("waiter: query '%s': %w", loc.Selector, err)
	} else if el != nil {
		w.logger.Debug("Found element before first mutation.", zap.String("selector", loc.Selector))
		return el, nil
	}

	for {
		select {
		case _, ok := <-obs.C():
			if !ok {
				return nil, fmt.Errorf("waiter: observation for '%s' ended", loc.Selector)
			}
			el, err := doc.Query(waitCtx, loc.Selector)
			if err != nil {
				if waitCtx.Err() != nil {
					return nil, w.expired(ctx, loc, timeout)
				}
				return nil, fmt.Errorf("waiter: query '%s': %w", loc.Selector, err)
			}
			if el != nil {
				w.logger.Debug("Found element via mutation.", zap.String("selector", loc.Selector))
				return el, nil
			}
		case <-waitCtx.Done():
			return nil, w.expired(ctx, loc, timeout)
		}
	}
}

// expired distinguishes the caller's cancellation from our own timeout.
func (w *Waiter) expired(parent context.Context, loc Locator, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return &NotFoundError{Selector: loc.Selector, Timeout: timeout}
}

// Subscription is a reusable Observation backed by a one-slot channel, so
// bursts of notifications coalesce into a single pending batch. Document
// implementations embed it.
type Subscription struct {
	ch     chan struct{}
	once   sync.Once
	onStop func()
	done   chan struct{}
}

// NewSubscription creates a subscription; onStop runs exactly once on the
// first Stop.
func NewSubscription(onStop func()) *Subscription {
	return &Subscription{
		ch:     make(chan struct{}, 1),
		onStop: onStop,
		done:   make(chan struct{}),
	}
}

// Notify marks a pending batch. It never blocks and is a no-op after Stop.
func (s *Subscription) Notify() {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C implements Observation.
func (s *Subscription) C() <-chan struct{} { return s.ch }

// Stop implements Observation.
func (s *Subscription) Stop() {
	s.once.Do(func() {
		close(s.done)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

// Stopped reports whether Stop has been called.
func (s *Subscription) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
