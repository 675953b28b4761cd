package waiter_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/shotpaste/internal/waiter"
)

// fakeDocument is an in-memory Document whose elements appear on demand.
type fakeDocument struct {
	mu       sync.Mutex
	present  map[string]string
	subs     []*waiter.Subscription
	stops    atomic.Int32
	queries  atomic.Int32
	queryErr error
	// failFrom makes queries from that call onward fail with queryErr.
	failFrom int32
}

func newFakeDocument() *fakeDocument {
	return &fakeDocument{present: make(map[string]string)}
}

func (d *fakeDocument) Query(_ context.Context, selector string) (waiter.Element, error) {
	n := d.queries.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queryErr != nil && n >= d.failFrom {
		return nil, d.queryErr
	}
	if el, ok := d.present[selector]; ok {
		return el, nil
	}
	return nil, nil
}

func (d *fakeDocument) Observe(context.Context) (waiter.Observation, error) {
	sub := waiter.NewSubscription(func() { d.stops.Add(1) })
	d.mu.Lock()
	d.subs = append(d.subs, sub)
	d.mu.Unlock()
	return sub, nil
}

// insert adds an element and notifies observers, as a mutation batch would.
func (d *fakeDocument) insert(selector, el string) {
	d.mu.Lock()
	d.present[selector] = el
	subs := append([]*waiter.Subscription(nil), d.subs...)
	d.mu.Unlock()
	for _, s := range subs {
		s.Notify()
	}
}

// mutate notifies observers without changing the matched set.
func (d *fakeDocument) mutate() {
	d.mu.Lock()
	subs := append([]*waiter.Subscription(nil), d.subs...)
	d.mu.Unlock()
	for _, s := range subs {
		s.Notify()
	}
}

func (d *fakeDocument) allStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		if !s.Stopped() {
			return false
		}
	}
	return true
}

func TestWait_ImmediateMatch(t *testing.T) {
	doc := newFakeDocument()
	doc.present["#ready"] = "node"
	w := waiter.New(zaptest.NewLogger(t))

	el, err := w.Wait(context.Background(), doc, waiter.Within("#ready", time.Second))
	require.NoError(t, err)
	assert.Equal(t, "node", el)
	assert.Empty(t, doc.subs, "no observation is needed for an immediate match")
}

func TestWait_MatchViaMutation(t *testing.T) {
	defer goleak.VerifyNone(t)
	doc := newFakeDocument()
	w := waiter.New(zaptest.NewLogger(t))

	go func() {
		time.Sleep(20 * time.Millisecond)
		doc.mutate() // unrelated batch
		time.Sleep(20 * time.Millisecond)
		doc.insert("button.mode", "mode-button")
	}()

	el, err := w.Wait(context.Background(), doc, waiter.Within("button.mode", 2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "mode-button", el)
	assert.True(t, doc.allStopped(), "the observer must be deactivated on success")

	// Later notifications are not processed.
	before := doc.queries.Load()
	doc.mutate()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, before, doc.queries.Load())
}

func TestWait_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	doc := newFakeDocument()
	w := waiter.New(zaptest.NewLogger(t))

	start := time.Now()
	_, err := w.Wait(context.Background(), doc, waiter.Within("div.never", 50*time.Millisecond))
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	assert.ErrorIs(t, err, waiter.ErrTimeout)
	var nf *waiter.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "div.never", nf.Selector)
	assert.Equal(t, "element 'div.never' not found after 50ms", err.Error())

	assert.True(t, doc.allStopped(), "the observer must be deactivated on timeout")
	assert.Equal(t, int32(1), doc.stops.Load())
}

func TestWait_CallerCancellationIsNotATimeout(t *testing.T) {
	doc := newFakeDocument()
	w := waiter.New(zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := w.Wait(ctx, doc, waiter.Within("div.never", time.Second))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, waiter.ErrTimeout)
	assert.True(t, doc.allStopped())
}

func TestWait_QueryErrorPropagates(t *testing.T) {
	doc := newFakeDocument()
	doc.queryErr = errors.New("cdp: connection lost")
	w := waiter.New(zaptest.NewLogger(t))

	_, err := w.Wait(context.Background(), doc, waiter.Within("div", time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")
	assert.NotErrorIs(t, err, waiter.ErrTimeout)
}

func TestWait_RecheckErrorPropagates(t *testing.T) {
	doc := newFakeDocument()
	doc.queryErr = errors.New("cdp: connection lost")
	doc.failFrom = 2
	w := waiter.New(zaptest.NewLogger(t))

	start := time.Now()
	_, err := w.Wait(context.Background(), doc, waiter.Within("div", 5*time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")
	assert.NotErrorIs(t, err, waiter.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second, "the failure is reported without waiting for the timeout")
	assert.True(t, doc.allStopped())
}

func TestWait_DefaultTimeout(t *testing.T) {
	var nf *waiter.NotFoundError = &waiter.NotFoundError{Selector: "x", Timeout: waiter.DefaultTimeout}
	assert.Contains(t, nf.Error(), "5000ms")
}

func TestSubscription_StopIsIdempotent(t *testing.T) {
	calls := 0
	sub := waiter.NewSubscription(func() { calls++ })

	sub.Notify()
	sub.Notify() // coalesces into the pending batch
	assert.Len(t, sub.C(), 1)
	<-sub.C()

	sub.Stop()
	sub.Stop()
	assert.Equal(t, 1, calls, "teardown twice has no additional effect")
	assert.True(t, sub.Stopped())

	sub.Notify()
	assert.Len(t, sub.C(), 0, "notifications after Stop are discarded")
}
