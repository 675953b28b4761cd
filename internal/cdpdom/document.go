// internal/cdpdom/document.go
package cdpdom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shotpaste/internal/browser"
	"github.com/xkilldash9x/shotpaste/internal/driver"
	"github.com/xkilldash9x/shotpaste/internal/waiter"
)

const worldName = "shotpaste"

// Document exposes one frame of a CDP target to the waiter and the driver.
// Scripts run in an isolated world of the frame, so page globals cannot
// interfere with them while the DOM is shared.
type Document struct {
	frame   browser.Frame
	poll    time.Duration
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	world runtime.ExecutionContextID
}

var _ driver.Document = (*Document)(nil)

// New creates a document adapter for frame. A positive poll interval adds
// periodic re-checks on top of mutation events, for changes in nested
// out-of-process frames the events do not report. A positive timeout bounds
// every CDP command.
func New(frame browser.Frame, poll, timeout time.Duration, logger *zap.Logger) *Document {
	return &Document{
		frame:   frame,
		poll:    poll,
		timeout: timeout,
		logger:  logger.Named("cdpdom").With(zap.String("frame_id", string(frame.ID))),
	}
}

// Query runs document.querySelector in the frame. A nil element with a nil
// error means no match.
func (d *Document) Query(ctx context.Context, selector string) (waiter.Element, error) {
	expr, err := invocation(queryScript, "document", selector)
	if err != nil {
		return nil, err
	}

	var obj *runtime.RemoteObject
	if err := d.run(ctx, func(c context.Context) error {
		var evalErr error
		obj, evalErr = d.evaluate(c, expr)
		return evalErr
	}); err != nil {
		return nil, err
	}
	if obj == nil || obj.ObjectID == "" {
		return nil, nil
	}
	return &Element{doc: d, object: obj.ObjectID, selector: selector}, nil
}

// Observe subscribes to DOM mutation events of the frame's target. Every
// event marks a pending batch; bursts coalesce into one notification.
func (d *Document) Observe(ctx context.Context) (waiter.Observation, error) {
	listenCtx, cancel := context.WithCancel(d.frame.Context())
	sub := waiter.NewSubscription(cancel)

	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		if isMutation(ev) {
			sub.Notify()
		}
	})
	if d.poll > 0 {
		go tick(listenCtx, d.poll, sub)
	}

	// DOM events are only delivered for nodes the client has requested.
	err := d.run(ctx, func(c context.Context) error {
		if err := dom.Enable().Do(c); err != nil {
			return err
		}
		_, err := dom.GetDocument().WithDepth(-1).WithPierce(true).Do(c)
		return err
	})
	if err != nil {
		sub.Stop()
		return nil, fmt.Errorf("cdpdom: enable mutation events: %w", err)
	}
	return sub, nil
}

func tick(ctx context.Context, every time.Duration, sub *waiter.Subscription) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			sub.Notify()
		case <-ctx.Done():
			return
		}
	}
}

func isMutation(ev interface{}) bool {
	switch ev.(type) {
	case *dom.EventChildNodeInserted,
		*dom.EventChildNodeRemoved,
		*dom.EventChildNodeCountUpdated,
		*dom.EventAttributeModified,
		*dom.EventAttributeRemoved,
		*dom.EventCharacterDataModified,
		*dom.EventDocumentUpdated:
		return true
	}
	return false
}

// run executes fn against the frame's target, bounded by the target, the
// caller's context and the command timeout.
func (d *Document) run(ctx context.Context, fn func(context.Context) error) error {
	runCtx, cancel := browser.CombineContext(d.frame.Context(), ctx)
	defer cancel()
	if d.timeout > 0 {
		var opCancel context.CancelFunc
		runCtx, opCancel = context.WithTimeout(runCtx, d.timeout)
		defer opCancel()
	}
	return chromedp.Run(runCtx, chromedp.ActionFunc(fn))
}

// evaluate runs expr in the isolated world, recreating it once when the frame
// navigated and the cached context id became invalid.
func (d *Document) evaluate(ctx context.Context, expr string) (*runtime.RemoteObject, error) {
	for attempt := 0; ; attempt++ {
		world, err := d.isolatedWorld(ctx)
		if err != nil {
			return nil, err
		}
		obj, exc, err := runtime.Evaluate(expr).WithContextID(world).Do(ctx)
		if err != nil {
			if attempt == 0 && isStaleContext(err) {
				d.resetWorld(world)
				continue
			}
			return nil, err
		}
		if exc != nil {
			return nil, exceptionError(exc)
		}
		return obj, nil
	}
}

func (d *Document) isolatedWorld(ctx context.Context) (runtime.ExecutionContextID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.world != 0 {
		return d.world, nil
	}
	world, err := page.CreateIsolatedWorld(d.frame.ID).WithWorldName(worldName).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("cdpdom: create isolated world: %w", err)
	}
	d.world = world
	d.logger.Debug("Isolated world created.", zap.Int64("context_id", int64(world)))
	return world, nil
}

func (d *Document) resetWorld(stale runtime.ExecutionContextID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.world == stale {
		d.world = 0
	}
}

func isStaleContext(err error) bool {
	return strings.Contains(err.Error(), "Cannot find context") ||
		strings.Contains(err.Error(), "context with specified id")
}

// ErrScript wraps exceptions thrown by injected scripts.
var ErrScript = errors.New("cdpdom: script exception")

func exceptionError(exc *runtime.ExceptionDetails) error {
	msg := exc.Text
	if exc.Exception != nil && exc.Exception.Description != "" {
		msg = exc.Exception.Description
	}
	return fmt.Errorf("%w: %s", ErrScript, msg)
}

// FrameID reports the frame this document is bound to.
func (d *Document) FrameID() cdp.FrameID { return d.frame.ID }
