// internal/browser/context.go
package browser

import (
	"context"
	"time"
)

// CombineContext derives a context from primary, which carries the chromedp
// target, that is also cancelled when secondary is done. Values and the
// deadline come from primary only.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

type detachedContext struct {
	context.Context
}

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }

func (detachedContext) Done() <-chan struct{} { return nil }

func (detachedContext) Err() error { return nil }

// Detach keeps the values of ctx (the chromedp session) but drops its
// cancellation, so cleanup such as closing the helper tab still runs after
// the caller gave up.
func Detach(ctx context.Context) context.Context {
	return detachedContext{ctx}
}
