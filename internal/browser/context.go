package browser

import (
	"context"
	"time"
)

// CombineContext derives a context from tab, which carries the CDP target,
// that is also cancelled when op is done. If op has a deadline earlier than
// tab's, the combined context inherits it.
func CombineContext(tab, op context.Context) (context.Context, context.CancelFunc) {
	var (
		combined context.Context
		cancel   context.CancelFunc
	)
	if d, ok := op.Deadline(); ok {
		combined, cancel = context.WithDeadline(tab, d)
	} else {
		combined, cancel = context.WithCancel(tab)
	}

	stop := context.AfterFunc(op, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach keeps ctx's values, including the chromedp target, but drops its
// cancellation. Cleanup that must run after the caller gave up uses it.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
