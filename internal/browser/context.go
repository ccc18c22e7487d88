package browser

import (
	"context"
)

// CombineContext returns a context that carries parent's values (the
// chromedp target) and is done when either parent or secondary is done.
// secondary's deadline is kept so timeouts surface as DeadlineExceeded.
func CombineContext(parent, secondary context.Context) (context.Context, context.CancelFunc) {
	var (
		combined context.Context
		cancel   context.CancelFunc
	)
	if deadline, ok := secondary.Deadline(); ok {
		combined, cancel = context.WithDeadline(parent, deadline)
	} else {
		combined, cancel = context.WithCancel(parent)
	}

	stop := context.AfterFunc(secondary, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}
