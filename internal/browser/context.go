// File: internal/browser/context.go
package browser

import (
	"context"
)

// CombineContext creates a context that is canceled when either parent is
// done. It derives from parentCtx to inherit its values (including the CDP
// target), while secondaryCtx contributes only its cancellation signal.
func CombineContext(parentCtx, secondaryCtx context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(parentCtx)

	go func() {
		select {
		case <-secondaryCtx.Done():
			// The secondary context was canceled, propagate it.
			cancel()
		case <-combinedCtx.Done():
			// Already canceled (parent or direct call), just exit.
		}
	}()

	return combinedCtx, cancel
}
