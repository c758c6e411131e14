package access

import (
	"context"
	"time"
)

// Host grants extended execution to a wait that must finish even if the
// process is about to be suspended.
type Host interface {
	// RequestExecution asks for at most d more time. The returned context is
	// done when the grant ends; call release once the work is finished.
	RequestExecution(ctx context.Context, d time.Duration) (context.Context, func())
}

// ForegroundHost is the Host for processes that are never suspended. The
// grant is simply ctx bounded by d.
type ForegroundHost struct{}

func (ForegroundHost) RequestExecution(ctx context.Context, d time.Duration) (context.Context, func()) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
