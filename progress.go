package zipcore

import "sync/atomic"

// Progress is a cancellation token shared between a caller and the worker
// streaming an extract/add/remove operation. The engine polls Cancelled
// between chunks (at chunk boundaries, never mid-chunk) so cancellation is
// cheap and doesn't require interrupting an in-flight read or write.
type Progress struct {
	cancelled atomic.Bool

	// Written is updated by the engine after each chunk completes and may
	// be read concurrently by the caller to report progress.
	Written atomic.Int64

	// Total is the expected total size of the operation, if known in
	// advance (0 if not).
	Total int64
}

// Cancel requests that the in-flight operation stop at the next chunk
// boundary. Safe to call from any goroutine, any number of times.
func (p *Progress) Cancel() {
	if p != nil {
		p.cancelled.Store(true)
	}
}

// Cancelled reports whether Cancel has been called.
func (p *Progress) Cancelled() bool {
	return p != nil && p.cancelled.Load()
}

func (p *Progress) addWritten(n int64) {
	if p != nil {
		p.Written.Add(n)
	}
}
