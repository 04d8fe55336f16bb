package workflow

import "context"

// Handle tracks one submitted workflow until it reaches a terminal state.
type Handle struct {
	ID   string
	done chan struct{}
	err  error
}

func newHandle(id string) *Handle {
	return &Handle{ID: id, done: make(chan struct{})}
}

// Done is closed once the workflow is completed or failed and its final
// state has been stored.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the workflow finishes or ctx is done. It returns the
// error that failed the workflow, or nil if it completed.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}
